package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

// closeReasonWait bounds how long a stopped consumer waits for its channel's
// close reason.
const closeReasonWait = time.Second

type session struct {
	conn     *amqp091.Connection
	prefetch int
	logger   *zap.Logger
	notify   chan error

	// lost carries the first consumer failure to watch.
	lost    chan error
	closing atomic.Bool

	// pubMu serializes use of the shared publishing channel.
	pubMu sync.Mutex
	pub   *amqp091.Channel

	closeOnce sync.Once
}

// watch forwards the first connection, publishing channel or consumer
// failure to NotifyClose and closes it once the session is gone.
func (s *session) watch() {
	connClose := s.conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClose := s.pub.NotifyClose(make(chan *amqp091.Error, 1))
	go forwardFirstFailure(connClose, chClose, s.lost, s.notify)
}

// forwardFirstFailure sends the first failure to notify, then closes it. A
// graceful close sends nothing.
func forwardFirstFailure(connClose, chClose <-chan *amqp091.Error, lost <-chan error, notify chan<- error) {
	defer close(notify)
	var cause error
	select {
	case err := <-connClose:
		if err != nil {
			cause = err
		}
	case err := <-chClose:
		if err != nil {
			cause = err
		}
	case cause = <-lost:
	}
	if cause != nil {
		notify <- cause
	}
}

// consumerLost reports a consumer that stopped on its own. Only the first
// report matters: the session is replaced after it.
func (s *session) consumerLost(err error) {
	if s.closing.Load() {
		return
	}
	s.logger.Warn("consumer lost", zap.Error(err))
	select {
	case s.lost <- err:
	default:
	}
}

func (s *session) NotifyClose() <-chan error {
	return s.notify
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.pubMu.Lock()
		chErr := s.pub.Close()
		s.pubMu.Unlock()
		connErr := s.conn.Close()
		if errors.Is(chErr, amqp091.ErrClosed) {
			chErr = nil
		}
		if errors.Is(connErr, amqp091.ErrClosed) {
			connErr = nil
		}
		err = errors.Join(chErr, connErr)
	})
	return err
}

func (s *session) Producer(_ context.Context, name string) (bus.Producer, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if err := declare(s.pub, name); err != nil {
		return nil, err
	}
	exchange, key := route(name)
	return &producer{session: s, exchange: exchange, key: key}, nil
}

// declare makes sure the queue or fanout exchange behind name exists.
func declare(ch *amqp091.Channel, name string) error {
	if bus.IsTopic(name) {
		if err := ch.ExchangeDeclare(name, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (s *session) Consumer(_ context.Context, name string, deliver func(bus.Delivery)) (bus.Consumer, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel for %s: %w", name, err)
	}
	fail := func(err error) (bus.Consumer, error) {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos for %s: %w", name, err))
	}
	if err := declare(ch, name); err != nil {
		return fail(err)
	}
	source := name
	if bus.IsTopic(name) {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fail(fmt.Errorf("declare subscription queue for %s: %w", name, err))
		}
		if err := ch.QueueBind(q.Name, "", name, false, nil); err != nil {
			return fail(fmt.Errorf("bind subscription queue for %s: %w", name, err))
		}
		source = q.Name
	}

	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	tag := uuid.NewString()
	deliveries, err := ch.Consume(source, tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume %s: %w", name, err))
	}
	c := &consumer{ch: ch, tag: tag, name: name, lost: s.consumerLost}
	go c.run(deliveries, closed, deliver, s.logger.With(zap.String("channel", name)))
	return c, nil
}

type producer struct {
	session  *session
	exchange string
	key      string
}

func (p *producer) Publish(ctx context.Context, pub bus.Publishing) (string, error) {
	id := pub.MessageID
	if id == "" {
		id = newMessageID()
	}
	p.session.pubMu.Lock()
	defer p.session.pubMu.Unlock()
	err := p.session.pub.PublishWithContext(ctx, p.exchange, p.key, false, false, amqp091.Publishing{
		MessageId:    id,
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Headers:      toTable(pub.Headers),
		Body:         pub.Body,
	})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

// Close is a no-op: producers share the session's publishing channel.
func (p *producer) Close() error {
	return nil
}

type consumer struct {
	ch      *amqp091.Channel
	tag     string
	name    string
	lost    func(error)
	closing atomic.Bool
	once    sync.Once
}

// run acknowledges each delivery on receipt, then hands it on. Deliveries
// buffered but not yet acknowledged go back to the queue when the channel
// closes. If the deliveries stop before Close, or an ack fails, the consumer
// reports itself lost.
func (c *consumer) run(deliveries <-chan amqp091.Delivery, closed <-chan *amqp091.Error, deliver func(bus.Delivery), logger *zap.Logger) {
	for d := range deliveries {
		if err := d.Ack(false); err != nil {
			logger.Warn("ack failed", zap.String("id", d.MessageId), zap.Error(err))
			c.report(fmt.Errorf("ack %s: %w", d.MessageId, err))
			return
		}
		deliver(bus.Delivery{
			MessageID: d.MessageId,
			Body:      d.Body,
			Headers:   fromTable(d.Headers),
		})
	}
	if c.closing.Load() {
		return
	}
	// A server-side cancel ends the deliveries without closing the channel.
	var cause error = amqp091.ErrClosed
	select {
	case err, ok := <-closed:
		if ok && err != nil {
			cause = err
		}
	case <-time.After(closeReasonWait):
	}
	c.report(cause)
}

func (c *consumer) report(cause error) {
	if c.closing.Load() || c.lost == nil {
		return
	}
	c.lost(fmt.Errorf("%w: %s: %w", ErrConsumerLost, c.name, cause))
}

func (c *consumer) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		cancelErr := c.ch.Cancel(c.tag, false)
		closeErr := c.ch.Close()
		if errors.Is(cancelErr, amqp091.ErrClosed) {
			cancelErr = nil
		}
		if errors.Is(closeErr, amqp091.ErrClosed) {
			closeErr = nil
		}
		err = errors.Join(cancelErr, closeErr)
	})
	return err
}
