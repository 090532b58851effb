// Package bus is the resilient messaging layer shared by harvesters and the
// scheduler.
//
// A Manager owns one broker session plus the producers, consumers and
// listener registrations built on it. Transient broker failures are retried
// with a bounded exponential backoff; a dropped session is rebuilt and every
// registered listener is replayed onto the new one.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/backoff"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
	"github.com/JakeFAU/harvest-controller/internal/notify"
)

// keySeparator joins channel and listener id in consumer keys.
const keySeparator = "##"

// Handler processes one delivered message. Handlers for one listener run
// sequentially on that listener's dispatch goroutine.
type Handler func(ctx context.Context, msg *Message)

type listener struct {
	channel channels.Channel
	id      string
	handler Handler
}

type dispatchKey struct{}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPolicy sets the retry policy used by every operation.
func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithNotifier sets the operator alert sink.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// Manager is a broker connection with cached producers and consumers.
type Manager struct {
	driver     Driver
	logger     *zap.Logger
	policy     backoff.Policy
	notifier   notify.Notifier
	propagator propagation.TextMapPropagator

	// mu guards session. Sends and listener changes hold it for reading;
	// connect, reconnect and cleanup hold it for writing.
	mu      sync.RWMutex
	session Session
	baseCtx context.Context

	producers *cache[Producer]
	consumers *cache[Consumer]

	lmu       sync.Mutex
	listeners map[string]listener

	reconnecting atomic.Bool
}

// NewManager builds an unconnected Manager. Call Initialize before use.
func NewManager(driver Driver, opts ...Option) *Manager {
	m := &Manager{
		driver:     driver,
		logger:     zap.NewNop(),
		policy:     backoff.Default(),
		notifier:   notify.NoOpNotifier{},
		propagator: otel.GetTextMapPropagator(),
		producers:  newCache[Producer](),
		consumers:  newCache[Consumer](),
		listeners:  make(map[string]listener),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func consumerKey(ch channels.Channel, listenerID string) string {
	return ch.Name + keySeparator + listenerID
}

// Initialize connects to the broker. Listeners registered before a Cleanup
// are replayed. It fails with ErrConnectionInit once the retry bound is spent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return nil
	}
	m.baseCtx = context.WithoutCancel(ctx)
	if err := m.connectLocked(ctx); err != nil {
		m.notifier.Notify(ctx, notify.LevelError, "Could not initialize connection to the message broker", err)
		return fmt.Errorf("%w: %w", ErrConnectionInit, err)
	}
	m.replayLocked(ctx, m.snapshotListeners())
	return nil
}

// connectLocked opens a session within the retry bound. The caller holds mu.
func (m *Manager) connectLocked(ctx context.Context) error {
	err := m.policy.Do(ctx, func(try int) error {
		session, err := m.driver.Connect(ctx)
		if err != nil {
			return err
		}
		m.session = session
		go m.watch(session)
		return nil
	}, func(try int, err error) {
		m.logger.Warn("connect to broker failed",
			zap.Int("try", try),
			zap.Int("max_tries", m.policy.Tries()),
			zap.Error(err))
		m.cleanupLocked()
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	m.logger.Info("connected to broker")
	return nil
}

// watch turns an asynchronous session failure into error handling.
func (m *Manager) watch(session Session) {
	for err := range session.NotifyClose() {
		if err == nil {
			continue
		}
		if !m.isCurrent(session) {
			return
		}
		m.logger.Warn("broker session closed", zap.Error(err))
		m.handleError(m.baseCtx, err)
		return
	}
}

func (m *Manager) isCurrent(session Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session == session
}

// handleError reconnects for errors the driver classifies as connection loss.
func (m *Manager) handleError(ctx context.Context, err error) {
	if !m.driver.ShouldReconnect(err) {
		m.logger.Warn("broker error not handled", zap.Error(err))
		return
	}
	if rerr := m.Reconnect(ctx); rerr != nil {
		m.logger.Error("reconnect after broker error failed", zap.Error(rerr))
	}
}

// Connected reports whether a session is open.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil
}

// ListenerCount returns the number of registered listeners.
func (m *Manager) ListenerCount() int {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return len(m.listeners)
}

// Send transmits msg to msg.To.
func (m *Manager) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("send nil message: %w", ErrArgumentInvalid)
	}
	return m.send(ctx, msg, msg.To)
}

// Resend transmits msg, unchanged and keeping its id, to another destination.
func (m *Manager) Resend(ctx context.Context, msg *Message, to channels.Channel) error {
	if msg == nil {
		return fmt.Errorf("resend nil message: %w", ErrArgumentInvalid)
	}
	return m.send(ctx, msg, to)
}

// Reply sends msg back to its reply channel. A message echoed to its sender
// is marked as a reply to itself.
func (m *Manager) Reply(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("reply with nil message: %w", ErrArgumentInvalid)
	}
	if msg.ReplyOfID == "" {
		msg.ReplyOfID = msg.ID()
	}
	return m.send(ctx, msg, msg.ReplyTo)
}

func (m *Manager) send(ctx context.Context, msg *Message, to channels.Channel) error {
	if to.IsZero() {
		return fmt.Errorf("message %s has no destination: %w", msg.Type, ErrArgumentInvalid)
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	m.propagator.Inject(ctx, headerCarrier(msg.Headers))

	err := m.policy.Do(ctx, func(int) error {
		return m.publishOnce(ctx, msg, to)
	}, func(try int, err error) {
		m.logger.Warn("send failed",
			zap.String("channel", to.Name),
			zap.String("message", msg.String()),
			zap.Int("try", try),
			zap.Error(err))
		m.handleError(ctx, err)
	})
	metrics.ObserveSend(err)
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrSend, msg.Type, to.Name, err)
	}
	m.logger.Debug("sent message", zap.String("channel", to.Name), zap.String("id", msg.ID()))
	return nil
}

func (m *Manager) publishOnce(ctx context.Context, msg *Message, to channels.Channel) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ErrNotConnected
	}
	session := m.session
	producer, err := m.producers.getOrCreate(to.Name, func() (Producer, error) {
		return session.Producer(ctx, to.Name)
	})
	if err != nil {
		return fmt.Errorf("create producer for %s: %w", to.Name, err)
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	id, err := producer.Publish(ctx, Publishing{
		MessageID: msg.ID(),
		Body:      body,
		Headers:   msg.Headers,
	})
	if err != nil {
		// A broken producer is rebuilt on the next try.
		if stale, ok := m.producers.take(to.Name); ok {
			_ = stale.Close()
		}
		return fmt.Errorf("publish to %s: %w", to.Name, err)
	}
	msg.AssignID(id)
	return nil
}

// SetListener registers handler for messages on ch. Registering the same
// (channel, listenerID) pair again replaces the handler and keeps the consumer.
func (m *Manager) SetListener(ctx context.Context, ch channels.Channel, listenerID string, handler Handler) error {
	if ch.IsZero() || listenerID == "" || handler == nil {
		return fmt.Errorf("set listener on %q: %w", ch.Name, ErrArgumentInvalid)
	}
	key := consumerKey(ch, listenerID)
	m.lmu.Lock()
	prev, replaced := m.listeners[key]
	m.listeners[key] = listener{channel: ch, id: listenerID, handler: handler}
	m.lmu.Unlock()

	err := m.policy.Do(ctx, func(int) error {
		return m.subscribeOnce(ctx, key, ch)
	}, func(try int, err error) {
		m.logger.Warn("add listener failed",
			zap.String("channel", ch.Name),
			zap.String("listener", listenerID),
			zap.Int("try", try),
			zap.Error(err))
		m.handleError(ctx, err)
	})
	metrics.ObserveListenerOp("add", err)
	if err != nil {
		m.lmu.Lock()
		if replaced {
			m.listeners[key] = prev
		} else {
			delete(m.listeners, key)
		}
		m.lmu.Unlock()
		return fmt.Errorf("%w: add %s: %w", ErrListenerRegistration, key, err)
	}
	m.logger.Debug("listener added", zap.String("channel", ch.Name), zap.String("listener", listenerID))
	return nil
}

func (m *Manager) subscribeOnce(ctx context.Context, key string, ch channels.Channel) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ErrNotConnected
	}
	return m.consumeLocked(ctx, m.session, key, ch)
}

// consumeLocked gets or creates the consumer for key. The caller holds mu.
func (m *Manager) consumeLocked(ctx context.Context, session Session, key string, ch channels.Channel) error {
	_, err := m.consumers.getOrCreate(key, func() (Consumer, error) {
		return session.Consumer(ctx, ch.Name, func(d Delivery) {
			m.dispatch(key, ch, d)
		})
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", ch.Name, err)
	}
	return nil
}

// dispatch hands one delivery to the listener currently registered for key.
// A queue delivery that raced a removal goes back to its queue.
func (m *Manager) dispatch(key string, ch channels.Channel, d Delivery) {
	m.lmu.Lock()
	l, ok := m.listeners[key]
	m.lmu.Unlock()
	msg, err := Unpack(d)
	if err != nil {
		m.logger.Warn("dropping undecodable delivery", zap.String("listener", key), zap.Error(err))
		return
	}
	if !ok {
		if IsTopic(ch.Name) {
			m.logger.Debug("dropping topic delivery for removed listener", zap.String("listener", key))
			return
		}
		m.logger.Debug("returning delivery for removed listener", zap.String("listener", key))
		if err := m.Resend(m.baseCtx, msg, ch); err != nil {
			m.logger.Error("return delivery failed", zap.String("listener", key), zap.String("message", msg.String()), zap.Error(err))
		}
		return
	}
	ctx := m.propagator.Extract(m.baseCtx, headerCarrier(msg.Headers))
	ctx = context.WithValue(ctx, dispatchKey{}, key)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked",
				zap.String("listener", key),
				zap.String("message", msg.String()),
				zap.Any("panic", r))
		}
	}()
	l.handler(ctx, msg)
}

// RemoveListener unregisters a listener. Unknown keys are ignored. A handler
// may not remove its own listener from its dispatch context.
func (m *Manager) RemoveListener(ctx context.Context, ch channels.Channel, listenerID string) error {
	key := consumerKey(ch, listenerID)
	if current, ok := ctx.Value(dispatchKey{}).(string); ok && current == key {
		return fmt.Errorf("remove listener %s from its own handler: %w", key, ErrArgumentInvalid)
	}
	known := m.isRegistered(key)

	err := m.policy.Do(ctx, func(int) error {
		return m.unsubscribeOnce(key, ch)
	}, func(try int, err error) {
		m.logger.Warn("remove listener failed",
			zap.String("listener", key),
			zap.Int("try", try),
			zap.Error(err))
		m.handleError(ctx, err)
	})
	if known {
		metrics.ObserveListenerOp("remove", err)
	}
	if err != nil {
		m.unregister(key)
		return fmt.Errorf("%w: remove %s: %w", ErrListenerRegistration, key, err)
	}
	return nil
}

// unsubscribeOnce closes the consumer for key, then unregisters the listener.
// Both happen under the read lock, so a reconnect either replays the listener
// before it is removed here or never sees it.
func (m *Manager) unsubscribeOnce(key string, ch channels.Channel) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if consumer, ok := m.consumers.take(key); ok {
		if err := consumer.Close(); err != nil {
			return fmt.Errorf("close consumer for %s: %w", ch.Name, err)
		}
	}
	m.unregister(key)
	return nil
}

func (m *Manager) unregister(key string) {
	m.lmu.Lock()
	delete(m.listeners, key)
	m.lmu.Unlock()
}

// Reconnect rebuilds the session and replays every listener. A concurrent
// call returns immediately while the first one works.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.logger.Debug("reconnect already in progress")
		return nil
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	registered := m.snapshotListeners()
	m.logger.Info("reconnecting to broker", zap.Int("listeners", len(registered)))
	m.cleanupLocked()
	if err := m.connectLocked(ctx); err != nil {
		m.cleanupLocked()
		metrics.ObserveReconnect(err)
		m.notifier.Notify(ctx, notify.LevelError, "Reconnect to the message broker failed", err)
		return fmt.Errorf("%w: %w", ErrReconnect, err)
	}
	m.replayLocked(ctx, registered)
	metrics.ObserveReconnect(nil)
	return nil
}

func (m *Manager) snapshotListeners() []listener {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return lo.Values(m.listeners)
}

func (m *Manager) isRegistered(key string) bool {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	_, ok := m.listeners[key]
	return ok
}

// replayLocked attaches fresh consumers for the given listeners that are
// still registered. The caller holds mu.
func (m *Manager) replayLocked(ctx context.Context, registered []listener) {
	for _, l := range registered {
		key := consumerKey(l.channel, l.id)
		if !m.isRegistered(key) {
			m.logger.Debug("skipping replay of removed listener", zap.String("listener", key))
			continue
		}
		if err := m.consumeLocked(ctx, m.session, key, l.channel); err != nil {
			m.logger.Error("replay listener failed",
				zap.String("channel", l.channel.Name),
				zap.String("listener", l.id),
				zap.Error(err))
		}
	}
}

// Cleanup closes the session and every producer and consumer. Registered
// listeners are kept for a later Initialize or Reconnect. It is idempotent.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
}

func (m *Manager) cleanupLocked() {
	var errs []error
	for _, c := range m.consumers.drain() {
		errs = append(errs, c.Close())
	}
	for _, p := range m.producers.drain() {
		errs = append(errs, p.Close())
	}
	if m.session != nil {
		errs = append(errs, m.session.Close())
		m.session = nil
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Debug("errors during broker cleanup", zap.Error(err))
	}
}
