package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

type session struct {
	broker *Broker
	notify chan error

	mu        sync.Mutex
	closed    bool
	consumers []*consumer
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) Producer(ctx context.Context, name string) (bus.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	return &producer{session: s, name: name}, nil
}

func (s *session) Consumer(ctx context.Context, name string, deliver func(bus.Delivery)) (bus.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	c := newConsumer(s.broker, name, deliver)
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()

	s.broker.attach(c)
	go c.run()
	return c, nil
}

func (s *session) NotifyClose() <-chan error {
	return s.notify
}

func (s *session) Close() error {
	s.shutdown(nil)
	return nil
}

// shutdown closes the session once, reporting cause on the close
// notification when it is non-nil.
func (s *session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	s.broker.forget(s)
	if cause != nil {
		s.notify <- cause
	}
	close(s.notify)
}

type producer struct {
	session *session
	name    string
}

func (p *producer) Publish(ctx context.Context, pub bus.Publishing) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.session.isClosed() {
		return "", ErrClosed
	}
	return p.session.broker.publish(p.name, pub)
}

func (p *producer) Close() error {
	return nil
}
