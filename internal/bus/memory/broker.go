// Package memory provides an in-process broker that satisfies bus.Driver.
//
// Queues hold messages until a consumer attaches and hand each message to one
// consumer, round robin. Topics fan each message out to every consumer
// attached at publish time. Failure injection hooks let tests exercise the
// retry and reconnect paths.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

// ErrInjected is returned by operations failed through the test hooks.
var ErrInjected = errors.New("memory: injected failure")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("memory: session closed")

// Broker is an in-process message broker. It implements bus.Driver.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	topics    map[string][]*consumer
	published map[string][]bus.Publishing
	sessions  map[*session]struct{}
	seq       int64

	failConnects  int
	failPublishes int
}

type queue struct {
	pending   []bus.Delivery
	consumers []*consumer
	next      int
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		topics:    make(map[string][]*consumer),
		published: make(map[string][]bus.Publishing),
		sessions:  make(map[*session]struct{}),
	}
}

// Connect opens a session.
func (b *Broker) Connect(ctx context.Context) (bus.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failConnects > 0 {
		b.failConnects--
		return nil, fmt.Errorf("connect: %w", ErrInjected)
	}
	s := &session{broker: b, notify: make(chan error, 1)}
	b.sessions[s] = struct{}{}
	return s, nil
}

// ShouldReconnect reports true for every error: an in-process broker has no
// error codes that could be handled without a new session.
func (b *Broker) ShouldReconnect(error) bool {
	return true
}

// FailNextConnects makes the next n Connect calls fail.
func (b *Broker) FailNextConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
}

// FailNextPublishes makes the next n Publish calls fail.
func (b *Broker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// Drop simulates a lost connection: every open session reports an error on
// its close notification and stops working.
func (b *Broker) Drop() {
	b.mu.Lock()
	open := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()
	for _, s := range open {
		s.shutdown(errors.New("memory: connection dropped"))
	}
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Published returns every publishing sent to name, in order.
func (b *Broker) Published(name string) []bus.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Publishing(nil), b.published[name]...)
}

// Sent decodes every message published to name. Undecodable bodies are skipped.
func (b *Broker) Sent(name string) []*bus.Message {
	var out []*bus.Message
	for _, p := range b.Published(name) {
		msg, err := bus.Unpack(bus.Delivery{MessageID: p.MessageID, Body: p.Body, Headers: p.Headers})
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Pending returns the number of queued messages on name not yet handed to a consumer.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.pending)
	}
	return 0
}

// Consumers returns the number of consumers attached to name.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus.IsTopic(name) {
		return len(b.topics[name])
	}
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *Broker) publish(name string, p bus.Publishing) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublishes > 0 {
		b.failPublishes--
		return "", fmt.Errorf("publish to %s: %w", name, ErrInjected)
	}
	b.seq++
	if p.MessageID == "" {
		p.MessageID = fmt.Sprintf("ID:msg-%d", b.seq)
	}
	p.Body = append([]byte(nil), p.Body...)
	p.Headers = clone(p.Headers)
	b.published[name] = append(b.published[name], p)

	d := bus.Delivery{MessageID: p.MessageID, Body: p.Body, Headers: p.Headers}
	if bus.IsTopic(name) {
		for _, c := range b.topics[name] {
			c.push(copyDelivery(d))
		}
		return p.MessageID, nil
	}
	b.queueLocked(name).enqueue(d)
	return p.MessageID, nil
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) attach(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus.IsTopic(c.name) {
		b.topics[c.name] = append(b.topics[c.name], c)
		return
	}
	q := b.queueLocked(c.name)
	q.consumers = append(q.consumers, c)
	pending := q.pending
	q.pending = nil
	for _, d := range pending {
		q.enqueue(d)
	}
}

// detach removes c and returns its undelivered queue messages to the queue.
func (b *Broker) detach(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	leftovers := c.stop()
	if bus.IsTopic(c.name) {
		b.topics[c.name] = without(b.topics[c.name], c)
		return
	}
	q := b.queueLocked(c.name)
	q.consumers = without(q.consumers, c)
	for _, d := range leftovers {
		q.enqueue(d)
	}
}

func (b *Broker) forget(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
}

func (q *queue) enqueue(d bus.Delivery) {
	if len(q.consumers) == 0 {
		q.pending = append(q.pending, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.push(d)
}

func without(list []*consumer, c *consumer) []*consumer {
	out := list[:0]
	for _, candidate := range list {
		if candidate != c {
			out = append(out, candidate)
		}
	}
	return out
}

func copyDelivery(d bus.Delivery) bus.Delivery {
	return bus.Delivery{MessageID: d.MessageID, Body: append([]byte(nil), d.Body...), Headers: clone(d.Headers)}
}

func clone(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
