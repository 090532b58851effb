package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/metrics"
)

// Sender transmits a message. *Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// request is one outstanding SendAndWait call.
type request struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

func newRequest() *request {
	r := &request{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *request) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *request) complete() {
	r.mu.Lock()
	r.done = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Synchronizer turns a send plus an asynchronous reply into a blocking call.
// Register Handler() as the listener on the reply channel.
type Synchronizer struct {
	sender Sender
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*request
	replies map[string]*Message
}

// NewSynchronizer builds a Synchronizer sending through sender.
func NewSynchronizer(sender Sender, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		sender:  sender,
		logger:  logger,
		pending: make(map[string]*request),
		replies: make(map[string]*Message),
	}
}

// SendAndWait sends msg and blocks until a reply to it arrives, timeout
// elapses or ctx is done. A zero timeout waits indefinitely. When no reply
// arrived it returns (nil, false, nil) on timeout and (nil, false, ctx.Err())
// on cancellation.
func (s *Synchronizer) SendAndWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, bool, error) {
	req := newRequest()

	// The entry exists before any reply can be looked up.
	s.mu.Lock()
	if err := s.sender.Send(ctx, msg); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	id := msg.ID()
	if id == "" {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s was sent without an id", ErrSend, msg.Type)
	}
	s.pending[id] = req
	s.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, req.wake)
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, req.wake)
	defer stop()

	req.mu.Lock()
	for !req.done {
		if ctx.Err() != nil {
			break
		}
		if timeout > 0 && time.Until(deadline) <= 0 {
			break
		}
		req.cond.Wait()
	}
	req.mu.Unlock()

	s.mu.Lock()
	delete(s.pending, id)
	reply, ok := s.replies[id]
	delete(s.replies, id)
	s.mu.Unlock()

	if ok {
		metrics.ObserveReply("replied")
		return reply, true, nil
	}
	metrics.ObserveReply("timeout")
	s.logger.Debug("no reply received",
		zap.String("id", id),
		zap.String("channel", msg.To.Name),
		zap.Duration("timeout", timeout))
	return nil, false, ctx.Err()
}

// OnReply resolves the waiter for msg.ReplyOfID. Replies nobody waits for
// are logged and dropped.
func (s *Synchronizer) OnReply(msg *Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	req, ok := s.pending[msg.ReplyOfID]
	if ok {
		delete(s.pending, msg.ReplyOfID)
		s.replies[msg.ReplyOfID] = msg
	}
	s.mu.Unlock()

	if !ok {
		metrics.ObserveReply("dropped")
		s.logger.Warn("dropping reply to unknown or expired request",
			zap.String("reply_of", msg.ReplyOfID),
			zap.String("message", msg.String()))
		return
	}
	req.complete()
}

// Handler adapts OnReply for Manager.SetListener.
func (s *Synchronizer) Handler() Handler {
	return func(_ context.Context, msg *Message) {
		s.OnReply(msg)
	}
}

// Pending returns the number of requests still waiting for a reply.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
