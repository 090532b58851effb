package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/bus/memory"
)

type senderFunc func(ctx context.Context, msg *bus.Message) error

func (f senderFunc) Send(ctx context.Context, msg *bus.Message) error {
	return f(ctx, msg)
}

func TestSendAndWaitReturnsReply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := testNamer(t)
	m := newManager(t, memory.New())
	require.NoError(t, m.Initialize(ctx))

	sync := bus.NewSynchronizer(m, zap.NewNop())
	require.NoError(t, m.SetListener(ctx, n.ThisReposClient(), "sync", sync.Handler()))

	// The repository side answers every request on its reply channel.
	require.NoError(t, m.SetListener(ctx, n.TheRepos(), "repos", func(hctx context.Context, req *bus.Message) {
		reply, err := bus.NewReply(req, "StoreReply", map[string]string{"file": "a.warc"})
		if err != nil {
			t.Error(err)
			return
		}
		if err := m.Send(hctx, reply); err != nil {
			t.Error(err)
		}
	}))

	req, err := bus.NewMessage("Store", n.TheRepos(), n.ThisReposClient(), map[string]string{"file": "a.warc"})
	require.NoError(t, err)

	reply, ok, err := sync.SendAndWait(ctx, req, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req.ID(), reply.ReplyOfID)
	assert.Equal(t, "StoreReply", reply.Type)
	assert.Equal(t, 0, sync.Pending())
}

func TestSendAndWaitTimesOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := testNamer(t)
	m := newManager(t, memory.New())
	require.NoError(t, m.Initialize(ctx))
	sync := bus.NewSynchronizer(m, zap.NewNop())

	req, err := bus.NewMessage("Store", n.TheRepos(), n.ThisReposClient(), nil)
	require.NoError(t, err)

	start := time.Now()
	reply, ok, err := sync.SendAndWait(ctx, req, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, reply)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, sync.Pending())

	// A late reply is dropped without effect.
	late := &bus.Message{ReplyOfID: req.ID(), Type: "StoreReply"}
	sync.OnReply(late)
	assert.Equal(t, 0, sync.Pending())
}

func TestSendAndWaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	n := testNamer(t)
	sync := bus.NewSynchronizer(senderFunc(func(_ context.Context, msg *bus.Message) error {
		msg.AssignID("ID:fixed")
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	req, err := bus.NewMessage("Store", n.TheRepos(), n.ThisReposClient(), nil)
	require.NoError(t, err)

	reply, ok, err := sync.SendAndWait(ctx, req, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Nil(t, reply)
	assert.Equal(t, 0, sync.Pending())
}

func TestSendAndWaitReportsSendFailure(t *testing.T) {
	t.Parallel()

	n := testNamer(t)
	sync := bus.NewSynchronizer(senderFunc(func(context.Context, *bus.Message) error {
		return bus.ErrSend
	}), nil)

	req, err := bus.NewMessage("Store", n.TheRepos(), n.ThisReposClient(), nil)
	require.NoError(t, err)

	_, ok, err := sync.SendAndWait(context.Background(), req, time.Second)
	require.ErrorIs(t, err, bus.ErrSend)
	assert.False(t, ok)
	assert.Equal(t, 0, sync.Pending())
}

func TestReplyDeliveredDuringSendIsNotLost(t *testing.T) {
	t.Parallel()

	n := testNamer(t)
	var s *bus.Synchronizer
	s = bus.NewSynchronizer(senderFunc(func(_ context.Context, msg *bus.Message) error {
		msg.AssignID("ID:fast")
		// The reply races the pending-table insert.
		go s.OnReply(&bus.Message{ReplyOfID: "ID:fast", Type: "Pong", OK: true})
		return nil
	}), nil)

	req, err := bus.NewMessage("Ping", n.TheRepos(), n.ThisReposClient(), nil)
	require.NoError(t, err)

	reply, ok, err := s.SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Pong", reply.Type)
}

func TestOnReplyForUnknownRequestIsDropped(t *testing.T) {
	t.Parallel()

	s := bus.NewSynchronizer(senderFunc(func(context.Context, *bus.Message) error {
		return errors.New("unused")
	}), nil)

	assert.NotPanics(t, func() {
		s.OnReply(&bus.Message{ReplyOfID: "ID:nobody"})
		s.OnReply(nil)
	})
	assert.Equal(t, 0, s.Pending())
}
