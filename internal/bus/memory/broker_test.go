package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) deliver(d bus.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, d.MessageID)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestQueueBuffersUntilConsumerAttaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	s, err := b.Connect(ctx)
	require.NoError(t, err)

	p, err := s.Producer(ctx, "TEST_COMMON_THE_SCHED")
	require.NoError(t, err)
	id, err := p.Publish(ctx, bus.Publishing{Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, "ID:msg-1", id)
	assert.Equal(t, 1, b.Pending("TEST_COMMON_THE_SCHED"))

	got := &collector{}
	_, err = s.Consumer(ctx, "TEST_COMMON_THE_SCHED", got.deliver)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Pending("TEST_COMMON_THE_SCHED"))
}

func TestTopicFansOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	s, err := b.Connect(ctx)
	require.NoError(t, err)

	first, second := &collector{}, &collector{}
	_, err = s.Consumer(ctx, "TEST_COMMON_ALL_BA", first.deliver)
	require.NoError(t, err)
	_, err = s.Consumer(ctx, "TEST_COMMON_ALL_BA", second.deliver)
	require.NoError(t, err)

	p, err := s.Producer(ctx, "TEST_COMMON_ALL_BA")
	require.NoError(t, err)
	_, err = p.Publish(ctx, bus.Publishing{MessageID: "fixed", Body: []byte("{}")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "fixed", b.Published("TEST_COMMON_ALL_BA")[0].MessageID)
}

func TestDropNotifiesAndClosesSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	s, err := b.Connect(ctx)
	require.NoError(t, err)

	b.Drop()

	err, ok := <-s.NotifyClose()
	require.True(t, ok)
	require.Error(t, err)
	_, ok = <-s.NotifyClose()
	assert.False(t, ok)

	_, err = s.Producer(ctx, "TEST_COMMON_THE_SCHED")
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Sessions())
	require.NoError(t, s.Close())
}

func TestInjectedFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	b.FailNextConnects(1)
	_, err := b.Connect(ctx)
	require.ErrorIs(t, err, ErrInjected)

	s, err := b.Connect(ctx)
	require.NoError(t, err)
	p, err := s.Producer(ctx, "TEST_COMMON_THE_SCHED")
	require.NoError(t, err)

	b.FailNextPublishes(1)
	_, err = p.Publish(ctx, bus.Publishing{Body: []byte("{}")})
	require.ErrorIs(t, err, ErrInjected)
	_, err = p.Publish(ctx, bus.Publishing{Body: []byte("{}")})
	require.NoError(t, err)
}

func TestClosedConsumerReturnsMessagesToQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	s, err := b.Connect(ctx)
	require.NoError(t, err)

	c, err := s.Consumer(ctx, "TEST_COMMON_JOB_SNAPSHOT_SNAPSHOT", func(bus.Delivery) {})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, 0, b.Consumers("TEST_COMMON_JOB_SNAPSHOT_SNAPSHOT"))

	p, err := s.Producer(ctx, "TEST_COMMON_JOB_SNAPSHOT_SNAPSHOT")
	require.NoError(t, err)
	_, err = p.Publish(ctx, bus.Publishing{Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Pending("TEST_COMMON_JOB_SNAPSHOT_SNAPSHOT"))
}
