package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayIsExponentialInUnit(t *testing.T) {
	t.Parallel()

	p := Policy{Unit: time.Minute}
	assert.Equal(t, 2*time.Minute, p.Delay(1))
	assert.Equal(t, 4*time.Minute, p.Delay(2))
	assert.Equal(t, 8*time.Minute, p.Delay(3))
}

func TestDelayRespectsCap(t *testing.T) {
	t.Parallel()

	p := Policy{Unit: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(5))
}

func TestDoStopsAfterMaxTries(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	p := Policy{
		MaxTries: 3,
		Unit:     time.Minute,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	boom := errors.New("boom")
	calls := 0
	failures := 0

	err := p.Do(context.Background(), func(int) error {
		calls++
		return boom
	}, func(int, error) { failures++ })

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, failures)
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute}, slept)
}

func TestDoReturnsOnSuccess(t *testing.T) {
	t.Parallel()

	p := NoWait(3)
	calls := 0
	err := p.Do(context.Background(), func(try int) error {
		calls++
		if try < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoAbortsWhenContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxTries: 3, Unit: time.Hour}

	err := p.Do(ctx, func(int) error { return errors.New("down") }, nil)
	require.ErrorIs(t, err, context.Canceled)
}
