// Package backoff provides the bounded exponential retry discipline used by
// the bus connection layer.
package backoff

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// Defaults match the broker retry discipline: three tries, minutes between them.
const (
	DefaultMaxTries = 3
	DefaultUnit     = time.Minute
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy is an exponential backoff with a fixed attempt bound.
type Policy struct {
	// MaxTries bounds the number of attempts, including the first.
	MaxTries int
	// Unit is the base of the exponential delay.
	Unit time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
	// Sleep replaces the real sleep, mainly in tests.
	Sleep Sleeper
}

// Default returns the three-tries, minute-based policy.
func Default() Policy {
	return Policy{MaxTries: DefaultMaxTries, Unit: DefaultUnit}
}

// NoWait returns a policy with the given bound that never sleeps.
func NoWait(maxTries int) Policy {
	return Policy{MaxTries: maxTries, Unit: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func (p Policy) normalized() Policy {
	if p.MaxTries <= 0 {
		p.MaxTries = DefaultMaxTries
	}
	if p.Unit <= 0 {
		p.Unit = DefaultUnit
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	return p
}

// Tries returns the effective attempt bound.
func (p Policy) Tries() int {
	return p.normalized().MaxTries
}

// Delay returns the wait after the given failed try (1-based): Unit * 2^try.
func (p Policy) Delay(try int) time.Duration {
	p = p.normalized()
	if try < 1 {
		try = 1
	}
	if try > 16 {
		try = 16
	}
	delay := p.Unit << uint(try)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		delay += randomJitter(time.Duration(float64(delay) * p.Jitter))
	}
	return delay
}

// Wait sleeps for Delay(try) using the policy's sleeper.
func (p Policy) Wait(ctx context.Context, try int) error {
	p = p.normalized()
	return p.Sleep(ctx, p.Delay(try))
}

// Do runs fn until it succeeds or MaxTries is reached. onFailure, when set,
// is called after every failed try before sleeping. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(try int) error, onFailure func(try int, err error)) error {
	p = p.normalized()
	var lastErr error
	for try := 1; try <= p.MaxTries; try++ {
		err := fn(try)
		if err == nil {
			return nil
		}
		lastErr = err
		if onFailure != nil {
			onFailure(try, err)
		}
		if try == p.MaxTries {
			break
		}
		if werr := p.Wait(ctx, try); werr != nil {
			return errors.Join(lastErr, werr)
		}
	}
	return lastErr
}

// SleepContext sleeps for d, returning early with ctx.Err() if ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
