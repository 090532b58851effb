package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvest-controller/internal/metrics"
)

// maxThrottleKeys bounds the limiter map; it is reset when full.
const maxThrottleKeys = 1024

// Throttle drops repeats of the same alert that arrive faster than the
// configured rate. Alerts are keyed by level and message.
type Throttle struct {
	next     Notifier
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewThrottle lets through burst identical alerts, then one per interval.
// A non-positive interval disables throttling.
func NewThrottle(next Notifier, interval time.Duration, burst int) *Throttle {
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		next:     next,
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

// Notify forwards the alert unless its key is over the limit.
func (t *Throttle) Notify(ctx context.Context, level Level, message string, cause error) {
	key := string(level) + "\x00" + message
	t.mu.Lock()
	limiter, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxThrottleKeys {
			t.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(t.every, t.burst)
		t.limiters[key] = limiter
	}
	t.mu.Unlock()

	if !limiter.Allow() {
		metrics.IncAlertSuppressed(string(level))
		return
	}
	t.next.Notify(ctx, level, message, cause)
}
