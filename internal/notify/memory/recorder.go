// Package memory contains an in-memory alert recorder for tests and dry runs.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/notify"
)

// Recorder stores alerts for inspection.
type Recorder struct {
	mu     sync.RWMutex
	alerts []Alert
}

// Alert captures one Notify call.
type Alert struct {
	Level   notify.Level
	Message string
	Cause   error
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

// Notify records the alert.
func (r *Recorder) Notify(_ context.Context, level notify.Level, message string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Level: level, Message: message, Cause: cause})
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns how many alerts at level contain substr.
func (r *Recorder) Count(level notify.Level, substr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.alerts {
		if a.Level == level && strings.Contains(a.Message, substr) {
			n++
		}
	}
	return n
}
