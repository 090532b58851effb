// Package notify delivers operator alerts.
//
// Alerts are best effort: a failing sink is logged and never changes the
// outcome of the operation that raised the alert.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Level grades an alert.
type Level string

// Alert levels.
const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Notifier sends an alert to operators. cause may be nil.
type Notifier interface {
	Notify(ctx context.Context, level Level, message string, cause error)
}

// NoOpNotifier drops every alert.
type NoOpNotifier struct{}

// Notify does nothing.
func (NoOpNotifier) Notify(context.Context, Level, string, error) {}

// LogNotifier writes alerts to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier; a nil logger discards alerts.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify logs the alert at the matching zap level.
func (n *LogNotifier) Notify(_ context.Context, level Level, message string, cause error) {
	fields := []zap.Field{zap.String("level", string(level))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	switch level {
	case LevelError:
		n.logger.Error(message, fields...)
	case LevelWarning:
		n.logger.Warn(message, fields...)
	default:
		n.logger.Info(message, fields...)
	}
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

// Notify forwards to each non-nil notifier in order.
func (m Multi) Notify(ctx context.Context, level Level, message string, cause error) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, level, message, cause)
		}
	}
}
