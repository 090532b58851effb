package notify

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockNotifier is a mock implementation of the Notifier interface for testing.
type MockNotifier struct {
	mock.Mock
}

// Notify is the mock implementation of the Notify method.
func (m *MockNotifier) Notify(ctx context.Context, level Level, message string, cause error) {
	m.Called(ctx, level, message, cause)
}
