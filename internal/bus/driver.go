package bus

import (
	"context"

	"github.com/JakeFAU/harvest-controller/internal/channels"
)

// Publishing is an outbound transport message. An empty MessageID asks the
// broker to assign one.
type Publishing struct {
	MessageID string
	Body      []byte
	Headers   map[string]string
}

// Delivery is an inbound transport message.
type Delivery struct {
	MessageID string
	Body      []byte
	Headers   map[string]string
}

// Driver connects to a concrete broker.
type Driver interface {
	// Connect opens a connection and session.
	Connect(ctx context.Context) (Session, error)
	// ShouldReconnect classifies a transport failure.
	ShouldReconnect(err error) bool
}

// Session is one live broker connection. Queue or topic semantics are chosen
// from the channel name alone.
type Session interface {
	Producer(ctx context.Context, name string) (Producer, error)
	// Consumer starts delivering messages for name to deliver. Deliveries for
	// one consumer are sequential.
	Consumer(ctx context.Context, name string, deliver func(Delivery)) (Consumer, error)
	// NotifyClose yields an error when the broker drops the session and is
	// closed when the session ends.
	NotifyClose() <-chan error
	Close() error
}

// Producer sends to one destination.
type Producer interface {
	// Publish transmits p and returns the message id the broker used.
	Publish(ctx context.Context, p Publishing) (string, error)
	Close() error
}

// Consumer receives from one destination.
type Consumer interface {
	Close() error
}

// IsTopic reports whether name designates a topic.
func IsTopic(name string) bool {
	return channels.IsTopic(name)
}
