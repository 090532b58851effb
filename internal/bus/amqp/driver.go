// Package amqp implements bus.Driver on RabbitMQ.
//
// Queues map to durable AMQP queues on the default exchange. Topics map to
// durable fanout exchanges named after the channel; every topic consumer
// binds its own exclusive, server-named queue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

// ErrConsumerLost marks a consumer whose channel closed or failed to
// acknowledge while it was still registered.
var ErrConsumerLost = errors.New("amqp: consumer lost")

// Config holds the broker connection settings.
type Config struct {
	URL         string
	Heartbeat   time.Duration
	DialTimeout time.Duration
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
}

// Driver dials RabbitMQ.
type Driver struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Driver for cfg.
func New(cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Driver{cfg: cfg, logger: logger}
}

// Connect dials the broker and opens the publishing channel.
func (d *Driver) Connect(ctx context.Context) (bus.Session, error) {
	if d.cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required: %w", bus.ErrArgumentInvalid)
	}
	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := amqp091.DialConfig(d.cfg.URL, amqp091.Config{
		Heartbeat: d.cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	s := &session{
		conn:     conn,
		pub:      ch,
		prefetch: d.cfg.Prefetch,
		logger:   d.logger,
		notify:   make(chan error, 1),
		lost:     make(chan error, 1),
	}
	s.watch()
	return s, nil
}

// reconnectCodes are the AMQP reply codes that mean the connection or
// channel is gone.
var reconnectCodes = map[int]bool{
	amqp091.ConnectionForced: true,
	amqp091.FrameError:       true,
	amqp091.ChannelError:     true,
	amqp091.UnexpectedFrame:  true,
	amqp091.ResourceError:    true,
	amqp091.InternalError:    true,
}

// ShouldReconnect reports whether err calls for a new session. Broker errors
// with other codes, such as access or precondition failures, do not, unless
// they cost a consumer.
func (d *Driver) ShouldReconnect(err error) bool {
	if errors.Is(err, ErrConsumerLost) {
		return true
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return reconnectCodes[amqpErr.Code]
	}
	return true
}

// route returns the exchange and routing key used to publish to name.
func route(name string) (exchange, key string) {
	if bus.IsTopic(name) {
		return name, ""
	}
	return "", name
}

func toTable(headers map[string]string) amqp091.Table {
	if len(headers) == 0 {
		return nil
	}
	t := make(amqp091.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromTable(t amqp091.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func newMessageID() string {
	return "ID:" + uuid.NewString()
}
