package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Alert is the JSON document published for each notification.
type Alert struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PubSubNotifier publishes alerts to a Google Cloud Pub/Sub topic.
type PubSubNotifier struct {
	Topic  *pubsub.Topic
	logger *zap.Logger
	host   string
	now    func() time.Time
}

// NewPubSubNotifier connects to projectID and binds topicID.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubNotifier, *pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewPubSubNotifierForTopic(client.Topic(topicID), logger), client, nil
}

// NewPubSubNotifierForTopic wraps an existing topic handle.
func NewPubSubNotifierForTopic(topic *pubsub.Topic, logger *zap.Logger) *PubSubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &PubSubNotifier{
		Topic:  topic,
		logger: logger,
		host:   host,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify publishes the alert and waits for the server acknowledgement.
func (n *PubSubNotifier) Notify(ctx context.Context, level Level, message string, cause error) {
	if err := n.publish(ctx, level, message, cause); err != nil {
		n.logger.Warn("Failed to publish alert", zap.String("alert", message), zap.Error(err))
	}
}

func (n *PubSubNotifier) publish(ctx context.Context, level Level, message string, cause error) error {
	if n.Topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	alert := Alert{Level: level, Message: message, Host: n.host, Timestamp: n.now()}
	if cause != nil {
		alert.Cause = cause.Error()
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"level": string(level)}}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})
	if _, err := n.Topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
