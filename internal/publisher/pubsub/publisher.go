// Package pubsub implements the message bus on Google Cloud Pub/Sub. Message headers travel as
// attributes next to the trace context.
package pubsub

import (
	"context"
	"fmt"
	"maps"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// Client owns the underlying Pub/Sub connection.
type Client struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger
}

// Open connects to Pub/Sub using Application Default Credentials.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewClient(client, cfg, logger), nil
}

// NewClient wraps an existing Pub/Sub client.
func NewClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: client, cfg: cfg, logger: logger}
}

// Publisher returns the publisher for the configured topic.
func (c *Client) Publisher() (*Publisher, error) {
	if c.cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return New(c.client.Publisher(c.cfg.Topic)), nil
}

// Subscriber returns the receive loop for the configured subscription.
func (c *Client) Subscriber() (*Subscriber, error) {
	if c.cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub subscription is required")
	}
	return NewSubscriber(c.client.Subscriber(c.cfg.Subscription), c.logger), nil
}

// Close closes the underlying client connection.
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish sends msg and waits for the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, msg collector.Message) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	attrs := maps.Clone(msg.Headers)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})

	result := p.publisher.Publish(ctx, &pubsub.Message{Data: msg.Payload, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
