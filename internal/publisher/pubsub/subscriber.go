package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Subscriber adapts a Pub/Sub subscription to collector.Subscriber. Handled messages are acked;
// failed ones are nacked for redelivery.
type Subscriber struct {
	sub    *pubsub.Subscriber
	logger *zap.Logger
}

// NewSubscriber wraps sub.
func NewSubscriber(sub *pubsub.Subscriber, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, logger: logger}
}

// Receive blocks until ctx is done.
func (s *Subscriber) Receive(ctx context.Context, handle collector.MessageHandler) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: m.Attributes})
		if err := handle(ctx, collector.Message{Headers: m.Attributes, Payload: m.Data}); err != nil {
			s.logger.Warn("message handling failed; nacking", zap.String("message_id", m.ID), zap.Error(err))
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}
