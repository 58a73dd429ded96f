// Package redis implements the message bus on Redis Streams: XADD to publish, consumer groups
// with XREADGROUP/XACK to receive.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

const (
	fieldHeaders = "headers"
	fieldPayload = "payload"
)

// Config configures the stream bus.
type Config struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	Stream   string        `mapstructure:"stream"`
	Group    string        `mapstructure:"group"`
	Consumer string        `mapstructure:"consumer"`
	MaxLen   int64         `mapstructure:"max_len"`
	Block    time.Duration `mapstructure:"block"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// client is the subset of go-redis commands the bus uses.
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Bus publishes to and receives from one stream.
type Bus struct {
	client client
	closer func() error
	cfg    Config
	logger *zap.Logger
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Bus, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout + cfg.Block,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	bus, err := newBus(rdb, cfg, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	bus.closer = rdb.Close
	return bus, nil
}

func newBus(c client, cfg Config, logger *zap.Logger) (*Bus, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis stream name is required")
	}
	if cfg.Group == "" {
		cfg.Group = "collector"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "receiver"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: c, cfg: cfg, logger: logger}, nil
}

// Publish appends msg to the stream.
func (b *Bus) Publish(ctx context.Context, msg collector.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{fieldHeaders: string(headers), fieldPayload: string(msg.Payload)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive reads new entries for the consumer group until ctx is done. Entries are acked only
// after the handler succeeds, so failed entries stay pending for redelivery.
func (b *Bus) Receive(ctx context.Context, handle collector.MessageHandler) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    16,
			Block:    b.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.deliver(ctx, entry, handle)
			}
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, entry redis.XMessage, handle collector.MessageHandler) {
	msg, err := decode(entry)
	if err != nil {
		b.logger.Warn("dropping malformed stream entry", zap.String("entry_id", entry.ID), zap.Error(err))
		b.ack(ctx, entry.ID)
		return
	}
	if err := handle(ctx, msg); err != nil {
		b.logger.Warn("message handling failed; leaving pending", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	b.ack(ctx, entry.ID)
}

func (b *Bus) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err(); err != nil {
		b.logger.Warn("failed to ack stream entry", zap.String("entry_id", id), zap.Error(err))
	}
}

// Close releases the connection when the bus owns it.
func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

func decode(entry redis.XMessage) (collector.Message, error) {
	var msg collector.Message
	if raw, ok := entry.Values[fieldHeaders].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return collector.Message{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	payload, ok := entry.Values[fieldPayload].(string)
	if !ok {
		return collector.Message{}, fmt.Errorf("entry has no payload")
	}
	msg.Payload = []byte(payload)
	return msg, nil
}
