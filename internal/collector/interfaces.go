package collector

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by Dequeue once a closed queue is drained.
var ErrQueueClosed = errors.New("queue closed")

// Source collects raw payloads from one configured source. An empty result means nothing to
// collect this cycle.
type Source interface {
	Collect(ctx context.Context, src SourceConfig) ([]Payload, error)
}

// DocumentStore persists processed content keyed by document id.
type DocumentStore interface {
	Store(ctx context.Context, doc Document) error
	Fetch(ctx context.Context, id string) (Document, error)
}

// MessageBus publishes notifications about stored content.
type MessageBus interface {
	Publish(ctx context.Context, msg Message) error
}

// MessageHandler processes one received message. A returned error marks it for redelivery
// where the bus supports it.
type MessageHandler func(ctx context.Context, msg Message) error

// Subscriber is a blocking receive loop that returns once ctx is done.
type Subscriber interface {
	Receive(ctx context.Context, handle MessageHandler) error
}

// PostProcessor transforms raw bytes according to a directive.
type PostProcessor interface {
	Apply(directive PostProcess, raw []byte) ([]byte, error)
}

// Queue provides enqueue/dequeue semantics for collection tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document ids.
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter throttles requests per remote host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}
