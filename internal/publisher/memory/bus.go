package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus closed")

// Bus is a buffered channel carrying messages from publishers to a single receive loop.
// Messages whose handler fails are redelivered once the handler is invoked again.
type Bus struct {
	ch        chan collector.Message
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{ch: make(chan collector.Message, buffer)}
}

// Publish enqueues msg, blocking while the buffer is full.
func (b *Bus) Publish(ctx context.Context, msg collector.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- clone(msg):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish message: %w", ctx.Err())
	}
}

// Receive delivers messages to handle until ctx is done or the bus is closed and drained.
// A message whose handler fails is retried before the next one is taken.
func (b *Bus) Receive(ctx context.Context, handle collector.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-b.ch:
			if !ok {
				return nil
			}
			for handle(ctx, msg) != nil {
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// Close stops accepting messages. Buffered messages are still delivered.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}
