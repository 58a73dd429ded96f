// Package memory contains in-memory bus implementations for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Publisher stores published messages for inspection. When a Bus is attached the messages are
// forwarded to it as well.
type Publisher struct {
	mu       sync.RWMutex
	messages []collector.Message
	bus      *Bus
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// NewWithBus returns a Publisher that also delivers every message to bus.
func NewWithBus(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// FailWith makes every subsequent Publish return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message.
func (p *Publisher) Publish(ctx context.Context, msg collector.Message) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return fmt.Errorf("publish message: %w", p.err)
	}
	msg = clone(msg)
	p.messages = append(p.messages, msg)
	bus := p.bus
	p.mu.Unlock()

	if bus != nil {
		return bus.Publish(ctx, msg)
	}
	return nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []collector.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]collector.Message, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, clone(m))
	}
	return out
}

func clone(msg collector.Message) collector.Message {
	return collector.Message{
		Headers: maps.Clone(msg.Headers),
		Payload: append([]byte(nil), msg.Payload...),
	}
}
