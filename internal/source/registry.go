package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Registry dispatches to the variant registered for a source's kind.
type Registry struct {
	mu      sync.RWMutex
	sources map[collector.Kind]collector.Source
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[collector.Kind]collector.Source)}
}

// Register binds kind to src, replacing any previous binding.
func (r *Registry) Register(kind collector.Kind, src collector.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = src
}

// Lookup returns the variant for kind.
func (r *Registry) Lookup(kind collector.Kind) (collector.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("no collector registered for type %q", kind)
	}
	return src, nil
}

// Collect implements collector.Source.
func (r *Registry) Collect(ctx context.Context, src collector.SourceConfig) ([]collector.Payload, error) {
	variant, err := r.Lookup(src.Kind)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, src.URI, err)
	}
	return variant.Collect(ctx, src)
}
