// Package memory stores documents in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/storage"
)

// DocumentStore keeps documents in a map keyed by id.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]collector.Document
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]collector.Document)}
}

// Store saves a copy of doc, replacing any previous version with the same id.
func (s *DocumentStore) Store(_ context.Context, doc collector.Document) error {
	if err := storage.ValidateID(doc.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = clone(doc)
	return nil
}

// Fetch returns a copy of the document with id.
func (s *DocumentStore) Fetch(_ context.Context, id string) (collector.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return collector.Document{}, fmt.Errorf("fetch %s: %w", id, storage.ErrNotFound)
	}
	return clone(doc), nil
}

// Len returns the number of stored documents.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func clone(doc collector.Document) collector.Document {
	doc.Content = append([]byte(nil), doc.Content...)
	doc.Metadata = storage.CloneMetadata(doc.Metadata)
	return doc
}
