// Package metadata tracks per-URL collection state: validators, content fingerprint and the bound
// document id.
//
// A Store keeps the committed state in memory, buffers edits until Save, and persists them
// through a Backend. The engine never edits the buffer directly: it opens a Txn over the URLs it
// is about to decide on, which serialises the read-decide-write sequence per URL and merges into
// the buffer only on Commit, so a save never persists half of a decision.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// ErrUncommittedChanges is returned by Refresh while edits are buffered.
var ErrUncommittedChanges = errors.New("metadata: uncommitted changes")

// Backend is the persistent medium behind a Store.
type Backend interface {
	Load(ctx context.Context) (map[string]collector.SourceRecord, error)
	Commit(ctx context.Context, upserts []collector.SourceRecord, deletes []string) error
	Close() error
}

// Store is the explicit handle to collection state, constructed once per process.
type Store struct {
	backend Backend
	logger  *zap.Logger
	locks   *stripes

	mu        sync.RWMutex
	committed map[string]collector.SourceRecord
	pending   map[string]collector.SourceRecord
	deleted   map[string]struct{}

	// saveMu orders Save and Refresh against each other.
	saveMu sync.Mutex
}

// Open loads the backend's state into a new Store.
func Open(ctx context.Context, backend Backend, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("metadata backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, collector.NewError(collector.KindStoreIO, "", fmt.Errorf("load records: %w", err))
	}
	if records == nil {
		records = make(map[string]collector.SourceRecord)
	}
	logger.Debug("metadata loaded", zap.Int("records", len(records)))
	return &Store{
		backend:   backend,
		logger:    logger,
		locks:     newStripes(),
		committed: records,
		pending:   make(map[string]collector.SourceRecord),
		deleted:   make(map[string]struct{}),
	}, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close metadata backend: %w", err)
	}
	return nil
}

// Get returns the current record for url, buffered edits included.
func (s *Store) Get(url string) (collector.SourceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(url)
}

func (s *Store) getLocked(url string) (collector.SourceRecord, bool) {
	if _, gone := s.deleted[url]; gone {
		return collector.SourceRecord{}, false
	}
	if rec, ok := s.pending[url]; ok {
		return rec, true
	}
	rec, ok := s.committed[url]
	return rec, ok
}

// GetID returns the document id bound to url.
func (s *Store) GetID(url string) (string, bool) {
	rec, ok := s.Get(url)
	if !ok || rec.DocumentID == "" {
		return "", false
	}
	return rec.DocumentID, true
}

// List returns every current record ordered by URL.
func (s *Store) List() []collector.SourceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.SourceRecord, 0, len(s.committed)+len(s.pending))
	for url := range s.committed {
		if rec, ok := s.getLocked(url); ok {
			out = append(out, rec)
		}
	}
	for url, rec := range s.pending {
		if _, seen := s.committed[url]; !seen {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Dirty reports whether edits are waiting for Save.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0 || len(s.deleted) > 0
}

// SetTimestamp buffers a new Last-Modified value for url.
func (s *Store) SetTimestamp(url string, lastModified time.Time) {
	s.modify(url, func(rec *collector.SourceRecord) { rec.LastModified = lastModified })
}

// SetETag buffers a new ETag for url.
func (s *Store) SetETag(url, tag string) {
	s.modify(url, func(rec *collector.SourceRecord) { rec.ETag = tag })
}

// SetHash buffers hash for url and reports whether it differs from the stored one.
func (s *Store) SetHash(url, hash string) bool {
	var isNew bool
	s.modify(url, func(rec *collector.SourceRecord) {
		isNew = hashChanged(rec.ContentHash, hash)
		rec.ContentHash = hash
	})
	return isNew
}

// SetID buffers a document id binding for url.
func (s *Store) SetID(url, id string) {
	s.modify(url, func(rec *collector.SourceRecord) { rec.DocumentID = id })
}

// Delete buffers removal of url's record.
func (s *Store) Delete(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, url)
	s.deleted[url] = struct{}{}
}

func (s *Store) modify(url string, fn func(*collector.SourceRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.getLocked(url)
	if !ok {
		rec = collector.SourceRecord{URL: url}
	}
	fn(&rec)
	s.pending[url] = rec
	delete(s.deleted, url)
}

// Save persists all buffered edits. A failure is a StoreIO error and leaves the buffer intact.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	upserts := make([]collector.SourceRecord, 0, len(s.pending))
	for _, rec := range s.pending {
		upserts = append(upserts, rec)
	}
	deletes := make([]string, 0, len(s.deleted))
	for url := range s.deleted {
		deletes = append(deletes, url)
	}
	s.mu.RUnlock()

	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].URL < upserts[j].URL })
	sort.Strings(deletes)

	if err := s.backend.Commit(ctx, upserts, deletes); err != nil {
		return collector.NewError(collector.KindStoreIO, "", fmt.Errorf("commit %d records: %w", len(upserts)+len(deletes), err))
	}

	s.mu.Lock()
	for _, rec := range upserts {
		s.committed[rec.URL] = rec
		// Keep edits that landed after the snapshot for the next save.
		if cur, ok := s.pending[rec.URL]; ok && cur == rec {
			delete(s.pending, rec.URL)
		}
	}
	for _, url := range deletes {
		delete(s.committed, url)
		delete(s.deleted, url)
	}
	s.mu.Unlock()

	s.logger.Debug("metadata saved", zap.Int("upserts", len(upserts)), zap.Int("deletes", len(deletes)))
	return nil
}

// Rollback discards all buffered edits.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]collector.SourceRecord)
	s.deleted = make(map[string]struct{})
}

// Refresh reloads committed state from the backend to observe writes made by other processes.
func (s *Store) Refresh(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.Dirty() {
		return ErrUncommittedChanges
	}
	records, err := s.backend.Load(ctx)
	if err != nil {
		return collector.NewError(collector.KindStoreIO, "", fmt.Errorf("reload records: %w", err))
	}
	if records == nil {
		records = make(map[string]collector.SourceRecord)
	}
	s.mu.Lock()
	s.committed = records
	s.mu.Unlock()
	return nil
}

// Begin opens a transaction over urls, blocking until no other transaction holds any of them.
func (s *Store) Begin(urls ...string) *Txn {
	return &Txn{
		store:  s,
		unlock: s.locks.lock(urls...),
		edits:  make(map[string]collector.SourceRecord, len(urls)),
	}
}

func hashChanged(stored, incoming string) bool {
	return stored == "" || stored != incoming
}
