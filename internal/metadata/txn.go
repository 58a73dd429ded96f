package metadata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/source-collector/internal/collector"
)

var errTxnClosed = errors.New("metadata: transaction already closed")

// Txn is an exclusive edit session over a fixed set of URLs. Edits are private until Commit.
// Only the URLs passed to Begin may be edited.
type Txn struct {
	store  *Store
	unlock func()
	once   sync.Once
	edits  map[string]collector.SourceRecord
	closed bool
}

// Get returns url's record as seen by this transaction.
func (t *Txn) Get(url string) (collector.SourceRecord, bool) {
	if rec, ok := t.edits[url]; ok {
		return rec, true
	}
	return t.store.Get(url)
}

// GetID returns the document id bound to url.
func (t *Txn) GetID(url string) (string, bool) {
	rec, ok := t.Get(url)
	if !ok || rec.DocumentID == "" {
		return "", false
	}
	return rec.DocumentID, true
}

// SetTimestamp records the remote Last-Modified time; zero means absent.
func (t *Txn) SetTimestamp(url string, lastModified time.Time) {
	t.modify(url, func(rec *collector.SourceRecord) { rec.LastModified = lastModified })
}

// SetETag records the remote validator.
func (t *Txn) SetETag(url, tag string) {
	t.modify(url, func(rec *collector.SourceRecord) { rec.ETag = tag })
}

// SetHash stores hash and reports whether it differs from the previous one.
func (t *Txn) SetHash(url, hash string) bool {
	var isNew bool
	t.modify(url, func(rec *collector.SourceRecord) {
		isNew = hashChanged(rec.ContentHash, hash)
		rec.ContentHash = hash
	})
	return isNew
}

// SetID binds a document id to url.
func (t *Txn) SetID(url, id string) {
	t.modify(url, func(rec *collector.SourceRecord) { rec.DocumentID = id })
}

func (t *Txn) modify(url string, fn func(*collector.SourceRecord)) {
	rec, ok := t.Get(url)
	if !ok {
		rec = collector.SourceRecord{URL: url}
	}
	fn(&rec)
	t.edits[url] = rec
}

// Commit merges the edits into the store, saves, and releases the URLs.
func (t *Txn) Commit(ctx context.Context) error {
	if t.closed {
		return errTxnClosed
	}
	t.closed = true
	defer t.release()

	s := t.store
	s.mu.Lock()
	for url, rec := range t.edits {
		s.pending[url] = rec
		delete(s.deleted, url)
	}
	s.mu.Unlock()
	return s.Save(ctx)
}

// Rollback drops the edits and releases the URLs. Safe to call after Commit.
func (t *Txn) Rollback() {
	t.closed = true
	t.edits = nil
	t.release()
}

func (t *Txn) release() {
	t.once.Do(t.unlock)
}
