package metadata

import (
	"context"
	"sync"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// MemoryBackend keeps records in process memory. It is used by tests and by one-shot runs that
// do not need change detection across restarts.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]collector.SourceRecord
	commits int
	// FailCommit, when set, is returned by Commit without applying anything.
	FailCommit error
}

// NewMemoryBackend seeds a backend with records.
func NewMemoryBackend(seed ...collector.SourceRecord) *MemoryBackend {
	records := make(map[string]collector.SourceRecord, len(seed))
	for _, rec := range seed {
		records[rec.URL] = rec
	}
	return &MemoryBackend{records: records}
}

// Load implements Backend.
func (m *MemoryBackend) Load(context.Context) (map[string]collector.SourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]collector.SourceRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

// Commit implements Backend.
func (m *MemoryBackend) Commit(_ context.Context, upserts []collector.SourceRecord, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit != nil {
		return m.FailCommit
	}
	for _, rec := range upserts {
		m.records[rec.URL] = rec
	}
	for _, url := range deletes {
		delete(m.records, url)
	}
	m.commits++
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// Record returns the persisted record for url.
func (m *MemoryBackend) Record(url string) (collector.SourceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[url]
	return rec, ok
}

// Commits returns how many commits were applied.
func (m *MemoryBackend) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Put overwrites a persisted record directly, as another process sharing the medium would.
func (m *MemoryBackend) Put(rec collector.SourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.URL] = rec
}
