package app_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/app"
	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/config"
	pubmemory "github.com/JakeFAU/source-collector/internal/publisher/memory"
	"github.com/JakeFAU/source-collector/internal/receiver"
)

// feedServer serves one document with an ETag and honours If-None-Match.
type feedServer struct {
	mu   sync.Mutex
	body string
	etag string
}

func (f *feedServer) set(body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.etag = body, etag
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, etag := f.body, f.etag
	f.mu.Unlock()

	if r.URL.Path == "/old" {
		http.Redirect(w, r, "/feed", http.StatusMovedPermanently)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "text/csv")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(body))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Collector: config.CollectorConfig{Concurrency: 2, UserAgent: "test-agent", MessageMode: "reference", MaxOutputBytes: 1 << 20},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5},
		Metadata:  config.MetadataConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "metadata.db")},
		Storage:   config.StorageConfig{Provider: "local", Prefix: "docs", Local: config.LocalStorageConfig{BaseDir: t.TempDir()}},
		Bus:       config.BusConfig{Provider: "memory"},
	}
}

func newApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	require.NoError(t, cfg.Validate())
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	return a
}

func onlyOutcome(t *testing.T, a *app.App, src collector.SourceConfig) (collector.State, string) {
	t.Helper()
	summary, err := a.Run(context.Background(), []collector.SourceConfig{src})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)
	require.Len(t, summary.Reports[0].Outcomes, 1)
	o := summary.Reports[0].Outcomes[0]
	require.NoError(t, o.Err)
	return o.FinalState, o.DocumentID
}

func TestWebSourceLifecycle(t *testing.T) {
	feed := &feedServer{}
	feed.set("a,b\n1,2\n", `"v1"`)
	srv := httptest.NewServer(feed)
	defer srv.Close()

	cfg := testConfig(t)
	src := collector.SourceConfig{URI: srv.URL + "/feed", Kind: collector.KindWeb, Name: "feed", DataType: "csv", PostProcess: collector.PostProcessNone}

	a := newApp(t, cfg)
	state, id := onlyOutcome(t, a, src)
	require.Equal(t, collector.StatePublished, state)
	require.NotEmpty(t, id)

	doc, err := a.Documents().Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(doc.Content))
	assert.Equal(t, "feed", doc.Metadata["source_name"])

	msgs := a.Bus().(*pubmemory.Publisher).Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, string(msgs[0].Payload))
	assert.Equal(t, "text/csv", msgs[0].Headers[collector.HeaderContentType])

	// unchanged: skipped, id kept
	state, _ = onlyOutcome(t, a, src)
	require.Equal(t, collector.StateSkipped, state)
	rec, ok := a.Records().Get(src.URI)
	require.True(t, ok)
	require.Equal(t, id, rec.DocumentID)
	a.Close()

	// records survive a restart; forcing publishes again without a new id
	cfg.Collector.Force = true
	a = newApp(t, cfg)
	state, forcedID := onlyOutcome(t, a, src)
	require.Equal(t, collector.StatePublished, state)
	require.Equal(t, id, forcedID)
	a.Close()

	// changed content: new id
	cfg.Collector.Force = false
	feed.set("a,b\n3,4\n", `"v2"`)
	a = newApp(t, cfg)
	defer a.Close()
	state, newID := onlyOutcome(t, a, src)
	require.Equal(t, collector.StatePublished, state)
	require.NotEqual(t, id, newID)
	rec, ok = a.Records().Get(src.URI)
	require.True(t, ok)
	require.Equal(t, newID, rec.DocumentID)
}

func TestWebSourceRedirectRecordsBothURLs(t *testing.T) {
	feed := &feedServer{}
	feed.set("payload", `"r1"`)
	srv := httptest.NewServer(feed)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Metadata = config.MetadataConfig{Backend: "memory"}
	a := newApp(t, cfg)
	defer a.Close()

	src := collector.SourceConfig{URI: srv.URL + "/old", Kind: collector.KindWeb, Name: "moved", PostProcess: collector.PostProcessNone}
	state, id := onlyOutcome(t, a, src)
	require.Equal(t, collector.StatePublished, state)

	primary, ok := a.Records().Get(srv.URL + "/old")
	require.True(t, ok)
	alias, ok := a.Records().Get(srv.URL + "/feed")
	require.True(t, ok)
	require.Equal(t, id, primary.DocumentID)
	require.Equal(t, primary.DocumentID, alias.DocumentID)
	require.Equal(t, primary.ContentHash, alias.ContentHash)
}

func TestDirectorySourceWithInProcessReceiver(t *testing.T) {
	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "b.txt"), []byte("bravo"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.txt"), []byte("alpha"), 0o600))

	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Provider: "memory"}
	cfg.Collector.MessageMode = "inline"
	cfg.Receiver = config.ReceiverConfig{Dir: t.TempDir(), InProcess: true}
	a := newApp(t, cfg)
	defer a.Close()

	src := collector.SourceConfig{URI: inbox, Kind: collector.KindDirectory, Name: "inbox", PostProcess: collector.PostProcessNone}
	summary, err := a.Run(context.Background(), []collector.SourceConfig{src})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count(collector.StatePublished))

	sub, err := a.Subscriber()
	require.NoError(t, err)
	r, err := receiver.New(a.Documents(), cfg.Receiver.Dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sub) }()

	require.Eventually(t, func() bool {
		_, errA := os.Stat(filepath.Join(cfg.Receiver.Dir, "a.txt"))
		_, errB := os.Stat(filepath.Join(cfg.Receiver.Dir, "b.txt"))
		return errA == nil && errB == nil
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(filepath.Join(cfg.Receiver.Dir, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bravo", string(data))
}

func TestSubscriberUnavailableForPlainMemoryBus(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	defer a.Close()

	_, err := a.Subscriber()
	require.ErrorIs(t, err, app.ErrNoSubscriber)
}

func TestNewFailsFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metadata.SQLitePath = filepath.Join(string([]byte{0}), "bad.db")
	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Storage.Provider = "ftp"
	_, err = app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestFingerprintIgnoresPostProcessing(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("series,value\ncpi,312.2\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	compressed := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Metadata = config.MetadataConfig{Backend: "memory"}
	cfg.Storage = config.StorageConfig{Provider: "memory"}
	a := newApp(t, cfg)
	defer a.Close()

	raw := collector.SourceConfig{URI: srv.URL + "/raw.gz", Kind: collector.KindWeb, Name: "raw", PostProcess: collector.PostProcessNone}
	inflated := collector.SourceConfig{URI: srv.URL + "/inflated.gz", Kind: collector.KindWeb, Name: "inflated", PostProcess: collector.PostProcessDecompress}

	_, rawID := onlyOutcome(t, a, raw)
	_, inflatedID := onlyOutcome(t, a, inflated)

	rawRec, ok := a.Records().Get(raw.URI)
	require.True(t, ok)
	inflatedRec, ok := a.Records().Get(inflated.URI)
	require.True(t, ok)
	require.NotEmpty(t, rawRec.ContentHash)
	require.Equal(t, rawRec.ContentHash, inflatedRec.ContentHash)

	doc, err := a.Documents().Fetch(context.Background(), rawID)
	require.NoError(t, err)
	assert.Equal(t, compressed, doc.Content)
	doc, err = a.Documents().Fetch(context.Background(), inflatedID)
	require.NoError(t, err)
	assert.Equal(t, "series,value\ncpi,312.2\n", string(doc.Content))
}

func TestConcurrentRunMatchesSerialRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"`+r.URL.Path+`"`)
		w.Header().Set("Content-Type", "text/plain")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	}))
	defer srv.Close()

	sources := make([]collector.SourceConfig, 0, 12)
	for i := range 12 {
		sources = append(sources, collector.SourceConfig{
			URI:         fmt.Sprintf("%s/doc/%d", srv.URL, i),
			Kind:        collector.KindWeb,
			Name:        fmt.Sprintf("doc-%d", i),
			PostProcess: collector.PostProcessNone,
		})
	}

	collect := func(concurrency int) []collector.SourceRecord {
		cfg := testConfig(t)
		cfg.Collector.Concurrency = concurrency
		cfg.Metadata = config.MetadataConfig{Backend: "memory"}
		cfg.Storage = config.StorageConfig{Provider: "memory"}
		a := newApp(t, cfg)
		defer a.Close()

		summary, err := a.Run(context.Background(), sources)
		require.NoError(t, err)
		require.Equal(t, len(sources), summary.Count(collector.StatePublished))
		return a.Records().List()
	}

	serial := collect(1)
	parallel := collect(4)
	require.Len(t, serial, len(sources))
	require.Len(t, parallel, len(serial))

	ids := make(map[string]struct{}, len(parallel))
	for i := range serial {
		// ids are fresh per run; everything else must match
		require.NotEmpty(t, parallel[i].DocumentID)
		ids[parallel[i].DocumentID] = struct{}{}
		serial[i].DocumentID, parallel[i].DocumentID = "", ""
		require.Equal(t, serial[i], parallel[i])
	}
	require.Len(t, ids, len(sources))
}
