package receiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/collector"
	pubmemory "github.com/JakeFAU/source-collector/internal/publisher/memory"
	"github.com/JakeFAU/source-collector/internal/storage/memory"
)

type failingStore struct{ err error }

func (f failingStore) Store(context.Context, collector.Document) error { return f.err }
func (f failingStore) Fetch(context.Context, string) (collector.Document, error) {
	return collector.Document{}, f.err
}

func headers(kv ...string) map[string]string {
	h := make(map[string]string)
	for i := 0; i+1 < len(kv); i += 2 {
		h[kv[i]] = kv[i+1]
	}
	return h
}

func TestFileName(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
		wantErr bool
	}{
		{"explicit", headers(collector.HeaderFileName, "feed.xml"), "feed.xml", false},
		{"derived", headers(collector.HeaderSourceName, "nvd", collector.HeaderDocumentID, "abc"), "nvd-abc", false},
		{"missing", headers(collector.HeaderSourceName, "nvd"), "", true},
		{"traversal", headers(collector.HeaderFileName, "../etc/passwd"), "", true},
		{"dotdot", headers(collector.HeaderFileName, ".."), "", true},
		{"backslash", headers(collector.HeaderFileName, `a\b`), "", true},
		{"derived traversal", headers(collector.HeaderSourceName, "..", collector.HeaderDocumentID, "/x"), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FileName(collector.Message{Headers: tc.headers})
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidFileName)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHandleInline(t *testing.T) {
	dir := t.TempDir()
	r, err := New(nil, dir, nil)
	require.NoError(t, err)

	err = r.Handle(context.Background(), collector.Message{
		Headers: headers(collector.HeaderPayloadMode, "inline", collector.HeaderFileName, "data.csv"),
		Payload: []byte("a,b\n"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "data.csv"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n", string(data))
}

func TestHandleReference(t *testing.T) {
	dir := t.TempDir()
	docs := memory.NewDocumentStore()
	require.NoError(t, docs.Store(context.Background(), collector.Document{ID: "doc-1", Content: []byte("stored")}))

	r, err := New(docs, dir, nil)
	require.NoError(t, err)

	err = r.Handle(context.Background(), collector.Message{
		Headers: headers(collector.HeaderPayloadMode, "reference", collector.HeaderSourceName, "nvd", collector.HeaderDocumentID, "doc-1"),
		Payload: []byte("doc-1"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "nvd-doc-1"))
	require.NoError(t, err)
	require.Equal(t, "stored", string(data))
}

func TestHandleDropsPermanentFailures(t *testing.T) {
	dir := t.TempDir()
	r, err := New(memory.NewDocumentStore(), dir, nil)
	require.NoError(t, err)

	// unknown document
	require.NoError(t, r.Handle(context.Background(), collector.Message{
		Headers: headers(collector.HeaderSourceName, "nvd", collector.HeaderDocumentID, "missing"),
	}))
	// traversal
	require.NoError(t, r.Handle(context.Background(), collector.Message{
		Headers: headers(collector.HeaderPayloadMode, "inline", collector.HeaderFileName, "../escape"),
		Payload: []byte("x"),
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape"))
}

func TestHandleReturnsTransientFailures(t *testing.T) {
	r, err := New(failingStore{err: errors.New("timeout")}, t.TempDir(), nil)
	require.NoError(t, err)
	err = r.Handle(context.Background(), collector.Message{
		Headers: headers(collector.HeaderSourceName, "nvd", collector.HeaderDocumentID, "doc-1"),
	})
	require.ErrorContains(t, err, "timeout")
}

func TestRunDrainsSubscriber(t *testing.T) {
	dir := t.TempDir()
	bus := pubmemory.NewBus(2)
	pub := pubmemory.NewWithBus(bus)
	require.NoError(t, pub.Publish(context.Background(), collector.Message{
		Headers: headers(collector.HeaderPayloadMode, "inline", collector.HeaderFileName, "one.txt"),
		Payload: []byte("1"),
	}))
	require.NoError(t, pub.Publish(context.Background(), collector.Message{
		Headers: headers(collector.HeaderPayloadMode, "inline", collector.HeaderFileName, "two.txt"),
		Payload: []byte("2"),
	}))
	bus.Close()

	r, err := New(nil, dir, nil)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), bus))
	require.FileExists(t, filepath.Join(dir, "one.txt"))
	require.FileExists(t, filepath.Join(dir, "two.txt"))
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(nil, " ", nil)
	require.Error(t, err)
}
