package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/postprocess"
)

type fakeSource struct {
	payloads []collector.Payload
	err      error
	seen     []collector.SourceConfig
}

func (f *fakeSource) Collect(_ context.Context, src collector.SourceConfig) ([]collector.Payload, error) {
	f.seen = append(f.seen, src)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]collector.Payload, len(f.payloads))
	copy(out, f.payloads)
	return out, nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs []collector.Document
	err  error
}

func (f *fakeDocs) Store(_ context.Context, doc collector.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeDocs) Fetch(context.Context, string) (collector.Document, error) {
	return collector.Document{}, errors.New("not implemented")
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []collector.Message
	err  error
}

func (f *fakeBus) Publish(_ context.Context, msg collector.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func newPipeline(src collector.Source, docs *fakeDocs, bus *fakeBus, cfg Config) *Pipeline {
	return New(src, postprocess.New(0), docs, bus, cfg, zap.NewNop())
}

var feed = collector.SourceConfig{
	URI:         "http://h/feed",
	Kind:        collector.KindWeb,
	Name:        "feed",
	ContentType: "application/xml",
	DataType:    "structured",
}

func TestCollectPublishesNewContent(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{{URL: feed.URI, DocumentID: "d1", Raw: []byte("<x/>"), IsNew: true}}}
	docs, bus := &fakeDocs{}, &fakeBus{}

	report, err := newPipeline(src, docs, bus, Config{}).Collect(context.Background(), feed)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, collector.StatePublished, report.Outcomes[0].FinalState)
	require.Equal(t, 1, report.Count(collector.StatePublished))
	require.Empty(t, report.Failed())

	require.Len(t, docs.docs, 1)
	require.Equal(t, "d1", docs.docs[0].ID)
	require.Equal(t, "application/xml", docs.docs[0].ContentType)
	require.Equal(t, "<x/>", string(docs.docs[0].Content))

	require.Len(t, bus.msgs, 1)
	msg := bus.msgs[0]
	require.Equal(t, "d1", string(msg.Payload))
	require.False(t, msg.Inline())
	require.Equal(t, map[string]string{
		collector.HeaderContentType: "application/xml",
		collector.HeaderDataType:    "structured",
		collector.HeaderSourceName:  "feed",
		collector.HeaderSourceURL:   feed.URI,
		collector.HeaderPayloadMode: "reference",
		collector.HeaderDocumentID:  "d1",
	}, msg.Headers)
}

func TestCollectInlineModeCarriesContent(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{{
		URL: "/in/a.txt", DocumentID: "d1", FileName: "a.txt", ContentType: "text/plain", Raw: []byte("body"), IsNew: true,
	}}}
	bus := &fakeBus{}
	cfg := feed
	cfg.MessageMode = collector.MessageModeInline

	_, err := newPipeline(src, &fakeDocs{}, bus, Config{}).Collect(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "body", string(bus.msgs[0].Payload))
	require.True(t, bus.msgs[0].Inline())
	require.Equal(t, "a.txt", bus.msgs[0].Headers[collector.HeaderFileName])
	require.Equal(t, "text/plain", bus.msgs[0].Headers[collector.HeaderContentType])
}

func TestCollectDefaultModeFromConfig(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{{URL: feed.URI, DocumentID: "d1", Raw: []byte("b")}}}
	bus := &fakeBus{}
	_, err := newPipeline(src, &fakeDocs{}, bus, Config{MessageMode: collector.MessageModeInline}).
		Collect(context.Background(), feed)
	require.NoError(t, err)
	require.True(t, bus.msgs[0].Inline())
}

func TestCollectSkipped(t *testing.T) {
	docs, bus := &fakeDocs{}, &fakeBus{}
	report, err := newPipeline(&fakeSource{}, docs, bus, Config{}).Collect(context.Background(), feed)
	require.NoError(t, err)
	require.Equal(t, collector.StateSkipped, report.Outcomes[0].FinalState)
	require.Empty(t, docs.docs)
	require.Empty(t, bus.msgs)
}

func TestCollectTransportErrorContained(t *testing.T) {
	src := &fakeSource{err: collector.NewError(collector.KindTransport, feed.URI, errors.New("503"))}
	report, err := newPipeline(src, &fakeDocs{}, &fakeBus{}, Config{}).Collect(context.Background(), feed)
	require.NoError(t, err)
	out := report.Outcomes[0]
	require.Equal(t, collector.StateFetching, out.FinalState)
	require.ErrorIs(t, out.Err, collector.ErrTransport)

	var ce *collector.Error
	require.ErrorAs(t, out.Err, &ce)
	require.Equal(t, collector.StateFetching, ce.State)
}

func TestCollectStoreIOIsFatal(t *testing.T) {
	src := &fakeSource{err: collector.NewError(collector.KindStoreIO, "", errors.New("disk"))}
	report, err := newPipeline(src, &fakeDocs{}, &fakeBus{}, Config{}).Collect(context.Background(), feed)
	require.ErrorIs(t, err, collector.ErrStoreIO)
	require.Len(t, report.Outcomes, 1)
}

func TestCollectPostProcessFailureContained(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{{URL: feed.URI, DocumentID: "d1", Raw: []byte("not gzip")}}}
	docs, bus := &fakeDocs{}, &fakeBus{}
	cfg := feed
	cfg.PostProcess = collector.PostProcessDecompress

	report, err := newPipeline(src, docs, bus, Config{}).Collect(context.Background(), cfg)
	require.NoError(t, err)
	out := report.Outcomes[0]
	require.Equal(t, collector.StateFetched, out.FinalState)
	require.ErrorIs(t, out.Err, collector.ErrPostProcess)
	require.Empty(t, docs.docs)
	require.Empty(t, bus.msgs)
}

func TestCollectDocumentStoreFailureIsFatal(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{
		{URL: "a", DocumentID: "d1", Raw: []byte("x")},
		{URL: "b", DocumentID: "d2", Raw: []byte("y")},
	}}
	docs, bus := &fakeDocs{err: errors.New("bucket gone")}, &fakeBus{}

	report, err := newPipeline(src, docs, bus, Config{}).Collect(context.Background(), feed)
	require.ErrorIs(t, err, collector.ErrDocumentStore)
	require.True(t, collector.IsFatal(err))
	require.Len(t, report.Outcomes, 1, "processing stops at the first fatal error")
	require.Equal(t, collector.StatePostProcessed, report.Outcomes[0].FinalState)
	require.Empty(t, bus.msgs)
}

func TestCollectPublishFailureIsFatal(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{{URL: "a", DocumentID: "d1", Raw: []byte("x")}}}
	docs, bus := &fakeDocs{}, &fakeBus{err: errors.New("topic missing")}

	report, err := newPipeline(src, docs, bus, Config{}).Collect(context.Background(), feed)
	require.ErrorIs(t, err, collector.ErrMessageBus)
	require.Equal(t, collector.StateStored, report.Outcomes[0].FinalState)
	require.Len(t, docs.docs, 1)
}

func TestCollectForceAll(t *testing.T) {
	src := &fakeSource{}
	_, err := newPipeline(src, &fakeDocs{}, &fakeBus{}, Config{ForceAll: true}).Collect(context.Background(), feed)
	require.NoError(t, err)
	require.True(t, src.seen[0].Force)
}

func TestCollectDirectoryPayloads(t *testing.T) {
	src := &fakeSource{payloads: []collector.Payload{
		{URL: "/d/a", DocumentID: "1", FileName: "a", Raw: []byte("a")},
		{URL: "/d/b", DocumentID: "2", FileName: "b", Raw: []byte("b")},
	}}
	docs, bus := &fakeDocs{}, &fakeBus{}
	report, err := newPipeline(src, docs, bus, Config{}).Collect(context.Background(), feed)
	require.NoError(t, err)
	require.Equal(t, 2, report.Count(collector.StatePublished))
	require.Len(t, docs.docs, 2)
	require.Equal(t, "b", docs.docs[1].Metadata["file_name"])
}

func TestTrackerRejectsIllegalTransition(t *testing.T) {
	tr := newTracker("u", zap.NewNop())
	require.Error(t, tr.advance(collector.StateStored))
	require.NoError(t, tr.advance(collector.StateFetching))
	require.NoError(t, tr.advance(collector.StateSkipped))
	require.Error(t, tr.advance(collector.StateFetched))
	tr.clean()
	require.Equal(t, collector.StateCleaned, tr.state)
	require.Error(t, tr.advance(collector.StateFetching))
}
