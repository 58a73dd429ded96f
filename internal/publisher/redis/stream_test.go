package redis

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// fakeClient is a single-group in-memory stream.
type fakeClient struct {
	mu       sync.Mutex
	entries  []redis.XMessage
	next     int
	acked    []string
	groupErr error
	readErr  error
	onEmpty  func()
}

func (f *fakeClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, ok := a.Values.(map[string]any)
	if !ok {
		return redis.NewStringResult("", errors.New("unexpected values type"))
	}
	id := strconv.Itoa(len(f.entries)+1) + "-0"
	f.entries = append(f.entries, redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeClient) XGroupCreateMkStream(context.Context, string, string, string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeClient) XReadGroup(_ context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	if f.readErr != nil {
		f.mu.Unlock()
		return redis.NewXStreamSliceCmdResult(nil, f.readErr)
	}
	if f.next >= len(f.entries) {
		onEmpty := f.onEmpty
		f.mu.Unlock()
		if onEmpty != nil {
			onEmpty()
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	batch := f.entries[f.next:]
	f.next = len(f.entries)
	f.mu.Unlock()
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: batch}}, nil)
}

func (f *fakeClient) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func newTestBus(t *testing.T, f *fakeClient) *Bus {
	t.Helper()
	bus, err := newBus(f, Config{Stream: "documents"}, nil)
	require.NoError(t, err)
	return bus
}

func TestPublishAndReceive(t *testing.T) {
	f := &fakeClient{}
	bus := newTestBus(t, f)

	require.NoError(t, bus.Publish(context.Background(), collector.Message{
		Headers: map[string]string{collector.HeaderDocumentID: "doc-1"},
		Payload: []byte("doc-1"),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	f.onEmpty = cancel

	var got []collector.Message
	err := bus.Receive(ctx, func(_ context.Context, msg collector.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "doc-1", got[0].Headers[collector.HeaderDocumentID])
	require.Equal(t, "doc-1", string(got[0].Payload))
	require.Equal(t, []string{"1-0"}, f.acked)
}

func TestReceiveLeavesFailedEntriesPending(t *testing.T) {
	f := &fakeClient{}
	bus := newTestBus(t, f)
	require.NoError(t, bus.Publish(context.Background(), collector.Message{Payload: []byte("x")}))

	ctx, cancel := context.WithCancel(context.Background())
	f.onEmpty = cancel
	err := bus.Receive(ctx, func(context.Context, collector.Message) error { return errors.New("disk full") })
	require.NoError(t, err)
	require.Empty(t, f.acked)
}

func TestReceiveAcksMalformedEntries(t *testing.T) {
	f := &fakeClient{entries: []redis.XMessage{{ID: "9-0", Values: map[string]any{fieldHeaders: "{"}}}}
	bus := newTestBus(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	f.onEmpty = cancel
	called := false
	err := bus.Receive(ctx, func(context.Context, collector.Message) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, []string{"9-0"}, f.acked)
}

func TestReceiveErrors(t *testing.T) {
	f := &fakeClient{groupErr: errors.New("NOPERM")}
	err := newTestBus(t, f).Receive(context.Background(), func(context.Context, collector.Message) error { return nil })
	require.ErrorContains(t, err, "create consumer group")

	f = &fakeClient{groupErr: errors.New("BUSYGROUP Consumer Group name already exists"), readErr: errors.New("conn reset")}
	err = newTestBus(t, f).Receive(context.Background(), func(context.Context, collector.Message) error { return nil })
	require.ErrorContains(t, err, "read stream")
}

func TestNewBusDefaults(t *testing.T) {
	_, err := newBus(&fakeClient{}, Config{}, nil)
	require.Error(t, err)

	bus, err := newBus(&fakeClient{}, Config{Stream: "s"}, nil)
	require.NoError(t, err)
	require.Equal(t, "collector", bus.cfg.Group)
	require.NoError(t, bus.Close())
}
