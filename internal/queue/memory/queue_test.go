package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/collector"
)

func task(uri string) collector.Task {
	return collector.Task{Source: collector.SourceConfig{URI: uri}, Submitted: time.Unix(0, 0)}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan collector.Task, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			result <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), task("http://a")))
	select {
	case got := <-result:
		require.Equal(t, "http://a", got.Source.URI)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), task("primed")))
	require.Equal(t, 1, full.Len())
	require.EqualError(t, full.Enqueue(ctx, task("x")), "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), task("a")))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), task("b")), collector.ErrQueueClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got.Source.URI)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, collector.ErrQueueClosed)
}
