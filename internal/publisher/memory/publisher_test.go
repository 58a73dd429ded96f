package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/collector"
)

func message(id string) collector.Message {
	return collector.Message{
		Headers: map[string]string{collector.HeaderDocumentID: id},
		Payload: []byte(id),
	}
}

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Publish(context.Background(), message("a")))
	require.NoError(t, pub.Publish(context.Background(), message("b")))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Headers[collector.HeaderDocumentID])

	msgs[0].Headers[collector.HeaderDocumentID] = "modified"
	require.Equal(t, "a", pub.Messages()[0].Headers[collector.HeaderDocumentID], "expected Messages() to return a copy")
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errors.New("down"))
	require.ErrorContains(t, pub.Publish(context.Background(), message("a")), "down")
	require.Empty(t, pub.Messages())
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(4)
	pub := NewWithBus(bus)
	require.NoError(t, pub.Publish(context.Background(), message("1")))
	require.NoError(t, pub.Publish(context.Background(), message("2")))
	bus.Close()

	var got []string
	err := bus.Receive(context.Background(), func(_ context.Context, msg collector.Message) error {
		got = append(got, string(msg.Payload))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, got)
	require.ErrorIs(t, bus.Publish(context.Background(), message("3")), ErrBusClosed)
}

func TestBusRedeliversOnHandlerError(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	require.NoError(t, bus.Publish(context.Background(), message("x")))
	bus.Close()

	var calls atomic.Int32
	err := bus.Receive(context.Background(), func(context.Context, collector.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestBusReceiveStopsOnCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Receive(ctx, func(context.Context, collector.Message) error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not stop")
	}
}
