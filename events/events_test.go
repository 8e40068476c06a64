package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	received := make(chan Event, 1)
	bus.SubscribeFunc("TASK_CREATED", func(ctx context.Context, event Event) error {
		received <- event
		return nil
	})

	err := bus.Publish(context.Background(), Event{
		Type:       "TASK_CREATED",
		InstanceID: 42,
		TaskID:     7,
		NodeID:     "approval-1",
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, uint64(42), event.InstanceID)
		assert.Equal(t, uint64(7), event.TaskID)
		assert.Equal(t, "approval-1", event.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublishNoHandler(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: "NOBODY_LISTENS"})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPublishAfterStop(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc("X", func(ctx context.Context, event Event) error { return nil })
	bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: "X"})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishSyncCollectsErrors(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	bus.SubscribeFunc("X", func(ctx context.Context, event Event) error { return nil })
	bus.SubscribeFunc("X", func(ctx context.Context, event Event) error {
		return errors.New("delivery failed")
	})

	errs := bus.PublishSync(context.Background(), Event{Type: "X"})
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "delivery failed")

	errs = bus.PublishSync(context.Background(), Event{Type: "Y"})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoHandler)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(WithBufferSize(10))
	defer bus.Stop()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		bus.SubscribeFunc("X", func(ctx context.Context, event Event) error {
			mu.Lock()
			count++
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "X"}))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}
	mu.Lock()
	assert.Equal(t, 2, count)
	mu.Unlock()
}

func TestErrorHandlerInvoked(t *testing.T) {
	errCh := make(chan error, 1)
	bus := NewBus(WithErrorHandler(func(event Event, err error) {
		errCh <- err
	}))
	defer bus.Stop()

	bus.SubscribeFunc("X", func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "X"}))
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error handler")
	}
}
