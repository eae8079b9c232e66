package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var received []Event
	err := bus.Subscribe(EventPaymentSettled, "test-handler", func(ctx context.Context, e Event) error {
		received = append(received, e)
		return nil
	})
	assert.NoError(t, err)

	event := NewEvent(EventPaymentSettled, "test", "hash-1", nil)
	assert.NoError(t, bus.Publish(context.Background(), event))

	assert.Len(t, received, 1)
	assert.Equal(t, "hash-1", received[0].Key)
	assert.Equal(t, EventPaymentSettled, received[0].Type)
	assert.NotEqual(t, received[0].ID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	calls := 0
	_ = bus.Subscribe(EventInvoiceExpired, "expired-only", func(ctx context.Context, e Event) error {
		calls++
		return nil
	})

	_ = bus.Publish(context.Background(), NewEvent(EventPaymentSettled, "test", "k", nil))
	assert.Zero(t, calls)
}

func TestHandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	second := false
	_ = bus.Subscribe(EventAMLAlert, "failing", func(ctx context.Context, e Event) error {
		return errors.New("handler broken")
	})
	_ = bus.Subscribe(EventAMLAlert, "working", func(ctx context.Context, e Event) error {
		second = true
		return nil
	})

	assert.NoError(t, bus.Publish(context.Background(), NewEvent(EventAMLAlert, "test", "k", nil)))
	assert.True(t, second)
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)
	handler := func(ctx context.Context, e Event) error { return nil }

	assert.NoError(t, bus.Subscribe(EventInvoiceCreated, "dup", handler))
	assert.Error(t, bus.Subscribe(EventInvoiceCreated, "dup", handler))
}

func TestUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	calls := 0
	_ = bus.Subscribe(EventInvoiceCreated, "h", func(ctx context.Context, e Event) error {
		calls++
		return nil
	})
	assert.NoError(t, bus.Unsubscribe(EventInvoiceCreated, "h"))
	assert.Error(t, bus.Unsubscribe(EventInvoiceCreated, "h"))

	_ = bus.Publish(context.Background(), NewEvent(EventInvoiceCreated, "test", "k", nil))
	assert.Zero(t, calls)
}

func TestPublishAsyncDelivery(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)
	assert.NoError(t, bus.Start(context.Background()))
	defer bus.Stop(context.Background())

	var mu sync.Mutex
	received := 0
	_ = bus.Subscribe(EventTaxDataStored, "async", func(ctx context.Context, e Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		assert.NoError(t, bus.PublishAsync(context.Background(), NewEvent(EventTaxDataStored, "test", "k", nil)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 5
	}, time.Second, 10*time.Millisecond)
}

func TestStopDrainsBufferedEvents(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)
	assert.NoError(t, bus.Start(context.Background()))

	var mu sync.Mutex
	received := 0
	_ = bus.Subscribe(EventLiquidityAlert, "drain", func(ctx context.Context, e Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		_ = bus.PublishAsync(context.Background(), NewEvent(EventLiquidityAlert, "test", "k", nil))
	}
	assert.NoError(t, bus.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, received)
}
