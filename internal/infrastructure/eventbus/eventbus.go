// Package eventbus provides the in-process event bus connecting the
// settlement engine to the accounting layer and other consumers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies a kind of domain event.
type EventType string

const (
	EventInvoiceCreated  EventType = "invoice.created"
	EventPaymentSettled  EventType = "invoice.settled"
	EventInvoiceExpired  EventType = "invoice.expired"
	EventChannelOpened   EventType = "channel.opened"
	EventChannelClosed   EventType = "channel.closed"
	EventPaymentReceived EventType = "payment.received"
	EventPaymentSent     EventType = "payment.sent"
	EventLiquidityAlert  EventType = "liquidity.alert"
	EventAMLAlert        EventType = "aml.alert"
	EventAMLVerified     EventType = "aml.verified"
	EventTaxDataStored   EventType = "tax.data_stored"
	EventPaymentTaxable  EventType = "tax.taxable_event"
)

// Event is a domain event. Key carries the stable identity of the subject
// (payment hash or channel id); Payload carries the event-specific data.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Key       string      `json:"key"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(typ EventType, source, key string, payload interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Source:    source,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler processes events of the types it subscribed to.
type Handler func(ctx context.Context, event Event) error

// Bus publishes domain events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handlerID string, handler Handler) error
	Unsubscribe(eventType EventType, handlerID string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type subscription struct {
	id      string
	handler Handler
}

// InMemoryBus is the single-process Bus implementation. Synchronous publishes
// invoke handlers inline; async publishes go through a buffered channel
// drained by a background worker.
type InMemoryBus struct {
	logger      *zap.Logger
	handlers    map[EventType][]subscription
	asyncBuffer chan Event
	running     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewInMemoryBus creates a bus with the given async buffer size.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &InMemoryBus{
		logger:      logger,
		handlers:    make(map[EventType][]subscription),
		asyncBuffer: make(chan Event, bufferSize),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the async delivery worker.
func (b *InMemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("event bus already running")
	}
	b.running = true
	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.deliverAsync()
	b.logger.Info("event bus started")
	return nil
}

// Stop drains the worker and stops async delivery. Synchronous publishes keep
// working after Stop.
func (b *InMemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus stopped")
	return nil
}

// Subscribe registers a handler for an event type. Handler ids must be unique
// per event type.
func (b *InMemoryBus) Subscribe(eventType EventType, handlerID string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.handlers[eventType] {
		if sub.id == handlerID {
			return fmt.Errorf("handler %s already subscribed to %s", handlerID, eventType)
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: handlerID, handler: handler})
	b.logger.Debug("handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("handler_id", handlerID))
	return nil
}

// Unsubscribe removes a handler from an event type.
func (b *InMemoryBus) Unsubscribe(eventType EventType, handlerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, sub := range subs {
		if sub.id == handlerID {
			b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler %s not subscribed to %s", handlerID, eventType)
}

// Publish delivers the event to all subscribers inline. Handler errors are
// logged and do not stop delivery to the remaining subscribers.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("handler_id", sub.id),
				zap.String("key", event.Key),
				zap.Error(err))
		}
	}
	return nil
}

// PublishAsync enqueues the event for background delivery. When the buffer is
// full or the bus is stopped the event is delivered inline instead, so no
// event is ever silently dropped.
func (b *InMemoryBus) PublishAsync(ctx context.Context, event Event) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return b.Publish(ctx, event)
	}
	select {
	case b.asyncBuffer <- event:
		return nil
	default:
		b.logger.Warn("async event buffer full, delivering inline",
			zap.String("event_type", string(event.Type)))
		return b.Publish(ctx, event)
	}
}

func (b *InMemoryBus) deliverAsync() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.asyncBuffer:
			_ = b.Publish(context.Background(), event)
		case <-b.stopChan:
			// Drain whatever is left before exiting.
			for {
				select {
				case event := <-b.asyncBuffer:
					_ = b.Publish(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}
