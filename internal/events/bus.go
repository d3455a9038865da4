package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Event names emitted by the recorder
const (
	MonitoringStarted = "monitoringStarted"
	MonitoringStopped = "monitoringStopped"
	RecordingStarted  = "recordingStarted"
	RecordingStopped  = "recordingStopped"
	ChunkStored       = "chunkStored"
	RecordingComplete = "recordingComplete"
	AudioProcess      = "audioProcess"

	// ChunkStoreFailed carries the error of a failed chunk write
	ChunkStoreFailed = "chunkStoreFailed"
	// ChunkUploaded carries a chunk that was uploaded and removed from the store
	ChunkUploaded = "chunkUploaded"
)

// Handler receives the payload of a published event
type Handler func(ctx context.Context, payload any) error

// Subscription identifies a registered handler
type Subscription struct {
	Event string
	ID    uint64

	bus *Bus
}

// Unsubscribe removes the handler from its bus
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

// HandlerError reports a handler failure during Publish
type HandlerError struct {
	Event          string
	SubscriptionID uint64
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s: handler %d: %v", e.Event, e.SubscriptionID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus fans events out synchronously to subscribers in subscription order.
// A failing or panicking handler does not prevent later handlers from running;
// its error is logged and returned from Publish joined with the others.
type Bus struct {
	subscribers map[string][]subscriber
	nextID      uint64
	logger      *slog.Logger

	mu sync.RWMutex
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets a structured logger for handler failures
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string][]subscriber),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for event
func (b *Bus) Subscribe(event string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	// Copy-on-write so a Publish in progress keeps its snapshot
	subs := make([]subscriber, len(b.subscribers[event]), len(b.subscribers[event])+1)
	copy(subs, b.subscribers[event])
	b.subscribers[event] = append(subs, subscriber{id: id, handler: handler})

	return Subscription{Event: event, ID: id, bus: b}
}

// Unsubscribe removes a handler; unknown subscriptions are ignored
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subscribers[sub.Event]
	for i, s := range current {
		if s.id != sub.ID {
			continue
		}
		next := make([]subscriber, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.subscribers, sub.Event)
		} else {
			b.subscribers[sub.Event] = next
		}
		return
	}
}

// Publish delivers payload to every handler of event on the caller's goroutine
func (b *Bus) Publish(ctx context.Context, event string, payload any) error {
	b.mu.RLock()
	subs := b.subscribers[event]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.deliver(ctx, event, s, payload); err != nil {
			b.logger.Warn("event handler failed",
				slog.String("event", event),
				slog.Uint64("subscription_id", s.id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, &HandlerError{Event: event, SubscriptionID: s.id, Err: err})
		}
	}
	return errors.Join(errs...)
}

// deliver runs one handler, converting a panic into an error
func (b *Bus) deliver(ctx context.Context, event string, s subscriber, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, payload)
}

// SubscriberCount returns the number of handlers registered for event
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[event])
}

// Clear removes every subscription
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscriber)
}

// Subscribe registers a typed handler; payloads of another type are reported as errors
func Subscribe[T any](b *Bus, event string, handler func(context.Context, T) error) Subscription {
	return b.Subscribe(event, func(ctx context.Context, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T, expected %T", payload, *new(T))
		}
		return handler(ctx, typed)
	})
}
