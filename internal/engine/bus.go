package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// EventKind labels the lifecycle moment a run event reports.
type EventKind string

const (
	// EventPending fires when a gated action arms and waits for CONFIRM.
	EventPending EventKind = "run.pending"
	// EventSucceeded fires after a run finishes with an OK result.
	EventSucceeded EventKind = "run.succeeded"
	// EventFailed fires after a run finishes with a failure result.
	EventFailed EventKind = "run.failed"
)

// RunEvent is the envelope published for every recorded run.
type RunEvent struct {
	ID        string
	Timestamp time.Time
	Kind      EventKind
	Record    schemas.RunRecord
}

// kindFor maps a run record onto the event kind subscribers filter by.
func kindFor(rec schemas.RunRecord) EventKind {
	switch {
	case rec.Status == schemas.RunPending:
		return EventPending
	case rec.Result != nil && rec.Result.OK:
		return EventSucceeded
	default:
		return EventFailed
	}
}

// EventBus fans run events out to subscribers over buffered channels.
// Publish blocks when a subscriber buffer is full, so a slow consumer
// applies backpressure instead of silently losing events.
type EventBus struct {
	logger *zap.Logger

	subscribers map[EventKind][]chan RunEvent
	mu          sync.RWMutex
	bufferSize  int

	// activeWg tracks Publish calls in flight so Shutdown can wait them out.
	activeWg sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

// NewEventBus initializes the bus. bufferSize caps each subscriber channel.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[EventKind][]chan RunEvent),
		bufferSize:  bufferSize,
	}
}

// Publish delivers an event to every subscriber of its kind. Blocks while
// subscriber buffers are full; gives up when ctx expires.
func (b *EventBus) Publish(ctx context.Context, evt RunEvent) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish: event bus is shut down")
	}
	b.activeWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activeWg.Done()

	// A send can race Shutdown closing the channel; recover turns that
	// panic into an orderly error.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from publish during shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to publish: event bus is shutting down")
		}
	}()

	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs, ok := b.subscribers[evt.Kind]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	// Copy so no lock is held across channel sends.
	subsCopy := make([]chan RunEvent, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a receive channel for the given kinds, or for every
// kind when none are named, plus a function that unsubscribes and closes
// the channel.
func (b *EventBus) Subscribe(kinds ...EventKind) (<-chan RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan RunEvent, b.bufferSize)

	if len(kinds) == 0 {
		kinds = []EventKind{EventPending, EventSucceeded, EventFailed}
	}
	for _, kind := range kinds {
		b.subscribers[kind] = append(b.subscribers[kind], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.isShutdown {
			return
		}
		for _, kind := range kinds {
			subs := b.subscribers[kind]
			for i, sub := range subs {
				if sub == ch {
					b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(ch)
	}

	return ch, unsubscribe
}

// Shutdown closes every subscriber channel and waits for in-flight
// publishes to drain. Further publishes fail fast.
func (b *EventBus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan RunEvent]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[EventKind][]chan RunEvent)
	b.mu.Unlock()

	b.activeWg.Wait()
}
