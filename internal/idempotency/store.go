package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// Store keeps recently recorded action results keyed by idempotency key.
// Implementations decide where the records live; the engine only asks two
// questions: "did this already happen?" and "remember that it happened".
type Store interface {
	// Check returns the recorded result for key when one exists inside the
	// deduplication window.
	Check(ctx context.Context, key string) (*schemas.ActionResult, bool, error)
	// Record stores the result under key, stamped with the current time.
	// Recording twice under one key overwrites; last write wins.
	Record(ctx context.Context, key string, result schemas.ActionResult) error
}

// memoryEntry is one recorded result with its write time.
type memoryEntry struct {
	result schemas.ActionResult
	at     time.Time
}

// MemoryStore is the in-process Store. Entries expire by window on read
// and are purged lazily on write once they are twice the window old, so
// the map stays bounded without a sweeper goroutine.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	window  time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// NewMemoryStore builds a MemoryStore with the given deduplication window.
func NewMemoryStore(window time.Duration, logger *zap.Logger) (*MemoryStore, error) {
	if window <= 0 {
		return nil, fmt.Errorf("idempotency window must be positive, got %s", window)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		window:  window,
		log:     logger.Named("idempotency"),
		now:     time.Now,
	}, nil
}

// Check looks the key up and applies the window.
func (s *MemoryStore) Check(_ context.Context, key string) (*schemas.ActionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().Sub(entry.at) > s.window {
		delete(s.entries, key)
		return nil, false, nil
	}
	result := entry.result
	return &result, true, nil
}

// Record stores the result and sweeps out entries older than twice the
// window while it holds the lock anyway.
func (s *MemoryStore) Record(_ context.Context, key string, result schemas.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = memoryEntry{result: result, at: now}

	horizon := now.Add(-2 * s.window)
	purged := 0
	for k, e := range s.entries {
		if e.at.Before(horizon) {
			delete(s.entries, k)
			purged++
		}
	}
	if purged > 0 {
		s.log.Debug("Purged expired idempotency entries.", zap.Int("count", purged))
	}
	return nil
}

// Len reports the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
