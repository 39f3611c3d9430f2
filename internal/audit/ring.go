// Package audit keeps the action run log: a bounded in-memory ring every
// run lands in, and an optional Postgres sink for durable storage.
package audit

import (
	"fmt"
	"sync"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// Ring is the bounded in-memory run log. Appending past capacity evicts the
// oldest record, so the log holds at most its capacity no matter how long
// the process runs.
type Ring struct {
	mu   sync.RWMutex
	buf  []schemas.RunRecord
	next int
	full bool
}

// NewRing builds a ring holding up to capacity records.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Ring{buf: make([]schemas.RunRecord, capacity)}, nil
}

// Append records one run, evicting the oldest when the ring is full.
func (r *Ring) Append(rec schemas.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len reports how many records the ring currently holds.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Recent returns up to n records, most recent first. n <= 0 means all.
func (r *Ring) Recent(n int) []schemas.RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held := r.lenLocked()
	if n <= 0 || n > held {
		n = held
	}
	out := make([]schemas.RunRecord, 0, n)
	idx := r.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx = len(r.buf) - 1
		}
		out = append(out, r.buf[idx])
		idx--
	}
	return out
}
