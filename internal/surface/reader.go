package surface

import (
	"context"
	"fmt"
	"hash"
	"hash/fnv"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/config"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// Reader wraps a Surface with the read-side machinery the engine needs:
// compact projections for prompts and the settle loop that decides when an
// asynchronously rendering page has stopped moving.
type Reader struct {
	surface Surface
	cfg     config.StabilityConfig
	log     *zap.Logger
}

// NewReader validates its dependencies and builds a Reader.
func NewReader(s Surface, cfg config.StabilityConfig, logger *zap.Logger) (*Reader, error) {
	if s == nil {
		return nil, fmt.Errorf("surface must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Interval <= 0 || cfg.Samples < 2 || cfg.Timeout <= 0 {
		return nil, fmt.Errorf("invalid stability settings: interval=%s samples=%d timeout=%s",
			cfg.Interval, cfg.Samples, cfg.Timeout)
	}
	return &Reader{surface: s, cfg: cfg, log: logger.Named("reader")}, nil
}

// Surface exposes the wrapped driver for callers that need to act on it.
func (r *Reader) Surface() Surface { return r.surface }

// Snapshot captures the current UI state.
func (r *Reader) Snapshot(ctx context.Context) (*schemas.UiState, error) {
	return r.surface.Snapshot(ctx)
}

// Compact projects a snapshot down to what a language model needs to pick
// the next action: where we are and what is actionable. Disabled buttons
// and raw field values are pruned.
func (r *Reader) Compact(s *schemas.UiState) *schemas.CompactUiState {
	if s == nil {
		return nil
	}
	c := &schemas.CompactUiState{
		Location:  s.Location,
		ActiveTab: s.ActiveTab,
		Loading:   s.IsLoading,
	}
	for _, tab := range s.Tabs {
		c.Tabs = append(c.Tabs, schemas.CompactButton{VoiceID: tab.VoiceID, Label: tab.Label})
	}
	for _, btn := range s.Buttons {
		if btn.Disabled {
			continue
		}
		c.Buttons = append(c.Buttons, schemas.CompactButton{VoiceID: btn.VoiceID, Label: btn.Label})
	}
	for _, f := range s.Fields {
		c.Fields = append(c.Fields, schemas.CompactField{VoiceID: f.VoiceID, Label: f.Label, HasValue: f.Value != ""})
	}
	for _, d := range s.Dropdowns {
		c.Dropdowns = append(c.Dropdowns, schemas.CompactDropdown{VoiceID: d.VoiceID, Label: d.Label, Value: d.Value})
	}
	for _, m := range s.Modals {
		c.Modals = append(c.Modals, m.Title)
	}
	return c
}

// WaitForStability polls snapshots until the configured number of
// consecutive polls hash identically, then returns the settled state. On
// timeout it returns the most recent snapshot rather than an error: a page
// that animates forever still has to be acted upon, and the verification
// diff will tell the truth about what happened. A nil return means not one
// snapshot could be captured inside the window.
func (r *Reader) WaitForStability(ctx context.Context) *schemas.UiState {
	deadline := time.Now().Add(r.cfg.Timeout)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var (
		last       *schemas.UiState
		lastDigest uint64
		stable     int
	)

	for {
		snap, err := r.surface.Snapshot(ctx)
		if err != nil {
			// Mid-render snapshots can fail transiently; keep polling.
			r.log.Debug("Snapshot failed during settle; retrying.", zap.Error(err))
			stable = 0
		} else {
			d := r.digest(snap)
			if last != nil && d == lastDigest {
				stable++
			} else {
				stable = 1
			}
			last, lastDigest = snap, d
			if stable >= r.cfg.Samples {
				return last
			}
		}

		if time.Now().After(deadline) {
			r.log.Debug("Settle window elapsed before the page went quiet.",
				zap.Int("stable_samples", stable),
				zap.Int("required", r.cfg.Samples))
			return last
		}

		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

// digest hashes the compact projection of a snapshot. Using the projection
// rather than the raw state keeps cosmetic churn (spinner frames, captured
// sequence numbers) from resetting the stability count.
func (r *Reader) digest(s *schemas.UiState) uint64 {
	compact := r.Compact(s)
	raw, err := json.Marshal(compact)
	if err != nil {
		// Marshal of plain structs cannot realistically fail; treat it as
		// an always-different digest so the loop keeps sampling.
		return uint64(time.Now().UnixNano())
	}

	hasher := hasherPool.Get().(hash.Hash64)
	_, _ = hasher.Write(raw)
	digest := hasher.Sum64()
	hasher.Reset()
	hasherPool.Put(hasher)
	return digest
}
