// Package surface abstracts the application surface a voice agent operates:
// a tree of interactive elements addressed by stable voice ids. Two drivers
// implement it, one over a live Chrome instance and one over an in-memory
// HTML page.
package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// Sentinel errors shared by all surface drivers.
var (
	// ErrTargetNotFound means the requested voice id matched nothing
	// visible on the surface, after the target's match mode was applied.
	ErrTargetNotFound = errors.New("target not found on surface")
	// ErrSurfaceClosed means the driver has been shut down.
	ErrSurfaceClosed = errors.New("surface is closed")
)

// MatchMode controls how strictly a target's voice id is resolved.
type MatchMode int

const (
	// MatchExact requires the id to match verbatim. This is the default.
	MatchExact MatchMode = iota
	// MatchRelaxed falls back to unique prefix, substring, and label
	// matches. Used by the repair pass; never the first attempt.
	MatchRelaxed
)

// Target names an element to act on.
type Target struct {
	VoiceID string
	Match   MatchMode
}

// Exact builds a strictly-matched target.
func Exact(voiceID string) Target { return Target{VoiceID: voiceID} }

// Relaxed builds a target that tolerates near-miss ids.
func Relaxed(voiceID string) Target { return Target{VoiceID: voiceID, Match: MatchRelaxed} }

// NotFoundError carries diagnostics about a failed resolution: what was
// asked for and what was actually there. It matches ErrTargetNotFound under
// errors.Is.
type NotFoundError struct {
	VoiceID    string
	Kind       string
	Candidates []string
}

func (e *NotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no %s %q on surface", e.Kind, e.VoiceID)
	}
	return fmt.Sprintf("no %s %q on surface (present: %s)", e.Kind, e.VoiceID, strings.Join(e.Candidates, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrTargetNotFound }

// Surface is the capability contract every driver provides. All mutating
// calls are best-effort against the current page; the caller verifies the
// effect with a fresh Snapshot afterwards.
type Surface interface {
	// Snapshot captures every visible voice-controllable element.
	Snapshot(ctx context.Context) (*schemas.UiState, error)
	// Location reports the surface's current route or URL.
	Location(ctx context.Context) (string, error)
	// Navigate loads the given route, resolved against the driver's base.
	Navigate(ctx context.Context, route string) error
	// Back performs one step of history navigation.
	Back(ctx context.Context) error
	// Click activates the targeted element.
	Click(ctx context.Context, target Target) error
	// Fill sets or appends text in the targeted input.
	Fill(ctx context.Context, target Target, text string, appendTo bool) error
	// SelectOption chooses an option (by label) in the targeted dropdown.
	SelectOption(ctx context.Context, target Target, option string) error
	// CloseModal dismisses the topmost open dialog, if any.
	CloseModal(ctx context.Context) error
	// Close releases driver resources. The surface is unusable afterwards.
	Close() error
}

// Candidate pairs a voice id with its label for relaxed resolution.
type Candidate struct {
	VoiceID string
	Label   string
}

// Resolve applies the target's match mode against the candidates and
// returns the winning voice id. Exact mode accepts only a verbatim match.
// Relaxed mode then tries, in order: a unique case-insensitive id match, a
// unique id prefix, a unique id substring, and finally a unique label
// containment with separators normalized away. Ambiguous fallbacks resolve
// to nothing rather than guessing among several elements.
func Resolve(target Target, candidates []Candidate) (string, bool) {
	for _, c := range candidates {
		if c.VoiceID == target.VoiceID {
			return c.VoiceID, true
		}
	}
	if target.Match != MatchRelaxed || len(target.VoiceID) < 2 {
		return "", false
	}

	want := strings.ToLower(target.VoiceID)

	pick := func(match func(Candidate) bool) (string, bool) {
		var found string
		for _, c := range candidates {
			if !match(c) {
				continue
			}
			if found != "" && found != c.VoiceID {
				return "", false // ambiguous
			}
			found = c.VoiceID
		}
		return found, found != ""
	}

	if id, ok := pick(func(c Candidate) bool { return strings.ToLower(c.VoiceID) == want }); ok {
		return id, true
	}
	if id, ok := pick(func(c Candidate) bool { return strings.HasPrefix(strings.ToLower(c.VoiceID), want) }); ok {
		return id, true
	}
	if id, ok := pick(func(c Candidate) bool { return strings.Contains(strings.ToLower(c.VoiceID), want) }); ok {
		return id, true
	}

	wantWords := normalizeWords(want)
	return pick(func(c Candidate) bool {
		if c.Label == "" {
			return false
		}
		label := normalizeWords(c.Label)
		return strings.Contains(label, wantWords) || strings.Contains(wantWords, label)
	})
}

// normalizeWords lowercases and collapses id separators to spaces so a
// spoken "end-session" can meet a rendered "End Session".
func normalizeWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' || r == ' ' {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}
