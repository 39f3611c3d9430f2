package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// widgetKind names a snapshot family, both for candidate selection and for
// the wording of not-found results.
type widgetKind string

const (
	widgetTab      widgetKind = "tab"
	widgetButton   widgetKind = "button"
	widgetField    widgetKind = "field"
	widgetDropdown widgetKind = "dropdown"
)

// candidatesFor projects one widget family of a snapshot into resolvable
// candidates.
func candidatesFor(snap *schemas.UiState, kind widgetKind) []surface.Candidate {
	var out []surface.Candidate
	switch kind {
	case widgetTab:
		for _, t := range snap.Tabs {
			out = append(out, surface.Candidate{VoiceID: t.VoiceID, Label: t.Label})
		}
	case widgetButton:
		for _, b := range snap.Buttons {
			out = append(out, surface.Candidate{VoiceID: b.VoiceID, Label: b.Label})
		}
	case widgetField:
		for _, f := range snap.Fields {
			out = append(out, surface.Candidate{VoiceID: f.VoiceID, Label: f.Label})
		}
	case widgetDropdown:
		for _, d := range snap.Dropdowns {
			out = append(out, surface.Candidate{VoiceID: d.VoiceID, Label: d.Label})
		}
	}
	return out
}

// findTarget resolves a target within one widget family of the snapshot and
// reports the winning id together with its label.
func findTarget(snap *schemas.UiState, kind widgetKind, target surface.Target) (id, label string, ok bool) {
	cands := candidatesFor(snap, kind)
	id, ok = surface.Resolve(target, cands)
	if !ok {
		return "", "", false
	}
	for _, c := range cands {
		if c.VoiceID == id {
			return id, c.Label, true
		}
	}
	return id, id, true
}

// targetMissing is the uniform not-found failure for a widget family. The
// detail names what was searched; the hint is phrased for the agent's voice.
func targetMissing(actx *Context, kind widgetKind, want string) schemas.ActionResult {
	res := schemas.Failed(
		schemas.ErrCodeTargetNotFound,
		fmt.Sprintf("no %s matching %q on the current screen", kind, want),
		fmt.Sprintf("could not find %s %q", kind, want),
	)
	res.Hint = actx.Hint(locale.KeyTargetMissing, want)
	return res
}

// currentState captures a fresh snapshot for target resolution. Handlers
// always resolve against live state, never against the pre-execution capture
// the engine holds for diffing.
func currentState(ctx context.Context, actx *Context) (*schemas.UiState, error) {
	return actx.Reader.Snapshot(ctx)
}

// done wraps a successful mutation in a result.
func done(did string) schemas.ActionResult {
	return schemas.ActionResult{OK: true, Did: did}
}

// listItemText returns the text of the list item with the given voice id.
func listItemText(s *schemas.UiState, voiceID string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, item := range s.ListItems {
		if item.VoiceID == voiceID {
			return item.Text, true
		}
	}
	return "", false
}

// countItemsWithPrefix counts list items whose voice id starts with prefix.
func countItemsWithPrefix(s *schemas.UiState, prefix string) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, item := range s.ListItems {
		if strings.HasPrefix(item.VoiceID, prefix) {
			n++
		}
	}
	return n
}

// speakable prefers a human label over a raw voice id.
func speakable(label, voiceID string) string {
	if strings.TrimSpace(label) != "" {
		return label
	}
	return voiceID
}
