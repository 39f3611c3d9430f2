// Package verify computes what changed between two UI snapshots. The
// engine runs every action through it: the resulting StateDiff is handed
// to the action's expectation check and summarized for the caller.
package verify

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

var emptyState = &schemas.UiState{}

// Diff compares two snapshots and summarizes the observable changes.
// Either side may be nil and is treated as an empty surface.
func Diff(before, after *schemas.UiState) *schemas.StateDiff {
	if before == nil {
		before = emptyState
	}
	if after == nil {
		after = emptyState
	}

	d := &schemas.StateDiff{Before: before, After: after}

	if before.ActiveTab != after.ActiveTab {
		d.TabChanged = true
		d.TabBefore = before.ActiveTab
		d.TabAfter = after.ActiveTab
	}
	if before.Location != after.Location {
		d.LocationChanged = true
		d.LocationBefore = before.Location
		d.LocationAfter = after.Location
	}

	d.ChangedFields = changedFields(before, after)
	d.ChangedDropdowns = changedDropdowns(before, after)
	d.ButtonsAppeared, d.ButtonsDisappeared = buttonSetDiff(before, after)
	d.ModalsOpened = modalTitleDiff(before.Modals, after.Modals)
	d.ModalsClosed = modalTitleDiff(after.Modals, before.Modals)
	return d
}

// changedFields lists voice ids whose value differs, plus fields that
// newly appeared already holding a value.
func changedFields(before, after *schemas.UiState) []string {
	prior := make(map[string]string, len(before.Fields))
	for _, f := range before.Fields {
		prior[f.VoiceID] = f.Value
	}
	var changed []string
	for _, f := range after.Fields {
		old, existed := prior[f.VoiceID]
		if (existed && old != f.Value) || (!existed && f.Value != "") {
			changed = append(changed, f.VoiceID)
		}
	}
	return changed
}

func changedDropdowns(before, after *schemas.UiState) []string {
	prior := make(map[string]string, len(before.Dropdowns))
	for _, dd := range before.Dropdowns {
		prior[dd.VoiceID] = dd.Value
	}
	var changed []string
	for _, dd := range after.Dropdowns {
		old, existed := prior[dd.VoiceID]
		if (existed && old != dd.Value) || (!existed && dd.Value != "") {
			changed = append(changed, dd.VoiceID)
		}
	}
	return changed
}

// buttonSetDiff reports voice ids present on only one side.
func buttonSetDiff(before, after *schemas.UiState) (appeared, disappeared []string) {
	beforeIDs := make(map[string]bool, len(before.Buttons))
	for _, b := range before.Buttons {
		beforeIDs[b.VoiceID] = true
	}
	afterIDs := make(map[string]bool, len(after.Buttons))
	for _, b := range after.Buttons {
		afterIDs[b.VoiceID] = true
		if !beforeIDs[b.VoiceID] {
			appeared = append(appeared, b.VoiceID)
		}
	}
	for _, b := range before.Buttons {
		if !afterIDs[b.VoiceID] {
			disappeared = append(disappeared, b.VoiceID)
		}
	}
	return appeared, disappeared
}

// modalTitleDiff lists titles present in to but absent from from. Modals
// are compared by title because the title is what a voice agent can say.
func modalTitleDiff(from, to []schemas.ModalInfo) []string {
	present := make(map[string]bool, len(from))
	for _, m := range from {
		present[m.Title] = true
	}
	var out []string
	seen := make(map[string]bool, len(to))
	for _, m := range to {
		if !present[m.Title] && !seen[m.Title] {
			out = append(out, m.Title)
			seen[m.Title] = true
		}
	}
	return out
}

// Describe renders a diff as one short spoken-style sentence fragment.
// An empty diff reads as "no visible change".
func Describe(d *schemas.StateDiff) string {
	if d == nil || d.Empty() {
		return "no visible change"
	}

	var parts []string
	if d.LocationChanged {
		parts = append(parts, "moved to "+d.LocationAfter)
	}
	if d.TabChanged && d.TabAfter != "" {
		parts = append(parts, "switched to the "+tabName(d)+" tab")
	}
	for _, title := range d.ModalsOpened {
		parts = append(parts, fmt.Sprintf("opened the %q dialog", title))
	}
	for _, title := range d.ModalsClosed {
		parts = append(parts, fmt.Sprintf("closed the %q dialog", title))
	}
	if n := len(d.ChangedFields); n > 0 {
		parts = append(parts, countNoun(n, "field")+" changed ("+strings.Join(d.ChangedFields, ", ")+")")
	}
	if n := len(d.ChangedDropdowns); n > 0 {
		parts = append(parts, countNoun(n, "selection")+" changed ("+strings.Join(d.ChangedDropdowns, ", ")+")")
	}
	if n := len(d.ButtonsAppeared); n > 0 {
		parts = append(parts, countNoun(n, "new control")+" appeared")
	}
	if n := len(d.ButtonsDisappeared); n > 0 {
		parts = append(parts, countNoun(n, "control")+" went away")
	}
	if len(parts) == 0 {
		// Something changed but nothing speakable, e.g. a tab strip vanished.
		return "the view changed"
	}
	return strings.Join(parts, "; ")
}

// tabName prefers the tab's label over its voice id when the after
// snapshot still knows it.
func tabName(d *schemas.StateDiff) string {
	if d.After != nil {
		if tab := d.After.Tab(d.TabAfter); tab != nil && tab.Label != "" {
			return tab.Label
		}
	}
	return d.TabAfter
}

func countNoun(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// Explain renders a full structural diff of the two snapshots for debug
// logs. Unlike Describe it is for operators, not for speech.
func Explain(before, after *schemas.UiState) string {
	return cmp.Diff(before, after)
}
