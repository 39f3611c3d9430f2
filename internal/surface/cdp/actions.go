package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// Every mutation resolves its target against a fresh snapshot first, so
// relaxed matching and the not-found diagnostics work from the same
// candidate set the in-memory driver would offer.

// Click activates a tab, button, or list item.
func (c *Chrome) Click(ctx context.Context, target surface.Target) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	candidates, present := clickCandidates(snap)
	resolved, ok := surface.Resolve(target, candidates)
	if !ok {
		return &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "clickable element", Candidates: present}
	}
	if b := snap.Button(resolved); b != nil && b.Disabled {
		return fmt.Errorf("element %q is disabled", resolved)
	}

	sel := voiceSelector(resolved)
	err = c.run(ctx, c.opTimeout,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	)
	return classifyActionErr(err, target.VoiceID, "clickable element", present)
}

// Fill sets or appends text in an input or textarea. Keys are dispatched
// as real keystrokes so the application's input handlers fire.
func (c *Chrome) Fill(ctx context.Context, target surface.Target, text string, appendTo bool) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	candidates, present := fieldCandidates(snap)
	resolved, ok := surface.Resolve(target, candidates)
	if !ok {
		return &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "field", Candidates: present}
	}
	if f := snap.Field(resolved); f != nil && f.Disabled {
		return fmt.Errorf("field %q is disabled", resolved)
	}

	sel := voiceSelector(resolved)
	actions := []chromedp.Action{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
	}
	if appendTo {
		// Focus alone does not guarantee the caret position; park it at
		// the end so the keystrokes extend the existing value.
		var focused bool
		actions = append(actions, chromedp.Evaluate(buildFocusEndScript(sel), &focused, evaluateForValue))
	} else {
		actions = append(actions, chromedp.Clear(sel, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(sel, text, chromedp.ByQuery))

	err = c.run(ctx, c.opTimeout, actions...)
	return classifyActionErr(err, target.VoiceID, "field", present)
}

// Select script outcomes.
const (
	selectOutcomeOK        = "ok"
	selectOutcomeNoElement = "no-element"
	selectOutcomeNoOption  = "no-option"
)

// SelectOption chooses a dropdown option by its label or value,
// case-insensitively. The value is set page-side and a change event
// dispatched by hand; programmatic selection does not fire one.
func (c *Chrome) SelectOption(ctx context.Context, target surface.Target, option string) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	candidates, present := dropdownCandidates(snap)
	resolved, ok := surface.Resolve(target, candidates)
	if !ok {
		return &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "dropdown", Candidates: present}
	}
	if d := snap.Dropdown(resolved); d != nil && d.Disabled {
		return fmt.Errorf("dropdown %q is disabled", resolved)
	}

	var outcome string
	err = c.run(ctx, c.opTimeout,
		chromedp.Evaluate(buildSelectScript(voiceSelector(resolved), option), &outcome, evaluateForValue),
	)
	if err != nil {
		return classifyActionErr(err, target.VoiceID, "dropdown", present)
	}
	switch outcome {
	case selectOutcomeOK:
		return nil
	case selectOutcomeNoElement:
		return &surface.NotFoundError{VoiceID: target.VoiceID, Kind: "dropdown", Candidates: present}
	case selectOutcomeNoOption:
		return fmt.Errorf("dropdown %q has no option %q", resolved, option)
	default:
		return fmt.Errorf("select script returned unexpected outcome %q", outcome)
	}
}

// CloseModal dismisses the topmost open dialog. Without one it is a no-op.
func (c *Chrome) CloseModal(ctx context.Context) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Modals) == 0 {
		return nil
	}
	top := snap.Modals[len(snap.Modals)-1].VoiceID

	var closed bool
	err = c.run(ctx, c.opTimeout,
		chromedp.Evaluate(buildCloseModalScript(voiceSelector(top)), &closed, evaluateForValue),
	)
	if err != nil {
		return err
	}
	if !closed {
		c.log.Debug("Modal vanished before it could be closed.", zap.String("voice_id", top))
	}
	return nil
}

// -- candidate assembly --

// clickCandidates mirrors the in-memory driver: clicks resolve against
// tabs, buttons, and list items.
func clickCandidates(s *schemas.UiState) ([]surface.Candidate, []string) {
	candidates := make([]surface.Candidate, 0, len(s.Tabs)+len(s.Buttons)+len(s.ListItems))
	present := make([]string, 0, cap(candidates))
	for _, t := range s.Tabs {
		candidates = append(candidates, surface.Candidate{VoiceID: t.VoiceID, Label: t.Label})
		present = append(present, t.VoiceID)
	}
	for _, b := range s.Buttons {
		candidates = append(candidates, surface.Candidate{VoiceID: b.VoiceID, Label: b.Label})
		present = append(present, b.VoiceID)
	}
	for _, li := range s.ListItems {
		candidates = append(candidates, surface.Candidate{VoiceID: li.VoiceID, Label: li.Text})
		present = append(present, li.VoiceID)
	}
	return candidates, present
}

func fieldCandidates(s *schemas.UiState) ([]surface.Candidate, []string) {
	candidates := make([]surface.Candidate, 0, len(s.Fields))
	present := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		candidates = append(candidates, surface.Candidate{VoiceID: f.VoiceID, Label: f.Label})
		present = append(present, f.VoiceID)
	}
	return candidates, present
}

func dropdownCandidates(s *schemas.UiState) ([]surface.Candidate, []string) {
	candidates := make([]surface.Candidate, 0, len(s.Dropdowns))
	present := make([]string, 0, len(s.Dropdowns))
	for _, d := range s.Dropdowns {
		candidates = append(candidates, surface.Candidate{VoiceID: d.VoiceID, Label: d.Label})
		present = append(present, d.VoiceID)
	}
	return candidates, present
}

// -- dispatch helpers --

// voiceSelector builds an attribute selector for a voice id, escaping the
// characters CSS strings reserve.
func voiceSelector(voiceID string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(voiceID)
	return `[data-voice-id="` + escaped + `"]`
}

// classifyActionErr maps CDP failures onto surface errors. A node that
// vanished between the resolving snapshot and the dispatch reads as a
// missing target, which the engine may repair with a fresh resolution.
func classifyActionErr(err error, voiceID, kind string, present []string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "Could not find node") ||
		strings.Contains(msg, "-32000") {
		return &surface.NotFoundError{VoiceID: voiceID, Kind: kind, Candidates: present}
	}
	return err
}

// jsonEncode safely embeds a value, especially a string, into generated
// JavaScript.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

// buildFocusEndScript focuses the selected element and moves its caret to
// the end of the current value.
func buildFocusEndScript(selector string) string {
	return fmt.Sprintf(`(function (sel) {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.focus();
		if (typeof el.setSelectionRange === 'function') {
			const end = (el.value || '').length;
			el.setSelectionRange(end, end);
		}
		return true;
	})(%s)`, jsonEncode(selector))
}

// buildSelectScript picks the option whose label or value matches,
// case-insensitively, then dispatches input and change events.
func buildSelectScript(selector, option string) string {
	return fmt.Sprintf(`(function (sel, wanted) {
		const el = document.querySelector(sel);
		if (!el || !el.options) return %s;
		const want = wanted.trim().toLowerCase();
		for (const opt of Array.from(el.options)) {
			const label = (opt.label || opt.text || '').trim().toLowerCase();
			const value = (opt.value || '').trim().toLowerCase();
			if (label === want || value === want) {
				el.selectedIndex = opt.index;
				el.dispatchEvent(new Event('input', { bubbles: true }));
				el.dispatchEvent(new Event('change', { bubbles: true }));
				return %s;
			}
		}
		return %s;
	})(%s, %s)`,
		jsonEncode(selectOutcomeNoElement),
		jsonEncode(selectOutcomeOK),
		jsonEncode(selectOutcomeNoOption),
		jsonEncode(selector),
		jsonEncode(option))
}

// buildCloseModalScript dismisses a dialog the gentlest way available: the
// app's own dismiss control first so its handlers run, then the native
// dialog close, and hiding the element as a last resort.
func buildCloseModalScript(selector string) string {
	return fmt.Sprintf(`(function (sel) {
		const el = document.querySelector(sel);
		if (!el) return false;
		const dismiss = el.querySelector('[data-closes-modal], [data-dismiss="modal"]');
		if (dismiss) { dismiss.click(); return true; }
		if (typeof el.close === 'function' && el.open) { el.close(); return true; }
		el.setAttribute('hidden', '');
		el.removeAttribute('open');
		return true;
	})(%s)`, jsonEncode(selector))
}
