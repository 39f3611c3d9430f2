package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// maxLabelLength caps extracted text so labels stay speakable. Matches the
// in-memory driver.
const maxLabelLength = 80

// extractScript captures every visible voice-controllable element in one
// page-side pass and returns the snapshot shape directly. Discovery rule:
// an element participates iff it carries data-voice-id and is rendered.
// Classification follows data-voice-role when present, then ARIA role and
// tag. Labels prefer aria-label, then an associated <label for>, then
// visible text, then placeholder, then the voice id itself; the script
// sends generous text and the driver applies the speakable cap.
const extractScript = `(function () {
	const MAX_TEXT = 200;

	const visible = (el) => {
		if (el.closest('[hidden]')) return false;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) return false;
		const style = getComputedStyle(el);
		return style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
	};

	const text = (el) => ((el.innerText || el.textContent || '')).replace(/\s+/g, ' ').trim().substring(0, MAX_TEXT);

	const labelFor = (el) => {
		const aria = (el.getAttribute('aria-label') || '').trim();
		if (aria) return aria.substring(0, MAX_TEXT);
		if (el.id) {
			const assoc = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (assoc) {
				const t = text(assoc);
				if (t) return t;
			}
		}
		const own = text(el);
		if (own) return own;
		const placeholder = (el.getAttribute('placeholder') || '').trim();
		if (placeholder) return placeholder.substring(0, MAX_TEXT);
		return el.getAttribute('data-voice-id');
	};

	const isDisabled = (el) => el.disabled === true || el.hasAttribute('disabled') || el.getAttribute('aria-disabled') === 'true';
	const isBusy = (el) => el.getAttribute('aria-busy') === 'true' || el.getAttribute('data-loading') === 'true';

	const roleOf = (el) => {
		const forced = el.getAttribute('data-voice-role');
		if (forced) return forced;
		const role = (el.getAttribute('role') || '').toLowerCase();
		const tag = el.tagName.toLowerCase();
		if (role === 'tab') return 'tab';
		if (role === 'dialog' || tag === 'dialog') return 'modal';
		if (role === 'listitem' || role === 'status' || tag === 'li') return 'listitem';
		if (role === 'button' || tag === 'button' || tag === 'a') return 'button';
		if (tag === 'select') return 'dropdown';
		if (tag === 'textarea') return 'field';
		if (tag === 'input') {
			const type = (el.type || 'text').toLowerCase();
			if (type === 'button' || type === 'submit' || type === 'reset' || type === 'image') return 'button';
			if (type === 'hidden') return '';
			return 'field';
		}
		return '';
	};

	const modalTitle = (el) => {
		const aria = (el.getAttribute('aria-label') || '').trim();
		if (aria) return aria.substring(0, MAX_TEXT);
		const heading = el.querySelector('h1, h2, h3, h4, h5, h6');
		if (heading) {
			const t = text(heading);
			if (t) return t;
		}
		return el.getAttribute('data-voice-id');
	};

	const state = {
		active_tab: '',
		tabs: [],
		buttons: [],
		fields: [],
		dropdowns: [],
		modals: [],
		list_items: [],
		is_loading: false,
		has_validation_errors: false
	};

	document.querySelectorAll('[data-voice-id]').forEach((el) => {
		if (!visible(el)) return;
		const id = el.getAttribute('data-voice-id');
		if (!id) return;

		switch (roleOf(el)) {
		case 'tab': {
			const selected = el.getAttribute('aria-selected') === 'true';
			state.tabs.push({ voice_id: id, label: labelFor(el), selected: selected });
			if (selected && !state.active_tab) state.active_tab = id;
			break;
		}
		case 'button':
			state.buttons.push({ voice_id: id, label: labelFor(el), disabled: isDisabled(el), loading: isBusy(el) });
			break;
		case 'field': {
			const invalid = el.getAttribute('aria-invalid') === 'true';
			if (invalid) state.has_validation_errors = true;
			state.fields.push({
				voice_id: id,
				label: labelFor(el),
				value: el.value || '',
				disabled: isDisabled(el),
				has_error: invalid
			});
			break;
		}
		case 'dropdown': {
			const options = Array.from(el.options || []).map((o) => (o.label || o.text || o.value || '').trim());
			const idx = el.selectedIndex;
			state.dropdowns.push({
				voice_id: id,
				label: labelFor(el),
				value: idx >= 0 && idx < options.length ? options[idx] : '',
				options: options,
				disabled: isDisabled(el)
			});
			break;
		}
		case 'modal':
			state.modals.push({ voice_id: id, title: modalTitle(el) });
			break;
		case 'listitem':
			state.list_items.push({ voice_id: id, text: text(el) });
			break;
		}
	});

	for (const busy of document.querySelectorAll('[aria-busy="true"], [data-loading="true"]')) {
		if (visible(busy)) { state.is_loading = true; break; }
	}

	return state;
})()`

// evaluateForValue asks the runtime to await promises and hand back the
// value itself, keeping page-side exceptions out of the console.
func evaluateForValue(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
}

// Snapshot captures every visible voice-controllable element on the page.
func (c *Chrome) Snapshot(ctx context.Context) (*schemas.UiState, error) {
	var (
		raw json.RawMessage
		loc string
	)
	err := c.run(ctx, c.opTimeout,
		chromedp.Location(&loc),
		chromedp.Evaluate(extractScript, &raw, evaluateForValue),
	)
	if err != nil {
		return nil, err
	}

	state, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	state.Location = c.relativeLocation(loc)
	state.CapturedAt = c.seq.Add(1)
	return state, nil
}

// decodeSnapshot parses the extraction script's payload and normalizes it.
// The script reports wide-open text; the speakable cap and its UTF-8
// safety live here where they are testable.
func decodeSnapshot(raw json.RawMessage) (*schemas.UiState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("extraction script returned no state")
	}
	var state schemas.UiState
	if err := jsoniter.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode surface state: %w", err)
	}

	for i := range state.Tabs {
		state.Tabs[i].Label = truncateLabel(state.Tabs[i].Label, maxLabelLength)
	}
	for i := range state.Buttons {
		state.Buttons[i].Label = truncateLabel(state.Buttons[i].Label, maxLabelLength)
	}
	for i := range state.Fields {
		state.Fields[i].Label = truncateLabel(state.Fields[i].Label, maxLabelLength)
	}
	for i := range state.Dropdowns {
		state.Dropdowns[i].Label = truncateLabel(state.Dropdowns[i].Label, maxLabelLength)
	}
	for i := range state.Modals {
		state.Modals[i].Title = truncateLabel(state.Modals[i].Title, maxLabelLength)
	}
	for i := range state.ListItems {
		state.ListItems[i].Text = truncateLabel(state.ListItems[i].Text, maxLabelLength)
	}

	if state.ActiveTab == "" {
		for _, tab := range state.Tabs {
			if tab.Selected {
				state.ActiveTab = tab.VoiceID
				break
			}
		}
	}
	return &state, nil
}

// truncateLabel shortens text at a rune boundary and marks the cut.
func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
