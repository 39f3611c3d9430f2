package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// widgetDefs builds the catalogue entries for generic widget manipulation.
func widgetDefs() []Definition {
	return []Definition{
		{
			ID:          ActionClickButton,
			Description: "Click a button on the current screen.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"button_voice_id": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Voice id of the button to click.",
				},
			},
			Handler:    clickButtonHandler,
			Repairable: true,
		},
		{
			ID:          ActionFillInput,
			Description: "Type text into an input field.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"field_voice_id": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Voice id of the field to fill.",
				},
				"content": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Text to enter.",
				},
				"append": {
					Type:        schemas.ParamBool,
					Description: "Add to the existing text instead of replacing it.",
				},
			},
			Handler: fillInputHandler,
			Verify:  fillInputVerify,
		},
		{
			ID:          ActionSelectOption,
			Description: "Pick an option in a dropdown.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"dropdown_voice_id": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Voice id of the dropdown.",
				},
				"option": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Option label (or value) to select.",
				},
			},
			Handler:    selectOptionHandler,
			Verify:     selectOptionVerify,
			Repairable: true,
		},
		{
			ID:          ActionCloseModal,
			Description: "Close the dialog that is currently open.",
			Risk:        schemas.RiskLow,
			Handler:     closeModalHandler,
			Verify:      closeModalVerify,
		},
	}
}

func clickButtonHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	want, _ := args.String("button_voice_id")
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	id, label, ok := findTarget(snap, widgetButton, actx.Target(want))
	if !ok {
		return targetMissing(actx, widgetButton, want), nil
	}
	if btn := snap.Button(id); btn != nil && btn.Disabled {
		return schemas.Failed(
			schemas.ErrCodeTargetNotFound,
			fmt.Sprintf("button %q is disabled right now", id),
			fmt.Sprintf("did not click %s", speakable(label, id)),
		), nil
	}
	if err := clickResolved(ctx, actx, id); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, want), nil
		}
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("clicked %s", speakable(label, id))), nil
}

// clickResolved clicks an id the handler already resolved, always exact.
func clickResolved(ctx context.Context, actx *Context, id string) error {
	return actx.Surface.Click(ctx, surface.Exact(id))
}

func fillInputHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	want, _ := args.String("field_voice_id")
	content, _ := args.String("content")
	appendTo, _ := args.Bool("append")

	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	id, label, ok := findTarget(snap, widgetField, actx.Target(want))
	if !ok {
		return targetMissing(actx, widgetField, want), nil
	}
	if err := actx.Surface.Fill(ctx, surface.Exact(id), content, appendTo); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetField, want), nil
		}
		return schemas.ActionResult{}, err
	}
	if appendTo {
		return done(fmt.Sprintf("added to %s", speakable(label, id))), nil
	}
	return done(fmt.Sprintf("filled %s", speakable(label, id))), nil
}

// fillInputVerify checks the typed text actually landed. A replace must
// leave the field holding exactly the content; an append must leave the
// content at the end. Matching on the final value rather than the change
// summary keeps re-entering identical text verifiable.
func fillInputVerify(args Args, d *schemas.StateDiff) (bool, string) {
	want, _ := args.String("field_voice_id")
	content, _ := args.String("content")
	appendTo, _ := args.Bool("append")

	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	field := d.After.Field(want)
	if field == nil {
		if id, ok := surface.Resolve(surface.Relaxed(want), candidatesFor(d.After, widgetField)); ok {
			field = d.After.Field(id)
		}
	}
	if field == nil {
		return false, fmt.Sprintf("the field %q is not on the screen", want)
	}
	if appendTo {
		if strings.HasSuffix(field.Value, content) {
			return true, ""
		}
	} else if field.Value == content {
		return true, ""
	}
	return false, fmt.Sprintf("the %s field does not hold the entered text", speakable(field.Label, field.VoiceID))
}

func selectOptionHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	want, _ := args.String("dropdown_voice_id")
	option, _ := args.String("option")

	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	id, label, ok := findTarget(snap, widgetDropdown, actx.Target(want))
	if !ok {
		return targetMissing(actx, widgetDropdown, want), nil
	}
	if err := actx.Surface.SelectOption(ctx, surface.Exact(id), option); err != nil {
		switch {
		case errors.Is(err, surface.ErrTargetNotFound):
			return targetMissing(actx, widgetDropdown, want), nil
		case errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, surface.ErrSurfaceClosed):
			return schemas.ActionResult{}, err
		default:
			// The dropdown exists but the option does not.
			res := schemas.Failed(
				schemas.ErrCodeTargetNotFound,
				err.Error(),
				fmt.Sprintf("did not change %s", speakable(label, id)),
			)
			res.Hint = actx.Hint(locale.KeyTargetMissing, option)
			return res, nil
		}
	}
	return done(fmt.Sprintf("selected %q in %s", option, speakable(label, id))), nil
}

// selectOptionVerify passes when the settled state shows the option chosen:
// either some dropdown now displays it, or the requested dropdown is among
// the changed ones (selection by underlying value displays the label, not
// the value that picked it).
func selectOptionVerify(args Args, d *schemas.StateDiff) (bool, string) {
	want, _ := args.String("dropdown_voice_id")
	option, _ := args.String("option")

	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	for _, dd := range d.After.Dropdowns {
		if strings.EqualFold(dd.Value, option) {
			return true, ""
		}
	}
	resolved := want
	if id, ok := surface.Resolve(surface.Relaxed(want), candidatesFor(d.After, widgetDropdown)); ok {
		resolved = id
	}
	for _, changed := range d.ChangedDropdowns {
		if changed == resolved {
			return true, ""
		}
	}
	if dd := d.After.Dropdown(resolved); dd != nil {
		if normalizedContains(dd.Value, option) {
			return true, ""
		}
		return false, fmt.Sprintf("%s still shows %q", speakable(dd.Label, dd.VoiceID), dd.Value)
	}
	return false, "the selection did not change"
}

// normalizedContains reports mutual containment of the two strings with id
// separators collapsed, so "algebra" meets "Algebra II".
func normalizedContains(a, b string) bool {
	na := normalizeLoose(a)
	nb := normalizeLoose(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

func normalizeLoose(s string) string {
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

func closeModalHandler(ctx context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	if len(snap.Modals) == 0 {
		return schemas.Failed(
			schemas.ErrCodeTargetNotFound,
			"no dialog is open",
			"found no open dialog",
		), nil
	}
	title := snap.Modals[len(snap.Modals)-1].Title
	if err := actx.Surface.CloseModal(ctx); err != nil {
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("closed the %q dialog", title)), nil
}

func closeModalVerify(_ Args, d *schemas.StateDiff) (bool, string) {
	if d == nil {
		return false, "no settled screen state"
	}
	if len(d.ModalsClosed) == 0 {
		return false, "the dialog is still open"
	}
	return true, ""
}
