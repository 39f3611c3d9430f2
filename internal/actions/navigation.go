package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// pageTarget maps a spoken page name onto a route and, when the page lives
// behind a tab, the tab to select after arriving.
type pageTarget struct {
	Route string
	Tab   string
}

var pages = map[string]pageTarget{
	"home":     {Route: "/home"},
	"courses":  {Route: "/home", Tab: "tab-courses"},
	"sessions": {Route: "/home", Tab: "tab-sessions"},
	"posts":    {Route: "/home", Tab: "tab-posts"},
	"polls":    {Route: "/home", Tab: "tab-polls"},
	"settings": {Route: "/settings"},
}

func pageNames() []string {
	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// navigationDefs builds the catalogue entries that move around the app.
func navigationDefs() []Definition {
	defs := []Definition{
		{
			ID:          ActionNavigate,
			Description: "Go to a named page of the app.",
			Risk:        schemas.RiskLow,
			Params: map[string]schemas.ParamSpec{
				"page": {
					Type:        schemas.ParamString,
					Required:    true,
					Enum:        pageNames(),
					Description: "Destination page.",
				},
			},
			Handler: func(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
				page, _ := args.String("page")
				return navigateTo(ctx, actx, page)
			},
			Verify: func(args Args, d *schemas.StateDiff) (bool, string) {
				page, _ := args.String("page")
				return pageReached(page, d)
			},
		},
		{
			ID:          ActionGoBack,
			Description: "Go back to the previous screen.",
			Risk:        schemas.RiskLow,
			Handler:     goBackHandler,
		},
		{
			ID:          ActionSwitchTab,
			Description: "Switch to another tab on the current screen.",
			Risk:        schemas.RiskLow,
			Params: map[string]schemas.ParamSpec{
				"tab_voice_id": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Voice id of the tab to select.",
				},
			},
			Handler: switchTabHandler,
			Verify:  switchTabVerify,
		},
	}

	// Single-purpose shortcuts for the pages agents ask for most. Partial
	// applications of NAVIGATE; they share its handler and verification.
	shortcuts := []struct {
		id   string
		page string
	}{
		{ActionNavigateToCourses, "courses"},
		{ActionNavigateToSessions, "sessions"},
		{ActionNavigateToPosts, "posts"},
		{ActionNavigateToPolls, "polls"},
	}
	for _, sc := range shortcuts {
		page := sc.page
		defs = append(defs, Definition{
			ID:          sc.id,
			Description: fmt.Sprintf("Go straight to the %s page.", page),
			Risk:        schemas.RiskLow,
			Handler: func(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
				return navigateTo(ctx, actx, page)
			},
			Verify: func(args Args, d *schemas.StateDiff) (bool, string) {
				return pageReached(page, d)
			},
		})
	}
	return defs
}

// navigateTo moves the surface to the named page: route first, then the
// page's tab when it has one. Already being there is a success, not a no-op
// error; the agent only cares about where we end up.
func navigateTo(ctx context.Context, actx *Context, page string) (schemas.ActionResult, error) {
	dest, ok := pages[page]
	if !ok {
		return schemas.Failed(
			schemas.ErrCodeInvalidParams,
			fmt.Sprintf("unknown page %q", page),
			"did not navigate",
		), nil
	}

	loc, err := actx.Surface.Location(ctx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	if loc != dest.Route {
		if err := actx.Surface.Navigate(ctx, dest.Route); err != nil {
			return schemas.ActionResult{}, err
		}
	}
	if dest.Tab != "" {
		res, err := switchToTab(ctx, actx, surface.Exact(dest.Tab))
		if err != nil || !res.OK {
			return res, err
		}
	}
	return done(fmt.Sprintf("navigated to %s", page)), nil
}

func goBackHandler(ctx context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
	if err := actx.Surface.Back(ctx); err != nil {
		return schemas.ActionResult{}, err
	}
	loc, err := actx.Surface.Location(ctx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("went back to %s", loc)), nil
}

func switchTabHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	want, _ := args.String("tab_voice_id")
	return switchToTab(ctx, actx, actx.Target(want))
}

// switchToTab resolves a tab and selects it. Selecting the already-active
// tab succeeds without touching the surface.
func switchToTab(ctx context.Context, actx *Context, target surface.Target) (schemas.ActionResult, error) {
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	id, label, ok := findTarget(snap, widgetTab, target)
	if !ok {
		return targetMissing(actx, widgetTab, target.VoiceID), nil
	}
	if snap.ActiveTab == id {
		return done(fmt.Sprintf("stayed on %s tab", speakable(label, id))), nil
	}
	if err := actx.Surface.Click(ctx, surface.Exact(id)); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetTab, target.VoiceID), nil
		}
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("switched to %s tab", speakable(label, id))), nil
}

// -- Verification --

// pageReached checks that the settled state shows the named page: its route,
// and its tab when the page has one.
func pageReached(page string, d *schemas.StateDiff) (bool, string) {
	dest, ok := pages[page]
	if !ok {
		return false, fmt.Sprintf("unknown page %q", page)
	}
	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	if d.After.Location != dest.Route {
		return false, fmt.Sprintf("the location is still %s", d.After.Location)
	}
	if dest.Tab != "" && d.After.ActiveTab != dest.Tab {
		return false, fmt.Sprintf("the selected tab is %s", selectedTabName(d.After))
	}
	return true, ""
}

// switchTabVerify passes when the requested tab is the selected one after
// settling. A switch to the already-selected tab verifies clean.
func switchTabVerify(args Args, d *schemas.StateDiff) (bool, string) {
	want, _ := args.String("tab_voice_id")
	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	tab := d.After.Tab(want)
	if tab == nil {
		if id, ok := surface.Resolve(surface.Relaxed(want), candidatesFor(d.After, widgetTab)); ok {
			tab = d.After.Tab(id)
		}
	}
	if tab == nil {
		return false, fmt.Sprintf("no tab like %q is on the screen", want)
	}
	if d.After.ActiveTab != tab.VoiceID {
		return false, fmt.Sprintf("the selected tab is %s", selectedTabName(d.After))
	}
	return true, ""
}

func selectedTabName(s *schemas.UiState) string {
	if s == nil || s.ActiveTab == "" {
		return "none"
	}
	if tab := s.Tab(s.ActiveTab); tab != nil && tab.Label != "" {
		return tab.Label
	}
	return s.ActiveTab
}
