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

// Well-known voice ids of the classroom surface. The domain actions bind to
// these; the generic widget actions work on anything.
const (
	idCoursePicker  = "course-picker"
	idSessionStart  = "session-start"
	idSessionEnd    = "session-end"
	idSessionStatus = "session-status"
	idPostComposer  = "post-composer"
	idPostSubmit    = "post-submit"
	idPostItem      = "post-item-"
	idPostDelete    = "post-delete-"
	idPollOption    = "poll-option-"
)

// domainDefs builds the catalogue entries that know the classroom app.
func domainDefs() []Definition {
	return []Definition{
		{
			ID:          ActionStartSession,
			Description: "Start a live class session.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"course_id": {
					Type:        schemas.ParamString,
					Description: "Course to start the session in; the picked course stays when omitted.",
				},
			},
			Handler: startSessionHandler,
			Verify:  sessionStatusChanged,
		},
		{
			ID:          ActionEndSession,
			Description: "End the running class session.",
			Risk:        schemas.RiskHigh,
			Pending:     "end the class session",
			Handler:     endSessionHandler,
			Verify:      sessionStatusChanged,
		},
		{
			ID:          ActionCreatePost,
			Description: "Write and publish a post.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"content": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Text of the post.",
				},
			},
			Handler: createPostHandler,
			Verify:  createPostVerify,
		},
		{
			ID:          ActionDeletePost,
			Description: "Delete one of the visible posts.",
			Risk:        schemas.RiskHigh,
			Pending:     "delete the post",
			Params: map[string]schemas.ParamSpec{
				"post_id": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: `Id of the post to delete, e.g. "101".`,
				},
			},
			Handler: deletePostHandler,
			Verify:  deletePostVerify,
		},
		{
			ID:          ActionCastVote,
			Description: "Vote for one of the open poll options.",
			Risk:        schemas.RiskMedium,
			Params: map[string]schemas.ParamSpec{
				"option": {
					Type:        schemas.ParamString,
					Required:    true,
					Description: "Poll option to vote for, by name.",
				},
				"poll_id": {
					Type:        schemas.ParamString,
					Description: "Narrows the vote to one poll when several are open.",
				},
			},
			Handler:    castVoteHandler,
			Repairable: true,
		},
	}
}

func startSessionHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	if course, ok := args.String("course_id"); ok && course != "" {
		snap2, fail, err := chooseCourse(ctx, actx, snap, course)
		if err != nil {
			return schemas.ActionResult{}, err
		}
		if fail != nil {
			return *fail, nil
		}
		snap = snap2
	}

	id, _, ok := findTarget(snap, widgetButton, surface.Exact(idSessionStart))
	if !ok {
		return targetMissing(actx, widgetButton, idSessionStart), nil
	}
	if btn := snap.Button(id); btn != nil && btn.Disabled {
		return schemas.Failed(
			schemas.ErrCodeTargetNotFound,
			"the start control is disabled; a session may already be running",
			"did not start a session",
		), nil
	}
	if err := clickResolved(ctx, actx, id); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, idSessionStart), nil
		}
		return schemas.ActionResult{}, err
	}
	return done("started a class session"), nil
}

func endSessionHandler(ctx context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	id, _, ok := findTarget(snap, widgetButton, surface.Exact(idSessionEnd))
	if !ok {
		return targetMissing(actx, widgetButton, idSessionEnd), nil
	}
	if btn := snap.Button(id); btn != nil && btn.Disabled {
		return schemas.Failed(
			schemas.ErrCodeTargetNotFound,
			"the end control is disabled; no session is running",
			"did not end a session",
		), nil
	}
	if err := clickResolved(ctx, actx, id); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, idSessionEnd), nil
		}
		return schemas.ActionResult{}, err
	}
	return done("ended the class session"), nil
}

// sessionStatusChanged verifies that the session status badge moved. Both
// starting and ending flip the badge text; a click that changed nothing is
// a failed action no matter what the driver claimed.
func sessionStatusChanged(_ Args, d *schemas.StateDiff) (bool, string) {
	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	after, ok := listItemText(d.After, idSessionStatus)
	if !ok {
		return false, "no session status is shown"
	}
	if before, ok := listItemText(d.Before, idSessionStatus); ok && before == after {
		return false, fmt.Sprintf("the session status still reads %q", after)
	}
	return true, ""
}

func createPostHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	content, _ := args.String("content")

	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	composerID, _, ok := findTarget(snap, widgetField, surface.Exact(idPostComposer))
	if !ok {
		return targetMissing(actx, widgetField, idPostComposer), nil
	}
	if err := actx.Surface.Fill(ctx, surface.Exact(composerID), content, false); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetField, idPostComposer), nil
		}
		return schemas.ActionResult{}, err
	}

	submitID, _, ok := findTarget(snap, widgetButton, surface.Exact(idPostSubmit))
	if !ok {
		return targetMissing(actx, widgetButton, idPostSubmit), nil
	}
	if err := clickResolved(ctx, actx, submitID); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, idPostSubmit), nil
		}
		return schemas.ActionResult{}, err
	}
	return done("published a post"), nil
}

// createPostVerify passes when the post list grew.
func createPostVerify(_ Args, d *schemas.StateDiff) (bool, string) {
	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	before := countItemsWithPrefix(d.Before, idPostItem)
	after := countItemsWithPrefix(d.After, idPostItem)
	if after > before {
		return true, ""
	}
	return false, "no new post appeared in the list"
}

func deletePostHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	postID, _ := args.String("post_id")
	want := idPostDelete + postID

	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	// Destructive: the delete control is matched exactly, never relaxed.
	id, _, ok := findTarget(snap, widgetButton, surface.Exact(want))
	if !ok {
		return targetMissing(actx, widgetButton, want), nil
	}
	if err := clickResolved(ctx, actx, id); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, want), nil
		}
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("deleted post %s", postID)), nil
}

// deletePostVerify passes once the post's list item is gone.
func deletePostVerify(args Args, d *schemas.StateDiff) (bool, string) {
	postID, _ := args.String("post_id")
	if d == nil || d.After == nil {
		return false, "no settled screen state"
	}
	if _, still := listItemText(d.After, idPostItem+postID); still {
		return false, fmt.Sprintf("post %s is still shown", postID)
	}
	return true, ""
}

func castVoteHandler(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error) {
	option, _ := args.String("option")
	pollID, _ := args.String("poll_id")

	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	cands := pollCandidates(snap, pollID)
	// Votes are spoken by option name, so resolution is relaxed from the
	// first attempt; the candidate set is already fenced to poll options.
	id, ok := surface.Resolve(surface.Relaxed(option), cands)
	if !ok {
		return targetMissing(actx, widgetButton, option), nil
	}
	label := id
	for _, c := range cands {
		if c.VoiceID == id {
			label = speakable(c.Label, id)
			break
		}
	}
	if err := clickResolved(ctx, actx, id); err != nil {
		if errors.Is(err, surface.ErrTargetNotFound) {
			return targetMissing(actx, widgetButton, option), nil
		}
		return schemas.ActionResult{}, err
	}
	return done(fmt.Sprintf("voted for %s", label)), nil
}

// pollCandidates collects clickable poll options. A poll id widens the set
// with that poll's own controls; it never narrows, so single-poll pages keep
// working when an agent passes a stray poll_id.
func pollCandidates(snap *schemas.UiState, pollID string) []surface.Candidate {
	var out []surface.Candidate
	for _, b := range snap.Buttons {
		if b.Disabled {
			continue
		}
		match := strings.HasPrefix(b.VoiceID, idPollOption)
		if !match && pollID != "" {
			match = strings.HasPrefix(b.VoiceID, pollID)
		}
		if !match {
			continue
		}
		out = append(out, surface.Candidate{VoiceID: b.VoiceID, Label: b.Label})
	}
	return out
}

// chooseCourse picks the course in the course dropdown before a session
// starts. The picker lives on the courses tab while the session controls
// live on the sessions tab, so when it is not in view the handler tours
// there and back. Returns the snapshot to continue from, or the failure the
// caller should return.
func chooseCourse(ctx context.Context, actx *Context, snap *schemas.UiState, course string) (*schemas.UiState, *schemas.ActionResult, error) {
	if snap.Dropdown(idCoursePicker) != nil {
		fail, err := pickOption(ctx, actx, snap, idCoursePicker, course)
		if err != nil || fail != nil {
			return nil, fail, err
		}
		return snap, nil, nil
	}

	returnTab := snap.ActiveTab
	coursesTab := pages["courses"].Tab
	if snap.Tab(coursesTab) == nil || returnTab == "" {
		res := targetMissing(actx, widgetDropdown, idCoursePicker)
		return nil, &res, nil
	}

	if res, err := switchToTab(ctx, actx, surface.Exact(coursesTab)); err != nil || !res.OK {
		return nil, &res, err
	}
	over, err := currentState(ctx, actx)
	if err != nil {
		return nil, nil, err
	}
	if fail, err := pickOption(ctx, actx, over, idCoursePicker, course); err != nil || fail != nil {
		return nil, fail, err
	}
	if res, err := switchToTab(ctx, actx, surface.Exact(returnTab)); err != nil || !res.OK {
		return nil, &res, err
	}
	back, err := currentState(ctx, actx)
	if err != nil {
		return nil, nil, err
	}
	return back, nil, nil
}

// pickOption selects option in the named dropdown. A nil result means the
// selection took; a non-nil result is the failure the caller should return.
func pickOption(ctx context.Context, actx *Context, snap *schemas.UiState, dropdownID, option string) (*schemas.ActionResult, error) {
	id, label, ok := findTarget(snap, widgetDropdown, surface.Exact(dropdownID))
	if !ok {
		res := targetMissing(actx, widgetDropdown, dropdownID)
		return &res, nil
	}
	if err := actx.Surface.SelectOption(ctx, surface.Exact(id), option); err != nil {
		switch {
		case errors.Is(err, surface.ErrTargetNotFound):
			res := targetMissing(actx, widgetDropdown, dropdownID)
			return &res, nil
		case errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, surface.ErrSurfaceClosed):
			return nil, err
		default:
			res := schemas.Failed(
				schemas.ErrCodeTargetNotFound,
				err.Error(),
				fmt.Sprintf("did not change %s", speakable(label, id)),
			)
			res.Hint = actx.Hint(locale.KeyTargetMissing, option)
			return &res, nil
		}
	}
	return nil, nil
}
