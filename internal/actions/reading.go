package actions

import (
	"context"
	"fmt"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/locale"
)

// readingDefs builds the read-only catalogue entries. describe supplies the
// catalogue summary for LIST_ACTIONS; it is bound late, after the registry
// holding these very definitions exists.
func readingDefs(describe func() []map[string]any) []Definition {
	return []Definition{
		{
			ID:          ActionReadScreen,
			Description: "Describe what is currently on the screen.",
			Risk:        schemas.RiskLow,
			Handler:     readScreenHandler,
		},
		{
			ID:          ActionListActions,
			Description: "List everything the agent can be asked to do.",
			Risk:        schemas.RiskLow,
			Handler: func(ctx context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
				res := done("listed the available actions")
				res.Data = map[string]any{"actions": describe()}
				return res, nil
			},
		},
		{
			ID:          ActionConfirm,
			Description: "Confirm the action that is waiting for approval.",
			Risk:        schemas.RiskLow,
			Handler:     nothingPendingHandler,
		},
		{
			ID:          ActionCancel,
			Description: "Cancel the action that is waiting for approval.",
			Risk:        schemas.RiskLow,
			Handler:     nothingPendingHandler,
		},
	}
}

func readScreenHandler(ctx context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
	snap, err := currentState(ctx, actx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	compact := actx.Reader.Compact(snap)
	res := done(fmt.Sprintf("read the screen at %s", snap.Location))
	res.Data = map[string]any{"screen": compact}
	return res, nil
}

// nothingPendingHandler is the fallback behind CONFIRM and CANCEL. The
// engine intercepts both while a gated action is armed; reaching this
// handler means nothing was waiting.
func nothingPendingHandler(_ context.Context, actx *Context, _ Args) (schemas.ActionResult, error) {
	res := schemas.Failed(
		schemas.ErrCodeNothingPending,
		"no action is awaiting confirmation",
		"did nothing",
	)
	res.Hint = actx.Hint(locale.KeyConfirmNone)
	return res, nil
}
