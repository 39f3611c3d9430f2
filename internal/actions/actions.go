// Package actions defines the closed catalogue of semantic operations a
// voice agent may perform against the application surface. Only registered
// definitions are reachable; agent input never selects code, only catalogue
// entries. Handlers mutate the surface and nothing else.
package actions

import (
	"context"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// Args is the argument bag a handler receives. Values arrive as decoded
// JSON, so numbers are float64 and the typed getters paper over that.
type Args map[string]any

// String returns the named argument when it is present and a string.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// Bool returns the named argument when it is present and a bool.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key].(bool)
	return v, ok
}

// Int returns the named argument as an int, accepting the float64 that
// JSON decoding produces for every number.
func (a Args) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Context carries everything a handler may touch during one invocation.
// It is assembled per call and never shared across calls.
type Context struct {
	// Surface is the live application surface the handler mutates.
	Surface surface.Surface
	// Reader provides snapshots and the settle loop over the same surface.
	Reader *surface.Reader
	// Hints renders localized spoken-style suggestions.
	Hints *locale.Hinter
	// Locale is the caller's requested language tag.
	Locale string
	// User identifies who is speaking, when the transport knows.
	User *schemas.Identity
	// Route is the surface location at the time the call was admitted.
	Route string
	// SessionID scopes idempotency and the confirmation gate.
	SessionID string
	// Match is how handlers resolve their targets. The first attempt is
	// always exact; the engine widens this to MatchRelaxed for a repair
	// pass.
	Match surface.MatchMode
}

// Hint renders a localized hint in the caller's language. Safe on a
// Context without a Hinter; it just stays quiet.
func (c *Context) Hint(key string, args ...any) string {
	if c == nil || c.Hints == nil {
		return ""
	}
	return c.Hints.Hint(c.Locale, key, args...)
}

// Target builds a surface target that honors the call's match mode.
func (c *Context) Target(voiceID string) surface.Target {
	return surface.Target{VoiceID: voiceID, Match: c.Match}
}

// HandlerFunc applies one action to the surface. Handlers are best-effort:
// a target that cannot be located is an OK:false result with a diagnostic,
// not an error. A returned error means the surface itself failed (driver
// gone, context cancelled) and the engine normalizes it.
type HandlerFunc func(ctx context.Context, actx *Context, args Args) (schemas.ActionResult, error)

// VerifyFunc checks the settled diff against the action's expected effect.
// On failure, observed describes what the screen actually showed, phrased
// so it can be folded into a spoken hint.
type VerifyFunc func(args Args, d *schemas.StateDiff) (ok bool, observed string)

// Definition is one catalogue entry. Definitions are value objects created
// at process start; the registry rejects anything malformed.
type Definition struct {
	ID          string
	Description string
	Risk        schemas.RiskTier
	// RequiresConfirmation gates the handler behind an explicit CONFIRM.
	// Registry construction forces it on for high-risk definitions.
	RequiresConfirmation bool
	// Pending is the spoken phrase describing what is being held back while
	// the gate is armed, e.g. "end the session". Only read for gated
	// definitions.
	Pending string
	// Params declares the structural argument schema, validated before the
	// handler ever runs. Parameter order is the sorted key order.
	Params map[string]schemas.ParamSpec
	// Handler performs the effect.
	Handler HandlerFunc
	// Verify, when set, must pass against the post-settle diff for the
	// result to stay OK.
	Verify VerifyFunc
	// Repairable opts the definition into one relaxed-match retry when the
	// exact target resolution or verification fails. Destructive actions
	// must never set this.
	Repairable bool
}
