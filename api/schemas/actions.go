package schemas

import "time"

// -- Risk Tiers --

// RiskTier classifies how destructive an action is if it fires by mistake.
// The tier is declared on the action definition, not guessed at runtime.
type RiskTier string

const (
	// RiskLow covers navigation and read-only actions. Misfires are mildly
	// annoying at worst.
	RiskLow RiskTier = "low"
	// RiskMedium covers reversible mutations (filling a field, casting a
	// vote that can be changed).
	RiskMedium RiskTier = "medium"
	// RiskHigh covers destructive or hard-to-reverse mutations. High-tier
	// actions always pass through the confirmation gate.
	RiskHigh RiskTier = "high"
)

func (r RiskTier) String() string { return string(r) }

// Valid reports whether the tier is one of the declared constants.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// -- Parameter Specs --

// ParamType is the wire type expected for an action parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamInt    ParamType = "int"
)

// ParamSpec declares a single named parameter of an action. Specs are
// structural only; semantic validation (does this element exist?) happens
// during execution against the live surface.
type ParamSpec struct {
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Enum        []string  `json:"enum,omitempty"`
	Description string    `json:"description,omitempty"`
}

// -- Action Results --

// Error codes carried in ActionResult.Error. The code prefixes a
// human-readable detail, e.g. "TARGET_NOT_FOUND: no button 'submit-btm'".
const (
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeInvalidParams  = "INVALID_PARAMS"
	ErrCodeTargetNotFound = "TARGET_NOT_FOUND"
	ErrCodeNothingPending = "NOTHING_PENDING"
	ErrCodeVerifyFailed   = "VERIFY_FAILED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ActionResult is the single outcome type every action invocation produces,
// success or failure. Results are value objects: once returned they are
// never mutated, so a cached result can be replayed verbatim.
type ActionResult struct {
	// OK reports whether the action achieved (and, where a verifier is
	// declared, was observed to achieve) its effect.
	OK bool `json:"ok"`
	// Did is a short past-tense description of what actually happened,
	// phrased for a voice agent to relay ("Switched to the Polls tab").
	Did string `json:"did"`
	// Hint, when present, suggests what the agent could say or try next.
	// It is advisory; callers are free to ignore it.
	Hint string `json:"hint,omitempty"`
	// Error carries a machine-readable code and detail when OK is false.
	// Invariant: OK == false implies Error != "".
	Error string `json:"error,omitempty"`
	// Data carries structured payloads for read-style actions (screen
	// contents, the action catalogue). Nil for plain mutations.
	Data map[string]any `json:"data,omitempty"`
}

// Failed builds a failure result with a coded error and a spoken-style did.
func Failed(code, detail, did string) ActionResult {
	return ActionResult{OK: false, Did: did, Error: code + ": " + detail}
}

// ErrorCode extracts the leading code from the Error field, or "" when the
// result is a success.
func (r ActionResult) ErrorCode() string {
	if r.OK || r.Error == "" {
		return ""
	}
	for i := 0; i < len(r.Error); i++ {
		if r.Error[i] == ':' {
			return r.Error[:i]
		}
	}
	return r.Error
}

// -- Run Records --

// RunStatus is the lifecycle state of a recorded action run.
type RunStatus string

const (
	// RunPending marks a gated action that is armed and awaiting CONFIRM.
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

func (s RunStatus) String() string { return string(s) }

// RunRecord is one entry in the action run log: who asked for what, what
// the engine decided, and what came back.
type RunRecord struct {
	ID       string         `json:"id"`
	Session  string         `json:"session"`
	ActionID string         `json:"action_id"`
	Args     map[string]any `json:"args,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Route    string         `json:"route,omitempty"`
	Status   RunStatus      `json:"status"`
	Result   *ActionResult  `json:"result,omitempty"`
	Repaired bool           `json:"repaired,omitempty"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// -- Caller Identity --

// Identity describes the human on whose behalf actions execute. It is
// optional everywhere; an empty identity means "the current operator".
type Identity struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
	Locale  string `json:"locale,omitempty"`
}
