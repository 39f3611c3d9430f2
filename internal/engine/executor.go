// Package engine drives semantic actions through their full life cycle:
// validate, absorb duplicates, gate destructive work behind confirmation,
// execute against the surface, wait for it to settle, verify the effect,
// and repair with relaxed matching when verification misses. Every path
// terminates in a well-formed ActionResult; nothing escapes as a raw error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/actions"
	"github.com/kallaxis/waldo-cli/internal/audit"
	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/idempotency"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/surface"
	"github.com/kallaxis/waldo-cli/internal/verify"
)

// recordTimeout bounds the bookkeeping (cache write, event publish) that
// runs after a result exists, detached from the caller's context so a
// cancelled caller still leaves a consistent trail.
const recordTimeout = 5 * time.Second

// pendingConfirmation is one armed gate: the action held back until the
// session says CONFIRM. One per session, latest wins, consumed on use.
type pendingConfirmation struct {
	ActionID string
	Args     actions.Args
	Key      string
	Armed    time.Time
}

// Executor owns the action pipeline and all engine-local state: the
// confirmation gates, per-session rate limiters, and duplicate collapsing.
type Executor struct {
	cfg      config.Interface
	log      *zap.Logger
	registry *actions.Registry
	surface  surface.Surface
	reader   *surface.Reader
	cache    idempotency.Store
	runLog   *audit.Log
	hints    *locale.Hinter
	bus      *EventBus

	timeout time.Duration
	repairs int
	perSec  rate.Limit
	burst   int

	flights singleflight.Group

	mu       sync.Mutex
	pending  map[string]pendingConfirmation
	limiters map[string]*rate.Limiter
}

// New wires an Executor from its collaborators. Dependencies arrive as
// interfaces or ready-built components; the composition root decides the
// concrete stack.
func New(
	cfg config.Interface,
	logger *zap.Logger,
	registry *actions.Registry,
	surf surface.Surface,
	reader *surface.Reader,
	cache idempotency.Store,
	runLog *audit.Log,
	hints *locale.Hinter,
	bus *EventBus,
) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if surf == nil {
		return nil, errors.New("surface cannot be nil")
	}
	if reader == nil {
		return nil, errors.New("reader cannot be nil")
	}
	if cache == nil {
		return nil, errors.New("idempotency store cannot be nil")
	}
	if runLog == nil {
		return nil, errors.New("run log cannot be nil")
	}
	if hints == nil {
		return nil, errors.New("hinter cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("event bus cannot be nil")
	}

	eng := cfg.Engine()
	timeout := eng.ActionTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	repairs := eng.RepairAttempts
	if repairs < 0 {
		repairs = 0
	}
	perSec := rate.Limit(eng.RatePerSecond)
	if perSec <= 0 {
		perSec = 4
	}
	burst := eng.RateBurst
	if burst <= 0 {
		burst = 8
	}

	return &Executor{
		cfg:      cfg,
		log:      logger.With(zap.String("component", "executor")),
		registry: registry,
		surface:  surf,
		reader:   reader,
		cache:    cache,
		runLog:   runLog,
		hints:    hints,
		bus:      bus,
		timeout:  timeout,
		repairs:  repairs,
		perSec:   perSec,
		burst:    burst,
		pending:  make(map[string]pendingConfirmation),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Execute runs one action end to end. The error return is reserved for
// future transport needs and is always nil today: every failure, including
// internal ones, arrives as an OK:false result with a speakable hint.
func (e *Executor) Execute(ctx context.Context, actionID string, rawArgs map[string]any, caller *actions.Context) (schemas.ActionResult, error) {
	actx := e.bindContext(caller)
	log := e.log.With(zap.String("action", actionID), zap.String("session", actx.SessionID))

	def, ok := e.registry.Lookup(actionID)
	if !ok {
		log.Warn("Unknown action requested.")
		res := schemas.Failed(schemas.ErrCodeUnknownAction, fmt.Sprintf("no action named %q in the catalogue", actionID), "did nothing")
		res.Hint = actx.Hint(locale.KeyUnknownAction, actionID)
		return res, nil
	}

	args := actions.Args(rawArgs)
	if err := e.registry.Validate(def, args); err != nil {
		log.Warn("Arguments failed validation.", zap.Error(err))
		res := schemas.Failed(schemas.ErrCodeInvalidParams, err.Error(), "did nothing")
		res.Hint = actx.Hint(locale.KeyInvalidParams, err.Error())
		return res, nil
	}

	// CONFIRM and CANCEL resolve an armed gate when one exists. With no
	// gate armed they fall through to their catalogue handlers, which
	// report that nothing is waiting.
	switch actionID {
	case actions.ActionConfirm:
		if p, taken := e.takePending(actx.SessionID); taken {
			return e.executeConfirmed(ctx, p, actx, log), nil
		}
	case actions.ActionCancel:
		if p, taken := e.takePending(actx.SessionID); taken {
			return e.cancelPending(ctx, p, actx, log), nil
		}
	}

	key, err := idempotency.Key(actx.SessionID, actionID, rawArgs)
	if err != nil {
		// Without a key this call just runs undeduplicated.
		key = ""
		log.Warn("Could not derive idempotency key.", zap.Error(err))
	}
	if key != "" {
		cached, hit, cerr := e.cache.Check(ctx, key)
		switch {
		case cerr != nil:
			log.Warn("Idempotency lookup failed; continuing without dedup.", zap.Error(cerr))
		case hit:
			log.Debug("Duplicate invocation absorbed.", zap.String("key", key))
			return *cached, nil
		}
	}

	if def.RequiresConfirmation {
		return e.armGate(ctx, def, args, key, actx, log), nil
	}

	if !e.limiter(actx.SessionID).Allow() {
		log.Warn("Session over its action rate; refusing.")
		res := schemas.Failed(schemas.ErrCodeRateLimited, "too many actions in quick succession", "did nothing")
		res.Hint = actx.Hint(locale.KeyRateLimited)
		return res, nil
	}

	return e.collapse(ctx, def, args, key, actx, log), nil
}

// RecentRuns returns up to n run records, most recent first. n <= 0 means
// everything the ring still holds.
func (e *Executor) RecentRuns(n int) []schemas.RunRecord {
	return e.runLog.Recent(n)
}

// -- Confirmation Gate --

func (e *Executor) armGate(ctx context.Context, def *actions.Definition, args actions.Args, key string, actx *actions.Context, log *zap.Logger) schemas.ActionResult {
	e.mu.Lock()
	e.pending[actx.SessionID] = pendingConfirmation{
		ActionID: def.ID,
		Args:     args,
		Key:      key,
		Armed:    time.Now().UTC(),
	}
	e.mu.Unlock()

	phrase := gatePhrase(def)
	log.Info("Confirmation gate armed; handler not invoked.", zap.String("phrase", phrase))

	res := schemas.ActionResult{
		OK:   true,
		Did:  "initiated " + def.ID,
		Hint: actx.Hint(locale.KeyConfirmAsk, phrase),
	}
	started := time.Now().UTC()
	e.record(ctx, def.ID, args, key, actx, res, false, started, schemas.RunPending)
	return res
}

func (e *Executor) executeConfirmed(ctx context.Context, p pendingConfirmation, actx *actions.Context, log *zap.Logger) schemas.ActionResult {
	def, ok := e.registry.Lookup(p.ActionID)
	if !ok {
		log.Error("Pending action vanished from the catalogue.", zap.String("held", p.ActionID))
		res := schemas.Failed(schemas.ErrCodeInternal, fmt.Sprintf("pending action %q is not in the catalogue", p.ActionID), "did nothing")
		res.Hint = actx.Hint(locale.KeyInternalError)
		return res
	}

	if !e.limiter(actx.SessionID).Allow() {
		// Re-arm so a throttled confirm does not burn the gate.
		e.mu.Lock()
		e.pending[actx.SessionID] = p
		e.mu.Unlock()
		res := schemas.Failed(schemas.ErrCodeRateLimited, "too many actions in quick succession", "did nothing")
		res.Hint = actx.Hint(locale.KeyRateLimited)
		return res
	}

	log.Info("Confirmation received; executing the held action.", zap.String("held", p.ActionID))

	// The result lands under the held action's own key, replacing the
	// armed "initiated" entry, so a transport retry of the original
	// command replays the executed outcome instead of re-arming the gate.
	res := e.runRecorded(ctx, def, p.Args, p.Key, actx, log)
	if res.OK && res.Hint == "" {
		res.Hint = actx.Hint(locale.KeyConfirmDone)
	}
	return res
}

func (e *Executor) cancelPending(ctx context.Context, p pendingConfirmation, actx *actions.Context, log *zap.Logger) schemas.ActionResult {
	log.Info("Pending action cancelled.", zap.String("held", p.ActionID))
	res := schemas.ActionResult{
		OK:   true,
		Did:  "cancelled " + p.ActionID,
		Hint: actx.Hint(locale.KeyCancelled),
	}
	// Recording under the held action's key replaces its armed "initiated"
	// entry, so retries of the original command stop looking confirmed.
	started := time.Now().UTC()
	e.record(ctx, actions.ActionCancel, nil, p.Key, actx, res, false, started, schemas.RunSuccess)
	return res
}

func (e *Executor) takePending(session string) (pendingConfirmation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[session]
	if ok {
		delete(e.pending, session)
	}
	return p, ok
}

// gatePhrase is what the confirm-asking hint quotes: the definition's own
// spoken phrase, or its id read out as words.
func gatePhrase(def *actions.Definition) string {
	if def.Pending != "" {
		return def.Pending
	}
	return strings.ToLower(strings.ReplaceAll(def.ID, "_", " "))
}

// -- Execution Pipeline --

// collapse funnels concurrent calls that share an idempotency key into a
// single handler flight; every waiter receives the same result.
func (e *Executor) collapse(ctx context.Context, def *actions.Definition, args actions.Args, key string, actx *actions.Context, log *zap.Logger) schemas.ActionResult {
	if key == "" {
		return e.runRecorded(ctx, def, args, key, actx, log)
	}
	v, _, shared := e.flights.Do(key, func() (any, error) {
		return e.runRecorded(ctx, def, args, key, actx, log), nil
	})
	if shared {
		log.Debug("Concurrent duplicate collapsed into one flight.", zap.String("key", key))
	}
	return v.(schemas.ActionResult)
}

func (e *Executor) runRecorded(ctx context.Context, def *actions.Definition, args actions.Args, key string, actx *actions.Context, log *zap.Logger) schemas.ActionResult {
	started := time.Now().UTC()
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, repaired := e.runPipeline(runCtx, def, args, actx, log)

	status := schemas.RunSuccess
	if !result.OK {
		status = schemas.RunFailure
	}
	e.record(ctx, def.ID, args, key, actx, result, repaired, started, status)
	return result
}

// runPipeline is one execute-settle-verify cycle plus the bounded repair
// pass. The returned bool reports whether a repair produced the result.
func (e *Executor) runPipeline(ctx context.Context, def *actions.Definition, args actions.Args, actx *actions.Context, log *zap.Logger) (schemas.ActionResult, bool) {
	before, err := e.reader.Snapshot(ctx)
	if err != nil {
		log.Error("Could not snapshot the surface.", zap.Error(err))
		res := schemas.Failed(schemas.ErrCodeInternal, "could not observe the surface", "did nothing")
		res.Hint = actx.Hint(locale.KeyInternalError)
		return res, false
	}
	if actx.Route == "" {
		actx.Route = before.Location
	}

	result, d := e.attempt(ctx, def, args, actx, before, log)
	accepted, observed := accept(def, args, d, result)

	for pass := 1; !accepted && def.Repairable && pass <= e.repairs; pass++ {
		log.Info("Repairing with relaxed matching.",
			zap.Int("pass", pass), zap.String("observed", observed))

		relaxed := *actx
		relaxed.Match = surface.MatchRelaxed
		base := d.After
		if base == nil {
			base = before
		}
		result, d = e.attempt(ctx, def, args, &relaxed, base, log)
		accepted, observed = accept(def, args, d, result)
		if accepted && result.OK {
			return result, true
		}
	}

	if !accepted && result.OK {
		// The handler believed it worked but the screen disagrees.
		if observed == "" {
			observed = "the expected change did not appear"
		}
		log.Warn("Verification failed after settle.", zap.String("observed", observed))
		fail := schemas.Failed(schemas.ErrCodeVerifyFailed, observed, result.Did)
		fail.Hint = actx.Hint(locale.KeyVerifyFailed, observed)
		return fail, false
	}
	return result, false
}

// attempt invokes the handler, waits for the surface to settle, and diffs
// the before/after pair the verifier will judge.
func (e *Executor) attempt(ctx context.Context, def *actions.Definition, args actions.Args, actx *actions.Context, before *schemas.UiState, log *zap.Logger) (schemas.ActionResult, *schemas.StateDiff) {
	result := e.invoke(ctx, def, args, actx, log)
	after := e.reader.WaitForStability(ctx)
	d := verify.Diff(before, after)
	if !d.Empty() {
		log.Debug("Surface settled with changes.", zap.String("diff", verify.Describe(d)))
	}
	return result, d
}

// invoke is the panic boundary around handlers. Whatever escapes becomes a
// normalized internal-error result; the raw fault goes to the log only.
func (e *Executor) invoke(ctx context.Context, def *actions.Definition, args actions.Args, actx *actions.Context, log *zap.Logger) (res schemas.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked.", zap.Any("panic", r), zap.Stack("stack"))
			res = schemas.Failed(schemas.ErrCodeInternal, "the action stopped unexpectedly", "did nothing")
			res.Hint = actx.Hint(locale.KeyInternalError)
		}
	}()

	result, err := def.Handler(ctx, actx, args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn("Handler interrupted.", zap.Error(err))
		} else {
			log.Error("Handler failed against the surface.", zap.Error(err))
		}
		res = schemas.Failed(schemas.ErrCodeInternal, "the surface did not respond", "did nothing")
		res.Hint = actx.Hint(locale.KeyInternalError)
		return res
	}
	return result
}

// accept decides whether an attempt's outcome stands or earns a repair
// pass. A failure stands unless it is a repairable missed target; a
// success stands unless the definition verifies and the diff disagrees.
func accept(def *actions.Definition, args actions.Args, d *schemas.StateDiff, result schemas.ActionResult) (ok bool, observed string) {
	if !result.OK {
		if result.ErrorCode() == schemas.ErrCodeTargetNotFound && def.Repairable {
			return false, "the exact target did not resolve"
		}
		return true, ""
	}
	if def.Verify == nil {
		return true, ""
	}
	return def.Verify(args, d)
}

// -- Bookkeeping --

// record writes the run everywhere it belongs: audit ring (and sink),
// idempotency cache under key when one exists, and the event bus.
func (e *Executor) record(ctx context.Context, actionID string, args actions.Args, key string, actx *actions.Context, res schemas.ActionResult, repaired bool, started time.Time, status schemas.RunStatus) {
	rec := schemas.RunRecord{
		ID:       uuid.New().String(),
		Session:  actx.SessionID,
		ActionID: actionID,
		Args:     map[string]any(args),
		Route:    actx.Route,
		Status:   status,
		Result:   &res,
		Repaired: repaired,
		Started:  started,
		Finished: time.Now().UTC(),
	}
	if actx.User != nil {
		rec.UserID = actx.User.Subject
	}
	e.runLog.Record(rec)

	recordCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if key != "" {
		if err := e.cache.Record(recordCtx, key, res); err != nil {
			e.log.Warn("Could not record result for dedup.", zap.Error(err))
		}
	}
	if err := e.bus.Publish(recordCtx, RunEvent{Kind: kindFor(rec), Record: rec}); err != nil {
		e.log.Debug("Run event not delivered.", zap.Error(err))
	}
}

// bindContext copies the caller's context and stamps in the engine-owned
// collaborators. The first attempt always resolves targets exactly.
func (e *Executor) bindContext(caller *actions.Context) *actions.Context {
	actx := actions.Context{}
	if caller != nil {
		actx = *caller
	}
	actx.Surface = e.surface
	actx.Reader = e.reader
	actx.Hints = e.hints
	actx.Match = surface.MatchExact
	if actx.Locale == "" {
		actx.Locale = e.cfg.Locale().Default
	}
	return &actx
}

func (e *Executor) limiter(session string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[session]
	if !ok {
		l = rate.NewLimiter(e.perSec, e.burst)
		e.limiters[session] = l
	}
	return l
}
