package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/actions"
	"github.com/kallaxis/waldo-cli/internal/audit"
	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/idempotency"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/surface"
	"github.com/kallaxis/waldo-cli/internal/surface/htmlpage"
	"github.com/kallaxis/waldo-cli/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func engineCfg() *config.Config {
	return &config.Config{
		EngineCfg: config.EngineConfig{
			ActionTimeout:  5 * time.Second,
			RepairAttempts: 1,
			RatePerSecond:  1000,
			RateBurst:      1000,
			EventBuffer:    16,
		},
		LocaleCfg: config.LocaleConfig{Default: "en"},
	}
}

type testEngine struct {
	exec   *Executor
	reader *surface.Reader
	ring   *audit.Ring
	bus    *EventBus
}

// newTestEngine stands up the whole stack against the in-memory demo
// surface. When defs are given they replace the built-in catalogue.
func newTestEngine(t *testing.T, cfg *config.Config, ringCap int, defs ...actions.Definition) *testEngine {
	t.Helper()
	logger := zaptest.NewLogger(t)

	page, err := htmlpage.Demo(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = page.Close() })

	reader, err := surface.NewReader(page, config.StabilityConfig{
		Interval: time.Millisecond,
		Samples:  2,
		Timeout:  250 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	var reg *actions.Registry
	if len(defs) > 0 {
		reg, err = actions.NewRegistry(defs...)
	} else {
		reg, err = actions.BuildRegistry()
	}
	require.NoError(t, err)

	cache, err := idempotency.NewMemoryStore(4*time.Second, logger)
	require.NoError(t, err)
	ring, err := audit.NewRing(ringCap)
	require.NoError(t, err)
	runLog, err := audit.NewLog(ring, nil, logger)
	require.NoError(t, err)

	bus := NewEventBus(logger, 16)
	t.Cleanup(bus.Shutdown)

	exec, err := New(cfg, logger, reg, page, reader, cache, runLog, locale.New("en"), bus)
	require.NoError(t, err)

	return &testEngine{exec: exec, reader: reader, ring: ring, bus: bus}
}

func (te *testEngine) run(t *testing.T, id string, args map[string]any) schemas.ActionResult {
	t.Helper()
	res, err := te.exec.Execute(context.Background(), id, args, &actions.Context{SessionID: "sess-engine"})
	require.NoError(t, err)
	return res
}

func (te *testEngine) snap(t *testing.T) *schemas.UiState {
	t.Helper()
	s, err := te.reader.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func itemText(t *testing.T, s *schemas.UiState, voiceID string) string {
	t.Helper()
	for _, item := range s.ListItems {
		if item.VoiceID == voiceID {
			return item.Text
		}
	}
	t.Fatalf("no list item %q on the screen", voiceID)
	return ""
}

func TestNewValidatesDependencies(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)
	logger := zaptest.NewLogger(t)
	reg, err := actions.BuildRegistry()
	require.NoError(t, err)
	cache, err := idempotency.NewMemoryStore(time.Second, logger)
	require.NoError(t, err)
	ring, err := audit.NewRing(4)
	require.NoError(t, err)
	runLog, err := audit.NewLog(ring, nil, logger)
	require.NoError(t, err)
	hints := locale.New("en")

	surf := te.reader.Surface()

	cases := []struct {
		name string
		call func() (*Executor, error)
	}{
		{"nil config", func() (*Executor, error) {
			return New(nil, logger, reg, surf, te.reader, cache, runLog, hints, te.bus)
		}},
		{"nil logger", func() (*Executor, error) {
			return New(engineCfg(), nil, reg, surf, te.reader, cache, runLog, hints, te.bus)
		}},
		{"nil registry", func() (*Executor, error) {
			return New(engineCfg(), logger, nil, surf, te.reader, cache, runLog, hints, te.bus)
		}},
		{"nil surface", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, nil, te.reader, cache, runLog, hints, te.bus)
		}},
		{"nil reader", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, surf, nil, cache, runLog, hints, te.bus)
		}},
		{"nil cache", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, surf, te.reader, nil, runLog, hints, te.bus)
		}},
		{"nil run log", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, surf, te.reader, cache, nil, hints, te.bus)
		}},
		{"nil hinter", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, surf, te.reader, cache, runLog, nil, te.bus)
		}},
		{"nil bus", func() (*Executor, error) {
			return New(engineCfg(), logger, reg, surf, te.reader, cache, runLog, hints, nil)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.call()
			assert.Error(t, err)
		})
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	res := te.run(t, "MAKE_TEA", nil)
	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeUnknownAction, res.ErrorCode())
	assert.Contains(t, res.Error, "MAKE_TEA")
	assert.Contains(t, res.Hint, "don't know how")
	assert.Empty(t, te.exec.RecentRuns(0), "schema failures are not execution attempts")
}

func TestExecuteValidationFailure(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	before := te.snap(t)
	res := te.run(t, actions.ActionClickButton, nil)
	after := te.snap(t)

	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeInvalidParams, res.ErrorCode())
	assert.Contains(t, res.Error, "button_voice_id")
	assert.Contains(t, res.Hint, "couldn't start")
	assert.True(t, verify.Diff(before, after).Empty(), "validation must precede any mutation")
	assert.Empty(t, te.exec.RecentRuns(0))
}

func TestExecuteSwitchTab(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": "tab-polls"})
	require.True(t, res.OK, "error: %s", res.Error)
	assert.Equal(t, "switched to Polls tab", res.Did)
	assert.Equal(t, "tab-polls", te.snap(t).ActiveTab)

	runs := te.exec.RecentRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, actions.ActionSwitchTab, runs[0].ActionID)
	assert.Equal(t, schemas.RunSuccess, runs[0].Status)
	assert.Equal(t, "sess-engine", runs[0].Session)
	assert.Equal(t, "/home", runs[0].Route)
	assert.NotEmpty(t, runs[0].ID)
}

func TestExecuteAbsorbsDuplicates(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 16)

	res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": "tab-posts"})
	require.True(t, res.OK, "error: %s", res.Error)

	args := map[string]any{"field_voice_id": "post-composer", "content": "Hello", "append": false}
	first := te.run(t, actions.ActionFillInput, args)
	require.True(t, first.OK, "error: %s", first.Error)

	second := te.run(t, actions.ActionFillInput, args)
	assert.Equal(t, first, second, "a duplicate within the window replays the original result")

	field := te.snap(t).Field("post-composer")
	require.NotNil(t, field)
	assert.Equal(t, "Hello", field.Value)

	// With append a second handler run would leave a visible double.
	appendArgs := map[string]any{"field_voice_id": "post-composer", "content": " there", "append": true}
	res = te.run(t, actions.ActionFillInput, appendArgs)
	require.True(t, res.OK, "error: %s", res.Error)
	res = te.run(t, actions.ActionFillInput, appendArgs)
	require.True(t, res.OK)

	field = te.snap(t).Field("post-composer")
	require.NotNil(t, field)
	assert.Equal(t, "Hello there", field.Value, "the handler must not run twice")

	runs := te.exec.RecentRuns(0)
	assert.Len(t, runs, 3, "absorbed duplicates are not new executions")
}

func TestExecuteCollapsesConcurrentDuplicates(t *testing.T) {
	var invocations atomic.Int64
	def := actions.Definition{
		ID:          "TOUCH",
		Description: "counts how often its handler runs",
		Risk:        schemas.RiskLow,
		Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
			invocations.Add(1)
			time.Sleep(30 * time.Millisecond)
			return schemas.ActionResult{OK: true, Did: "touched"}, nil
		},
	}
	te := newTestEngine(t, engineCfg(), 8, def)

	var wg sync.WaitGroup
	results := make([]schemas.ActionResult, 2)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			res, err := te.exec.Execute(context.Background(), "TOUCH", nil, &actions.Context{SessionID: "sess-engine"})
			assert.NoError(t, err)
			results[slot] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), invocations.Load(), "overlapping duplicates share one handler flight")
	assert.Equal(t, results[0], results[1])
}

func TestExecuteConfirmationGate(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 16)

	res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": "tab-sessions"})
	require.True(t, res.OK, "error: %s", res.Error)
	res = te.run(t, actions.ActionStartSession, nil)
	require.True(t, res.OK, "error: %s", res.Error)

	before := te.snap(t)
	armed := te.run(t, actions.ActionEndSession, nil)
	after := te.snap(t)

	require.True(t, armed.OK)
	assert.Equal(t, "initiated END_SESSION", armed.Did)
	assert.Contains(t, armed.Hint, "This will end the class session")
	assert.True(t, verify.Diff(before, after).Empty(), "arming the gate must not touch the surface")

	runs := te.exec.RecentRuns(1)
	require.Len(t, runs, 1)
	assert.Equal(t, schemas.RunPending, runs[0].Status)

	confirmed := te.run(t, actions.ActionConfirm, nil)
	require.True(t, confirmed.OK, "error: %s", confirmed.Error)
	assert.Equal(t, "ended the class session", confirmed.Did)
	assert.Equal(t, "Confirmed and done.", confirmed.Hint)

	assert.Equal(t, "Session ended", itemText(t, te.snap(t), "session-status"))

	runs = te.exec.RecentRuns(1)
	require.Len(t, runs, 1)
	assert.Equal(t, actions.ActionEndSession, runs[0].ActionID)
	assert.Equal(t, schemas.RunSuccess, runs[0].Status)

	// The gate is one-shot.
	again := te.run(t, actions.ActionConfirm, nil)
	require.False(t, again.OK)
	assert.Equal(t, schemas.ErrCodeNothingPending, again.ErrorCode())
	assert.Contains(t, again.Hint, "nothing waiting")
}

func TestExecuteCancelDisarmsGate(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 16)

	res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": "tab-sessions"})
	require.True(t, res.OK, "error: %s", res.Error)
	res = te.run(t, actions.ActionStartSession, nil)
	require.True(t, res.OK, "error: %s", res.Error)

	armed := te.run(t, actions.ActionEndSession, nil)
	require.True(t, armed.OK)

	cancelled := te.run(t, actions.ActionCancel, nil)
	require.True(t, cancelled.OK)
	assert.Equal(t, "cancelled END_SESSION", cancelled.Did)
	assert.Contains(t, cancelled.Hint, "won't do that")

	// Nothing left to confirm, and the session is still running.
	again := te.run(t, actions.ActionConfirm, nil)
	require.False(t, again.OK)
	assert.Equal(t, schemas.ErrCodeNothingPending, again.ErrorCode())

	assert.Equal(t, "Session active", itemText(t, te.snap(t), "session-status"))

	// A retry of the original command inside the dedup window replays the
	// cancellation instead of silently re-arming the gate.
	replay := te.run(t, actions.ActionEndSession, nil)
	assert.Equal(t, "cancelled END_SESSION", replay.Did)
}

func TestExecuteTargetNotFound(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	res := te.run(t, actions.ActionClickButton, map[string]any{"button_voice_id": "launch-rocket"})
	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeTargetNotFound, res.ErrorCode())
	assert.Contains(t, res.Error, "launch-rocket")
	assert.Contains(t, res.Hint, "couldn't find")

	runs := te.exec.RecentRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, schemas.RunFailure, runs[0].Status)
	assert.False(t, runs[0].Repaired)
}

func TestExecuteRepairsMissedTarget(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	// "help" is nobody's exact voice id, but relaxed matching resolves it
	// to the open-help button.
	res := te.run(t, actions.ActionClickButton, map[string]any{"button_voice_id": "help"})
	require.True(t, res.OK, "error: %s", res.Error)
	assert.Equal(t, "clicked Help", res.Did)

	runs := te.exec.RecentRuns(0)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Repaired, "the relaxed retry produced this result")
	assert.Equal(t, schemas.RunSuccess, runs[0].Status)
}

func TestExecuteRepairDisabled(t *testing.T) {
	cfg := engineCfg()
	cfg.EngineCfg.RepairAttempts = 0
	te := newTestEngine(t, cfg, 8)

	res := te.run(t, actions.ActionClickButton, map[string]any{"button_voice_id": "help"})
	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeTargetNotFound, res.ErrorCode())
}

func TestExecuteVerifyFailure(t *testing.T) {
	var invocations atomic.Int64
	defs := []actions.Definition{
		{
			ID:          "GLITCH",
			Description: "claims success the screen never shows",
			Risk:        schemas.RiskLow,
			Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
				return schemas.ActionResult{OK: true, Did: "pressed the broken switch"}, nil
			},
			Verify: func(args actions.Args, d *schemas.StateDiff) (bool, string) {
				return false, "the lamp stayed off"
			},
		},
		{
			ID:          "STUBBORN",
			Description: "never verifies, even relaxed",
			Risk:        schemas.RiskLow,
			Repairable:  true,
			Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
				invocations.Add(1)
				return schemas.ActionResult{OK: true, Did: "tried again"}, nil
			},
			Verify: func(args actions.Args, d *schemas.StateDiff) (bool, string) {
				return false, "still no change"
			},
		},
	}
	te := newTestEngine(t, engineCfg(), 8, defs...)

	t.Run("unrepairable failure is terminal", func(t *testing.T) {
		res := te.run(t, "GLITCH", nil)
		require.False(t, res.OK)
		assert.Equal(t, schemas.ErrCodeVerifyFailed, res.ErrorCode())
		assert.Contains(t, res.Error, "the lamp stayed off")
		assert.Equal(t, "pressed the broken switch", res.Did, "the handler's account survives")
		assert.Contains(t, res.Hint, "doesn't show the change")
	})

	t.Run("repair is bounded", func(t *testing.T) {
		res := te.run(t, "STUBBORN", nil)
		require.False(t, res.OK)
		assert.Equal(t, schemas.ErrCodeVerifyFailed, res.ErrorCode())
		assert.Equal(t, int64(2), invocations.Load(), "one original pass plus one repair pass")

		runs := te.exec.RecentRuns(1)
		require.Len(t, runs, 1)
		assert.False(t, runs[0].Repaired, "a failed repair is not a repair")
	})
}

func TestExecuteHandlerPanic(t *testing.T) {
	defs := []actions.Definition{
		{
			ID:          "IMPLODE",
			Description: "panics mid-flight",
			Risk:        schemas.RiskLow,
			Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
				panic("wires crossed")
			},
		},
		{
			ID:          "CALM",
			Description: "works fine",
			Risk:        schemas.RiskLow,
			Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
				return schemas.ActionResult{OK: true, Did: "stayed calm"}, nil
			},
		},
	}
	te := newTestEngine(t, engineCfg(), 8, defs...)

	res := te.run(t, "IMPLODE", nil)
	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeInternal, res.ErrorCode())
	assert.Contains(t, res.Hint, "Something went wrong")

	// The engine survives its handlers.
	res = te.run(t, "CALM", nil)
	assert.True(t, res.OK)
}

func TestExecuteHandlerError(t *testing.T) {
	def := actions.Definition{
		ID:          "SURFACE_GONE",
		Description: "reports a dead driver",
		Risk:        schemas.RiskLow,
		Handler: func(ctx context.Context, actx *actions.Context, args actions.Args) (schemas.ActionResult, error) {
			return schemas.ActionResult{}, context.DeadlineExceeded
		},
	}
	te := newTestEngine(t, engineCfg(), 8, def)

	res := te.run(t, "SURFACE_GONE", nil)
	require.False(t, res.OK)
	assert.Equal(t, schemas.ErrCodeInternal, res.ErrorCode())
	assert.Contains(t, res.Error, "did not respond")
}

func TestExecuteRateLimited(t *testing.T) {
	cfg := engineCfg()
	cfg.EngineCfg.RatePerSecond = 0.001
	cfg.EngineCfg.RateBurst = 2
	te := newTestEngine(t, cfg, 8)

	first := te.run(t, actions.ActionNavigate, map[string]any{"page": "sessions"})
	require.True(t, first.OK, "error: %s", first.Error)
	second := te.run(t, actions.ActionNavigate, map[string]any{"page": "polls"})
	require.True(t, second.OK, "error: %s", second.Error)

	third := te.run(t, actions.ActionNavigate, map[string]any{"page": "courses"})
	require.False(t, third.OK)
	assert.Equal(t, schemas.ErrCodeRateLimited, third.ErrorCode())
	assert.Contains(t, third.Hint, "too fast")
	assert.Len(t, te.exec.RecentRuns(0), 2, "a throttled call never executed")
}

func TestExecuteLogBounded(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 3)

	for _, tab := range []string{"tab-sessions", "tab-polls", "tab-posts"} {
		res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": tab})
		require.True(t, res.OK, "error: %s", res.Error)
	}
	res := te.run(t, actions.ActionReadScreen, nil)
	require.True(t, res.OK)

	runs := te.exec.RecentRuns(0)
	require.Len(t, runs, 3, "the ring holds its capacity, oldest evicted")
	assert.Equal(t, actions.ActionReadScreen, runs[0].ActionID)
	assert.Equal(t, "tab-posts", runs[1].Args["tab_voice_id"])
	assert.Equal(t, "tab-polls", runs[2].Args["tab_voice_id"])
}

func TestExecuteLocalizedHints(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	res, err := te.exec.Execute(context.Background(), "MAKE_TEA", nil,
		&actions.Context{SessionID: "sess-de", Locale: "de-AT"})
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Contains(t, res.Hint, "weiß nicht", "hints follow the caller's locale")
}

func TestExecuteStampsIdentity(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	caller := &actions.Context{
		SessionID: "sess-engine",
		User:      &schemas.Identity{Subject: "teacher-7", Name: "Frau Weber"},
	}
	res, err := te.exec.Execute(context.Background(), actions.ActionReadScreen, nil, caller)
	require.NoError(t, err)
	require.True(t, res.OK)

	runs := te.exec.RecentRuns(1)
	require.Len(t, runs, 1)
	assert.Equal(t, "teacher-7", runs[0].UserID)
	assert.Equal(t, "/home", runs[0].Route)
}

func TestExecutePublishesRunEvents(t *testing.T) {
	te := newTestEngine(t, engineCfg(), 8)

	ch, unsubscribe := te.bus.Subscribe(EventSucceeded, EventPending)
	defer unsubscribe()

	res := te.run(t, actions.ActionSwitchTab, map[string]any{"tab_voice_id": "tab-sessions"})
	require.True(t, res.OK, "error: %s", res.Error)

	select {
	case evt := <-ch:
		assert.Equal(t, EventSucceeded, evt.Kind)
		assert.Equal(t, actions.ActionSwitchTab, evt.Record.ActionID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no run event arrived")
	}

	res = te.run(t, actions.ActionStartSession, nil)
	require.True(t, res.OK, "error: %s", res.Error)
	<-ch // START_SESSION success

	armed := te.run(t, actions.ActionEndSession, nil)
	require.True(t, armed.OK)

	select {
	case evt := <-ch:
		assert.Equal(t, EventPending, evt.Kind)
		assert.Equal(t, actions.ActionEndSession, evt.Record.ActionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no pending event arrived")
	}
}
