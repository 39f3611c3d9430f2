package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/actions"
	"github.com/kallaxis/waldo-cli/internal/audit"
	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/engine"
	"github.com/kallaxis/waldo-cli/internal/identity"
	"github.com/kallaxis/waldo-cli/internal/idempotency"
	"github.com/kallaxis/waldo-cli/internal/locale"
	"github.com/kallaxis/waldo-cli/internal/observability"
	"github.com/kallaxis/waldo-cli/internal/surface"
	"github.com/kallaxis/waldo-cli/internal/surface/cdp"
	"github.com/kallaxis/waldo-cli/internal/surface/htmlpage"
)

// scriptStep is one entry in a run script: the shape an intent classifier
// would hand over, frozen into a file.
type scriptStep struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// newRunCmd creates the `run` command: execute a scripted action sequence,
// or take steps interactively from stdin.
func newRunCmd() *cobra.Command {
	var (
		scriptPath  string
		interactive bool
		session     string
		token       string
		localeTag   string
		driver      string
		baseURL     string
		fixture     string
		headless    bool
		repairs     int
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a scripted action sequence against the application surface",
		Long: `Run reads action steps and drives them through the execution engine:
validation, duplicate absorption, confirmation gating, execution, settling,
and verification. Steps come from a JSON script file (an array of
{"action": ..., "args": {...}} objects) or, with --interactive, one JSON
object per stdin line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}

			// Flags override file and environment values, but only when the
			// caller actually set them.
			if cmd.Flags().Changed("driver") {
				cfg.SetSurfaceDriver(driver)
			}
			if cmd.Flags().Changed("base-url") {
				cfg.SetSurfaceBaseURL(baseURL)
			}
			if cmd.Flags().Changed("fixture") {
				cfg.SetSurfaceFixture(fixture)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetSurfaceHeadless(headless)
			}
			if cmd.Flags().Changed("repair-attempts") {
				cfg.SetEngineRepairAttempts(repairs)
			}

			if interactive && scriptPath != "" {
				return fmt.Errorf("choose --script or --interactive, not both")
			}
			if !interactive && scriptPath == "" {
				return fmt.Errorf("either --script or --interactive is required")
			}

			script := config.ScriptConfig{
				Path:        scriptPath,
				Session:     session,
				Token:       token,
				Locale:      localeTag,
				Interactive: interactive,
			}
			if script.Session == "" {
				script.Session = uuid.New().String()
			}
			cfg.SetScriptConfig(script)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration after flag overrides: %w", err)
			}

			logger.Info("Starting action run.",
				zap.String("session", script.Session),
				zap.String("driver", cfg.Surface().Driver),
				zap.Bool("interactive", script.Interactive))

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown(logger)
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown(logger)

			caller := buildCaller(cfg, logger)

			// Narrate run outcomes from the bus as they happen. The deferred
			// unsubscribe closes the channel and runs before Shutdown does.
			events, unsubscribe := components.Bus.Subscribe()
			drained := make(chan struct{})
			go logRunEvents(events, logger, drained)
			defer func() {
				unsubscribe()
				<-drained
			}()

			if script.Interactive {
				return runInteractive(ctx, cmd, components.Executor, caller)
			}
			return runScript(ctx, cmd, components.Executor, caller, script.Path)
		},
	}

	runCmd.Flags().StringVarP(&scriptPath, "script", "s", "", "JSON script file with the action sequence")
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read one JSON step per line from stdin")
	runCmd.Flags().StringVar(&session, "session", "", "session id scoping dedup and confirmation (default: a fresh uuid)")
	runCmd.Flags().StringVar(&token, "token", "", "bearer token identifying the caller")
	runCmd.Flags().StringVar(&localeTag, "locale", "", "hint language, e.g. en or de (overrides config)")
	runCmd.Flags().StringVar(&driver, "driver", "", "surface driver: chrome or static (overrides config)")
	runCmd.Flags().StringVar(&baseURL, "base-url", "", "base URL of the application under control (overrides config)")
	runCmd.Flags().StringVar(&fixture, "fixture", "", "HTML fixture file for the static driver (default: the built-in demo app)")
	runCmd.Flags().BoolVar(&headless, "headless", true, "run Chrome headless (overrides config)")
	runCmd.Flags().IntVar(&repairs, "repair-attempts", 0, "relaxed-match retries after a failed verification (overrides config)")

	return runCmd
}

// runComponents holds everything one run wires together.
type runComponents struct {
	Surface  surface.Surface
	Cache    idempotency.Store
	RunLog   *audit.Log
	Bus      *engine.EventBus
	Executor *engine.Executor
	DBPool   *pgxpool.Pool
}

// Shutdown releases components in reverse dependency order: the bus stops
// fanning out, the run log flushes its sink, then the store and the surface
// close. The database pool goes last because the sink flush still uses it.
func (rc *runComponents) Shutdown(logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rc.Bus != nil {
		rc.Bus.Shutdown()
	}
	if rc.RunLog != nil {
		if err := rc.RunLog.Close(shutdownCtx); err != nil {
			logger.Warn("Audit log did not close cleanly.", zap.Error(err))
		}
	}
	if closer, ok := rc.Cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Idempotency store did not close cleanly.", zap.Error(err))
		}
	}
	if rc.Surface != nil {
		if err := rc.Surface.Close(); err != nil && !errors.Is(err, surface.ErrSurfaceClosed) {
			logger.Warn("Surface did not close cleanly.", zap.Error(err))
		}
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// initializeComponents is the composition root: surface, reader, stores,
// audit trail, catalogue, bus, and executor, built from configuration. On
// error the returned components carry whatever was already built so the
// caller can shut it down.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	surfaceCfg := cfg.Surface()
	var (
		surf surface.Surface
		err  error
	)
	switch surfaceCfg.Driver {
	case "static":
		if surfaceCfg.Fixture != "" {
			surf, err = htmlpage.LoadFile(surfaceCfg.Fixture, logger)
		} else {
			surf, err = htmlpage.Demo(logger)
		}
	case "chrome":
		surf, err = cdp.New(ctx, surfaceCfg, logger)
	default:
		err = fmt.Errorf("unknown surface driver %q", surfaceCfg.Driver)
	}
	if err != nil {
		return components, fmt.Errorf("failed to initialize the %s surface: %w", surfaceCfg.Driver, err)
	}
	components.Surface = surf

	reader, err := surface.NewReader(surf, surfaceCfg.Stability, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize the snapshot reader: %w", err)
	}

	cache, err := buildCache(cfg, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize the idempotency store: %w", err)
	}
	components.Cache = cache

	runLog, err := buildRunLog(ctx, cfg, components, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize the audit log: %w", err)
	}
	components.RunLog = runLog

	registry, err := actions.BuildRegistry()
	if err != nil {
		return components, fmt.Errorf("failed to build the action catalogue: %w", err)
	}

	hints := locale.New(cfg.Locale().Default)
	bus := engine.NewEventBus(logger, cfg.Engine().EventBuffer)
	components.Bus = bus

	executor, err := engine.New(cfg, logger, registry, surf, reader, cache, runLog, hints, bus)
	if err != nil {
		return components, fmt.Errorf("failed to build the executor: %w", err)
	}
	components.Executor = executor
	return components, nil
}

// buildCache picks the idempotency backend from configuration.
func buildCache(cfg *config.Config, logger *zap.Logger) (idempotency.Store, error) {
	idem := cfg.Idempotency()
	if idem.Backend == "redis" {
		return idempotency.NewRedisStore(idem.Redis.Addr, idem.Redis.Password, idem.Redis.DB, idem.Window, logger)
	}
	return idempotency.NewMemoryStore(idem.Window, logger)
}

// buildRunLog assembles the audit ring and, when configured, the postgres
// sink behind it.
func buildRunLog(ctx context.Context, cfg *config.Config, components *runComponents, logger *zap.Logger) (*audit.Log, error) {
	auditCfg := cfg.Audit()
	ring, err := audit.NewRing(auditCfg.LogCapacity)
	if err != nil {
		return nil, err
	}

	var sink audit.Sink
	if auditCfg.Postgres.Enabled {
		pool, perr := pgxpool.New(ctx, auditCfg.Postgres.URL)
		if perr != nil {
			return nil, fmt.Errorf("failed to connect to the audit database: %w", perr)
		}
		components.DBPool = pool

		pgSink, serr := audit.NewPostgresSink(ctx, pool, auditCfg.Postgres, logger)
		if serr != nil {
			return nil, fmt.Errorf("failed to start the audit sink: %w", serr)
		}
		if serr := pgSink.EnsureSchema(ctx); serr != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pgSink.Close(closeCtx)
			return nil, fmt.Errorf("failed to ensure the audit schema: %w", serr)
		}
		sink = pgSink
	}

	return audit.NewLog(ring, sink, logger)
}

// buildCaller assembles the caller context shared by every step of this
// run: session scope, locale, and, when a token is supplied, the caller's
// identity.
func buildCaller(cfg *config.Config, logger *zap.Logger) *actions.Context {
	script := cfg.Script()
	caller := &actions.Context{
		SessionID: script.Session,
		Locale:    script.Locale,
	}
	if script.Token != "" {
		user, err := identity.FromToken(script.Token, cfg.Identity().JWTSecret)
		if err != nil {
			logger.Warn("Could not derive identity from token; continuing anonymously.", zap.Error(err))
		} else {
			caller.User = user
			if caller.Locale == "" {
				caller.Locale = user.Locale
			}
		}
	}
	return caller
}

// logRunEvents narrates run outcomes from the bus. The channel closing is
// the stop signal; done closes when the loop drains out.
func logRunEvents(events <-chan engine.RunEvent, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	for evt := range events {
		fields := []zap.Field{
			zap.String("action", evt.Record.ActionID),
			zap.String("session", evt.Record.Session),
		}
		switch {
		case evt.Kind == engine.EventPending:
			logger.Info("Action awaits confirmation.", fields...)
		case evt.Kind == engine.EventFailed:
			if evt.Record.Result != nil {
				fields = append(fields, zap.String("error", evt.Record.Result.Error))
			}
			logger.Warn("Action run failed.", fields...)
		case evt.Record.Repaired:
			logger.Info("Action succeeded after repair.", fields...)
		default:
			logger.Debug("Action run succeeded.", fields...)
		}
	}
}

// runScript executes every step of the script in order. Failed steps do not
// stop the run; the script is the agent's plan and later steps may not
// depend on earlier ones. The command still exits non-zero when anything
// failed.
func runScript(ctx context.Context, cmd *cobra.Command, exec *engine.Executor, caller *actions.Context, path string) error {
	steps, err := loadScript(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failures := 0
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("script aborted at step %d: %w", i+1, err)
		}
		result, err := exec.Execute(ctx, step.Action, step.Args, caller)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		if !result.OK {
			failures++
		}
		printResult(out, i+1, step.Action, result)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d actions failed", failures, len(steps))
	}
	fmt.Fprintf(out, "all %d actions verified\n", len(steps))
	return nil
}

// runInteractive reads one JSON step per line from stdin and executes it
// immediately. "exit" and "quit" leave the loop; EOF does too.
func runInteractive(ctx context.Context, cmd *cobra.Command, exec *engine.Executor, caller *actions.Context) error {
	in := cmd.InOrStdin()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, `One JSON step per line, e.g. {"action":"READ_SCREEN"}. "exit" leaves.`)
	scanner := bufio.NewScanner(in)
	n := 0
	for {
		fmt.Fprint(out, "waldo> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		var step scriptStep
		if err := json.UnmarshalFromString(line, &step); err != nil {
			fmt.Fprintf(out, "could not parse step: %v\n", err)
			continue
		}
		if step.Action == "" {
			fmt.Fprintln(out, "step is missing an action id")
			continue
		}

		n++
		result, err := exec.Execute(ctx, step.Action, step.Args, caller)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", n, step.Action, err)
		}
		printResult(out, n, step.Action, result)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading from stdin: %w", err)
	}
	fmt.Fprintln(out, "bye")
	return nil
}

// loadScript reads and decodes a JSON script: an array of steps, each with
// an action id and optional args.
func loadScript(path string) ([]scriptStep, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %q: %w", path, err)
	}
	var steps []scriptStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse script %q: %w", path, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("script %q contains no actions", path)
	}
	for i, s := range steps {
		if s.Action == "" {
			return nil, fmt.Errorf("script %q step %d is missing an action id", path, i+1)
		}
	}
	return steps, nil
}

// printResult writes one result as a numbered JSON line, the same shape the
// engine would hand a transport.
func printResult(w io.Writer, n int, action string, result schemas.ActionResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(w, "[%d] %s (unprintable result: %v)\n", n, action, err)
		return
	}
	fmt.Fprintf(w, "[%d] %s %s\n", n, action, raw)
}
