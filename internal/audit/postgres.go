package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/config"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
	flushTimeout         = 10 * time.Second
)

var runColumns = []string{
	"id", "session", "action_id", "args", "user_id", "route",
	"status", "result", "repaired", "started", "finished",
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS action_runs (
    id        TEXT PRIMARY KEY,
    session   TEXT NOT NULL,
    action_id TEXT NOT NULL,
    args      JSONB NOT NULL DEFAULT '{}',
    user_id   TEXT NOT NULL DEFAULT '',
    route     TEXT NOT NULL DEFAULT '',
    status    TEXT NOT NULL,
    result    JSONB NOT NULL DEFAULT '{}',
    repaired  BOOLEAN NOT NULL DEFAULT FALSE,
    started   TIMESTAMPTZ NOT NULL,
    finished  TIMESTAMPTZ NOT NULL
);`

// PostgresSink batches run records and copies them into Postgres from a
// background goroutine. Records survive a failed flush; they go back to the
// front of the queue and the next tick retries.
type PostgresSink struct {
	pool     DBPool
	log      *zap.Logger
	batch    int
	interval time.Duration

	mu      sync.Mutex
	pending []schemas.RunRecord

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPostgresSink verifies the connection and starts the flush loop.
func NewPostgresSink(ctx context.Context, pool DBPool, cfg config.PostgresAuditConfig, logger *zap.Logger) (*PostgresSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresSink{
		pool:     pool,
		log:      logger.Named("audit.pg"),
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.batch <= 0 {
		s.batch = defaultBatchSize
	}
	if s.interval <= 0 {
		s.interval = defaultFlushInterval
	}

	go s.run()
	return s, nil
}

// EnsureSchema creates the runs table when it does not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createRunsTable); err != nil {
		return fmt.Errorf("failed to create action_runs table: %w", err)
	}
	return nil
}

// Record queues one run for the next flush. Never blocks.
func (s *PostgresSink) Record(rec schemas.RunRecord) {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	full := len(s.pending) >= s.batch
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything queued so far. On failure the batch is requeued
// in front of anything recorded in the meantime.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	rows := make([][]any, len(batch))
	for i, rec := range batch {
		rows[i] = []any{
			rec.ID, rec.Session, rec.ActionID,
			jsonOrEmpty(rec.Args),
			rec.UserID, rec.Route,
			string(rec.Status),
			jsonOrEmpty(rec.Result),
			rec.Repaired,
			rec.Started.UTC(), rec.Finished.UTC(),
		}
	}

	copied, err := s.pool.CopyFrom(ctx, pgx.Identifier{"action_runs"}, runColumns, pgx.CopyFromRows(rows))
	if err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return fmt.Errorf("failed to copy run records: %w", err)
	}
	if int(copied) != len(batch) {
		return fmt.Errorf("mismatch in copied run count: expected %d, got %d", len(batch), copied)
	}
	return nil
}

// Close stops the flush loop and drains what is left.
func (s *PostgresSink) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Flush(ctx)
}

func (s *PostgresSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		case <-s.kick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("Audit flush failed; records requeued.", zap.Error(err))
		}
		cancel()
	}
}

// jsonOrEmpty marshals v, falling back to an empty JSON object so the
// JSONB columns never see null.
func jsonOrEmpty(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}
	return raw
}
