package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

// Sink receives run records for durable storage. Implementations must not
// block Record; buffering and batching are theirs to manage.
type Sink interface {
	Record(rec schemas.RunRecord)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Log fans every recorded run into the in-memory ring and, when configured,
// a durable sink. The ring answers "what just happened" queries; the sink
// is for the record of record.
type Log struct {
	ring *Ring
	sink Sink
	log  *zap.Logger
}

// NewLog builds the run log. The sink may be nil when durable storage is
// not configured.
func NewLog(ring *Ring, sink Sink, logger *zap.Logger) (*Log, error) {
	if ring == nil {
		return nil, fmt.Errorf("ring must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Log{ring: ring, sink: sink, log: logger.Named("audit")}, nil
}

// Record stores one run.
func (l *Log) Record(rec schemas.RunRecord) {
	l.ring.Append(rec)
	if l.sink != nil {
		l.sink.Record(rec)
	}
	l.log.Debug("Recorded action run.",
		zap.String("run_id", rec.ID),
		zap.String("action", rec.ActionID),
		zap.String("status", string(rec.Status)))
}

// Recent returns up to n runs, most recent first.
func (l *Log) Recent(n int) []schemas.RunRecord {
	return l.ring.Recent(n)
}

// Close flushes and shuts the sink down, if one is attached.
func (l *Log) Close(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close(ctx)
}
