package store

import (
	"context"
	"errors"
	"time"

	"github.com/cwatcher/backend/internal/models"
)

var (
	// ErrSinkRetryable marks a write that may succeed if tried again:
	// connection loss, timeouts, resource pressure.
	ErrSinkRetryable = errors.New("sink write failed, retryable")

	// ErrSinkFatal marks a write that will keep failing: schema trouble,
	// constraint violations, unencodable payloads. The flusher parks the
	// batch without retrying and flags the sink degraded.
	ErrSinkFatal = errors.New("sink write failed, fatal")
)

// Sink persists samples beyond the in-memory rings. WriteBatch returns
// nil on success; failures wrap ErrSinkRetryable or ErrSinkFatal. An
// unwrapped error is treated as retryable.
type Sink interface {
	WriteBatch(ctx context.Context, samples []*models.MetricsSample) error
	Close() error
}

// Pruner is implemented by sinks that can enforce retention. The store
// calls it on its prune cadence when retention is configured.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// NullSink discards every batch. Used when no durable sink is
// configured; the rings alone serve queries.
type NullSink struct{}

func (NullSink) WriteBatch(context.Context, []*models.MetricsSample) error { return nil }

func (NullSink) Close() error { return nil }
