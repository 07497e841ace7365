package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
)

// postgresSchema is applied once at startup. Samples are stored whole as
// JSONB with the hot query columns lifted out.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	id        TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	ts        BIGINT NOT NULL,
	seq       BIGINT NOT NULL,
	status    TEXT NOT NULL DEFAULT '',
	payload   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS metric_samples_server_ts ON metric_samples (server_id, ts DESC);
`

// PostgresSink persists samples to a metric_samples table. Batches are
// written in one transaction via COPY, so a retried batch never lands
// half-inserted.
type PostgresSink struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresSink opens the connection pool. The DSN is validated lazily
// on first use; call EnsureSchema at startup to fail fast.
func NewPostgresSink(dsn string, log zerolog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresSink{db: db, log: log}, nil
}

// EnsureSchema creates the table and index when missing.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	p.log.Info().Msg("postgres sink ready")
	return nil
}

func (p *PostgresSink) WriteBatch(ctx context.Context, samples []*models.MetricsSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPG(err)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("metric_samples", "id", "server_id", "ts", "seq", "status", "payload"))
	if err != nil {
		tx.Rollback()
		return classifyPG(err)
	}

	for _, sample := range samples {
		payload, err := json.Marshal(sample)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("%w: encode sample: %v", ErrSinkFatal, err)
		}
		id := sample.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, sample.ServerID, sample.Timestamp, int64(sample.Seq), string(sample.Status), string(payload)); err != nil {
			stmt.Close()
			tx.Rollback()
			return classifyPG(err)
		}
	}

	// Final Exec with no args flushes the COPY stream.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return classifyPG(err)
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return classifyPG(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPG(err)
	}
	return nil
}

// Prune deletes samples older than the cutoff and reports how many went.
func (p *PostgresSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < $1`, before.UnixMilli())
	if err != nil {
		return 0, classifyPG(err)
	}
	return res.RowsAffected()
}

func (p *PostgresSink) Close() error {
	return p.db.Close()
}

// classifyPG sorts postgres failures into the sink error taxonomy.
// Connection trouble, resource pressure, admin intervention, and
// transaction rollbacks heal on retry; everything else, constraint and
// schema errors above all, will not.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrSinkRetryable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return fmt.Errorf("%w: %v", ErrSinkRetryable, err)
		default:
			return fmt.Errorf("%w: %v", ErrSinkFatal, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrSinkRetryable, err)
	}
	return fmt.Errorf("%w: %v", ErrSinkRetryable, err)
}
