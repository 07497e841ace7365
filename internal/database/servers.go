// Package database persists server records. Postgres is the source of
// truth; the in-memory implementation backs dev mode and tests. Secrets
// stored here are the vault's opaque ciphertext form, never plaintext.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
)

// ErrNotFound is returned when a server id matches no live row.
var ErrNotFound = errors.New("database: server not found")

// ServerRepository is the registry's persistence port. Load returns only
// live rows; SoftDelete keeps the row but hides it from Load.
type ServerRepository interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context) ([]*models.Server, error)
	Insert(ctx context.Context, srv *models.Server) error
	Update(ctx context.Context, srv *models.Server) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Close() error
}

// serversSchema is applied once at startup. secret and key_secret hold
// encrypted bundles; thresholds is the optional per-server override policy.
const serversSchema = `
CREATE TABLE IF NOT EXISTS servers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	host            TEXT NOT NULL,
	port            INTEGER NOT NULL DEFAULT 22,
	username        TEXT NOT NULL,
	auth_kind       TEXT NOT NULL,
	secret          TEXT NOT NULL,
	key_secret      TEXT,
	tags            TEXT[],
	thresholds      JSONB,
	monitor_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	deleted_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS servers_live ON servers (created_at) WHERE deleted_at IS NULL;
`

// PostgresRepo stores server records in a servers table via lib/pq.
type PostgresRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresRepo opens the connection pool. The DSN is validated lazily;
// call EnsureSchema at startup to fail fast on an unreachable database.
func NewPostgresRepo(dsn string, log zerolog.Logger) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresRepo{db: db, log: log}, nil
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, serversSchema); err != nil {
		return fmt.Errorf("ensure servers schema: %w", err)
	}
	r.log.Info().Msg("server repository ready")
	return nil
}

const serverColumns = `id, name, host, port, username, auth_kind, secret, key_secret, tags, thresholds, monitor_enabled, created_at, updated_at`

func (r *PostgresRepo) Load(ctx context.Context) ([]*models.Server, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE deleted_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}
	defer rows.Close()

	var out []*models.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}
	return out, nil
}

func scanServer(rows *sql.Rows) (*models.Server, error) {
	var (
		srv        models.Server
		keySecret  sql.NullString
		tags       pq.StringArray
		thresholds []byte
	)
	err := rows.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.Port, &srv.Username,
		&srv.AuthKind, &srv.Secret, &keySecret, &tags, &thresholds,
		&srv.MonitorEnabled, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	srv.KeyPassphrase = keySecret.String
	srv.Tags = []string(tags)
	if len(thresholds) > 0 {
		var p models.ThresholdPolicy
		if err := json.Unmarshal(thresholds, &p); err != nil {
			return nil, fmt.Errorf("scan server %s: thresholds: %w", srv.ID, err)
		}
		srv.Thresholds = &p
	}
	return &srv, nil
}

// encodeThresholds returns the jsonb value for a policy, NULL when unset.
func encodeThresholds(p *models.ThresholdPolicy) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode thresholds: %w", err)
	}
	return b, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepo) Insert(ctx context.Context, srv *models.Server) error {
	thresholds, err := encodeThresholds(srv.Thresholds)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO servers (`+serverColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		srv.ID, srv.Name, srv.Host, srv.Port, srv.Username, string(srv.AuthKind),
		srv.Secret, nullIfEmpty(srv.KeyPassphrase), pq.Array(srv.Tags), thresholds,
		srv.MonitorEnabled, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert server %s: %w", srv.ID, err)
	}
	return nil
}

func (r *PostgresRepo) Update(ctx context.Context, srv *models.Server) error {
	thresholds, err := encodeThresholds(srv.Thresholds)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET name = $2, host = $3, port = $4, username = $5,
		 auth_kind = $6, secret = $7, key_secret = $8, tags = $9,
		 thresholds = $10, monitor_enabled = $11, updated_at = $12
		 WHERE id = $1 AND deleted_at IS NULL`,
		srv.ID, srv.Name, srv.Host, srv.Port, srv.Username, string(srv.AuthKind),
		srv.Secret, nullIfEmpty(srv.KeyPassphrase), pq.Array(srv.Tags), thresholds,
		srv.MonitorEnabled, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update server %s: %w", srv.ID, err)
	}
	return affectedOrNotFound(res)
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET deleted_at = $2, updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return affectedOrNotFound(res)
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Close() error {
	return r.db.Close()
}
