package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwatcher/backend/internal/database"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/probe"
	"github.com/cwatcher/backend/internal/store"
)

var (
	// ErrNotFound is returned for operations against an unknown server id.
	ErrNotFound = database.ErrNotFound

	// ErrNoData is returned when a known server has no samples yet.
	ErrNoData = store.ErrNoData

	// ErrValidation marks operator input the API refused.
	ErrValidation = errors.New("core: invalid input")
)

// CreateInput carries the operator-supplied fields for a new server.
// Password, PrivateKey, and KeyPassphrase arrive in plaintext and leave the
// call only in the vault's encrypted form.
type CreateInput struct {
	Name           string
	Host           string
	Port           int
	Username       string
	AuthKind       models.AuthKind
	Password       string
	PrivateKey     string
	KeyPassphrase  string
	Tags           []string
	Thresholds     *models.ThresholdPolicy
	MonitorEnabled *bool
}

// UpdateInput is a partial update; nil fields keep their current value.
// ClearThresholds removes a per-server override, returning the server to
// the global policy.
type UpdateInput struct {
	Name            *string
	Host            *string
	Port            *int
	Username        *string
	AuthKind        *models.AuthKind
	Password        *string
	PrivateKey      *string
	KeyPassphrase   *string
	Tags            *[]string
	Thresholds      *models.ThresholdPolicy
	ClearThresholds bool
	MonitorEnabled  *bool
}

// TestResult reports a one-off connectivity check.
type TestResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CreateServer validates and persists a new record, credentials encrypted,
// and begins monitoring it immediately unless disabled.
func (rt *Runtime) CreateServer(ctx context.Context, in CreateInput) (*models.Server, error) {
	if in.Name == "" {
		return nil, invalid("name required")
	}
	if in.Host == "" {
		return nil, invalid("host required")
	}
	if in.Username == "" {
		return nil, invalid("username required")
	}
	port := in.Port
	if port == 0 {
		port = 22
	}
	if port < 1 || port > 65535 {
		return nil, invalid("port %d out of range", in.Port)
	}

	now := rt.clock.Now().UTC()
	srv := &models.Server{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Host:           in.Host,
		Port:           port,
		Username:       in.Username,
		AuthKind:       in.AuthKind,
		Tags:           append([]string(nil), in.Tags...),
		Thresholds:     in.Thresholds,
		MonitorEnabled: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.MonitorEnabled != nil {
		srv.MonitorEnabled = *in.MonitorEnabled
	}
	if err := rt.sealCredentials(srv, in.AuthKind, in.Password, in.PrivateKey, in.KeyPassphrase); err != nil {
		return nil, err
	}

	if err := rt.repo.Insert(ctx, srv); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}
	rt.registry.put(srv)
	if srv.Thresholds != nil {
		rt.eval.SetOverride(srv.ID, *srv.Thresholds)
	}
	rt.sched.Add(srv)

	rt.log.Info().Str("server_id", srv.ID).Str("name", srv.Name).
		Bool("monitor", srv.MonitorEnabled).Msg("server created")
	return srv.Clone(), nil
}

// sealCredentials validates the auth fields and writes their encrypted
// forms onto srv. Plaintext never lands on the record.
func (rt *Runtime) sealCredentials(srv *models.Server, kind models.AuthKind, password, privateKey, passphrase string) error {
	switch kind {
	case models.AuthPassword:
		if password == "" {
			return invalid("password required for password auth")
		}
		sealed, err := rt.vault.EncryptString(password)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		srv.Secret = sealed
		srv.KeyPassphrase = ""
	case models.AuthKey:
		if privateKey == "" {
			return invalid("private key required for key auth")
		}
		sealed, err := rt.vault.EncryptString(privateKey)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		srv.Secret = sealed
		srv.KeyPassphrase = ""
		if passphrase != "" {
			sealedPass, err := rt.vault.EncryptString(passphrase)
			if err != nil {
				return fmt.Errorf("seal credentials: %w", err)
			}
			srv.KeyPassphrase = sealedPass
		}
	default:
		return invalid("auth_kind %q unknown", kind)
	}
	srv.AuthKind = kind
	return nil
}

// UpdateServer applies a partial update. Credential rotation and endpoint
// changes retire pooled transports so the next cycle dials fresh; setting
// MonitorEnabled re-arms a server that auto-disable paused.
func (rt *Runtime) UpdateServer(ctx context.Context, id string, in UpdateInput) (*models.Server, error) {
	srv, ok := rt.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, invalid("name required")
		}
		srv.Name = *in.Name
	}
	endpointChanged := false
	if in.Host != nil {
		if *in.Host == "" {
			return nil, invalid("host required")
		}
		endpointChanged = endpointChanged || srv.Host != *in.Host
		srv.Host = *in.Host
	}
	if in.Port != nil {
		if *in.Port < 1 || *in.Port > 65535 {
			return nil, invalid("port %d out of range", *in.Port)
		}
		endpointChanged = endpointChanged || srv.Port != *in.Port
		srv.Port = *in.Port
	}
	if in.Username != nil {
		if *in.Username == "" {
			return nil, invalid("username required")
		}
		endpointChanged = endpointChanged || srv.Username != *in.Username
		srv.Username = *in.Username
	}
	if in.Tags != nil {
		srv.Tags = append([]string(nil), (*in.Tags)...)
	}

	credentialsChanged, err := rt.rotateCredentials(srv, in)
	if err != nil {
		return nil, err
	}

	if in.ClearThresholds {
		srv.Thresholds = nil
	} else if in.Thresholds != nil {
		p := *in.Thresholds
		srv.Thresholds = &p
	}
	if in.MonitorEnabled != nil {
		srv.MonitorEnabled = *in.MonitorEnabled
	}
	srv.UpdatedAt = rt.clock.Now().UTC()

	if err := rt.repo.Update(ctx, srv); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}
	rt.registry.put(srv)

	if in.ClearThresholds {
		rt.eval.ClearOverride(srv.ID)
	} else if srv.Thresholds != nil {
		rt.eval.SetOverride(srv.ID, *srv.Thresholds)
	}
	if rt.pool != nil {
		rt.pool.Update(srv)
	}
	if (credentialsChanged || endpointChanged) && rt.dialer != nil {
		rt.dialer.Forget(srv.ID)
	}
	rt.sched.Update(srv)

	rt.log.Info().Str("server_id", srv.ID).Bool("monitor", srv.MonitorEnabled).
		Bool("credentials_rotated", credentialsChanged).Msg("server updated")
	return srv.Clone(), nil
}

// rotateCredentials applies any credential fields from a partial update.
// Switching auth kinds requires the matching new secret in the same call.
func (rt *Runtime) rotateCredentials(srv *models.Server, in UpdateInput) (bool, error) {
	kind := srv.AuthKind
	if in.AuthKind != nil {
		kind = *in.AuthKind
	}
	switch kind {
	case models.AuthPassword:
		if in.Password != nil {
			return true, rt.sealCredentials(srv, kind, *in.Password, "", "")
		}
		if kind != srv.AuthKind {
			return false, invalid("password required when switching to password auth")
		}
	case models.AuthKey:
		if in.PrivateKey != nil {
			pass := ""
			if in.KeyPassphrase != nil {
				pass = *in.KeyPassphrase
			}
			return true, rt.sealCredentials(srv, kind, "", *in.PrivateKey, pass)
		}
		if kind != srv.AuthKind {
			return false, invalid("private key required when switching to key auth")
		}
		if in.KeyPassphrase != nil {
			if *in.KeyPassphrase == "" {
				srv.KeyPassphrase = ""
				return true, nil
			}
			sealed, err := rt.vault.EncryptString(*in.KeyPassphrase)
			if err != nil {
				return false, fmt.Errorf("seal credentials: %w", err)
			}
			srv.KeyPassphrase = sealed
			return true, nil
		}
	default:
		return false, invalid("auth_kind %q unknown", kind)
	}
	return false, nil
}

// DeleteServer soft-deletes the record and tears the server out of every
// component: collection loop, fabric subscriptions, SSH pool, sample rings,
// and status state.
func (rt *Runtime) DeleteServer(ctx context.Context, id string) error {
	if _, ok := rt.registry.Get(id); !ok {
		return ErrNotFound
	}
	if err := rt.repo.SoftDelete(ctx, id, rt.clock.Now().UTC()); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	rt.registry.remove(id)

	rt.sched.Remove(id)
	rt.hub.ForgetServer(id)
	if rt.pool != nil {
		rt.pool.Remove(id)
	}
	if rt.dialer != nil {
		rt.dialer.Forget(id)
	}
	rt.store.Forget(id)
	rt.eval.Forget(id)
	rt.metrics.ForgetServer(id)

	rt.log.Info().Str("server_id", id).Msg("server deleted")
	return nil
}

// ListServers returns every live record, ordered by creation time.
func (rt *Runtime) ListServers() []*models.Server {
	return rt.registry.List()
}

// GetServer returns one record.
func (rt *Runtime) GetServer(id string) (*models.Server, error) {
	srv, ok := rt.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return srv, nil
}

// TestConnection runs a one-off uptime probe outside the collection
// schedule and reports reachability and latency. It never moves the
// server's status; the scheduler's own cycles stay authoritative.
func (rt *Runtime) TestConnection(ctx context.Context, id string) (TestResult, error) {
	srv, ok := rt.registry.Get(id)
	if !ok {
		return TestResult{}, ErrNotFound
	}
	raw, err := rt.exec.Execute(ctx, srv, probe.KeyUptime)
	res := TestResult{
		OK:        err == nil,
		LatencyMS: raw.Elapsed.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// GetLatestSample returns the newest sample, or ErrNoData when the server
// has not reported yet.
func (rt *Runtime) GetLatestSample(id string) (*models.MetricsSample, error) {
	if _, ok := rt.registry.Get(id); !ok {
		return nil, ErrNotFound
	}
	return rt.store.QueryLatest(id)
}

// GetSampleHistory returns ring samples for one metric in [from, to],
// oldest first. A zero to means now; a zero from means fifteen minutes
// before to. partial reports whether the ring may have evicted part of the
// requested range.
func (rt *Runtime) GetSampleHistory(id string, kind models.MetricKind, from, to time.Time) ([]*models.MetricsSample, bool, error) {
	if !models.ValidMetricKind(kind) {
		return nil, false, invalid("metric %q unknown", kind)
	}
	if _, ok := rt.registry.Get(id); !ok {
		return nil, false, ErrNotFound
	}
	if to.IsZero() {
		to = rt.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-15 * time.Minute)
	}
	return rt.store.QueryRecent(id, kind, from, to)
}

// SystemInfo returns the cached host facts, or nil when none have been
// collected yet.
func (rt *Runtime) SystemInfo(id string) (*models.SystemInfo, error) {
	if _, ok := rt.registry.Get(id); !ok {
		return nil, ErrNotFound
	}
	info, ok := rt.sched.SystemInfo(id)
	if !ok {
		return nil, nil
	}
	return info, nil
}

// StatusSnapshot returns the fleet's current statuses.
func (rt *Runtime) StatusSnapshot() []models.ServerStatus {
	return rt.eval.Snapshot()
}
