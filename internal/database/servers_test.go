package database

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/backend/internal/models"
)

func record(id, name string, created time.Time) *models.Server {
	return &models.Server{
		ID:             id,
		Name:           name,
		Host:           "10.0.0.1",
		Port:           22,
		Username:       "deploy",
		AuthKind:       models.AuthPassword,
		Secret:         "v1$opaque",
		Tags:           []string{"prod"},
		MonitorEnabled: true,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestMemoryRepoRoundTrip(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, record("srv-b", "web-02", t0.Add(time.Minute))))
	require.NoError(t, repo.Insert(ctx, record("srv-a", "web-01", t0)))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Load orders by creation time.
	assert.Equal(t, "srv-a", got[0].ID)
	assert.Equal(t, "srv-b", got[1].ID)
	assert.Equal(t, "v1$opaque", got[0].Secret)
}

func TestMemoryRepoClonesRecords(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	src := record("srv-1", "web-01", time.Now())
	src.Thresholds = &models.ThresholdPolicy{
		CPU: models.MetricThreshold{Warning: 70, Critical: 90, DebounceSamples: 3},
	}
	require.NoError(t, repo.Insert(ctx, src))

	// Mutating the inserted record must not reach the repo.
	src.Name = "mutated"
	src.Tags[0] = "mutated"
	src.Thresholds.CPU.Warning = 1

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "web-01", got[0].Name)
	assert.Equal(t, []string{"prod"}, got[0].Tags)
	assert.Equal(t, 70.0, got[0].Thresholds.CPU.Warning)

	// And mutating a loaded record must not reach the repo either.
	got[0].Name = "mutated-again"
	again, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "web-01", again[0].Name)
}

func TestMemoryRepoUpdate(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, record("srv-1", "web-01", time.Now())))

	upd := record("srv-1", "renamed", time.Now())
	upd.MonitorEnabled = false
	require.NoError(t, repo.Update(ctx, upd))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "renamed", got[0].Name)
	assert.False(t, got[0].MonitorEnabled)

	assert.ErrorIs(t, repo.Update(ctx, record("ghost", "x", time.Now())), ErrNotFound)
}

func TestMemoryRepoSoftDelete(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, record("srv-1", "web-01", time.Now())))
	require.NoError(t, repo.Insert(ctx, record("srv-2", "web-02", time.Now())))

	at := time.Now()
	require.NoError(t, repo.SoftDelete(ctx, "srv-1", at))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-2", got[0].ID)

	// Deleted rows reject further writes.
	assert.ErrorIs(t, repo.SoftDelete(ctx, "srv-1", at), ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, record("srv-1", "zombie", time.Now())), ErrNotFound)
	assert.ErrorIs(t, repo.SoftDelete(ctx, "ghost", at), ErrNotFound)
}

func TestEncodeThresholds(t *testing.T) {
	v, err := encodeThresholds(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = encodeThresholds(&models.ThresholdPolicy{
		CPU:             models.MetricThreshold{Warning: 70, Critical: 90, DebounceSamples: 3},
		OfflineDebounce: 2,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"cpu": {"warning": 70, "critical": 90, "debounce_samples": 3},
		"memory": {"warning": 0, "critical": 0, "debounce_samples": 0},
		"disk": {"warning": 0, "critical": 0, "debounce_samples": 0},
		"offline_debounce": 2
	}`, string(v.([]byte)))
}

func TestNewPostgresRepoOpensLazily(t *testing.T) {
	// sql.Open validates nothing, so construction works without a server.
	repo, err := NewPostgresRepo("postgres://cwatcher@localhost:1/cwatcher?sslmode=disable", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.NoError(t, repo.Close())
}
