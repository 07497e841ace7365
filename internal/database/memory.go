package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwatcher/backend/internal/models"
)

// MemoryRepo keeps server records in a map. It backs dev mode when no
// database_url is configured, and tests. Records are cloned on the way in
// and out so callers never alias repo state.
type MemoryRepo struct {
	mu      sync.Mutex
	servers map[string]*models.Server
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{servers: make(map[string]*models.Server)}
}

func (r *MemoryRepo) EnsureSchema(context.Context) error { return nil }

func (r *MemoryRepo) Load(context.Context) ([]*models.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Server, 0, len(r.servers))
	for _, srv := range r.servers {
		if srv.DeletedAt != nil {
			continue
		}
		out = append(out, srv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepo) Insert(_ context.Context, srv *models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[srv.ID] = srv.Clone()
	return nil
}

func (r *MemoryRepo) Update(_ context.Context, srv *models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.servers[srv.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	r.servers[srv.ID] = srv.Clone()
	return nil
}

func (r *MemoryRepo) SoftDelete(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.servers[id]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	when := at
	cur.DeletedAt = &when
	cur.UpdatedAt = when
	return nil
}

func (r *MemoryRepo) Close() error { return nil }
