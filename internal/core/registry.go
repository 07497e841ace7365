// Package core assembles the collection pipeline and exposes the service's
// operation surface: server CRUD, connection tests, and sample queries. The
// REST and WebSocket layers are thin adapters over this API.
package core

import (
	"sort"
	"sync"

	"github.com/cwatcher/backend/internal/models"
)

// Registry is the in-memory server cache. The repository is the source of
// truth; the registry is loaded from it at boot and kept in step by every
// write, so reads never touch the database. Records are cloned both ways.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*models.Server
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*models.Server)}
}

// Replace swaps the whole cache, as done once at boot.
func (r *Registry) Replace(records []*models.Server) {
	next := make(map[string]*models.Server, len(records))
	for _, srv := range records {
		next[srv.ID] = srv.Clone()
	}
	r.mu.Lock()
	r.servers = next
	r.mu.Unlock()
}

// Get returns a copy of the record, or false when the id is unknown.
func (r *Registry) Get(id string) (*models.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	return srv.Clone(), true
}

// List returns copies of every record, ordered by creation time.
func (r *Registry) List() []*models.Server {
	r.mu.RLock()
	out := make([]*models.Server, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, srv.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

func (r *Registry) put(srv *models.Server) {
	r.mu.Lock()
	r.servers[srv.ID] = srv.Clone()
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
}
