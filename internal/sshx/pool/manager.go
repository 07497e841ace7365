package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
)

const reapInterval = 30 * time.Second

// Manager keeps one ServerPool per monitored server.
type Manager struct {
	dial    DialFunc
	opts    Options
	metrics *monitoring.Metrics
	log     zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*ServerPool

	stopReap  chan struct{}
	closeOnce sync.Once
}

// NewManager wires a pool manager and starts its idle reaper. metrics may be
// nil in tests.
func NewManager(dial DialFunc, opts Options, metrics *monitoring.Metrics, log zerolog.Logger) *Manager {
	m := &Manager{
		dial:     dial,
		opts:     opts.withDefaults(),
		metrics:  metrics,
		log:      log,
		pools:    make(map[string]*ServerPool),
		stopReap: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Acquire leases a session slot for the server, creating its pool lazily.
func (m *Manager) Acquire(ctx context.Context, srv *models.Server) (*Lease, error) {
	p := m.getOrCreate(srv)

	start := time.Now()
	lease, err := p.Acquire(ctx)
	if m.metrics != nil {
		m.metrics.ObservePoolWait(time.Since(start).Seconds())
		if err == nil {
			m.metrics.SetPoolSessions(srv.ID, p.Stats().Active)
		}
	}
	return lease, err
}

// Run is the one-shot lease, run, release path used by probes.
func (m *Manager) Run(ctx context.Context, srv *models.Server, command string) (ExecResult, error) {
	lease, err := m.Acquire(ctx, srv)
	if err != nil {
		return ExecResult{}, err
	}
	defer lease.Release()
	return lease.Run(ctx, command)
}

func (m *Manager) getOrCreate(srv *models.Server) *ServerPool {
	m.mu.RLock()
	p, ok := m.pools[srv.ID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.pools[srv.ID]; ok {
		return p
	}
	p = newServerPool(srv, m.dial, m.opts, m.log)
	m.pools[srv.ID] = p
	return p
}

// Update swaps in a changed server record so the next dial uses it.
func (m *Manager) Update(srv *models.Server) {
	m.mu.RLock()
	p, ok := m.pools[srv.ID]
	m.mu.RUnlock()
	if ok {
		p.Update(srv)
	}
}

// Remove closes and forgets a deleted server's pool.
func (m *Manager) Remove(serverID string) {
	m.mu.Lock()
	p, ok := m.pools[serverID]
	delete(m.pools, serverID)
	m.mu.Unlock()

	if ok {
		p.Close()
	}
	if m.metrics != nil {
		m.metrics.ForgetServer(serverID)
	}
}

// Stats reports every pool's state, for the debug surface.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			pools := make([]*ServerPool, 0, len(m.pools))
			for _, p := range m.pools {
				pools = append(pools, p)
			}
			m.mu.RUnlock()

			for _, p := range pools {
				p.reapIdle()
			}
		case <-m.stopReap:
			return
		}
	}
}

// Close stops the reaper and drains every pool.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopReap)
	})

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*ServerPool)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *ServerPool) {
			defer wg.Done()
			p.Close()
		}(p)
	}
	wg.Wait()
}
