// Package collector runs the periodic collection cycle against every
// monitoring-enabled server: one goroutine per server, cycles that never
// overlap, exponential hold-out after failures, and auto-disable when a
// server stays unreachable for good.
package collector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
	"github.com/cwatcher/backend/internal/probe"
	"github.com/cwatcher/backend/internal/status"
	"github.com/cwatcher/backend/internal/store"
)

// backoffLadder holds a failing server out of the schedule for increasing
// intervals. One success resets to the start.
var backoffLadder = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// Options tunes the scheduler. Zero values take the documented defaults.
type Options struct {
	// Period between cycle starts per server.
	Period time.Duration

	// AutoDisableAfter pauses a server's monitoring after this many
	// consecutive failed cycles. Zero disables the safeguard.
	AutoDisableAfter int

	// SysInfoEvery is the host-facts refresh cadence beyond the refresh
	// on first contact.
	SysInfoEvery time.Duration

	// Workers caps concurrently running cycles across the fleet.
	Workers int

	// SpreadStart jitters each server's first cycle within one period so
	// a large fleet does not collect in lockstep.
	SpreadStart bool
}

func (o Options) withDefaults() Options {
	if o.Period <= 0 {
		o.Period = 30 * time.Second
	}
	if o.SysInfoEvery <= 0 {
		o.SysInfoEvery = 24 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 64
	}
	return o
}

// serverLoop is one server's collection goroutine. Everything below cancel
// and done is owned by that goroutine alone.
type serverLoop struct {
	srv    *models.Server
	cancel context.CancelFunc
	done   chan struct{}

	delta     *probe.State
	seq       uint64
	failCount int
	notBefore time.Time
	lastFacts time.Time
}

// Scheduler owns the per-server collection loops.
type Scheduler struct {
	opts    Options
	exec    *probe.Executor
	eval    *status.Evaluator
	store   *store.Store
	bus     *events.Bus
	metrics *monitoring.Metrics
	clock   clockwork.Clock
	log     zerolog.Logger

	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	loops  map[string]*serverLoop
	closed bool

	factsMu sync.RWMutex
	facts   map[string]*models.SystemInfo
}

func New(exec *probe.Executor, eval *status.Evaluator, st *store.Store, bus *events.Bus, opts Options, metrics *monitoring.Metrics, clock clockwork.Clock, log zerolog.Logger) *Scheduler {
	opts = opts.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:    opts,
		exec:    exec,
		eval:    eval,
		store:   st,
		bus:     bus,
		metrics: metrics,
		clock:   clock,
		log:     log,
		sem:     make(chan struct{}, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
		loops:   make(map[string]*serverLoop),
		facts:   make(map[string]*models.SystemInfo),
	}
}

// Add registers a server. Monitoring-disabled servers are tracked for
// status snapshots but get no collection loop. Adding a server that is
// already registered is a no-op; use Update after record changes.
func (s *Scheduler) Add(srv *models.Server) {
	if srv == nil || srv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.loops[srv.ID]; ok {
		return
	}
	s.eval.Track(srv.ID, s.clock.Now())
	if !srv.MonitorEnabled {
		return
	}
	s.startLocked(srv)
}

// Update restarts the server's loop so the next cycle uses the new record.
// The running cycle is aborted; Update returns once the old loop is gone.
func (s *Scheduler) Update(srv *models.Server) {
	if srv == nil || srv.ID == "" {
		return
	}
	s.stop(srv.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.eval.Track(srv.ID, s.clock.Now())
	if srv.MonitorEnabled {
		s.startLocked(srv)
	}
}

// Remove cancels the server's loop and drops its cached host facts.
// It returns once any in-flight cycle has aborted.
func (s *Scheduler) Remove(serverID string) {
	s.stop(serverID)
	s.factsMu.Lock()
	delete(s.facts, serverID)
	s.factsMu.Unlock()
}

// SystemInfo returns the latest collected host facts for a server.
func (s *Scheduler) SystemInfo(serverID string) (*models.SystemInfo, bool) {
	s.factsMu.RLock()
	defer s.factsMu.RUnlock()
	info, ok := s.facts[serverID]
	return info, ok
}

// Close aborts every loop and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// startLocked seeds a loop and launches it. Callers hold s.mu.
func (s *Scheduler) startLocked(srv *models.Server) {
	ctx, cancel := context.WithCancel(s.ctx)
	loop := &serverLoop{
		srv:    srv,
		cancel: cancel,
		done:   make(chan struct{}),
		delta:  probe.NewState(),
	}
	// Seq continuity across loop restarts comes from the newest stored
	// sample; timestamps already order across the gap.
	if latest, err := s.store.QueryLatest(srv.ID); err == nil {
		loop.seq = latest.Seq
	}
	s.loops[srv.ID] = loop
	s.wg.Add(1)
	go s.run(ctx, loop)
}

func (s *Scheduler) stop(serverID string) {
	s.mu.Lock()
	loop, ok := s.loops[serverID]
	if ok {
		delete(s.loops, serverID)
	}
	s.mu.Unlock()
	if ok {
		loop.cancel()
		<-loop.done
	}
}

func (s *Scheduler) run(ctx context.Context, loop *serverLoop) {
	defer s.wg.Done()
	defer close(loop.done)

	log := s.log.With().Str("server_id", loop.srv.ID).Logger()

	if s.opts.SpreadStart {
		delay := time.Duration(rand.Int63n(int64(s.opts.Period)))
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}

	ticker := s.clock.NewTicker(s.opts.Period)
	defer ticker.Stop()

	if !s.cycle(ctx, loop, log) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.clock.Now().Before(loop.notBefore) {
				log.Debug().
					Time("until", loop.notBefore).
					Msg("tick skipped, server held out by backoff")
				continue
			}
			if !s.cycle(ctx, loop, log) {
				return
			}
		}
	}
}
