// Package store keeps recent samples in per-(server, metric) ring buffers
// for live queries and chart backfill, and flushes them asynchronously to
// a durable sink. The rings are the source of truth for "recent"; the
// sink is the system of record for long retention. Ring eviction never
// waits on the sink.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
)

var (
	// ErrOutOfOrder rejects a sample not newer than the newest accepted
	// sample for its server.
	ErrOutOfOrder = errors.New("sample out of order")

	// ErrNoData means no sample has been accepted for the server yet.
	ErrNoData = errors.New("no data")

	// ErrUnknownMetric rejects queries naming a metric family that does
	// not exist.
	ErrUnknownMetric = errors.New("unknown metric kind")
)

// pendingMax bounds the flush backlog while the sink is unreachable.
// Beyond it the oldest unflushed samples are dropped; the rings still
// hold them for live queries.
const pendingMax = 4096

// Options tune the store. Zero values take the defaults.
type Options struct {
	Capacity     int             // ring slots per (server, metric)
	FlushBatch   int             // samples per sink write
	FlushEvery   time.Duration   // flush cadence when the batch stays small
	RetryBackoff []time.Duration // sleeps between sink retries
	Retention    time.Duration   // sink retention; 0 disables pruning
	PruneEvery   time.Duration   // prune cadence
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 240
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = 64
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 5 * time.Second
	}
	if o.RetryBackoff == nil {
		o.RetryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if o.PruneEvery <= 0 {
		o.PruneEvery = 24 * time.Hour
	}
	return o
}

// Store holds the rings and drives the background flusher.
type Store struct {
	opts    Options
	sink    Sink
	bus     *events.Bus
	metrics *monitoring.Metrics
	clock   clockwork.Clock
	log     zerolog.Logger

	mu      sync.RWMutex
	servers map[string]*serverSamples

	flushMu sync.Mutex
	pending []*models.MetricsSample

	degraded  atomic.Bool
	kick      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type serverSamples struct {
	rings  map[models.MetricKind]*ring
	latest *models.MetricsSample
	newest int64
}

func newServerSamples(capacity int) *serverSamples {
	s := &serverSamples{rings: make(map[models.MetricKind]*ring, len(models.AllMetricKinds))}
	for _, kind := range models.AllMetricKinds {
		s.rings[kind] = newRing(capacity)
	}
	return s
}

// New creates a store over the given sink. A nil sink discards batches;
// a nil clock means wall time.
func New(sink Sink, opts Options, bus *events.Bus, metrics *monitoring.Metrics, clock clockwork.Clock, log zerolog.Logger) *Store {
	if sink == nil {
		sink = NullSink{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		opts:    opts.withDefaults(),
		sink:    sink,
		bus:     bus,
		metrics: metrics,
		clock:   clock,
		log:     log,
		servers: make(map[string]*serverSamples),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Submit accepts one cycle's sample. The sample lands in the ring of
// every metric family it actually carries and is queued for the sink.
// Samples not strictly newer than the newest accepted for that server
// are rejected with ErrOutOfOrder, duplicates included.
func (s *Store) Submit(sample *models.MetricsSample) error {
	if sample == nil || sample.ServerID == "" {
		return fmt.Errorf("store: sample without server id")
	}

	s.mu.Lock()
	entry, ok := s.servers[sample.ServerID]
	if !ok {
		entry = newServerSamples(s.opts.Capacity)
		s.servers[sample.ServerID] = entry
	}
	if entry.latest != nil && sample.Timestamp <= entry.newest {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d not after %d", ErrOutOfOrder, sample.Timestamp, entry.newest)
	}
	evicted := 0
	for _, kind := range models.AllMetricKinds {
		if sample.Metric(kind) != nil {
			if entry.rings[kind].push(sample) {
				evicted++
			}
		}
	}
	entry.latest = sample
	entry.newest = sample.Timestamp
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SamplesStored.Inc()
		if evicted > 0 {
			s.metrics.RingEvictions.Add(float64(evicted))
		}
	}
	s.enqueue(sample)
	return nil
}

// QueryRecent returns ring samples carrying the given metric whose
// timestamp falls within [from, to], oldest first. The partial flag is
// set whenever the rings cannot prove the window is complete, in which
// case the durable sink holds the rest.
func (s *Store) QueryRecent(serverID string, kind models.MetricKind, from, to time.Time) ([]*models.MetricsSample, bool, error) {
	if !models.ValidMetricKind(kind) {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownMetric, kind)
	}
	if to.Before(from) {
		return nil, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.servers[serverID]
	if !ok {
		return nil, true, nil
	}
	r := entry.rings[kind]
	out := r.scan(from.UnixMilli(), to.UnixMilli())
	partial := r.n == 0 || r.oldest().Timestamp > from.UnixMilli()
	return out, partial, nil
}

// QueryLatest returns the newest accepted sample for the server, or
// ErrNoData.
func (s *Store) QueryLatest(serverID string) (*models.MetricsSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.servers[serverID]
	if !ok || entry.latest == nil {
		return nil, ErrNoData
	}
	return entry.latest, nil
}

// Forget drops all ring state for a server. Samples already queued for
// the sink still flush; history there is append-only.
func (s *Store) Forget(serverID string) {
	s.mu.Lock()
	delete(s.servers, serverID)
	s.mu.Unlock()
}

// Degraded reports whether the sink is currently failing. Live queries
// are unaffected either way.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) enqueue(sample *models.MetricsSample) {
	s.flushMu.Lock()
	s.pending = append(s.pending, sample)
	if over := len(s.pending) - pendingMax; over > 0 {
		s.pending = append(s.pending[:0], s.pending[over:]...)
		s.log.Warn().Int("dropped", over).Msg("flush backlog full, oldest unflushed samples dropped")
	}
	n := len(s.pending)
	s.flushMu.Unlock()

	if n >= s.opts.FlushBatch {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// ring is a fixed-capacity circular buffer ordered by insertion, which
// Submit guarantees is also timestamp order.
type ring struct {
	buf  []*models.MetricsSample
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*models.MetricsSample, capacity)}
}

// push appends a sample, reporting whether an older one was evicted to
// make room.
func (r *ring) push(s *models.MetricsSample) bool {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
		return false
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	return true
}

func (r *ring) at(i int) *models.MetricsSample {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) oldest() *models.MetricsSample {
	if r.n == 0 {
		return nil
	}
	return r.at(0)
}

func (r *ring) scan(fromMS, toMS int64) []*models.MetricsSample {
	var out []*models.MetricsSample
	for i := 0; i < r.n; i++ {
		s := r.at(i)
		if s.Timestamp < fromMS {
			continue
		}
		if s.Timestamp > toMS {
			break
		}
		out = append(out, s)
	}
	return out
}
