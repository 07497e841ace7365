package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/models"
)

// ============================================================================
// FAKES
// ============================================================================

// fakeSink records successful batches and pops one scripted error per
// WriteBatch call until the script runs out.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]*models.MetricsSample
	errs    []error
	calls   int
	closed  bool
}

func (f *fakeSink) WriteBatch(_ context.Context, samples []*models.MetricsSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]*models.MetricsSample, len(samples))
	copy(cp, samples)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSink) totalSamples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeSink) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// pruningSink additionally satisfies Pruner so the prune loop runs.
type pruningSink struct {
	fakeSink
	pruneMu sync.Mutex
	prunes  []time.Time
}

func (p *pruningSink) Prune(_ context.Context, before time.Time) (int64, error) {
	p.pruneMu.Lock()
	defer p.pruneMu.Unlock()
	p.prunes = append(p.prunes, before)
	return 0, nil
}

func (p *pruningSink) pruneTimes() []time.Time {
	p.pruneMu.Lock()
	defer p.pruneMu.Unlock()
	out := make([]time.Time, len(p.prunes))
	copy(out, p.prunes)
	return out
}

var errConnReset = fmt.Errorf("%w: connection reset", ErrSinkRetryable)

func submitN(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Submit(mkSample("srv-1", int64(i+1), models.MetricCPU)))
	}
}

func waitSinkEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink state event")
		return events.Event{}
	}
}

// ============================================================================
// FLUSH TRIGGERS
// ============================================================================

func TestFlushOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, Options{FlushBatch: 4, FlushEvery: time.Hour}, nil, nil, nil, zerolog.Nop())
	s.Start()
	defer s.Close()

	submitN(t, s, 4)

	assert.Eventually(t, func() bool {
		return sink.totalSamples() == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.callCount())
}

func TestFlushOnTicker(t *testing.T) {
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	s := New(sink, Options{FlushBatch: 100, FlushEvery: 5 * time.Second}, nil, nil, clock, zerolog.Nop())
	s.Start()
	defer s.Close()

	submitN(t, s, 3)
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	assert.Eventually(t, func() bool {
		return sink.totalSamples() == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, Options{FlushBatch: 100, FlushEvery: time.Hour}, nil, nil, nil, zerolog.Nop())
	s.Start()

	submitN(t, s, 3)
	require.NoError(t, s.Close())

	assert.Equal(t, 3, sink.totalSamples())
	assert.True(t, sink.wasClosed())
}

// ============================================================================
// RETRY AND DEGRADED STATE
// ============================================================================

func TestFlushRetryThenSuccess(t *testing.T) {
	sink := &fakeSink{errs: []error{errConnReset, errConnReset}}
	opts := Options{
		FlushBatch:   1,
		FlushEvery:   time.Hour,
		RetryBackoff: []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
	}
	s := New(sink, opts, nil, nil, nil, zerolog.Nop())
	s.Start()
	defer s.Close()

	submitN(t, s, 1)

	assert.Eventually(t, func() bool {
		return sink.totalSamples() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, sink.callCount())
	assert.False(t, s.Degraded())
}

func TestFlushExhaustsRetriesAndDrops(t *testing.T) {
	sink := &fakeSink{errs: []error{errConnReset, errConnReset, errConnReset, errConnReset}}
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.KindSinkState)

	opts := Options{
		FlushBatch:   1,
		FlushEvery:   time.Hour,
		RetryBackoff: []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
	}
	s := New(sink, opts, bus, nil, nil, zerolog.Nop())
	s.Start()
	defer s.Close()

	submitN(t, s, 1)

	// One initial attempt plus every backoff slot, then the batch is gone.
	assert.Eventually(t, func() bool {
		return sink.callCount() == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.totalSamples())
	assert.True(t, s.Degraded())

	ev := waitSinkEvent(t, ch)
	assert.True(t, ev.SinkDegraded)

	// Dropped batches never come back, but the next write clears the flag.
	require.NoError(t, s.Submit(mkSample("srv-1", 99, models.MetricCPU)))
	assert.Eventually(t, func() bool {
		return sink.totalSamples() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Degraded())

	ev = waitSinkEvent(t, ch)
	assert.False(t, ev.SinkDegraded)
}

func TestFlushFatalDropsImmediately(t *testing.T) {
	sink := &fakeSink{errs: []error{fmt.Errorf("%w: malformed payload", ErrSinkFatal)}}
	opts := Options{
		FlushBatch:   1,
		FlushEvery:   time.Hour,
		RetryBackoff: []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
	s := New(sink, opts, nil, nil, nil, zerolog.Nop())
	s.Start()
	defer s.Close()

	submitN(t, s, 1)

	assert.Eventually(t, func() bool {
		return s.Degraded()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.callCount())
	assert.Equal(t, 0, sink.totalSamples())
}

func TestWithJitterBounds(t *testing.T) {
	base := 4 * time.Second
	for i := 0; i < 200; i++ {
		d := withJitter(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/2)
	}
}

// ============================================================================
// PRUNING
// ============================================================================

func TestPruneLoop(t *testing.T) {
	sink := &pruningSink{}
	clock := clockwork.NewFakeClock()
	opts := Options{
		FlushBatch: 100,
		FlushEvery: time.Hour,
		Retention:  24 * time.Hour,
		PruneEvery: time.Hour,
	}
	s := New(sink, opts, nil, nil, clock, zerolog.Nop())
	s.Start()
	defer s.Close()

	// Flush ticker plus prune ticker.
	clock.BlockUntil(2)
	start := clock.Now()
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		return len(sink.pruneTimes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	want := start.Add(time.Hour).Add(-24 * time.Hour)
	assert.Equal(t, want, sink.pruneTimes()[0])
}

func TestPruneLoopOffWithoutRetention(t *testing.T) {
	sink := &pruningSink{}
	clock := clockwork.NewFakeClock()
	s := New(sink, Options{FlushBatch: 100, FlushEvery: time.Hour}, nil, nil, clock, zerolog.Nop())
	s.Start()

	// Only the flush ticker registers; a second waiter would hang here
	// if the prune loop had started.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)
	require.NoError(t, s.Close())
	assert.Empty(t, sink.pruneTimes())
}
