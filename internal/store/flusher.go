package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cwatcher/backend/internal/models"
)

// Start launches the background flusher, plus the retention pruner when
// the sink supports it.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop()
	}()

	if p, ok := s.sink.(Pruner); ok && s.opts.Retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pruneLoop(p)
		}()
	}
}

// Close stops the loops, makes one last flush attempt for whatever is
// still pending, and closes the sink. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.flush(ctx, false)

		if err := s.sink.Close(); err != nil {
			s.log.Warn().Err(err).Msg("sink close failed")
		}
	})
	return nil
}

func (s *Store) flushLoop() {
	ticker := s.clock.NewTicker(s.opts.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.flush(context.Background(), true)
		case <-s.kick:
			s.flush(context.Background(), true)
		}
	}
}

// flush drains the pending queue in batches. Each batch is written with
// the retry policy; a batch that exhausts its retries or fails fatally
// is dropped so the next batch still gets its chance.
func (s *Store) flush(ctx context.Context, retry bool) {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}
		s.writeBatch(ctx, batch, retry)
	}
}

func (s *Store) takeBatch() []*models.MetricsSample {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if n > s.opts.FlushBatch {
		n = s.opts.FlushBatch
	}
	batch := make([]*models.MetricsSample, n)
	copy(batch, s.pending)
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return batch
}

func (s *Store) writeBatch(ctx context.Context, batch []*models.MetricsSample, retry bool) {
	backoffs := s.opts.RetryBackoff
	if !retry {
		backoffs = nil
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := s.sink.WriteBatch(ctx, batch)
		elapsed := time.Since(start)

		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordFlush("ok", elapsed.Seconds())
			}
			s.setDegraded(false)
			return
		}

		fatal := errors.Is(err, ErrSinkFatal)
		outcome := "retryable"
		if fatal {
			outcome = "fatal"
		}
		if s.metrics != nil {
			s.metrics.RecordFlush(outcome, elapsed.Seconds())
		}

		if fatal || attempt >= len(backoffs) {
			s.log.Error().Err(err).
				Int("samples", len(batch)).
				Int("attempts", attempt+1).
				Msg("sink batch dropped")
			s.setDegraded(true)
			return
		}

		delay := withJitter(backoffs[attempt])
		s.log.Warn().Err(err).
			Dur("retry_in", delay).
			Int("attempt", attempt+1).
			Msg("sink write failed, retrying")

		select {
		case <-s.clock.After(delay):
		case <-s.stop:
			s.log.Warn().Int("samples", len(batch)).Msg("sink batch abandoned on shutdown")
			return
		}
	}
}

// withJitter spreads retries by up to half the base so parked batches
// from many stores do not thunder in step.
func withJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}

func (s *Store) setDegraded(degraded bool) {
	if s.degraded.Swap(degraded) == degraded {
		return
	}
	if s.metrics != nil {
		s.metrics.SetSinkDegraded(degraded)
	}
	if s.bus != nil {
		s.bus.PublishSinkState(degraded)
	}
	if degraded {
		s.log.Warn().Msg("sink degraded, rings still serving live data")
	} else {
		s.log.Info().Msg("sink recovered")
	}
}

func (s *Store) pruneLoop(p Pruner) {
	ticker := s.clock.NewTicker(s.opts.PruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			before := s.clock.Now().Add(-s.opts.Retention)
			n, err := p.Prune(context.Background(), before)
			if err != nil {
				s.log.Warn().Err(err).Msg("retention prune failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("samples", n).Time("before", before).Msg("retention prune")
			}
		}
	}
}
