package collector

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/probe"
	"github.com/cwatcher/backend/internal/sshx"
)

// cycle runs one collection cycle end to end. It returns false when the
// loop should stop: shutdown, removal, or auto-disable.
func (s *Scheduler) cycle(ctx context.Context, loop *serverLoop, log zerolog.Logger) bool {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-s.sem }()

	start := s.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opts.Period-time.Second)
	defer cancel()

	keys := probe.CycleKeys
	withFacts := loop.lastFacts.IsZero() || start.Sub(loop.lastFacts) >= s.opts.SysInfoEvery
	if withFacts {
		keys = append(append(make([]probe.Key, 0, len(probe.CycleKeys)+1), probe.CycleKeys...), probe.KeySysInfo)
	}

	results := s.exec.Collect(cctx, loop.srv, keys)
	if ctx.Err() != nil {
		return false
	}

	if failedCount(results) == len(results) {
		return s.cycleFailed(loop, results, start, log)
	}
	s.cycleOK(loop, results, start, withFacts, log)
	return true
}

func (s *Scheduler) cycleOK(loop *serverLoop, results map[probe.Key]probe.Result, start time.Time, withFacts bool, log zerolog.Logger) {
	loop.failCount = 0
	loop.notBefore = time.Time{}

	sample := loop.delta.Assemble(results, start)
	sample.ID = uuid.NewString()
	sample.ServerID = loop.srv.ID
	loop.seq++
	sample.Seq = loop.seq
	elapsed := s.clock.Now().Sub(start)
	sample.ElapsedMS = elapsed.Milliseconds()

	sample.Status = s.eval.ObserveSample(sample)

	if err := s.store.Submit(sample); err != nil {
		log.Warn().Err(err).Msg("sample rejected by store")
	} else if s.bus != nil {
		s.bus.PublishSample(sample)
	}

	if withFacts {
		if res, ok := results[probe.KeySysInfo]; ok && res.Err == nil && res.Payload.SysInfo != nil {
			info := probe.BuildSystemInfo(loop.srv.ID, res.Payload.SysInfo, sample, start)
			s.factsMu.Lock()
			s.facts[loop.srv.ID] = info
			s.factsMu.Unlock()
			loop.lastFacts = start
		}
	}

	outcome := "ok"
	if n := failedCount(results); n > 0 {
		outcome = "partial"
		log.Warn().Int("failed_probes", n).Msg("cycle completed with failed probes")
	}
	if s.metrics != nil {
		s.metrics.RecordCycle(loop.srv.ID, outcome, elapsed.Seconds())
	}
	if elapsed > s.opts.Period {
		log.Warn().Dur("elapsed", elapsed).Msg("cycle overran the period, next tick skipped")
	}
	log.Debug().
		Uint64("seq", sample.Seq).
		Str("status", string(sample.Status)).
		Msg("cycle complete")
}

// cycleFailed handles a cycle where every probe failed: the host never
// answered. Returns false when the loop should stop, on a host key
// mismatch or after auto-disable.
func (s *Scheduler) cycleFailed(loop *serverLoop, results map[probe.Key]probe.Result, start time.Time, log zerolog.Logger) bool {
	loop.failCount++
	reason := failureReason(results)

	// A changed host key never heals by itself; the loop parks until an
	// operator updates the server record.
	if reason == models.ReasonHostKeyMismatch {
		s.eval.Force(loop.srv.ID, models.StatusOffline, reason, start)
		if s.metrics != nil {
			s.metrics.RecordCycle(loop.srv.ID, "failed", s.clock.Now().Sub(start).Seconds())
		}
		log.Error().Msg("host key mismatch, monitoring paused until the server is updated")
		return false
	}

	st := s.eval.ObserveFailure(loop.srv.ID, reason, start)
	if st == models.StatusOffline {
		// Baselines from before an outage are suspect; the host may have
		// rebooted and reset its counters.
		loop.delta.Reset()
	}

	elapsed := s.clock.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordCycle(loop.srv.ID, "failed", elapsed.Seconds())
	}

	backoff := backoffFor(loop.failCount)
	loop.notBefore = s.clock.Now().Add(backoff)
	log.Warn().
		Str("reason", reason).
		Int("consecutive_failures", loop.failCount).
		Dur("backoff", backoff).
		Msg("collection cycle failed")

	if s.opts.AutoDisableAfter > 0 && loop.failCount >= s.opts.AutoDisableAfter {
		s.eval.Force(loop.srv.ID, models.StatusUnknown, models.ReasonAutoDisabled, s.clock.Now())
		log.Error().
			Int("consecutive_failures", loop.failCount).
			Msg("monitoring auto-disabled, re-enable via server update")
		return false
	}
	return true
}

func failedCount(results map[probe.Key]probe.Result) int {
	n := 0
	for _, res := range results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// failureReason maps a dead cycle's errors onto the status reason
// vocabulary. Credential, auth and host key problems beat the generic
// connect_failed; command-level failures mean the host answered, so a
// cycle of only those is collection_failed.
func failureReason(results map[probe.Key]probe.Result) string {
	reason := models.ReasonCollectionFailed
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		var cmdErr *probe.CommandFailed
		if errors.As(res.Err, &cmdErr) || errors.Is(res.Err, probe.ErrCommandTimeout) {
			continue
		}
		switch r := sshx.Reason(res.Err); r {
		case models.ReasonConnectFailed:
			reason = r
		default:
			return r
		}
	}
	return reason
}

func backoffFor(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	if failCount > len(backoffLadder) {
		failCount = len(backoffLadder)
	}
	return backoffLadder[failCount-1]
}
