// Package status derives each server's health from its metric samples and
// collection failures, with debounced transitions so a single outlier never
// flips a dashboard.
//
// Bands are evaluated per metric (cpu usage, memory usage, fullest disk
// partition) and the worst band wins. Entering a band takes the metric's
// debounce count of consecutive samples; collection failures feed a separate
// offline debounce, and offline overrides any band. A warning or critical
// threshold of zero disables that edge for the metric.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
)

// bandHit is one metric's band verdict with the evidence for the event.
type bandHit struct {
	kind      models.StatusKind
	metric    models.MetricKind
	value     float64
	threshold float64
}

type serverState struct {
	current   models.StatusKind
	reason    string
	enteredAt time.Time

	// Band debounce: consecutive samples whose worst band is candidate.
	candidate models.StatusKind
	streak    int

	// Offline debounce: consecutive failed collection cycles.
	failStreak int
}

// Evaluator tracks per-server status and emits a StatusEvent on every
// transition. It is the single writer of server status; readers get
// snapshots through Status and Snapshot.
type Evaluator struct {
	defaults models.ThresholdPolicy
	bus      *events.Bus
	metrics  *monitoring.Metrics
	log      zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]models.ThresholdPolicy
	servers   map[string]*serverState
}

func New(defaults models.ThresholdPolicy, bus *events.Bus, metrics *monitoring.Metrics, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		defaults:  normalizePolicy(defaults, models.DefaultThresholds()),
		bus:       bus,
		metrics:   metrics,
		log:       log,
		overrides: make(map[string]models.ThresholdPolicy),
		servers:   make(map[string]*serverState),
	}
}

// Track registers a server in the unknown state so snapshots list it
// before its first cycle completes. Tracking twice is a no-op.
func (e *Evaluator) Track(serverID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(serverID, at)
}

// SetOverride replaces the threshold policy for one server. Zero debounce
// fields fall back to the evaluator defaults; zero warning or critical
// edges disable that edge.
func (e *Evaluator) SetOverride(serverID string, p models.ThresholdPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[serverID] = normalizePolicy(p, e.defaults)
}

func (e *Evaluator) ClearOverride(serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overrides, serverID)
}

// ObserveSample folds one successful collection cycle into the server's
// status machine and returns the resulting status for stamping onto the
// sample. A successful cycle always clears the offline streak.
func (e *Evaluator) ObserveSample(sample *models.MetricsSample) models.StatusKind {
	if sample == nil || sample.ServerID == "" {
		return models.StatusUnknown
	}
	at := sample.Time()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensure(sample.ServerID, at)
	policy := e.policyFor(sample.ServerID)
	st.failStreak = 0

	hit := worstBand(sample, policy)

	if hit.kind == st.current {
		st.candidate = ""
		st.streak = 0
		return st.current
	}

	// A first reading and a reachable-again server both land immediately:
	// unknown is a pre-state and one answered cycle disproves offline.
	if st.current == models.StatusUnknown || st.current == models.StatusOffline {
		e.transition(sample.ServerID, st, hit, reasonFor(st.current, hit), at)
		return st.current
	}

	if hit.kind == st.candidate {
		st.streak++
	} else {
		st.candidate = hit.kind
		st.streak = 1
	}

	if st.streak >= debounceFor(policy, hit) {
		e.transition(sample.ServerID, st, hit, reasonFor(st.current, hit), at)
	}
	return st.current
}

// ObserveFailure folds one failed collection cycle in. The server goes
// offline after the policy's offline debounce count of consecutive
// failures; a failed cycle also breaks any band streak in progress.
func (e *Evaluator) ObserveFailure(serverID, reason string, at time.Time) models.StatusKind {
	if reason == "" {
		reason = models.ReasonCollectionFailed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensure(serverID, at)
	st.candidate = ""
	st.streak = 0
	st.failStreak++

	if st.current == models.StatusOffline {
		return st.current
	}
	policy := e.policyFor(serverID)
	if st.failStreak >= policy.OfflineDebounce {
		e.transition(serverID, st, bandHit{kind: models.StatusOffline}, reason, at)
	}
	return st.current
}

// Force moves a server to the given status immediately, bypassing all
// debounce. Used when monitoring is paused or disabled by an operator.
func (e *Evaluator) Force(serverID string, to models.StatusKind, reason string, at time.Time) models.StatusKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensure(serverID, at)
	if st.current != to {
		e.transition(serverID, st, bandHit{kind: to}, reason, at)
	}
	return st.current
}

// Status returns the current status of one server. Untracked servers
// report unknown with ok false.
func (e *Evaluator) Status(serverID string) (models.ServerStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.servers[serverID]
	if !ok {
		return models.ServerStatus{ServerID: serverID, Kind: models.StatusUnknown}, false
	}
	return models.ServerStatus{
		ServerID:  serverID,
		Kind:      st.current,
		Reason:    st.reason,
		EnteredAt: st.enteredAt,
	}, true
}

// Snapshot returns every tracked server's status ordered by server ID.
func (e *Evaluator) Snapshot() []models.ServerStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ServerStatus, 0, len(e.servers))
	for id, st := range e.servers {
		out = append(out, models.ServerStatus{
			ServerID:  id,
			Kind:      st.current,
			Reason:    st.reason,
			EnteredAt: st.enteredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Forget drops all state and overrides for a deleted server.
func (e *Evaluator) Forget(serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.servers[serverID]; ok && e.metrics != nil {
		e.metrics.ServersByStatus.WithLabelValues(string(st.current)).Dec()
	}
	delete(e.servers, serverID)
	delete(e.overrides, serverID)
}

func (e *Evaluator) ensure(serverID string, at time.Time) *serverState {
	st, ok := e.servers[serverID]
	if !ok {
		st = &serverState{current: models.StatusUnknown, enteredAt: at}
		e.servers[serverID] = st
		if e.metrics != nil {
			e.metrics.ServersByStatus.WithLabelValues(string(models.StatusUnknown)).Inc()
		}
	}
	return st
}

func (e *Evaluator) policyFor(serverID string) models.ThresholdPolicy {
	if p, ok := e.overrides[serverID]; ok {
		return p
	}
	return e.defaults
}

// transition mutates st, then publishes. Callers hold e.mu.
func (e *Evaluator) transition(serverID string, st *serverState, hit bandHit, reason string, at time.Time) {
	from := st.current
	st.current = hit.kind
	st.reason = reason
	st.enteredAt = at
	st.candidate = ""
	st.streak = 0

	ev := &models.StatusEvent{
		ServerID:  serverID,
		From:      from,
		To:        hit.kind,
		Reason:    reason,
		Metric:    hit.metric,
		Value:     hit.value,
		Threshold: hit.threshold,
		At:        at.UnixMilli(),
	}
	if e.metrics != nil {
		e.metrics.RecordStatusTransition(string(hit.kind))
		e.metrics.ServersByStatus.WithLabelValues(string(from)).Dec()
		e.metrics.ServersByStatus.WithLabelValues(string(hit.kind)).Inc()
	}
	if e.bus != nil {
		e.bus.PublishStatus(ev)
	}
	e.log.Info().
		Str("server_id", serverID).
		Str("from", string(from)).
		Str("to", string(hit.kind)).
		Str("reason", reason).
		Msg("status transition")
}

// worstBand evaluates every banded metric present on the sample and
// returns the most severe hit. Missing metric records are skipped, never
// treated as zero. Ties keep the first metric in cpu, memory, disk order.
func worstBand(sample *models.MetricsSample, policy models.ThresholdPolicy) bandHit {
	worst := bandHit{kind: models.StatusOnline}

	consider := func(metric models.MetricKind, value float64, t models.MetricThreshold) {
		hit := bandHit{kind: bandFor(value, t), metric: metric, value: value}
		switch hit.kind {
		case models.StatusCritical:
			hit.threshold = t.Critical
		case models.StatusWarning:
			hit.threshold = t.Warning
		default:
			return
		}
		if hit.kind.Rank() > worst.kind.Rank() {
			worst = hit
		}
	}

	if sample.CPU != nil && sample.CPU.UsagePercent != nil {
		consider(models.MetricCPU, *sample.CPU.UsagePercent, policy.CPU)
	}
	if sample.Memory != nil {
		consider(models.MetricMemory, sample.Memory.UsagePercent, policy.Memory)
	}
	if sample.Disk != nil {
		consider(models.MetricDisk, sample.Disk.MaxPartitionUsage(), policy.Disk)
	}
	return worst
}

func bandFor(value float64, t models.MetricThreshold) models.StatusKind {
	switch {
	case t.Critical > 0 && value >= t.Critical:
		return models.StatusCritical
	case t.Warning > 0 && value >= t.Warning:
		return models.StatusWarning
	default:
		return models.StatusOnline
	}
}

// debounceFor picks the debounce count for entering hit's band: the
// triggering metric's own count, or the strictest configured count when
// the destination is the normal band and no single metric triggered.
func debounceFor(policy models.ThresholdPolicy, hit bandHit) int {
	var d int
	switch hit.metric {
	case models.MetricCPU:
		d = policy.CPU.DebounceSamples
	case models.MetricMemory:
		d = policy.Memory.DebounceSamples
	case models.MetricDisk:
		d = policy.Disk.DebounceSamples
	default:
		d = policy.CPU.DebounceSamples
		if policy.Memory.DebounceSamples > d {
			d = policy.Memory.DebounceSamples
		}
		if policy.Disk.DebounceSamples > d {
			d = policy.Disk.DebounceSamples
		}
	}
	if d <= 0 {
		d = 1
	}
	return d
}

func reasonFor(from models.StatusKind, hit bandHit) string {
	switch hit.kind {
	case models.StatusWarning, models.StatusCritical:
		return models.ReasonThresholdCrossed
	case models.StatusOnline:
		if from == models.StatusUnknown {
			return ""
		}
		return models.ReasonRecovered
	default:
		return models.ReasonCollectionFailed
	}
}

// normalizePolicy fills zero debounce fields from fallback so partial
// overrides keep sane stickiness. Zero warning and critical edges are
// left alone; zero disables the edge.
func normalizePolicy(p, fallback models.ThresholdPolicy) models.ThresholdPolicy {
	if p.CPU.DebounceSamples <= 0 {
		p.CPU.DebounceSamples = fallback.CPU.DebounceSamples
	}
	if p.Memory.DebounceSamples <= 0 {
		p.Memory.DebounceSamples = fallback.Memory.DebounceSamples
	}
	if p.Disk.DebounceSamples <= 0 {
		p.Disk.DebounceSamples = fallback.Disk.DebounceSamples
	}
	if p.OfflineDebounce <= 0 {
		p.OfflineDebounce = fallback.OfflineDebounce
	}
	return p
}
