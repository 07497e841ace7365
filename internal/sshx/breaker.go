package sshx

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState represents a dial breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // dials pass through
	BreakerOpen                         // waiting out the backoff window
	BreakerHalfOpen                     // one probe dial allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrBackoff is returned while a server's backoff window is still open.
	ErrBackoff = errors.New("dial suppressed by backoff")

	// ErrProbeInFlight is returned when a half-open probe is already running.
	ErrProbeInFlight = errors.New("reconnect probe already in flight")
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// DialBreaker gates dial attempts to one server. Every failed dial opens the
// breaker for an exponentially growing window (2s, 4s, 8s ... capped at 60s);
// after the window one probe dial is let through, and a successful probe
// resets the ladder.
type DialBreaker struct {
	serverID      string
	clock         clockwork.Clock
	onStateChange func(serverID string, from, to BreakerState)

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	inFlight   uint32
	backoff    time.Duration
	expiry     time.Time
}

func newDialBreaker(serverID string, clock clockwork.Clock, onStateChange func(string, BreakerState, BreakerState)) *DialBreaker {
	return &DialBreaker{
		serverID:      serverID,
		clock:         clock,
		onStateChange: onStateChange,
		state:         BreakerClosed,
		backoff:       backoffBase,
	}
}

// Do runs fn if the breaker allows a dial right now and records the outcome.
func (b *DialBreaker) Do(fn func() error) error {
	generation, err := b.beforeDial()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterDial(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterDial(generation, err == nil)
	return err
}

// Allow reports whether a dial would currently be admitted.
func (b *DialBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state, _ := b.currentState(b.clock.Now()); state {
	case BreakerOpen:
		return ErrBackoff
	case BreakerHalfOpen:
		if b.inFlight > 0 {
			return ErrProbeInFlight
		}
	}
	return nil
}

// State returns the current state.
func (b *DialBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.clock.Now())
	return state
}

// RetryAt returns when the open window ends. Zero when not open.
func (b *DialBreaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, _ := b.currentState(b.clock.Now()); state != BreakerOpen {
		return time.Time{}
	}
	return b.expiry
}

func (b *DialBreaker) beforeDial() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state, generation := b.currentState(now)

	if state == BreakerOpen {
		return generation, ErrBackoff
	}
	if state == BreakerHalfOpen && b.inFlight > 0 {
		return generation, ErrProbeInFlight
	}

	b.inFlight++
	return generation, nil
}

func (b *DialBreaker) afterDial(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state, currentGeneration := b.currentState(now)

	// A state change invalidated this attempt's bookkeeping.
	if generation != currentGeneration {
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *DialBreaker) onSuccess(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.backoff = backoffBase
	case BreakerHalfOpen:
		b.backoff = backoffBase
		b.setState(BreakerClosed, now)
	}
}

func (b *DialBreaker) onFailure(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.setState(BreakerOpen, now)
	case BreakerHalfOpen:
		b.growBackoff()
		b.setState(BreakerOpen, now)
	}
}

func (b *DialBreaker) growBackoff() {
	b.backoff *= 2
	if b.backoff > backoffCap {
		b.backoff = backoffCap
	}
}

func (b *DialBreaker) currentState(now time.Time) (BreakerState, uint64) {
	if b.state == BreakerOpen && b.expiry.Before(now) {
		b.setState(BreakerHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *DialBreaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.generation++
	b.inFlight = 0

	if state == BreakerOpen {
		b.expiry = now.Add(b.backoff)
	} else {
		b.expiry = time.Time{}
	}

	if b.onStateChange != nil {
		b.onStateChange(b.serverID, prev, state)
	}
}

// BreakerSet holds one dial breaker per server.
type BreakerSet struct {
	mu            sync.RWMutex
	breakers      map[string]*DialBreaker
	clock         clockwork.Clock
	onStateChange func(serverID string, from, to BreakerState)
}

// NewBreakerSet creates an empty set. A nil clock means the real one.
func NewBreakerSet(clock clockwork.Clock, onStateChange func(string, BreakerState, BreakerState)) *BreakerSet {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BreakerSet{
		breakers:      make(map[string]*DialBreaker),
		clock:         clock,
		onStateChange: onStateChange,
	}
}

// For returns the breaker for a server, creating it on first use.
func (s *BreakerSet) For(serverID string) *DialBreaker {
	s.mu.RLock()
	b, exists := s.breakers[serverID]
	s.mu.RUnlock()
	if exists {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, exists = s.breakers[serverID]; exists {
		return b
	}
	b = newDialBreaker(serverID, s.clock, s.onStateChange)
	s.breakers[serverID] = b
	return b
}

// Remove forgets a server's breaker after the server is deleted.
func (s *BreakerSet) Remove(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, serverID)
}
