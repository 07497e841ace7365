package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
)

// Options bound pool behaviour. Zero values fall back to defaults.
type Options struct {
	// MaxSessions caps concurrent command sessions per server.
	MaxSessions int

	// AcquireTimeout bounds how long a lease request waits for a slot.
	AcquireTimeout time.Duration

	// IdleTTL closes a transport that has gone unused this long.
	IdleTTL time.Duration

	// PingAfterIdle health-checks a transport that sat idle this long
	// before handing it out again.
	PingAfterIdle time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxSessions <= 0 {
		out.MaxSessions = 3
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 15 * time.Second
	}
	if out.IdleTTL <= 0 {
		out.IdleTTL = 5 * time.Minute
	}
	if out.PingAfterIdle <= 0 {
		out.PingAfterIdle = 30 * time.Second
	}
	return out
}

// Stats is a point-in-time view of one server's pool.
type Stats struct {
	ServerID  string `json:"server_id"`
	Connected bool   `json:"connected"`
	Active    int    `json:"active"`
	Max       int    `json:"max"`
	Waiting   int    `json:"waiting"`
	Exhausted int64  `json:"exhausted_total"`
}

// ServerPool owns the transport and session slots for one server.
type ServerPool struct {
	opts Options
	dial DialFunc
	log  zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond // signaled on release, broadcast on close/dial/timeout

	srv       *models.Server
	transport Transport
	dialing   bool
	inUse     int
	waiting   int
	exhausted int64
	lastUsed  time.Time
	stale     bool
	closed    bool
}

func newServerPool(srv *models.Server, dial DialFunc, opts Options, log zerolog.Logger) *ServerPool {
	p := &ServerPool{
		opts:     opts.withDefaults(),
		dial:     dial,
		log:      log.With().Str("server_id", srv.ID).Logger(),
		srv:      srv,
		lastUsed: time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lease is one held session slot. Release must be called exactly once.
type Lease struct {
	pool      *ServerPool
	transport Transport
	once      sync.Once
	broken    bool
}

// Run executes a command through the leased slot.
func (l *Lease) Run(ctx context.Context, command string) (ExecResult, error) {
	res, err := l.transport.Run(ctx, command)
	if err != nil && isBroken(err) {
		l.MarkBroken()
	}
	return res, err
}

// MarkBroken tells the pool the transport is dead; it will be discarded when
// the lease is released.
func (l *Lease) MarkBroken() {
	l.broken = true
}

// Release returns the slot to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l)
	})
}

func isBroken(err error) bool {
	return errors.Is(err, ErrTransportBroken)
}

// Acquire leases a session slot, dialing the server if no transport is open.
func (p *ServerPool) Acquire(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		ctxBound = true
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if p.inUse < p.opts.MaxSessions && !p.dialing {
			if p.transport == nil {
				if err := p.dialLocked(ctx); err != nil {
					p.mu.Unlock()
					return nil, err
				}
				continue
			}

			if p.inUse == 0 && time.Since(p.lastUsed) > p.opts.PingAfterIdle {
				if !p.pingLocked() {
					continue
				}
			}

			p.inUse++
			p.lastUsed = time.Now()
			lease := &Lease{pool: p, transport: p.transport}
			p.mu.Unlock()
			return lease, nil
		}

		// All slots busy, or a dial is in flight: wait for a wakeup.
		if p.inUse >= p.opts.MaxSessions {
			p.exhausted++
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, p.timeoutErr(ctx, ctxBound)
		}

		p.waiting++
		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait() // releases mu, waits, reacquires mu
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, p.timeoutErr(ctx, ctxBound)
		}
	}
}

// timeoutErr reports an expired wait as the context's error when the context
// deadline bounded it, so callers can tell their own cancellation apart from
// pool exhaustion.
func (p *ServerPool) timeoutErr(ctx context.Context, ctxBound bool) error {
	if ctxBound {
		<-ctx.Done()
		return ctx.Err()
	}
	return ErrAcquireTimeout
}

// dialLocked opens the transport. Called with mu held; releases it around the
// dial and reacquires before returning.
func (p *ServerPool) dialLocked(ctx context.Context) error {
	p.dialing = true
	srv := p.srv
	p.mu.Unlock()

	tr, err := p.dial(ctx, srv)

	p.mu.Lock()
	p.dialing = false
	p.cond.Broadcast()

	if err != nil {
		return err
	}
	if p.closed {
		p.mu.Unlock()
		tr.Close()
		p.mu.Lock()
		return ErrPoolClosed
	}
	p.transport = tr
	p.stale = false
	p.lastUsed = time.Now()
	return nil
}

// pingLocked health-checks the idle transport. Called with mu held; returns
// false when the transport was discarded and the caller should retry.
func (p *ServerPool) pingLocked() bool {
	tr := p.transport
	p.mu.Unlock()
	err := tr.Ping()
	p.mu.Lock()

	if p.transport != tr {
		return false
	}
	if err != nil {
		p.log.Debug().Err(err).Msg("idle ssh transport failed keepalive, reconnecting")
		tr.Close()
		p.transport = nil
		return false
	}
	p.lastUsed = time.Now()
	return true
}

func (p *ServerPool) release(l *Lease) {
	p.mu.Lock()

	p.inUse--
	p.lastUsed = time.Now()

	discard := l.broken && p.transport == l.transport
	recycle := p.stale && p.inUse == 0
	var toClose Transport
	if discard || recycle {
		toClose = p.transport
		p.transport = nil
		p.stale = false
	}

	// Wake one waiter; Broadcast is reserved for close and timeouts.
	p.cond.Signal()
	p.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// Update swaps the server record in. The open transport is recycled once the
// last lease is returned, so new credentials or address take effect on the
// next dial.
func (p *ServerPool) Update(srv *models.Server) {
	p.mu.Lock()
	p.srv = srv
	var toClose Transport
	if p.transport != nil {
		if p.inUse == 0 {
			toClose = p.transport
			p.transport = nil
		} else {
			p.stale = true
		}
	}
	p.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// Stats reports the pool's current state.
func (p *ServerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ServerID:  p.srv.ID,
		Connected: p.transport != nil,
		Active:    p.inUse,
		Max:       p.opts.MaxSessions,
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// reapIdle closes the transport when it has been unused past the TTL.
func (p *ServerPool) reapIdle() {
	p.mu.Lock()
	var toClose Transport
	if p.transport != nil && p.inUse == 0 && time.Since(p.lastUsed) > p.opts.IdleTTL {
		toClose = p.transport
		p.transport = nil
	}
	p.mu.Unlock()

	if toClose != nil {
		p.log.Debug().Msg("reaped idle ssh transport")
		toClose.Close()
	}
}

// Close marks the pool closed, wakes all waiters, and waits briefly for
// in-flight leases before force-closing the transport.
func (p *ServerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	active := p.inUse
	p.mu.Unlock()

	if active > 0 {
		deadline := time.After(10 * time.Second)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				done := p.inUse == 0
				p.mu.Unlock()
				if done {
					break wait
				}
			case <-deadline:
				p.log.Warn().Int("active", active).Msg("closing ssh pool with leases still held")
				break wait
			}
		}
	}

	p.mu.Lock()
	toClose := p.transport
	p.transport = nil
	p.mu.Unlock()
	if toClose != nil {
		toClose.Close()
	}
}
