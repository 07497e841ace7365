package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/backend/internal/models"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeTransport struct {
	mu      sync.Mutex
	runs    int
	closed  bool
	pingErr error
	runFn   func(ctx context.Context, command string) (ExecResult, error)
}

func (f *fakeTransport) Run(ctx context.Context, command string) (ExecResult, error) {
	f.mu.Lock()
	f.runs++
	fn := f.runFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, command)
	}
	return ExecResult{Stdout: []byte("ok\n")}, nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	lastServer *models.Server
	err        error
	transports []*fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context, srv *models.Server) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.lastServer = srv
	if d.err != nil {
		return nil, d.err
	}
	tr := &fakeTransport{}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testServer(id string) *models.Server {
	return &models.Server{ID: id, Name: id, Host: "192.0.2.1", Port: 22, Username: "root"}
}

func newTestPool(t *testing.T, d *fakeDialer, opts Options) *ServerPool {
	t.Helper()
	p := newServerPool(testServer("srv-1"), d.dial, opts, zerolog.Nop())
	t.Cleanup(p.Close)
	return p
}

// ============================================================================
// SERVER POOL
// ============================================================================

func TestPoolLeaseCap(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2, AcquireTimeout: time.Second})

	ctx := context.Background()
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	// One transport shared by both leases.
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 2, p.Stats().Active)

	// Third acquire waits until a lease is released.
	got := make(chan error, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			c.Release()
		}
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("third acquire should have blocked, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	a.Release()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}

	b.Release()
	assert.Equal(t, 0, p.Stats().Active)
}

func TestPoolAcquireTimeout(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 1, AcquireTimeout: 60 * time.Millisecond})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Positive(t, p.Stats().Exhausted)
}

func TestPoolAcquireContextCancel(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 1, AcquireTimeout: 10 * time.Second})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDialError(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := newTestPool(t, d, Options{MaxSessions: 2})

	_, err := p.Acquire(context.Background())
	assert.ErrorContains(t, err, "connection refused")

	// The pool holds no transport and the next acquire dials again.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, d.dialCount())
}

func TestPoolBrokenTransportRecycled(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	d.transports[0].runFn = func(context.Context, string) (ExecResult, error) {
		return ExecResult{}, fmt.Errorf("%w: write: broken pipe", ErrTransportBroken)
	}
	_, err = lease.Run(context.Background(), "cat /proc/stat")
	require.ErrorIs(t, err, ErrTransportBroken)
	lease.Release()

	assert.True(t, d.transports[0].isClosed())

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, d.dialCount())
}

func TestPoolRemoteExitKeepsTransport(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	d.transports[0].runFn = func(context.Context, string) (ExecResult, error) {
		return ExecResult{Stderr: []byte("df: /mnt/gone: no such device\n"), Exit: 1}, nil
	}
	res, err := lease.Run(context.Background(), "df -B1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exit)
	lease.Release()

	// A non-zero exit is not a transport failure.
	assert.False(t, d.transports[0].isClosed())
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 1, d.dialCount())
}

func TestPoolPingOnIdleReuse(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2, PingAfterIdle: 10 * time.Millisecond})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	// Let the transport go idle past the ping threshold, then kill it.
	time.Sleep(20 * time.Millisecond)
	d.transports[0].mu.Lock()
	d.transports[0].pingErr = errors.New("EOF")
	d.transports[0].mu.Unlock()

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	assert.True(t, d.transports[0].isClosed())
	assert.Equal(t, 2, d.dialCount())
}

func TestPoolUpdateRecyclesTransport(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	updated := testServer("srv-1")
	updated.Host = "192.0.2.99"
	p.Update(updated)

	// The old transport survives until the lease comes back.
	assert.False(t, d.transports[0].isClosed())
	lease.Release()
	assert.True(t, d.transports[0].isClosed())

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
	d.mu.Lock()
	assert.Equal(t, "192.0.2.99", d.lastServer.Host)
	d.mu.Unlock()
}

func TestPoolReapIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 2, IdleTTL: 10 * time.Millisecond})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	time.Sleep(20 * time.Millisecond)
	p.reapIdle()

	assert.True(t, d.transports[0].isClosed())
	assert.False(t, p.Stats().Connected)

	// Held leases block the reaper.
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	time.Sleep(20 * time.Millisecond)
	p.reapIdle()
	assert.True(t, p.Stats().Connected)
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	d := &fakeDialer{}
	p := newServerPool(testServer("srv-1"), d.dial, Options{MaxSessions: 1, AcquireTimeout: 10 * time.Second}, zerolog.Nop())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
	}()
	p.Close()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, d.transports[0].isClosed())
}

func TestPoolConcurrentLeases(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, Options{MaxSessions: 3, AcquireTimeout: 5 * time.Second})

	var peak, current atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			now := current.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	// Concurrency never exceeded the session cap.
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 1, d.dialCount())
}

// ============================================================================
// MANAGER
// ============================================================================

func TestManagerPoolPerServer(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, Options{MaxSessions: 2}, nil, zerolog.Nop())
	defer m.Close()

	ctx := context.Background()
	a, err := m.Acquire(ctx, testServer("srv-a"))
	require.NoError(t, err)
	b, err := m.Acquire(ctx, testServer("srv-b"))
	require.NoError(t, err)
	a.Release()
	b.Release()

	assert.Equal(t, 2, d.dialCount())
	assert.Len(t, m.Stats(), 2)
}

func TestManagerRun(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, Options{}, nil, zerolog.Nop())
	defer m.Close()

	res, err := m.Run(context.Background(), testServer("srv-a"), "cat /proc/uptime")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok\n"), res.Stdout)

	// The lease went back: the slot is free again.
	assert.Equal(t, 0, m.Stats()[0].Active)
}

func TestManagerRemove(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, Options{}, nil, zerolog.Nop())
	defer m.Close()

	lease, err := m.Acquire(context.Background(), testServer("srv-a"))
	require.NoError(t, err)
	lease.Release()

	m.Remove("srv-a")
	assert.Empty(t, m.Stats())
	assert.True(t, d.transports[0].isClosed())
}
