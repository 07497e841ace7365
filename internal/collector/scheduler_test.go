package collector

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
	"github.com/cwatcher/backend/internal/probe"
	"github.com/cwatcher/backend/internal/sshx"
	"github.com/cwatcher/backend/internal/sshx/pool"
	"github.com/cwatcher/backend/internal/status"
	"github.com/cwatcher/backend/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

const (
	statFirst = "cpu  100 0 50 850 0 0 0 0 0 0\ncpu0 100 0 50 850 0 0 0 0 0 0\n"
	// 1000 more jiffies, 800 of them idle: 20% busy against statFirst.
	statLater = "cpu  260 0 90 1650 0 0 0 0 0 0\ncpu0 260 0 90 1650 0 0 0 0 0 0\n"

	freeOut = "              total        used        free      shared  buff/cache   available\n" +
		"Mem:     16784302080  5368709120  4294967296   268435456  7120885760 10905190400\n" +
		"Swap:     2147483648   104857600  2042626048\n"

	dfOut = "Filesystem 1B-blocks Used Available Use% Mounted on\n" +
		"/dev/sda2 100000 9000 91000 9% /\n"

	netFirst = "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n" +
		"  eth0: 3000 30 0 0 0 0 0 0 6000 60 0 0 0 0 0 0\n"
	// +30000 rx and +60000 tx over one 30s period: 1000 and 2000 Bps.
	netLater = "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n" +
		"  eth0: 33000 60 0 0 0 0 0 0 66000 120 0 0 0 0 0 0\n"

	sysinfoOut = "Linux web-01 5.15.0-91-generic #101-Ubuntu SMP Fri Nov 17 10:00:00 UTC 2023 x86_64 x86_64 x86_64 GNU/Linux\n" +
		"processor\t: 0\n" +
		"model name\t: Intel(R) Xeon(R) CPU E5-2680\n" +
		"cpu cores\t: 1\n" +
		"PRETTY_NAME=\"Ubuntu 22.04.3 LTS\"\n"

	uptimeOut  = "352735.16 2720699.44\n"
	loadavgOut = "0.52 0.58 0.59 1/1266 28171\n"
)

// fakeHost answers every registry command with canned output. The counters
// let tests count cycles by /proc/stat attempts, including failed ones.
type fakeHost struct {
	mu           sync.Mutex
	failErr      error
	dfExit       int
	gate         chan struct{}
	statCalls    int
	netCalls     int
	sysinfoCalls int
}

func (h *fakeHost) Run(ctx context.Context, _ *models.Server, command string) (pool.ExecResult, error) {
	h.mu.Lock()
	var reading int
	switch command {
	case "cat /proc/stat":
		h.statCalls++
		reading = h.statCalls
	case "cat /proc/net/dev":
		h.netCalls++
		reading = h.netCalls
	case "uname -a; cat /proc/cpuinfo; cat /etc/os-release 2>/dev/null || true":
		h.sysinfoCalls++
	}
	gate, failErr, dfExit := h.gate, h.failErr, h.dfExit
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return pool.ExecResult{}, ctx.Err()
		}
	}
	if failErr != nil {
		return pool.ExecResult{}, failErr
	}

	switch command {
	case "cat /proc/stat":
		if reading > 1 {
			return pool.ExecResult{Stdout: []byte(statLater)}, nil
		}
		return pool.ExecResult{Stdout: []byte(statFirst)}, nil
	case "free -b":
		return pool.ExecResult{Stdout: []byte(freeOut)}, nil
	case "df -B1":
		if dfExit != 0 {
			return pool.ExecResult{Stderr: []byte("df: /data: no such device"), Exit: dfExit}, nil
		}
		return pool.ExecResult{Stdout: []byte(dfOut)}, nil
	case "cat /proc/net/dev":
		if reading > 1 {
			return pool.ExecResult{Stdout: []byte(netLater)}, nil
		}
		return pool.ExecResult{Stdout: []byte(netFirst)}, nil
	case "uname -a; cat /proc/cpuinfo; cat /etc/os-release 2>/dev/null || true":
		return pool.ExecResult{Stdout: []byte(sysinfoOut)}, nil
	case "cat /proc/uptime":
		return pool.ExecResult{Stdout: []byte(uptimeOut)}, nil
	case "cat /proc/loadavg":
		return pool.ExecResult{Stdout: []byte(loadavgOut)}, nil
	}
	return pool.ExecResult{}, fmt.Errorf("unexpected command %q", command)
}

func (h *fakeHost) cycles() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statCalls
}

func (h *fakeHost) sysinfoCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sysinfoCalls
}

func (h *fakeHost) setFail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
}

func (h *fakeHost) block() chan struct{} {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()
	return gate
}

type fixture struct {
	host  *fakeHost
	clock clockwork.FakeClock
	bus   *events.Bus
	store *store.Store
	eval  *status.Evaluator
	sched *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	host := &fakeHost{}
	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	st := store.New(nil, store.Options{FlushEvery: time.Hour, FlushBatch: 1 << 20}, nil, nil, nil, zerolog.Nop())
	eval := status.New(models.DefaultThresholds(), bus, nil, zerolog.Nop())
	exec := probe.NewExecutor(host, nil, nil, zerolog.Nop())
	sched := New(exec, eval, st, bus, opts, nil, clock, zerolog.Nop())
	t.Cleanup(func() {
		sched.Close()
		bus.Close()
	})
	return &fixture{host: host, clock: clock, bus: bus, store: st, eval: eval, sched: sched}
}

func testServer() *models.Server {
	return &models.Server{
		ID:             "srv-1",
		Name:           "web-01",
		Host:           "10.0.0.1",
		Port:           22,
		Username:       "monitor",
		MonitorEnabled: true,
	}
}

// tick arms the next period boundary once the loop's ticker is waiting.
func (f *fixture) tick(period time.Duration) {
	f.clock.BlockUntil(1)
	f.clock.Advance(period)
}

func (f *fixture) latestSeq() uint64 {
	sample, err := f.store.QueryLatest("srv-1")
	if err != nil {
		return 0
	}
	return sample.Seq
}

// ============================================================================
// CYCLES
// ============================================================================

func TestSchedulerCollectsAndSubmits(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	samples := f.bus.Subscribe(events.KindSample)
	t0 := f.clock.Now()

	f.sched.Add(testServer())

	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)

	first, err := f.store.QueryLatest("srv-1")
	require.NoError(t, err)
	assert.Equal(t, t0.UnixMilli(), first.Timestamp)
	assert.Equal(t, models.StatusOnline, first.Status)
	require.NotNil(t, first.CPU)
	assert.True(t, first.CPU.Warmup)
	assert.Nil(t, first.CPU.UsagePercent)
	assert.Equal(t, 0.52, first.CPU.Load1)

	f.tick(30 * time.Second)
	require.Eventually(t, func() bool { return f.latestSeq() == 2 }, 2*time.Second, 5*time.Millisecond)

	second, err := f.store.QueryLatest("srv-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Second).UnixMilli(), second.Timestamp)
	require.NotNil(t, second.CPU.UsagePercent)
	assert.Equal(t, 20.0, *second.CPU.UsagePercent)
	require.NotNil(t, second.Network)
	require.NotNil(t, second.Network.RxBps)
	assert.Equal(t, 1000.0, *second.Network.RxBps)
	assert.Equal(t, 2000.0, *second.Network.TxBps)
	assert.InDelta(t, 35.03, second.Memory.UsagePercent, 0.01)
	assert.Equal(t, 9.0, second.Disk.UsagePercent)

	select {
	case ev := <-samples:
		require.NotNil(t, ev.Sample)
		assert.Equal(t, uint64(1), ev.Sample.Seq)
	case <-time.After(time.Second):
		t.Fatal("no sample event published")
	}

	info, ok := f.sched.SystemInfo("srv-1")
	require.True(t, ok)
	assert.Equal(t, "web-01", info.Hostname)
	assert.Equal(t, "Ubuntu 22.04.3 LTS", info.OS)
	assert.Equal(t, uint64(16784302080), info.TotalMemBytes)
	assert.Equal(t, []string{"eth0"}, info.InterfaceNames)
}

func TestSchedulerNeverOverlapsCycles(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	gate := f.host.block()

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.host.cycles() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Two period boundaries pass while the first cycle is stuck. The
	// second tick has nowhere to queue and is dropped.
	f.clock.Advance(30 * time.Second)
	f.clock.Advance(30 * time.Second)
	assert.Never(t, func() bool { return f.host.cycles() > 1 }, 300*time.Millisecond, 20*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return f.host.cycles() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.host.cycles() > 2 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestSchedulerSysInfoCadence(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second, SysInfoEvery: 40 * time.Second})

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.host.sysinfoCount())

	// 30s since the last refresh: not due yet.
	f.tick(30 * time.Second)
	require.Eventually(t, func() bool { return f.latestSeq() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.host.sysinfoCount())

	// 60s since: due again.
	f.tick(30 * time.Second)
	require.Eventually(t, func() bool { return f.latestSeq() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.host.sysinfoCount())
}

func TestSchedulerPartialCycle(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	f.host.mu.Lock()
	f.host.dfExit = 1
	f.host.mu.Unlock()

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)

	sample, err := f.store.QueryLatest("srv-1")
	require.NoError(t, err)
	assert.Nil(t, sample.Disk)
	assert.NotNil(t, sample.Memory)
	assert.Equal(t, models.StatusOnline, sample.Status)

	// The disk ring never saw the sample, so a disk query has no data.
	got, partial, err := f.store.QueryRecent("srv-1", models.MetricDisk, time.UnixMilli(0), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, partial)
}

// ============================================================================
// FAILURE HANDLING
// ============================================================================

func TestSchedulerBackoffLadderAndRecovery(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	f.host.setFail(pool.ErrTransportBroken)

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.host.cycles() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Second consecutive failure crosses the offline debounce.
	f.tick(30 * time.Second)
	require.Eventually(t, func() bool {
		st, _ := f.eval.Status("srv-1")
		return st.Kind == models.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := f.eval.Status("srv-1")
	assert.Equal(t, models.ReasonConnectFailed, st.Reason)

	// Failures three to five raise the hold-out to 32s, past the period.
	for n := 3; n <= 5; n++ {
		f.tick(30 * time.Second)
		require.Eventually(t, func() bool { return f.host.cycles() == n }, 2*time.Second, 5*time.Millisecond)
	}

	// The next tick lands inside the 32s hold-out and is skipped.
	f.tick(30 * time.Second)
	assert.Never(t, func() bool { return f.host.cycles() > 5 }, 300*time.Millisecond, 20*time.Millisecond)

	// The tick after that runs and fails again, hold-out now 60s.
	f.tick(30 * time.Second)
	require.Eventually(t, func() bool { return f.host.cycles() == 6 }, 2*time.Second, 5*time.Millisecond)

	// Host comes back. One tick still inside the hold-out, then success.
	f.host.setFail(nil)
	f.tick(30 * time.Second)
	assert.Never(t, func() bool { return f.host.cycles() > 6 }, 300*time.Millisecond, 20*time.Millisecond)

	f.tick(30 * time.Second)
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)

	st, _ = f.eval.Status("srv-1")
	assert.Equal(t, models.StatusOnline, st.Kind)
	assert.Equal(t, models.ReasonRecovered, st.Reason)
}

func TestSchedulerAutoDisable(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second, AutoDisableAfter: 2})
	f.host.setFail(pool.ErrTransportBroken)

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.host.cycles() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.tick(30 * time.Second)
	require.Eventually(t, func() bool {
		st, _ := f.eval.Status("srv-1")
		return st.Kind == models.StatusUnknown && st.Reason == models.ReasonAutoDisabled
	}, 2*time.Second, 5*time.Millisecond)

	// The loop is gone; nothing collects anymore.
	f.clock.Advance(5 * time.Minute)
	assert.Never(t, func() bool { return f.host.cycles() > 2 }, 300*time.Millisecond, 20*time.Millisecond)

	// An operator update restarts monitoring.
	f.host.setFail(nil)
	f.sched.Update(testServer())
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerHostKeyMismatchStopsLoop(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	f.host.setFail(&sshx.HostKeyMismatchError{Host: "10.0.0.1:22"})

	// Offline on the very first failure, no debounce.
	f.sched.Add(testServer())
	require.Eventually(t, func() bool {
		st, _ := f.eval.Status("srv-1")
		return st.Kind == models.StatusOffline && st.Reason == models.ReasonHostKeyMismatch
	}, 2*time.Second, 5*time.Millisecond)

	// No automatic retry against a host that fails key verification.
	f.clock.Advance(5 * time.Minute)
	assert.Never(t, func() bool { return f.host.cycles() > 1 }, 300*time.Millisecond, 20*time.Millisecond)

	// An operator update starts a fresh loop.
	f.host.setFail(nil)
	f.sched.Update(testServer())
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestSchedulerRemoveAbortsInFlightCycle(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	f.host.block()

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.host.cycles() == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.sched.Remove("srv-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Remove did not abort the in-flight cycle")
	}

	_, err := f.store.QueryLatest("srv-1")
	assert.Error(t, err)
	_, ok := f.sched.SystemInfo("srv-1")
	assert.False(t, ok)
}

func TestSchedulerUpdateKeepsSeqMonotonic(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})

	f.sched.Add(testServer())
	require.Eventually(t, func() bool { return f.latestSeq() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Move the clock so the restarted loop's first cycle is newer.
	f.clock.Advance(5 * time.Second)

	updated := testServer()
	updated.Port = 2222
	f.sched.Update(updated)

	require.Eventually(t, func() bool { return f.latestSeq() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerDisabledServerOnlyTracked(t *testing.T) {
	f := newFixture(t, Options{Period: 30 * time.Second})
	srv := testServer()
	srv.MonitorEnabled = false

	f.sched.Add(srv)

	st, ok := f.eval.Status("srv-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusUnknown, st.Kind)
	assert.Never(t, func() bool { return f.host.cycles() > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

func TestFailureReason(t *testing.T) {
	res := func(err error) probe.Result { return probe.Result{Err: err} }

	tests := []struct {
		name    string
		results map[probe.Key]probe.Result
		want    string
	}{
		{
			"transport broken",
			map[probe.Key]probe.Result{probe.KeyCPU: res(pool.ErrTransportBroken)},
			models.ReasonConnectFailed,
		},
		{
			"auth beats connect",
			map[probe.Key]probe.Result{
				probe.KeyCPU:    res(pool.ErrTransportBroken),
				probe.KeyMemory: res(fmt.Errorf("dial: %w", sshx.ErrAuthFailed)),
			},
			models.ReasonAuthFailed,
		},
		{
			"host key mismatch beats connect",
			map[probe.Key]probe.Result{
				probe.KeyCPU:    res(pool.ErrTransportBroken),
				probe.KeyMemory: res(&sshx.HostKeyMismatchError{Host: "10.0.0.1:22"}),
			},
			models.ReasonHostKeyMismatch,
		},
		{
			"only command failures",
			map[probe.Key]probe.Result{
				probe.KeyCPU:  res(&probe.CommandFailed{Key: probe.KeyCPU, Exit: 2}),
				probe.KeyLoad: res(fmt.Errorf("%w: load after 5s", probe.ErrCommandTimeout)),
			},
			models.ReasonCollectionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.results))
		})
	}
}

func TestBackoffLadder(t *testing.T) {
	want := map[int]time.Duration{
		0:  2 * time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  16 * time.Second,
		5:  32 * time.Second,
		6:  60 * time.Second,
		10: 60 * time.Second,
	}
	for failures, d := range want {
		assert.Equal(t, d, backoffFor(failures), "failures=%d", failures)
	}
}
