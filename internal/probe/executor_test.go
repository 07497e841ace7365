package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/sshx/pool"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	runFn func(ctx context.Context, srv *models.Server, command string) (pool.ExecResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, srv *models.Server, command string) (pool.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	fn := f.runFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, srv, command)
	}
	return pool.ExecResult{Stdout: []byte("ok\n")}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func probeServer() *models.Server {
	return &models.Server{ID: "srv-1", Host: "10.0.0.1", Port: 22, Username: "monitor"}
}

func newTestExecutor(r Runner, timeout func(Key) time.Duration) *Executor {
	return NewExecutor(r, nil, timeout, zerolog.Nop())
}

// ============================================================================
// EXECUTE
// ============================================================================

func TestExecuteRunsRegistryCommand(t *testing.T) {
	runner := &fakeRunner{}
	ex := newTestExecutor(runner, nil)

	raw, err := ex.Execute(context.Background(), probeServer(), KeyUptime)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok\n"), raw.Stdout)
	assert.Zero(t, raw.Exit)
	require.Len(t, runner.commands(), 1)
	assert.Equal(t, "cat /proc/uptime", runner.commands()[0])
}

func TestExecuteUnknownKey(t *testing.T) {
	ex := newTestExecutor(&fakeRunner{}, nil)
	_, err := ex.Execute(context.Background(), probeServer(), "kernel")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestExecuteAppliesRegistryDeadline(t *testing.T) {
	var hadDeadline bool
	runner := &fakeRunner{
		runFn: func(ctx context.Context, _ *models.Server, _ string) (pool.ExecResult, error) {
			_, hadDeadline = ctx.Deadline()
			return pool.ExecResult{}, nil
		},
	}
	ex := newTestExecutor(runner, nil)
	_, err := ex.Execute(context.Background(), probeServer(), KeyCPU)
	require.NoError(t, err)
	assert.True(t, hadDeadline)
}

func TestExecuteTimeoutOverrideWins(t *testing.T) {
	var remaining time.Duration
	runner := &fakeRunner{
		runFn: func(ctx context.Context, _ *models.Server, _ string) (pool.ExecResult, error) {
			deadline, _ := ctx.Deadline()
			remaining = time.Until(deadline)
			return pool.ExecResult{}, nil
		},
	}
	ex := newTestExecutor(runner, func(Key) time.Duration { return 123 * time.Millisecond })

	_, err := ex.Execute(context.Background(), probeServer(), KeyCPU)
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 123*time.Millisecond)
}

func TestExecuteRemoteFailure(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(context.Context, *models.Server, string) (pool.ExecResult, error) {
			return pool.ExecResult{Stderr: []byte("df: cannot read table of mounted file systems\n"), Exit: 2}, nil
		},
	}
	ex := newTestExecutor(runner, nil)

	raw, err := ex.Execute(context.Background(), probeServer(), KeyDisk)
	require.Error(t, err)

	var failed *CommandFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, KeyDisk, failed.Key)
	assert.Equal(t, 2, failed.Exit)
	assert.Equal(t, "df: cannot read table of mounted file systems", failed.Stderr)
	assert.Contains(t, failed.Error(), "exit 2")

	// Raw output is still returned alongside the error.
	assert.Equal(t, 2, raw.Exit)
	assert.NotEmpty(t, raw.Stderr)
}

func TestExecuteStderrExcerptCapped(t *testing.T) {
	noise := strings.Repeat("x", 5000)
	runner := &fakeRunner{
		runFn: func(context.Context, *models.Server, string) (pool.ExecResult, error) {
			return pool.ExecResult{Stderr: []byte(noise), Exit: 1}, nil
		},
	}
	ex := newTestExecutor(runner, nil)

	raw, err := ex.Execute(context.Background(), probeServer(), KeyCPU)
	var failed *CommandFailed
	require.ErrorAs(t, err, &failed)
	assert.Len(t, failed.Stderr, stderrExcerptMax)
	// The untruncated stream stays on the raw output.
	assert.Len(t, raw.Stderr, 5000)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(ctx context.Context, _ *models.Server, _ string) (pool.ExecResult, error) {
			<-ctx.Done()
			return pool.ExecResult{}, ctx.Err()
		},
	}
	ex := newTestExecutor(runner, func(Key) time.Duration { return 30 * time.Millisecond })

	start := time.Now()
	_, err := ex.Execute(context.Background(), probeServer(), KeyMemory)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutePoolErrorsPassThrough(t *testing.T) {
	for _, sentinel := range []error{pool.ErrAcquireTimeout, pool.ErrTransportBroken, pool.ErrPoolClosed} {
		runner := &fakeRunner{
			runFn: func(context.Context, *models.Server, string) (pool.ExecResult, error) {
				return pool.ExecResult{}, fmt.Errorf("wrapped: %w", sentinel)
			},
		}
		ex := newTestExecutor(runner, nil)

		_, err := ex.Execute(context.Background(), probeServer(), KeyCPU)
		assert.ErrorIs(t, err, sentinel)
		assert.NotErrorIs(t, err, ErrCommandTimeout)
	}
}

func TestExecuteCanceledContextPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{
		runFn: func(ctx context.Context, _ *models.Server, _ string) (pool.ExecResult, error) {
			return pool.ExecResult{}, ctx.Err()
		},
	}
	ex := newTestExecutor(runner, nil)

	_, err := ex.Execute(ctx, probeServer(), KeyCPU)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
}

// ============================================================================
// COLLECT
// ============================================================================

func TestCollectRunsKeysInParallel(t *testing.T) {
	var mu sync.Mutex
	inflight := 0
	barrier := make(chan struct{})

	runner := &fakeRunner{
		runFn: func(ctx context.Context, _ *models.Server, _ string) (pool.ExecResult, error) {
			mu.Lock()
			inflight++
			if inflight == len(CycleKeys) {
				close(barrier)
			}
			mu.Unlock()

			select {
			case <-barrier:
				return pool.ExecResult{Stdout: []byte("0.10 0.20 0.30 1/100 1\n")}, nil
			case <-time.After(2 * time.Second):
				return pool.ExecResult{}, errors.New("keys did not run concurrently")
			}
		},
	}
	ex := newTestExecutor(runner, nil)

	results := ex.Collect(context.Background(), probeServer(), CycleKeys)
	require.Len(t, results, len(CycleKeys))
	for key, r := range results {
		assert.NoError(t, r.Err, string(key))
	}
}

func TestCollectIsolatesFailures(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(_ context.Context, _ *models.Server, command string) (pool.ExecResult, error) {
			if command == "df -B1" {
				return pool.ExecResult{}, fmt.Errorf("%w: session open failed", pool.ErrTransportBroken)
			}
			return pool.ExecResult{Stdout: []byte("ok\n")}, nil
		},
	}
	ex := newTestExecutor(runner, nil)

	results := ex.Collect(context.Background(), probeServer(), CycleKeys)
	require.Len(t, results, len(CycleKeys))
	assert.Error(t, results[KeyDisk].Err)
	assert.NoError(t, results[KeyUptime].Err)
	assert.NoError(t, results[KeyCPU].Err)
}

func TestCollectParsesPayloads(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(_ context.Context, _ *models.Server, command string) (pool.ExecResult, error) {
			switch command {
			case "free -b":
				return pool.ExecResult{Stdout: []byte(freeFixture)}, nil
			case "cat /proc/loadavg":
				return pool.ExecResult{Stdout: []byte(loadAvgFixture)}, nil
			default:
				return pool.ExecResult{}, errors.New("unexpected command")
			}
		},
	}
	ex := newTestExecutor(runner, nil)

	results := ex.Collect(context.Background(), probeServer(), []Key{KeyMemory, KeyLoad})
	require.NotNil(t, results[KeyMemory].Payload.Memory)
	assert.Equal(t, uint64(16784302080), results[KeyMemory].Payload.Memory.TotalBytes)
	require.NotNil(t, results[KeyLoad].Payload.Load)
	assert.Equal(t, 0.52, results[KeyLoad].Payload.Load.Load1)
	assert.Empty(t, results[KeyMemory].Warnings)
}

func TestCommandFailedErrorFormat(t *testing.T) {
	withStderr := &CommandFailed{Key: KeyDisk, Exit: 2, Stderr: "no such device"}
	assert.Equal(t, "probe disk: exit 2: no such device", withStderr.Error())

	bare := &CommandFailed{Key: KeyCPU, Exit: 137}
	assert.Equal(t, "probe cpu: exit 137", bare.Error())
}
