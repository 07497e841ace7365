package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
	"github.com/cwatcher/backend/internal/sshx/pool"
)

// RawOutput is everything a finished remote command produced. Elapsed is
// wall time from dispatch to completion, session acquisition included.
type RawOutput struct {
	Stdout  []byte
	Stderr  []byte
	Exit    int
	Elapsed time.Duration
}

// stderrExcerptMax caps how much remote stderr a CommandFailed carries.
const stderrExcerptMax = 1024

var (
	// ErrUnknownKey means the key is not in the command registry.
	ErrUnknownKey = errors.New("unknown probe key")

	// ErrCommandTimeout means the per-key deadline expired before the
	// remote command finished.
	ErrCommandTimeout = errors.New("probe command timed out")
)

// CommandFailed reports a remote command that ran to completion and
// exited non-zero. Stderr is an excerpt, never the full stream.
type CommandFailed struct {
	Key    Key
	Exit   int
	Stderr string
}

func (e *CommandFailed) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("probe %s: exit %d", e.Key, e.Exit)
	}
	return fmt.Sprintf("probe %s: exit %d: %s", e.Key, e.Exit, e.Stderr)
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrExcerptMax {
		s = s[:stderrExcerptMax]
	}
	return s
}

// Runner executes one command on a server over a pooled SSH session.
// *pool.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, srv *models.Server, command string) (pool.ExecResult, error)
}

// Executor runs registry commands with per-key deadlines and parses their
// output. Deadlines come from the registry unless a timeout func is
// supplied, which is how config overrides reach it.
type Executor struct {
	runner  Runner
	metrics *monitoring.Metrics
	log     zerolog.Logger
	timeout func(Key) time.Duration
}

func NewExecutor(runner Runner, metrics *monitoring.Metrics, timeout func(Key) time.Duration, log zerolog.Logger) *Executor {
	return &Executor{
		runner:  runner,
		metrics: metrics,
		timeout: timeout,
		log:     log,
	}
}

// Execute runs one registry command and returns its raw output. A
// non-zero remote exit comes back as *CommandFailed; hitting the per-key
// deadline comes back wrapping ErrCommandTimeout. Pool and transport
// errors pass through unchanged so callers can tell an unreachable host
// from a misbehaving command.
func (e *Executor) Execute(ctx context.Context, srv *models.Server, key Key) (RawOutput, error) {
	spec, ok := Lookup(key)
	if !ok {
		return RawOutput{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	limit := spec.Timeout
	if e.timeout != nil {
		if d := e.timeout(key); d > 0 {
			limit = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	res, err := e.runner.Run(ctx, srv, spec.Command)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RawOutput{Elapsed: elapsed}, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, key, limit)
		}
		return RawOutput{Elapsed: elapsed}, err
	}
	raw := RawOutput{Stdout: res.Stdout, Stderr: res.Stderr, Exit: res.Exit, Elapsed: elapsed}
	if res.Exit != 0 {
		return raw, &CommandFailed{Key: key, Exit: res.Exit, Stderr: excerpt(res.Stderr)}
	}
	return raw, nil
}

// Parse runs the registered parser for key on raw output. Parsers are
// pure and never panic; malformed input surfaces as warnings with the
// affected fields left missing.
func Parse(key Key, raw RawOutput) (Payload, []ParseWarning) {
	spec, ok := Lookup(key)
	if !ok {
		return Payload{}, []ParseWarning{{Key: key, Message: "unknown key"}}
	}
	return spec.parse(raw)
}

// Result is one command's outcome within a collection cycle.
type Result struct {
	Key      Key
	Raw      RawOutput
	Payload  Payload
	Warnings []ParseWarning
	Err      error
}

// Collect runs the given keys in parallel against one server, each on its
// own pooled session, and parses every output. Every key gets a Result; a
// failure in one never blocks the others.
func (e *Executor) Collect(ctx context.Context, srv *models.Server, keys []Key) map[Key]Result {
	results := make([]Result, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.collectOne(ctx, srv, key)
		}()
	}
	wg.Wait()
	out := make(map[Key]Result, len(keys))
	for _, r := range results {
		out[r.Key] = r
	}
	return out
}

func (e *Executor) collectOne(ctx context.Context, srv *models.Server, key Key) Result {
	r := Result{Key: key}
	r.Raw, r.Err = e.Execute(ctx, srv, key)
	if r.Err != nil {
		e.log.Debug().Err(r.Err).Str("server_id", srv.ID).Str("key", string(key)).Msg("probe failed")
		return r
	}
	spec, _ := Lookup(key)
	r.Payload, r.Warnings = spec.parse(r.Raw)
	for _, w := range r.Warnings {
		if e.metrics != nil {
			e.metrics.RecordParseWarning(string(key))
		}
		e.log.Debug().Str("server_id", srv.ID).Str("key", string(key)).Str("warning", w.Message).Msg("parse warning")
	}
	return r
}
