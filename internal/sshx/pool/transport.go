// Package pool maintains per-server SSH transports with a bounded number of
// concurrent command sessions. Callers lease a session slot, run commands,
// and release the slot; idle transports are health-checked before reuse and
// reaped after a TTL.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/backend/internal/models"
)

var (
	// ErrPoolClosed is returned when leasing from a closed pool.
	ErrPoolClosed = errors.New("ssh pool closed")

	// ErrAcquireTimeout is returned when all session slots stayed busy for
	// the whole acquire window.
	ErrAcquireTimeout = errors.New("timed out waiting for ssh session slot")

	// ErrTransportBroken marks errors that invalidate the underlying
	// connection, as opposed to commands that merely exited non-zero.
	ErrTransportBroken = errors.New("ssh transport broken")
)

// ExecResult is the completed output of one remote command. A non-zero Exit
// means the command ran and failed; transport-level trouble comes back as an
// error instead.
type ExecResult struct {
	Stdout []byte
	Stderr []byte
	Exit   int
}

// Transport is one established connection to a server, able to run multiple
// commands concurrently. Implementations must be safe for concurrent use.
type Transport interface {
	// Run executes a command to completion or context cancellation. An
	// error wrapping ErrTransportBroken means the connection itself is
	// dead; remote exit status is reported through ExecResult.Exit.
	Run(ctx context.Context, command string) (ExecResult, error)

	// Ping cheaply verifies the connection is still alive.
	Ping() error

	Close() error
}

// DialFunc opens a new transport to a server.
type DialFunc func(ctx context.Context, srv *models.Server) (Transport, error)

// sshTransport adapts an ssh client to the Transport interface. Each Run
// opens its own session, so concurrent commands multiplex over the one
// connection.
type sshTransport struct {
	client *ssh.Client
}

// NewSSHTransport wraps an established SSH client.
func NewSSHTransport(client *ssh.Client) Transport {
	return &sshTransport{client: client}
}

func (t *sshTransport) Run(ctx context.Context, command string) (ExecResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: open session: %v", ErrTransportBroken, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Run. The transport itself stays
		// usable for other sessions. The buffers may still be written
		// to, so they are not returned.
		session.Close()
		return ExecResult{}, ctx.Err()
	case err := <-done:
		res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// Remote command failed; the connection is fine.
			res.Exit = exitErr.ExitStatus()
			return res, nil
		}
		return ExecResult{}, fmt.Errorf("%w: %v", ErrTransportBroken, err)
	}
}

func (t *sshTransport) Ping() error {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}
