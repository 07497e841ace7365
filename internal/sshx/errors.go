// Package sshx is the SSH transport layer: credential handling, host key
// verification, and dialing gated by per-server backoff breakers. Plaintext
// credentials exist only on the Dial call stack and are never logged.
package sshx

import (
	"errors"
	"fmt"

	"github.com/cwatcher/backend/internal/models"
)

var (
	// ErrAuthFailed means the remote host rejected our credentials.
	ErrAuthFailed = errors.New("ssh authentication failed")

	// ErrConnectFailed covers unreachable hosts, refused connections and
	// handshake timeouts.
	ErrConnectFailed = errors.New("ssh connection failed")

	// ErrCredential means the stored credential could not be decrypted or
	// parsed, before any network traffic happened.
	ErrCredential = errors.New("credential unusable")

	// ErrHostKeyUnknown means the host presented a key we have never seen
	// and trust-on-first-use is disabled.
	ErrHostKeyUnknown = errors.New("unknown host key")
)

// HostKeyMismatchError is raised when a host presents a key that differs from
// the pinned one. It is deliberately loud: a mismatch can mean the host was
// reinstalled, or that the connection is being intercepted.
type HostKeyMismatchError struct {
	Host      string
	Known     string
	Presented string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf(
		"host key mismatch for %s: pinned %s but host presented %s; refusing to connect",
		e.Host, e.Known, e.Presented,
	)
}

// Reason maps a dial error onto the status reason vocabulary.
func Reason(err error) string {
	var mismatch *HostKeyMismatchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mismatch), errors.Is(err, ErrHostKeyUnknown):
		return models.ReasonHostKeyMismatch
	case errors.Is(err, ErrAuthFailed):
		return models.ReasonAuthFailed
	case errors.Is(err, ErrCredential):
		return models.ReasonCredentialError
	default:
		return models.ReasonConnectFailed
	}
}
