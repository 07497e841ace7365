package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeys verifies remote host keys against a known_hosts file. Verification
// is strict: an unknown host is rejected unless trust-on-first-use is enabled,
// and a changed key is always rejected.
type HostKeys struct {
	path      string
	allowTOFU bool
	log       zerolog.Logger

	mu sync.Mutex
}

// NewHostKeys opens (creating if absent) the known_hosts file at path.
func NewHostKeys(path string, allowTOFU bool, log zerolog.Logger) (*HostKeys, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	return &HostKeys{path: path, allowTOFU: allowTOFU, log: log}, nil
}

// Callback returns the verification hook handed to the SSH client config.
func (h *HostKeys) Callback() ssh.HostKeyCallback {
	return h.verify
}

// verify re-reads the file on every check so keys learned through
// trust-on-first-use are visible to concurrent dials.
func (h *HostKeys) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	check, err := knownhosts.New(h.path)
	if err != nil {
		return fmt.Errorf("read known_hosts %s: %w", h.path, err)
	}

	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}

	if len(keyErr.Want) > 0 {
		return &HostKeyMismatchError{
			Host:      hostname,
			Known:     ssh.FingerprintSHA256(keyErr.Want[0].Key),
			Presented: ssh.FingerprintSHA256(key),
		}
	}

	if !h.allowTOFU {
		return fmt.Errorf("%w: %s presented %s", ErrHostKeyUnknown, hostname, ssh.FingerprintSHA256(key))
	}

	if err := h.append(hostname, remote, key); err != nil {
		return err
	}
	h.log.Warn().
		Str("host", hostname).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("trusting host key on first use")
	return nil
}

func (h *HostKeys) append(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addrs := []string{hostname}
	if remote != nil && remote.String() != hostname {
		addrs = append(addrs, remote.String())
	}

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("append known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line(addrs, key) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts entry: %w", err)
	}
	return nil
}

// Pin records a host key without dialing, for pre-provisioning from
// ssh-keyscan style tooling.
func (h *HostKeys) Pin(addr string, key ssh.PublicKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.append(addr, nil, key)
}

// ScanHostKey connects to addr and captures the host key it presents without
// authenticating. The handshake is aborted once the key is recorded.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (ssh.PublicKey, error) {
	var captured ssh.PublicKey

	cfg := &ssh.ClientConfig{
		User:    "hostkey-scan",
		Timeout: timeout,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured = key
			return nil
		},
	}

	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// No auth methods are offered, so the handshake fails after key
	// exchange. The key has already been seen by then.
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err == nil {
		ssh.NewClient(c, chans, reqs).Close()
	}
	if captured == nil {
		return nil, fmt.Errorf("%w: no host key presented by %s", ErrConnectFailed, addr)
	}
	return captured, nil
}
