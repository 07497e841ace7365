package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func tcpAddr(t *testing.T, hostport string) net.Addr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	require.NoError(t, err)
	return addr
}

func TestHostKeysCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	_, err := NewHostKeys(path, false, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestHostKeysStrictRejectsUnknown(t *testing.T) {
	h, err := NewHostKeys(filepath.Join(t.TempDir(), "known_hosts"), false, zerolog.Nop())
	require.NoError(t, err)

	key := genHostKey(t)
	err = h.verify("192.0.2.10:22", tcpAddr(t, "192.0.2.10:22"), key)
	assert.ErrorIs(t, err, ErrHostKeyUnknown)

	// Strict mode must not have learned anything.
	err = h.verify("192.0.2.10:22", tcpAddr(t, "192.0.2.10:22"), key)
	assert.ErrorIs(t, err, ErrHostKeyUnknown)
}

func TestHostKeysTrustOnFirstUse(t *testing.T) {
	h, err := NewHostKeys(filepath.Join(t.TempDir(), "known_hosts"), true, zerolog.Nop())
	require.NoError(t, err)

	key := genHostKey(t)
	addr := tcpAddr(t, "192.0.2.10:22")

	require.NoError(t, h.verify("192.0.2.10:22", addr, key))

	// The key is pinned now; the same key passes, a different one is a
	// mismatch even with TOFU enabled.
	require.NoError(t, h.verify("192.0.2.10:22", addr, key))

	other := genHostKey(t)
	err = h.verify("192.0.2.10:22", addr, other)
	var mismatch *HostKeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "192.0.2.10:22", mismatch.Host)
	assert.Equal(t, ssh.FingerprintSHA256(key), mismatch.Known)
	assert.Equal(t, ssh.FingerprintSHA256(other), mismatch.Presented)
	assert.Contains(t, mismatch.Error(), "refusing to connect")
}

func TestHostKeysPin(t *testing.T) {
	h, err := NewHostKeys(filepath.Join(t.TempDir(), "known_hosts"), false, zerolog.Nop())
	require.NoError(t, err)

	key := genHostKey(t)
	require.NoError(t, h.Pin("192.0.2.20:22", key))

	// A pinned key passes strict verification.
	require.NoError(t, h.verify("192.0.2.20:22", tcpAddr(t, "192.0.2.20:22"), key))
}

func TestHostKeysDistinctHosts(t *testing.T) {
	h, err := NewHostKeys(filepath.Join(t.TempDir(), "known_hosts"), true, zerolog.Nop())
	require.NoError(t, err)

	keyA := genHostKey(t)
	keyB := genHostKey(t)

	require.NoError(t, h.verify("192.0.2.1:22", tcpAddr(t, "192.0.2.1:22"), keyA))
	require.NoError(t, h.verify("192.0.2.2:22", tcpAddr(t, "192.0.2.2:22"), keyB))

	// Keys do not bleed between hosts.
	err = h.verify("192.0.2.1:22", tcpAddr(t, "192.0.2.1:22"), keyB)
	var mismatch *HostKeyMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
