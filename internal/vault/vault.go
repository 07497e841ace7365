// Package vault envelope-encrypts credentials at rest. A single process-wide
// master key derives per-secret data keys via PBKDF2-SHA256; payloads are
// sealed with AES-256-GCM. One algorithm, tagged explicitly, no fallback.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Algorithm is the only scheme this vault will produce or accept.
const Algorithm = "AES-256-GCM/PBKDF2-SHA256/100000"

const (
	// Iterations is the PBKDF2 round count baked into the algorithm tag.
	Iterations = 100000

	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

var (
	// ErrMasterKeyMissing is returned when the vault was built without a
	// master key and an operation needs one.
	ErrMasterKeyMissing = errors.New("vault: master key missing")

	// ErrBadCiphertext is returned when the GCM auth tag does not verify,
	// covering both tampering and a wrong master key.
	ErrBadCiphertext = errors.New("vault: ciphertext verification failed")

	// ErrUnknownAlgorithm is returned for any bundle whose algorithm tag is
	// not exactly the supported one.
	ErrUnknownAlgorithm = errors.New("vault: unknown algorithm")
)

// EncryptedSecret is one ciphertext bundle. Salt and Nonce are random per
// Encrypt call; Iterations is recorded so future tags can change rounds
// without re-reading this code.
type EncryptedSecret struct {
	Algorithm  string
	Iterations int
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Encode renders the bundle in the opaque single-column form stored by the
// database layer: alg$iterations$b64(salt)$b64(nonce)$b64(ciphertext).
func (s *EncryptedSecret) Encode() string {
	b64 := base64.StdEncoding
	return strings.Join([]string{
		s.Algorithm,
		strconv.Itoa(s.Iterations),
		b64.EncodeToString(s.Salt),
		b64.EncodeToString(s.Nonce),
		b64.EncodeToString(s.Ciphertext),
	}, "$")
}

// Parse decodes the opaque column form back into a bundle. The algorithm tag
// is validated here so storage corruption surfaces before any key derivation.
func Parse(encoded string) (*EncryptedSecret, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return nil, fmt.Errorf("vault: malformed bundle: %w", ErrBadCiphertext)
	}
	if parts[0] != Algorithm {
		return nil, ErrUnknownAlgorithm
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 {
		return nil, fmt.Errorf("vault: bad iteration count: %w", ErrBadCiphertext)
	}
	b64 := base64.StdEncoding
	salt, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("vault: bad salt encoding: %w", ErrBadCiphertext)
	}
	nonce, err := b64.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("vault: bad nonce encoding: %w", ErrBadCiphertext)
	}
	ct, err := b64.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("vault: bad ciphertext encoding: %w", ErrBadCiphertext)
	}
	return &EncryptedSecret{
		Algorithm:  parts[0],
		Iterations: iter,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	}, nil
}

// Vault seals and opens credential bundles. Safe for concurrent use.
type Vault struct {
	masterKey []byte
}

// New builds a vault around the given master key. An empty key yields a
// vault whose every operation fails with ErrMasterKeyMissing, so callers can
// defer the fatal-exit decision to startup validation.
func New(masterKey string) *Vault {
	if masterKey == "" {
		return &Vault{}
	}
	return &Vault{masterKey: []byte(masterKey)}
}

// Ready reports whether a master key is configured.
func (v *Vault) Ready() bool {
	return len(v.masterKey) > 0
}

// Encrypt seals plaintext into a fresh bundle with a random salt and nonce.
func (v *Vault) Encrypt(plaintext []byte) (*EncryptedSecret, error) {
	if !v.Ready() {
		return nil, ErrMasterKeyMissing
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: salt generation: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce generation: %w", err)
	}

	key := pbkdf2.Key(v.masterKey, salt, Iterations, keySize, sha256.New)
	defer Zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &EncryptedSecret{
		Algorithm:  Algorithm,
		Iterations: Iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a bundle. The algorithm tag must match exactly; there is no
// downgrade path. Error messages never include decrypted material.
func (v *Vault) Decrypt(sec *EncryptedSecret) ([]byte, error) {
	if !v.Ready() {
		return nil, ErrMasterKeyMissing
	}
	if sec.Algorithm != Algorithm {
		return nil, ErrUnknownAlgorithm
	}
	if len(sec.Nonce) != nonceSize {
		return nil, ErrBadCiphertext
	}

	key := pbkdf2.Key(v.masterKey, sec.Salt, sec.Iterations, keySize, sha256.New)
	defer Zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sec.Nonce, sec.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}

// EncryptString seals a string and returns the opaque column form.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	sec, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return sec.Encode(), nil
}

// DecryptString opens an opaque column form produced by EncryptString.
// The caller owns the returned bytes and should Zero them when done.
func (v *Vault) DecryptString(encoded string) ([]byte, error) {
	sec, err := Parse(encoded)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(sec)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm init: %w", err)
	}
	return aead, nil
}

// Zero overwrites b in place. Callers on the session-open path use this to
// scrub plaintext credentials once the SSH handshake holds them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
