package sshx

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/backend/internal/models"
)

// Credentials is a decrypted credential set, alive only for the duration of
// one dial.
type Credentials struct {
	User       string
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

// authMethods builds the SSH auth chain for a credential set.
func authMethods(kind models.AuthKind, creds Credentials) ([]ssh.AuthMethod, error) {
	switch kind {
	case models.AuthPassword:
		if creds.Password == "" {
			return nil, fmt.Errorf("%w: empty password", ErrCredential)
		}
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil

	case models.AuthKey:
		if len(creds.PrivateKey) == 0 {
			return nil, fmt.Errorf("%w: empty private key", ErrCredential)
		}
		var (
			signer ssh.Signer
			err    error
		)
		if len(creds.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKey, creds.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrCredential, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth kind %q", ErrCredential, kind)
	}
}
