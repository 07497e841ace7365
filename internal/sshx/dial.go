package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
	"github.com/cwatcher/backend/internal/vault"
)

// Dialer opens authenticated SSH connections to monitored servers. Dials are
// gated per server by a backoff breaker, so a dead host is probed on the
// 1s..60s ladder instead of being hammered every cycle.
type Dialer struct {
	vault          *vault.Vault
	hostKeys       *HostKeys
	breakers       *BreakerSet
	metrics        *monitoring.Metrics
	log            zerolog.Logger
	connectTimeout time.Duration
}

// NewDialer wires a dialer. metrics may be nil in tests.
func NewDialer(v *vault.Vault, hostKeys *HostKeys, breakers *BreakerSet, metrics *monitoring.Metrics, connectTimeout time.Duration, log zerolog.Logger) *Dialer {
	return &Dialer{
		vault:          v,
		hostKeys:       hostKeys,
		breakers:       breakers,
		metrics:        metrics,
		log:            log,
		connectTimeout: connectTimeout,
	}
}

// Dial opens a new SSH client connection to the server, decrypting its
// credentials for the duration of the handshake only.
func (d *Dialer) Dial(ctx context.Context, srv *models.Server) (*ssh.Client, error) {
	var client *ssh.Client

	err := d.breakers.For(srv.ID).Do(func() error {
		c, err := d.dialOnce(ctx, srv)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordDial(dialOutcome(err))
		}
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.RecordDial("ok")
	}
	return client, nil
}

// Forget drops per-server dial state after the server is deleted.
func (d *Dialer) Forget(serverID string) {
	d.breakers.Remove(serverID)
}

func (d *Dialer) dialOnce(ctx context.Context, srv *models.Server) (*ssh.Client, error) {
	creds, err := d.decrypt(srv)
	if err != nil {
		return nil, err
	}
	defer func() {
		vault.Zero(creds.PrivateKey)
		vault.Zero(creds.Passphrase)
	}()

	auth, err := authMethods(srv.AuthKind, creds)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeys.Callback(),
		Timeout:         d.connectTimeout,
	}

	addr := srv.Addr()
	conn, err := (&net.Dialer{Timeout: d.connectTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}

	// Bound the handshake as well as the TCP dial.
	if err := conn.SetDeadline(time.Now().Add(d.connectTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.log.Debug().Str("server_id", srv.ID).Str("addr", addr).Msg("ssh connected")
	return ssh.NewClient(c, chans, reqs), nil
}

// decrypt unwraps the stored secret. The password auth kind stores the
// password itself; the key kind stores the PEM and, optionally, a passphrase.
func (d *Dialer) decrypt(srv *models.Server) (Credentials, error) {
	creds := Credentials{User: srv.Username}

	switch srv.AuthKind {
	case models.AuthPassword:
		pw, err := d.vault.DecryptString(srv.Secret)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: decrypt password: %v", ErrCredential, err)
		}
		creds.Password = string(pw)
		vault.Zero(pw)

	case models.AuthKey:
		enc, err := vault.Parse(srv.Secret)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrCredential, err)
		}
		key, err := d.vault.Decrypt(enc)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: decrypt private key: %v", ErrCredential, err)
		}
		creds.PrivateKey = key

		if srv.KeyPassphrase != "" {
			encPass, err := vault.Parse(srv.KeyPassphrase)
			if err != nil {
				return Credentials{}, fmt.Errorf("%w: %v", ErrCredential, err)
			}
			pass, err := d.vault.Decrypt(encPass)
			if err != nil {
				return Credentials{}, fmt.Errorf("%w: decrypt passphrase: %v", ErrCredential, err)
			}
			creds.Passphrase = pass
		}

	default:
		return Credentials{}, fmt.Errorf("%w: unknown auth kind %q", ErrCredential, srv.AuthKind)
	}

	return creds, nil
}

// classifyHandshake maps handshake failures onto the error taxonomy. Host key
// callback errors travel wrapped inside the handshake error.
func classifyHandshake(addr string, err error) error {
	var mismatch *HostKeyMismatchError
	if errors.As(err, &mismatch) {
		return mismatch
	}
	if errors.Is(err, ErrHostKeyUnknown) {
		return err
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %s: %v", ErrAuthFailed, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
}

// Ping verifies a connection is still alive using the OpenSSH keepalive
// request.
func Ping(client *ssh.Client) error {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func dialOutcome(err error) string {
	if reason := Reason(err); reason != "" {
		return reason
	}
	return models.ReasonConnectFailed
}
