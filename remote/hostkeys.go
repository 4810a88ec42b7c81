// Package remote supervises remote viewers over SSH: connection pooling with
// strict host-key policy, environment probing, remote launch, tunneling, and
// session lifecycle.
package remote

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"

	"github.com/runicorn/runicorn/errors"
)

// HostKeyError is the structured payload behind HOST_KEY_CONFIRMATION_REQUIRED
// responses. The client shows it to the operator and, on consent, posts the
// key back to the accept endpoint.
type HostKeyError struct {
	Host                      string `json:"host"`
	Port                      int    `json:"port"`
	KeyType                   string `json:"key_type"`
	FingerprintSHA256         string `json:"fingerprint_sha256"`
	PublicKey                 string `json:"public_key"`
	Reason                    string `json:"reason"` // "unknown" or "changed"
	ExpectedFingerprintSHA256 string `json:"expected_fingerprint_sha256,omitempty"`
	ExpectedPublicKey         string `json:"expected_public_key,omitempty"`
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key confirmation required for %s:%d (%s key %s, reason %s)",
		e.Host, e.Port, e.KeyType, e.FingerprintSHA256, e.Reason)
}

// HostKeyStore wraps Runicorn's own known_hosts file. The OS user's
// ~/.ssh/known_hosts is never consulted; this file is the sole source of
// truth for every tunnel backend.
type HostKeyStore struct {
	mu   sync.Mutex
	path string
}

// NewHostKeyStore opens (creating if needed) the known_hosts file at path.
func NewHostKeyStore(path string) (*HostKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create host-key directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open known_hosts")
	}
	f.Close()
	return &HostKeyStore{path: path}, nil
}

// Path returns the known_hosts file location, for backends that take a file.
func (s *HostKeyStore) Path() string {
	return s.path
}

// Callback returns a strict ssh.HostKeyCallback: unknown or changed keys fail
// with a *HostKeyError carrying everything the operator needs to decide.
func (s *HostKeyStore) Callback() (ssh.HostKeyCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := knownhosts.NewDB(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "parse known_hosts")
	}

	return func(hostport string, remote net.Addr, key ssh.PublicKey) error {
		innerErr := db.HostKeyCallback()(hostport, remote, key)
		if innerErr == nil {
			return nil
		}

		host, portStr, splitErr := net.SplitHostPort(hostport)
		port := 22
		if splitErr == nil {
			if p, convErr := strconv.Atoi(portStr); convErr == nil {
				port = p
			}
		} else {
			host = hostport
		}

		hkErr := &HostKeyError{
			Host:              host,
			Port:              port,
			KeyType:           key.Type(),
			FingerprintSHA256: fingerprintSHA256(key),
			PublicKey:         string(ssh.MarshalAuthorizedKey(key)),
			Reason:            "unknown",
		}
		if knownhosts.IsHostKeyChanged(innerErr) {
			hkErr.Reason = "changed"
			for _, expected := range db.HostKeys(hostport) {
				if expected.Type() == key.Type() {
					hkErr.ExpectedFingerprintSHA256 = fingerprintSHA256(expected)
					hkErr.ExpectedPublicKey = string(ssh.MarshalAuthorizedKey(expected))
					break
				}
			}
		}
		return hkErr
	}, nil
}

// Accept appends a host key the operator confirmed. publicKey is in
// authorized_keys format ("ssh-ed25519 AAAA...").
func (s *HostKeyStore) Accept(host string, port int, publicKey string) error {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "malformed public key: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "open known_hosts")
	}
	defer f.Close()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	line := xknownhosts.Line([]string{addr}, key) + "\n"
	if _, err := f.WriteString(line); err != nil {
		return errors.Wrap(err, "write known_hosts entry")
	}
	return nil
}

func fingerprintSHA256(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// IsHostKeyConfirmation reports whether err is (or wraps) a HostKeyError.
func IsHostKeyConfirmation(err error) (*HostKeyError, bool) {
	var hkErr *HostKeyError
	if errors.As(err, &hkErr) {
		return hkErr, true
	}
	return nil, false
}
