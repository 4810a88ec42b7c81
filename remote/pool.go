package remote

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/runicorn/runicorn/errors"
)

// Pool timing defaults.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultExecTimeout    = 15 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
)

// Auth methods accepted by Connect.
const (
	AuthPassword   = "password"
	AuthPrivateKey = "private_key"
	AuthAgent      = "agent"
)

// ConnectParams describes one SSH target. Password and passphrase live in
// memory only for the lifetime of the connection attempt; they are never
// written to disk or logged.
type ConnectParams struct {
	Host           string
	Port           int
	Username       string
	AuthMethod     string
	Password       string
	PrivateKeyPath string
	Passphrase     string
}

func (p ConnectParams) key() string {
	return p.Username + "@" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// redacted strips the secrets, leaving only what tunnel backends need to
// re-establish transport (host, port, user, auth method, key path).
func (p ConnectParams) redacted() ConnectParams {
	p.Password = ""
	p.Passphrase = ""
	return p
}

// Connection is one pooled live SSH session.
type Connection struct {
	ID       string
	Key      string // user@host:port
	Host     string
	Port     int
	Username string

	params   ConnectParams
	client   *ssh.Client
	lastUsed time.Time
}

// Client exposes the underlying SSH client for tunnel backends.
func (c *Connection) Client() *ssh.Client {
	return c.client
}

// ConnectInfo returns the connection's non-secret parameters. Passwords and
// passphrases are not retained past the connection attempt.
func (c *Connection) ConnectInfo() ConnectParams {
	return c.params
}

// Pool caches live SSH sessions keyed by user@host:port. Idle sessions are
// evicted after IdleTimeout; eviction notifies the registered callback so
// dependent sessions can transition to error.
type Pool struct {
	Keys        *HostKeyStore
	Logger      *zap.SugaredLogger
	IdleTimeout time.Duration
	MaxConns    int

	// OnEvict is called with the connection ID after an idle eviction.
	OnEvict func(connectionID string)

	mu     sync.Mutex
	byID   map[string]*Connection
	byKey  map[string]*Connection
	closed bool
}

// NewPool creates a connection pool and starts its idle-eviction janitor.
func NewPool(keys *HostKeyStore, logger *zap.SugaredLogger) *Pool {
	p := &Pool{
		Keys:        keys,
		Logger:      logger,
		IdleTimeout: DefaultIdleTimeout,
		MaxConns:    16,
		byID:        map[string]*Connection{},
		byKey:       map[string]*Connection{},
	}
	go p.janitor()
	return p
}

// Connect returns a live connection for the target, reusing a pooled session
// when one exists. Host keys are validated strictly against the Runicorn
// known_hosts; a *HostKeyError is returned for unknown or changed keys.
func (p *Pool) Connect(ctx context.Context, params ConnectParams) (*Connection, error) {
	if params.Port == 0 {
		params.Port = 22
	}
	key := params.key()

	p.mu.Lock()
	if conn, ok := p.byKey[key]; ok {
		conn.lastUsed = time.Now()
		p.mu.Unlock()
		return conn, nil
	}
	if p.MaxConns > 0 && len(p.byKey) >= p.MaxConns {
		p.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrUnavailable, "connection pool full (%d)", p.MaxConns)
	}
	p.mu.Unlock()

	auth, err := buildAuth(params)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := p.Keys.Callback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         DefaultConnectTimeout,
	}

	addr := net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if hkErr, ok := IsHostKeyConfirmation(err); ok {
			return nil, hkErr
		}
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}

	conn := &Connection{
		ID:       uuid.NewString(),
		Key:      key,
		Host:     params.Host,
		Port:     params.Port,
		Username: params.Username,
		params:   params.redacted(),
		client:   ssh.NewClient(sshConn, chans, reqs),
		lastUsed: time.Now(),
	}

	p.mu.Lock()
	p.byID[conn.ID] = conn
	p.byKey[key] = conn
	p.mu.Unlock()

	if p.Logger != nil {
		p.Logger.Infow("SSH connection established", "connection_id", conn.ID, "target", key)
	}
	return conn, nil
}

// Get looks up a connection by ID, refreshing its idle clock.
func (p *Pool) Get(connectionID string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.byID[connectionID]
	if !ok {
		return nil, errors.NewNotFoundf("connection %s", connectionID)
	}
	conn.lastUsed = time.Now()
	return conn, nil
}

// Close shuts down every pooled session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, conn := range p.byID {
		conn.client.Close()
	}
	p.byID = map[string]*Connection{}
	p.byKey = map[string]*Connection{}
}

func (p *Pool) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		idle := p.IdleTimeout
		if idle <= 0 {
			idle = DefaultIdleTimeout
		}
		var evicted []*Connection
		for id, conn := range p.byID {
			if time.Since(conn.lastUsed) > idle {
				delete(p.byID, id)
				delete(p.byKey, conn.Key)
				evicted = append(evicted, conn)
			}
		}
		p.mu.Unlock()

		for _, conn := range evicted {
			conn.client.Close()
			if p.Logger != nil {
				p.Logger.Infow("Evicted idle SSH connection", "connection_id", conn.ID, "target", conn.Key)
			}
			if p.OnEvict != nil {
				p.OnEvict(conn.ID)
			}
		}
	}
}

// Exec runs a command over the connection with the default exec timeout,
// returning stdout. stderr is folded into the error on failure.
func (c *Connection) Exec(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultExecTimeout)
	defer cancel()

	session, err := c.client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "open ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", errors.Wrapf(ctx.Err(), "exec timed out")
	case err := <-done:
		if err != nil {
			return stdout.String(), errors.Wrapf(err, "remote command failed: %s", bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.String(), nil
	}
}

func buildAuth(params ConnectParams) ([]ssh.AuthMethod, error) {
	switch params.AuthMethod {
	case AuthPassword:
		if params.Password == "" {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "password auth requires a password")
		}
		return []ssh.AuthMethod{ssh.Password(params.Password)}, nil

	case AuthPrivateKey:
		data, err := os.ReadFile(params.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read private key %s", params.PrivateKeyPath)
		}
		var signer ssh.Signer
		if params.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(params.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent, "":
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "no ssh agent available (SSH_AUTH_SOCK unset)")
		}
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, errors.Wrap(err, "dial ssh agent")
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)}, nil

	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown auth method %q", params.AuthMethod)
	}
}
