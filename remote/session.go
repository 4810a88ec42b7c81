package remote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

// Session states. Transitions are strictly connecting → running → stopping →
// stopped; error is a terminal sink reachable from any state.
const (
	StateConnecting = "connecting"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateStopped    = "stopped"
	StateError      = "error"
)

// healthInterval is the default period of the per-session health loop; three
// consecutive failures mark the session error.
const (
	healthInterval    = 30 * time.Second
	healthMaxFailures = 3
)

// Session is one supervised remote viewer reachable through a local tunnel.
type Session struct {
	ID           string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	Target       string    `json:"target"` // user@host:port
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	LocalPort    int       `json:"local_port"`
	RemotePort   int       `json:"remote_port"`
	RemotePID    int       `json:"remote_pid"`
	TunnelKind   string    `json:"tunnel_backend,omitempty"`
	StartedAt    time.Time `json:"started_at"`

	tunnel Tunnel
	cancel context.CancelFunc
}

// Supervisor owns the session table and drives launches, health loops, and
// teardown.
type Supervisor struct {
	Pool   *Pool
	Keys   *HostKeyStore
	Logger *zap.SugaredLogger

	HealthInterval time.Duration

	// Remote port range probed when the caller does not pick one.
	PortRangeLo int
	PortRangeHi int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSupervisor wires a supervisor over a connection pool; pool evictions
// propagate to sessions as ssh_disconnected errors.
func NewSupervisor(pool *Pool, keys *HostKeyStore, logger *zap.SugaredLogger) *Supervisor {
	s := &Supervisor{
		Pool:           pool,
		Keys:           keys,
		Logger:         logger,
		HealthInterval: healthInterval,
		PortRangeLo:    8600,
		PortRangeHi:    8700,
		sessions:       map[string]*Session{},
	}
	pool.OnEvict = s.onConnectionEvicted
	return s
}

// StartParams configures a remote viewer launch.
type StartParams struct {
	ConnectionID string
	PythonPath   string
	RemotePort   int // 0 = probe
	LocalPort    int // 0 = auto
}

// Start launches a remote viewer and opens its tunnel, returning the session
// once it is running. One viewer per (connection, remote port).
func (s *Supervisor) Start(ctx context.Context, params StartParams) (*Session, error) {
	conn, err := s.Pool.Get(params.ConnectionID)
	if err != nil {
		return nil, err
	}

	remotePort := params.RemotePort
	if remotePort == 0 {
		remotePort, err = FreeRemotePort(ctx, conn, s.PortRangeLo, s.PortRangeHi)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for _, existing := range s.sessions {
		if existing.ConnectionID == params.ConnectionID && existing.RemotePort == remotePort &&
			(existing.State == StateConnecting || existing.State == StateRunning) {
			s.mu.Unlock()
			return nil, errors.Wrapf(errors.ErrConflict, "viewer already running on remote port %d", remotePort)
		}
	}
	session := &Session{
		ID:           uuid.NewString(),
		ConnectionID: params.ConnectionID,
		Target:       conn.Key,
		State:        StateConnecting,
		RemotePort:   remotePort,
		StartedAt:    time.Now(),
	}
	s.sessions[session.ID] = session
	s.mu.Unlock()

	pid, err := StartViewer(ctx, conn, params.PythonPath, remotePort)
	if err != nil {
		s.fail(session.ID, "launch_failed")
		return nil, err
	}

	tunnel, err := OpenTunnel(ctx, conn, s.Keys, conn.ConnectInfo(), params.LocalPort, remotePort, s.Logger)
	if err != nil {
		StopViewer(context.Background(), conn, pid, remotePort)
		s.fail(session.ID, "tunnel_failed")
		return nil, err
	}

	healthCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	session.RemotePID = pid
	session.LocalPort = tunnel.LocalPort()
	session.TunnelKind = tunnel.Backend()
	session.tunnel = tunnel
	session.cancel = cancel
	session.State = StateRunning
	snapshot := *session
	s.mu.Unlock()

	go s.healthLoop(healthCtx, session.ID, conn)

	if s.Logger != nil {
		s.Logger.Infow("Remote viewer session running",
			"session_id", session.ID,
			"target", session.Target,
			"local_port", session.LocalPort,
			"remote_port", session.RemotePort,
		)
	}
	return &snapshot, nil
}

// Stop tears a session down: remote SIGTERM then SIGKILL, tunnel close, log
// cleanup.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundf("session %s", sessionID)
	}
	if session.State == StateStopped || session.State == StateStopping {
		s.mu.Unlock()
		return nil
	}
	session.State = StateStopping
	tunnel := session.tunnel
	cancel := session.cancel
	pid := session.RemotePID
	remotePort := session.RemotePort
	connID := session.ConnectionID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn, err := s.Pool.Get(connID); err == nil {
		if err := StopViewer(ctx, conn, pid, remotePort); err != nil && s.Logger != nil {
			s.Logger.Warnw("Remote viewer stop incomplete", "session_id", sessionID, "error", err)
		}
	}
	if tunnel != nil {
		tunnel.Close()
	}

	s.mu.Lock()
	session.State = StateStopped
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Infow("Remote viewer session stopped", "session_id", sessionID)
	}
	return nil
}

// Get returns a snapshot of one session.
func (s *Supervisor) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundf("session %s", sessionID)
	}
	snapshot := *session
	return &snapshot, nil
}

// List returns snapshots of every session, newest first.
func (s *Supervisor) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		snapshot := *session
		out = append(out, &snapshot)
	}
	return out
}

func (s *Supervisor) healthLoop(ctx context.Context, sessionID string, conn *Connection) {
	interval := s.HealthInterval
	if interval <= 0 {
		interval = healthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			session, ok := s.sessions[sessionID]
			localPort, remotePort := 0, 0
			if ok {
				localPort = session.LocalPort
				remotePort = session.RemotePort
			}
			s.mu.RUnlock()
			if !ok {
				return
			}

			// The probe goes through the forwarded local port so a dead tunnel
			// fails the check even while the remote process lives.
			if err := ProbeLocalHealth(ctx, localPort); err != nil {
				failures++
				reason := "health_check_failed"
				if conn != nil && ProbeHealth(ctx, conn, remotePort) == nil {
					reason = "tunnel_failed"
				}
				if s.Logger != nil {
					s.Logger.Warnw("Session health check failed",
						"session_id", sessionID,
						"consecutive_failures", failures,
						"error", err,
					)
				}
				if failures >= healthMaxFailures {
					s.fail(sessionID, reason)
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

// fail moves a session to the terminal error state and releases its tunnel.
func (s *Supervisor) fail(sessionID, reason string) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok || session.State == StateStopped {
		s.mu.Unlock()
		return
	}
	session.State = StateError
	session.Reason = reason
	tunnel := session.tunnel
	cancel := session.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tunnel != nil {
		tunnel.Close()
	}
	if s.Logger != nil {
		s.Logger.Errorw("Remote viewer session failed", "session_id", sessionID, "reason", reason)
	}
}

// onConnectionEvicted marks every session on an evicted SSH connection as
// error with reason ssh_disconnected.
func (s *Supervisor) onConnectionEvicted(connectionID string) {
	s.mu.RLock()
	var affected []string
	for id, session := range s.sessions {
		if session.ConnectionID == connectionID &&
			(session.State == StateConnecting || session.State == StateRunning) {
			affected = append(affected, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range affected {
		s.fail(id, "ssh_disconnected")
	}
}
