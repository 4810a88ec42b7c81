package server

import (
	"net/http"

	"github.com/runicorn/runicorn/remote"
)

// remoteReady guards the remote endpoints: the supervisor only exists when a
// host-key store was configured.
func (s *Server) remoteReady(w http.ResponseWriter) bool {
	if s.pool == nil || s.supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "remote support is not configured", "")
		return false
	}
	return true
}

type connectRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	AuthMethod     string `json:"auth_method"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
}

func (req *connectRequest) params() remote.ConnectParams {
	port := req.Port
	if port == 0 {
		port = 22
	}
	return remote.ConnectParams{
		Host:           req.Host,
		Port:           port,
		Username:       req.Username,
		AuthMethod:     req.AuthMethod,
		Password:       req.Password,
		PrivateKeyPath: req.PrivateKeyPath,
		Passphrase:     req.Passphrase,
	}
}

// handleRemoteConnect opens (or reuses) an SSH connection. An unknown or
// changed host key returns the structured 409 so the client can ask the user
// before retrying.
func (s *Server) handleRemoteConnect(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	var req connectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host and username are required", "")
		return
	}

	conn, err := s.pool.Connect(r.Context(), req.params())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": conn.ID,
		"target":        conn.Key,
	})
}

type acceptHostKeyRequest struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	KeyType           string `json:"key_type,omitempty"`
	PublicKey         string `json:"public_key"`
	FingerprintSHA256 string `json:"fingerprint_sha256,omitempty"`
}

// handleAcceptHostKey records a host key the user explicitly approved.
func (s *Server) handleAcceptHostKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "remote support is not configured", "")
		return
	}
	var req acceptHostKeyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "host and public_key are required", "")
		return
	}
	port := req.Port
	if port == 0 {
		port = 22
	}
	if err := s.keys.Accept(req.Host, port, req.PublicKey); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) remoteConn(w http.ResponseWriter, r *http.Request) (*remote.Connection, bool) {
	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required", "")
		return nil, false
	}
	conn, err := s.pool.Get(connectionID)
	if err != nil {
		writeErrorFrom(w, err)
		return nil, false
	}
	return conn, true
}

// handleRemoteEnvs probes the remote host for Python environments and their
// runicorn package compatibility.
func (s *Server) handleRemoteEnvs(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	conn, ok := s.remoteConn(w, r)
	if !ok {
		return
	}
	envs, err := remote.DetectEnvs(r.Context(), conn)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if envs == nil {
		envs = []remote.PythonEnv{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"environments": envs})
}

// handleRemoteConfig surfaces the defaults a client needs before launching a
// remote viewer: the port range, the log path template, and (when a
// connection is named) the target it would launch against.
func (s *Server) handleRemoteConfig(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	resp := map[string]interface{}{
		"known_hosts_path": s.keys.Path(),
		"idle_timeout_sec": int(s.pool.IdleTimeout.Seconds()),
		"max_connections":  s.pool.MaxConns,
		"port_range_lo":    s.supervisor.PortRangeLo,
		"port_range_hi":    s.supervisor.PortRangeHi,
		"log_path_pattern": "/tmp/runicorn_viewer_<port>.log",
	}
	if connectionID := r.URL.Query().Get("connection_id"); connectionID != "" {
		conn, err := s.pool.Get(connectionID)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		resp["target"] = conn.Key
	}
	if env := r.URL.Query().Get("env"); env != "" {
		resp["env"] = env
	}
	writeJSON(w, http.StatusOK, resp)
}

type viewerStartRequest struct {
	ConnectionID string `json:"connection_id"`
	PythonPath   string `json:"python_path"`
	RemotePort   int    `json:"remote_port,omitempty"`
	LocalPort    int    `json:"local_port,omitempty"`
}

func (s *Server) handleRemoteViewerStart(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	var req viewerStartRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ConnectionID == "" || req.PythonPath == "" {
		writeError(w, http.StatusBadRequest, "connection_id and python_path are required", "")
		return
	}

	session, err := s.supervisor.Start(r.Context(), remote.StartParams{
		ConnectionID: req.ConnectionID,
		PythonPath:   req.PythonPath,
		RemotePort:   req.RemotePort,
		LocalPort:    req.LocalPort,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type viewerStopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRemoteViewerStop(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	var req viewerStopRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}
	if err := s.supervisor.Stop(r.Context(), req.SessionID); err != nil {
		writeErrorFrom(w, err)
		return
	}
	session, err := s.supervisor.Get(req.SessionID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRemoteViewerSessions(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	sessions := s.supervisor.List()
	if sessions == nil {
		sessions = []*remote.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleRemoteViewerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.remoteReady(w) {
		return
	}
	session, err := s.supervisor.Get(r.PathValue("session_id"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
