package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/runicorn/runicorn/errors"
)

// viewerStartTimeout bounds the whole remote launch; past it the viewer is
// force-torn-down.
const viewerStartTimeout = 60 * time.Second

// FreeRemotePort finds an unused TCP port on the remote host inside the given
// range, probing the listen set via ss with a netstat fallback.
func FreeRemotePort(ctx context.Context, conn *Connection, lo, hi int) (int, error) {
	out, err := conn.Exec(ctx, "ss -ltn 2>/dev/null || netstat -ltn 2>/dev/null")
	if err != nil {
		return 0, errors.Wrap(err, "list remote listening ports")
	}

	busy := map[int]bool{}
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		for _, f := range fields {
			idx := strings.LastIndex(f, ":")
			if idx < 0 {
				continue
			}
			if port, err := strconv.Atoi(f[idx+1:]); err == nil && port > 0 {
				busy[port] = true
			}
		}
	}

	for port := lo; port <= hi; port++ {
		if !busy[port] {
			return port, nil
		}
	}
	return 0, errors.Wrapf(errors.ErrUnavailable, "no free remote port in %d-%d", lo, hi)
}

// RemoteLogPath is where the detached remote viewer writes its log.
func RemoteLogPath(port int) string {
	return fmt.Sprintf("/tmp/runicorn_viewer_%d.log", port)
}

// StartViewer launches a detached remote viewer bound to loopback on the
// given port, using the python environment's runicorn entry point, and waits
// for HTTP readiness with exponential backoff.
//
// Returns the remote PID.
func StartViewer(ctx context.Context, conn *Connection, pythonPath string, port int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, viewerStartTimeout)
	defer cancel()

	logPath := RemoteLogPath(port)
	launch := shellquote.Join(pythonPath, "-m", "runicorn", "viewer",
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--remote-mode",
	)
	// nohup + echo $! so the command returns immediately with the PID.
	cmd := fmt.Sprintf("nohup %s > %s 2>&1 & echo $!", launch, shellquote.Join(logPath))

	out, err := conn.Exec(ctx, cmd)
	if err != nil {
		return 0, errors.Wrap(err, "launch remote viewer")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected launch output %q", out)
	}

	if err := waitRemoteHealthy(ctx, conn, port); err != nil {
		// Force-teardown a half-started viewer.
		stopErr := StopViewer(context.Background(), conn, pid, port)
		_ = stopErr
		return 0, err
	}
	return pid, nil
}

// waitRemoteHealthy polls GET /api/health on the remote loopback with
// exponential backoff until the context deadline.
func waitRemoteHealthy(ctx context.Context, conn *Connection, port int) error {
	probe := fmt.Sprintf("curl -sf http://127.0.0.1:%d/api/health || wget -qO- http://127.0.0.1:%d/api/health", port, port)

	delay := 250 * time.Millisecond
	for {
		if _, err := conn.Exec(ctx, probe); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(errors.ErrUnavailable, "remote viewer on port %d not ready", port)
		case <-time.After(delay):
		}
		if delay < 4*time.Second {
			delay *= 2
		}
	}
}

// ProbeHealth performs one health check of the remote viewer over a direct
// SSH exec, independent of the tunnel's own liveness. Used to tell a dead
// viewer apart from a dead tunnel.
func ProbeHealth(ctx context.Context, conn *Connection, port int) error {
	probe := fmt.Sprintf("curl -sf http://127.0.0.1:%d/api/health || wget -qO- http://127.0.0.1:%d/api/health", port, port)
	_, err := conn.Exec(ctx, probe)
	return err
}

// ProbeLocalHealth checks the viewer through its forwarded local port, so the
// probe exercises the tunnel itself: a dead tunnel fails this check even while
// the remote process stays up.
func ProbeLocalHealth(ctx context.Context, localPort int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", localPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := healthClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health request over tunnel")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrUnavailable, "health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

var healthClient = &http.Client{Timeout: 5 * time.Second}

// StopViewer terminates the remote viewer: SIGTERM, up to 10 s grace, then
// SIGKILL; the temp log is removed afterwards.
func StopViewer(ctx context.Context, conn *Connection, pid, port int) error {
	if pid > 0 {
		conn.Exec(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null", pid))

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := conn.Exec(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null", pid)); err != nil {
				break // process gone
			}
			time.Sleep(500 * time.Millisecond)
		}
		conn.Exec(ctx, fmt.Sprintf("kill -KILL %d 2>/dev/null", pid))
	}

	_, err := conn.Exec(ctx, shellquote.Join("rm", "-f", RemoteLogPath(port)))
	return err
}
