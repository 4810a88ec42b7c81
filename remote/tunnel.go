package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

// tunnelAcceptTimeout bounds how long a backend may take to accept its first
// local connection probe.
const tunnelAcceptTimeout = 60 * time.Second

// Tunnel forwards 127.0.0.1:LocalPort to 127.0.0.1:RemotePort on the SSH
// target.
type Tunnel interface {
	LocalPort() int
	RemotePort() int
	Backend() string
	Close() error
}

// OpenTunnel tries the backends in order: the OpenSSH binary when present,
// then the native forwarder. Every backend validates host keys against
// Runicorn's known_hosts.
func OpenTunnel(ctx context.Context, conn *Connection, keys *HostKeyStore, params ConnectParams, localPort, remotePort int, logger *zap.SugaredLogger) (Tunnel, error) {
	if localPort == 0 {
		var err error
		localPort, err = FreeLocalPort()
		if err != nil {
			return nil, err
		}
	}

	if opensshAvailable() && params.Host != "" && params.AuthMethod != AuthPassword {
		t, err := openBinaryTunnel(ctx, keys, params, localPort, remotePort, logger)
		if err == nil {
			return t, nil
		}
		if logger != nil {
			logger.Warnw("OpenSSH tunnel failed, falling back to native", "error", err)
		}
	}

	return openNativeTunnel(ctx, conn, localPort, remotePort, logger)
}

// FreeLocalPort asks the OS for an unused TCP port on the loopback interface.
func FreeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "probe free local port")
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func opensshAvailable() bool {
	_, err := exec.LookPath("ssh")
	return err == nil
}

// binaryTunnel shells out to the OpenSSH client: best agent compatibility.
type binaryTunnel struct {
	cmd        *exec.Cmd
	localPort  int
	remotePort int

	exited  chan struct{} // closed when the ssh process exits
	waitErr error
}

func openBinaryTunnel(ctx context.Context, keys *HostKeyStore, params ConnectParams, localPort, remotePort int, logger *zap.SugaredLogger) (Tunnel, error) {
	args := []string{
		"-N",
		"-L", fmt.Sprintf("%d:127.0.0.1:%d", localPort, remotePort),
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "UserKnownHostsFile=" + keys.Path(),
		"-o", "StrictHostKeyChecking=yes",
		"-p", strconv.Itoa(params.Port),
	}
	if params.AuthMethod == AuthPrivateKey && params.PrivateKeyPath != "" {
		args = append(args, "-i", params.PrivateKeyPath)
	}
	args = append(args, params.Username+"@"+params.Host)

	cmd := exec.Command("ssh", args...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ssh tunnel process")
	}

	t := &binaryTunnel{cmd: cmd, localPort: localPort, remotePort: remotePort, exited: make(chan struct{})}
	go func() {
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	if err := waitForAccept(ctx, localPort, t.exited); err != nil {
		t.Close()
		return nil, err
	}
	if logger != nil {
		logger.Infow("Tunnel established", "backend", t.Backend(), "local_port", localPort, "remote_port", remotePort)
	}
	return t, nil
}

func (t *binaryTunnel) LocalPort() int  { return t.localPort }
func (t *binaryTunnel) RemotePort() int { return t.remotePort }
func (t *binaryTunnel) Backend() string { return "openssh" }

func (t *binaryTunnel) Close() error {
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	<-t.exited
	return nil
}

// nativeTunnel forwards over the already established SSH client connection.
type nativeTunnel struct {
	listener   net.Listener
	conn       *Connection
	localPort  int
	remotePort int
	logger     *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
}

func openNativeTunnel(ctx context.Context, conn *Connection, localPort, remotePort int, logger *zap.SugaredLogger) (Tunnel, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on local port %d", localPort)
	}

	t := &nativeTunnel{
		listener:   listener,
		conn:       conn,
		localPort:  localPort,
		remotePort: remotePort,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go t.acceptLoop()

	if err := waitForAccept(ctx, localPort, nil); err != nil {
		t.Close()
		return nil, err
	}
	if logger != nil {
		logger.Infow("Tunnel established", "backend", t.Backend(), "local_port", localPort, "remote_port", remotePort)
	}
	return t, nil
}

func (t *nativeTunnel) LocalPort() int  { return t.localPort }
func (t *nativeTunnel) RemotePort() int { return t.remotePort }
func (t *nativeTunnel) Backend() string { return "native" }

func (t *nativeTunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
	})
	return nil
}

func (t *nativeTunnel) acceptLoop() {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				if t.logger != nil {
					t.logger.Warnw("Tunnel accept failed", "error", err)
				}
			}
			return
		}
		go t.forward(local)
	}
}

func (t *nativeTunnel) forward(local net.Conn) {
	defer local.Close()

	remote, err := t.conn.Client().Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(t.remotePort)))
	if err != nil {
		if t.logger != nil {
			t.logger.Warnw("Tunnel remote dial failed", "remote_port", t.remotePort, "error", err)
		}
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	select {
	case <-done:
	case <-t.done:
	}
}

// waitForAccept probes the local end of the tunnel until it accepts a TCP
// connection. A session is never reported running before this succeeds.
// A close of dead means the backend process died; the probe stops immediately
// instead of burning the whole accept budget.
func waitForAccept(ctx context.Context, localPort int, dead <-chan struct{}) error {
	deadline := time.Now().Add(tunnelAcceptTimeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))

	delay := 100 * time.Millisecond
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "tunnel probe cancelled")
		}
		select {
		case <-dead:
			return errors.Wrap(errors.ErrUnavailable, "tunnel process exited before accepting")
		default:
		}
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			c.Close()
			return nil
		}
		time.Sleep(delay)
		if delay < 2*time.Second {
			delay *= 2
		}
	}
	return errors.Wrapf(errors.ErrUnavailable, "tunnel on %s not accepting after %s", addr, tunnelAcceptTimeout)
}
