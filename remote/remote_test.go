package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func generateHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestHostKeyUnknownThenAccepted(t *testing.T) {
	store, err := NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)

	key := generateHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 22}

	cb, err := store.Callback()
	require.NoError(t, err)

	err = cb("203.0.113.7:22", addr, key)
	require.Error(t, err)
	hkErr, ok := IsHostKeyConfirmation(err)
	require.True(t, ok)
	assert.Equal(t, "unknown", hkErr.Reason)
	assert.Equal(t, "203.0.113.7", hkErr.Host)
	assert.Equal(t, 22, hkErr.Port)
	assert.Equal(t, key.Type(), hkErr.KeyType)
	assert.Contains(t, hkErr.FingerprintSHA256, "SHA256:")
	assert.NotEmpty(t, hkErr.PublicKey)

	// Operator consents; the key is persisted and subsequent checks pass.
	require.NoError(t, store.Accept(hkErr.Host, hkErr.Port, hkErr.PublicKey))

	cb, err = store.Callback()
	require.NoError(t, err)
	assert.NoError(t, cb("203.0.113.7:22", addr, key))
}

func TestHostKeyChangedCarriesExpected(t *testing.T) {
	store, err := NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)

	original := generateHostKey(t)
	require.NoError(t, store.Accept("203.0.113.7", 22, string(ssh.MarshalAuthorizedKey(original))))

	imposter := generateHostKey(t)
	cb, err := store.Callback()
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 22}
	err = cb("203.0.113.7:22", addr, imposter)
	require.Error(t, err)
	hkErr, ok := IsHostKeyConfirmation(err)
	require.True(t, ok)
	assert.Equal(t, "changed", hkErr.Reason)
	assert.Equal(t, fingerprintSHA256(original), hkErr.ExpectedFingerprintSHA256)
	assert.NotEqual(t, hkErr.FingerprintSHA256, hkErr.ExpectedFingerprintSHA256)
}

func TestHostKeyAcceptRejectsGarbage(t *testing.T) {
	store, err := NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)
	assert.Error(t, store.Accept("host", 22, "not a key"))
}

func TestCompatCategory(t *testing.T) {
	assert.Equal(t, "ok", CompatCategory("0.5.0"))
	assert.Equal(t, "ok", CompatCategory("0.6.3"))
	assert.Equal(t, "ok", CompatCategory("1.0.0"))
	assert.Equal(t, "too_old", CompatCategory("0.4.9"))
	assert.Equal(t, "not_installed", CompatCategory(""))
	assert.Equal(t, "not_installed", CompatCategory("  "))
	assert.Equal(t, "mismatch", CompatCategory("garbage"))
}

func TestParseCondaEnvList(t *testing.T) {
	out := `# conda environments:
#
base                  *  /opt/conda
ml                       /opt/conda/envs/ml
vision                   /opt/conda/envs/vision
`
	envs := ParseCondaEnvList(out)
	require.Len(t, envs, 3)
	assert.Equal(t, "base", envs[0].Name)
	assert.True(t, envs[0].IsDefault)
	assert.Equal(t, "/opt/conda", envs[0].Path)
	assert.Equal(t, "ml", envs[1].Name)
	assert.False(t, envs[1].IsDefault)
	assert.Equal(t, "/opt/conda/envs/ml", envs[1].Path)
	for _, env := range envs {
		assert.Equal(t, "conda", env.Type)
	}
}

func TestFreeLocalPort(t *testing.T) {
	port, err := FreeLocalPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	// The port is actually bindable.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	l.Close()
}

func TestRedactedParamsDropSecrets(t *testing.T) {
	p := ConnectParams{
		Host:           "203.0.113.7",
		Port:           22,
		Username:       "ml",
		AuthMethod:     AuthPassword,
		Password:       "hunter2",
		PrivateKeyPath: "/home/ml/.ssh/id_ed25519",
		Passphrase:     "open sesame",
	}
	r := p.redacted()
	assert.Empty(t, r.Password)
	assert.Empty(t, r.Passphrase)
	assert.Equal(t, p.Host, r.Host)
	assert.Equal(t, p.Username, r.Username)
	assert.Equal(t, p.AuthMethod, r.AuthMethod)
	assert.Equal(t, p.PrivateKeyPath, r.PrivateKeyPath)
}

func TestWaitForAcceptFailsFastOnDeadProcess(t *testing.T) {
	port, err := FreeLocalPort()
	require.NoError(t, err)

	dead := make(chan struct{})
	close(dead)

	start := time.Now()
	err = waitForAccept(context.Background(), port, dead)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before accepting")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeLocalHealthExercisesTunnelPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	require.NoError(t, ProbeLocalHealth(context.Background(), port))

	// A closed local port means the tunnel is gone.
	srv.Close()
	assert.Error(t, ProbeLocalHealth(context.Background(), port))
}

func TestHealthLoopFailsSessionOnDeadLocalPort(t *testing.T) {
	port, err := FreeLocalPort()
	require.NoError(t, err)

	s := &Supervisor{
		HealthInterval: 10 * time.Millisecond,
		sessions: map[string]*Session{
			"s1": {ID: "s1", State: StateRunning, LocalPort: port},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.healthLoop(ctx, "s1", nil)

	require.Eventually(t, func() bool {
		got, err := s.Get("s1")
		return err == nil && got.State == StateError
	}, 5*time.Second, 10*time.Millisecond)

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "health_check_failed", got.Reason)
}

func TestSessionStateTransitions(t *testing.T) {
	s := &Supervisor{sessions: map[string]*Session{}}
	s.sessions["s1"] = &Session{ID: "s1", ConnectionID: "c1", State: StateRunning}
	s.sessions["s2"] = &Session{ID: "s2", ConnectionID: "c1", State: StateStopped}
	s.sessions["s3"] = &Session{ID: "s3", ConnectionID: "c2", State: StateRunning}

	s.onConnectionEvicted("c1")

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateError, got.State)
	assert.Equal(t, "ssh_disconnected", got.Reason)

	// Stopped is terminal; eviction does not resurrect it as error.
	got, err = s.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	// Sessions on other connections untouched.
	got, err = s.Get("s3")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
}
