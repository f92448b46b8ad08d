package daemonserver

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lspd/lspd/internal/catalog"
	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/manager"
	"github.com/lspd/lspd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{WorkingDir: dir}
	cat := catalog.Load(cfg)
	mgr := manager.New(cat, cfg, registry.New())
	s := New(cfg, mgr, filepath.Join(dir, "lspd.log"))
	return s
}

func TestValidateRejectsUnknownCommand(t *testing.T) {
	err := validate(Request{Command: "frobnicate"})
	assert.Error(t, err)
}

func TestValidateAcceptsKnownCommands(t *testing.T) {
	for _, cmd := range []string{"status", "diagnostics", "hover", "start", "logs", "pwd", "stop"} {
		assert.NoError(t, validate(Request{Command: cmd}))
	}
}

func TestDispatchPwd(t *testing.T) {
	s := newTestServer(t)
	result, err := s.dispatch(context.Background(), Request{Command: "pwd"})
	require.NoError(t, err)
	assert.Equal(t, s.cfg.WorkingDir, result)
}

func TestDispatchLogs(t *testing.T) {
	s := newTestServer(t)
	result, err := s.dispatch(context.Background(), Request{Command: "logs"})
	require.NoError(t, err)
	assert.Equal(t, s.logPath, result)
}

func TestDispatchDiagnosticsRequiresArg(t *testing.T) {
	s := newTestServer(t)
	_, err := s.dispatch(context.Background(), Request{Command: "diagnostics"})
	assert.Error(t, err)
}

func TestDispatchHoverRequiresTwoArgs(t *testing.T) {
	s := newTestServer(t)
	_, err := s.dispatch(context.Background(), Request{Command: "hover", Args: []string{"file.go"}})
	assert.Error(t, err)
}

func TestListenAndServeRoundTrip(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", s.paths.Socket, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("unix", s.paths.Socket)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Command: "pwd"}))

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	conn.Close()

	assert.True(t, resp.Success)
	assert.Equal(t, s.cfg.WorkingDir, resp.Result)

	s.Stop()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeRejectsUnrecognizedCommand(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.ListenAndServe(ctx)
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", s.paths.Socket, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("unix", s.paths.Socket)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Command: "bogus"}))

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	conn.Close()

	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	s.Stop()
}
