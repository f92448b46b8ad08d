package registry

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawn(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func TestRegisterRemove(t *testing.T) {
	r := New()
	cmd := spawn(t)

	r.Register(cmd.Process)
	assert.Equal(t, 1, r.Len())

	r.Remove(cmd.Process)
	assert.Equal(t, 0, r.Len())
}

func TestKillAllClearsRegistry(t *testing.T) {
	r := New()
	cmd := spawn(t)
	r.Register(cmd.Process)

	r.KillAll()
	assert.Equal(t, 0, r.Len())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process was not killed")
	}
}
