package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAppendsOneLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, Init(path, true))

	Info("server ready", "name", "gopls")
	Warn("slow initialize", "ms", 4200)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "["))
	assert.Contains(t, lines[0], "server ready")
	assert.Contains(t, lines[0], "name=gopls")
	assert.Contains(t, lines[1], "slow initialize")
	assert.Contains(t, lines[1], "ms=4200")
}

func TestRecoverPanicRunsCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, Init(path, true))

	cleaned := false
	func() {
		defer RecoverPanic("test-goroutine", func() { cleaned = true })
		panic("boom")
	}()

	assert.True(t, cleaned)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "panic in test-goroutine")
}
