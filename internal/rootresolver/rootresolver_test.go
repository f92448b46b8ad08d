package rootresolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFindsMarkerInAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))

	sub := filepath.Join(root, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	file := filepath.Join(sub, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package inner\n"), 0o644))

	got := Resolve(file, []string{"go.mod", "go.work"}, "/fallback", false)
	assert.Equal(t, root, got)
}

func TestResolveFallsBackToWorkingDir(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main\n"), 0o644))

	got := Resolve(file, []string{"go.mod"}, "/fallback-dir", false)
	assert.Equal(t, "/fallback-dir", got)
}

func TestResolveSingleRootModeShortCircuits(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	file := filepath.Join(root, "main.go")

	got := Resolve(file, []string{"go.mod"}, "/forced", true)
	assert.Equal(t, "/forced", got)
}

func TestResolveGlobMarker(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.sln"), []byte(""), 0o644))
	file := filepath.Join(root, "Program.cs")
	require.NoError(t, os.WriteFile(file, []byte("// cs\n"), 0o644))

	got := Resolve(file, []string{"*.sln"}, "/fallback", false)
	assert.Equal(t, root, got)
}

func TestResolveStartsFromDirWhenGivenDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))

	got := Resolve(root, []string{"go.mod"}, "/fallback", false)
	assert.Equal(t, root, got)
}
