// Package rootresolver walks upward from a file path to find the
// project root a language server should be started in (spec §4.1).
package rootresolver

import (
	"os"
	"path/filepath"

	"github.com/lspd/lspd/internal/catalog"
)

// Resolve returns the project root for path given an ordered list of
// root-marker patterns, falling back to workingDir if no marker is
// found before the filesystem root, or immediately when singleRootMode
// is set.
func Resolve(path string, markers []string, workingDir string, singleRootMode bool) string {
	if singleRootMode {
		return workingDir
	}

	dir := startDir(path)

	for {
		for _, m := range markers {
			if catalog.MatchesRootMarker(dir, m) {
				return dir
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return workingDir
		}
		dir = parent
	}
}

// startDir returns the directory to begin the upward walk from: path
// itself if it names an existing directory, path's parent otherwise
// (including when path does not exist, to tolerate files that have
// since been removed).
func startDir(path string) string {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	if err != nil {
		return filepath.Dir(path)
	}
	return path
}
