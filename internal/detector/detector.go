// Package detector inspects a directory and reports which catalog
// servers apply to it (spec §4.2), preferring a fast VCS-aware path and
// falling back to depth-limited concurrent globbing.
package detector

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lspd/lspd/internal/catalog"
	"golang.org/x/sync/errgroup"
)

// ignoredDirs is pruned from the fallback glob walk so vendored and
// build-output trees never drive a false-positive language detection.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".git":         true,
	".svn":         true,
	".hg":          true,
	".idea":        true,
	".vscode":      true,
	".cache":       true,
	"__pycache__":  true,
	"bin":          true,
	"obj":          true,
	"out":          true,
}

// vcsListTimeout bounds how long the `git ls-files` fast path is given
// before falling back to globbing.
const vcsListTimeout = 2 * time.Second

// Detect returns the ordered, duplicate-free list of catalog servers
// applicable to dir, in the catalog's stable enumeration order.
func Detect(ctx context.Context, cat *catalog.Catalog, dir string) ([]catalog.Server, error) {
	var markedServers map[string]bool
	exts, ok := detectViaVCS(ctx, dir)
	if !ok {
		var err error
		exts, markedServers, err = detectViaGlob(ctx, cat, dir)
		if err != nil {
			return nil, err
		}
	}

	var out []catalog.Server
	seen := make(map[string]bool)
	for _, s := range cat.All() {
		if !cat.IsAvailable(s.ID) {
			continue
		}
		if seen[s.ID] {
			continue
		}
		if markedServers[s.ID] {
			out = append(out, s)
			seen[s.ID] = true
			continue
		}
		for _, ext := range s.Extensions {
			if exts[ext] {
				out = append(out, s)
				seen[s.ID] = true
				break
			}
		}
	}
	return out, nil
}

// detectViaVCS is the fast path: it runs `git ls-files`, reads the whole
// listing to collect every file extension it names, then kills and reaps
// the listing process. It does not stop reading early once enough
// extensions are known. Returns ok=false if dir is not inside a git
// working tree, the command fails outright, the listing names no file
// with an extension, or vcsListTimeout expires.
func detectViaVCS(parent context.Context, dir string) (map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(parent, vcsListTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files")
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, false
	}
	if err := cmd.Start(); err != nil {
		return nil, false
	}

	exts := make(map[string]bool)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ext := strings.ToLower(filepath.Ext(scanner.Text()))
		if ext != "" {
			exts[ext] = true
		}
	}

	// Reap the process; Kill is a no-op if it has already exited.
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	// A listing cut short by the timeout may be partial: fall back.
	if ctx.Err() != nil {
		return nil, false
	}
	if len(exts) == 0 {
		return nil, false
	}
	return exts, true
}

// maxGlobDepth bounds the fallback probe to three levels: root, */, */*/.
const maxGlobDepth = 3

// detectViaGlob runs one concurrent probe per catalog server, testing
// its root markers and a depth-limited set of extension globs (spec
// §4.2: "probe its marker patterns and a bounded set of depth-limited
// globs ... against its extensions"). A server whose root marker
// matches is reported directly via the returned marked-server set,
// since a project can be entirely marker-identifiable (e.g. a bare
// go.mod with no matching source files yet) with nothing for the
// extension globs to find.
func detectViaGlob(ctx context.Context, cat *catalog.Catalog, dir string) (map[string]bool, map[string]bool, error) {
	exts := make(map[string]bool)
	marked := make(map[string]bool)

	g, _ := errgroup.WithContext(ctx)
	results := make([]map[string]bool, len(cat.All()))
	markerHits := make([]bool, len(cat.All()))
	servers := cat.All()

	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			for _, marker := range s.RootMarkers {
				if catalog.MatchesRootMarker(dir, marker) {
					markerHits[i] = true
					break
				}
			}
			found := make(map[string]bool)
			for _, ext := range s.Extensions {
				if matchExtensionGlob(dir, ext) {
					found[ext] = true
				}
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, found := range results {
		for ext := range found {
			exts[ext] = true
		}
		if markerHits[i] {
			marked[servers[i].ID] = true
		}
	}
	return exts, marked, nil
}

// matchExtensionGlob tests dir, dir/*, dir/*/* ... up to maxGlobDepth
// for any file with the given extension, pruning ignored directories.
func matchExtensionGlob(dir, ext string) bool {
	pattern := "*" + ext
	for depth := 0; depth < maxGlobDepth; depth++ {
		globPattern := strings.Repeat("*/", depth) + pattern
		matches, err := doublestar.Glob(os.DirFS(dir), globPattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !containsIgnoredDir(m) {
				return true
			}
		}
	}
	return false
}

func containsIgnoredDir(relPath string) bool {
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}
