// Package catalog holds the static, extensible table of known language
// servers (spec §4.3) and the availability/override rules applied at
// daemon startup.
package catalog

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lspd/lspd/internal/config"
)

// Server is an immutable server descriptor (spec §3).
type Server struct {
	ID           string
	Extensions   []string
	RootMarkers  []string
	Command      []string
	Env          map[string]string
	InitOptions  any
	DynamicArgs  func(root string) []string
	PackageName  string
	localInstall bool // command is produced by a local-package-installer helper
}

// Catalog holds every resolved server descriptor (available or not),
// the availability judged for each at load time, and the language-id
// overlay used when opening documents.
type Catalog struct {
	servers   []Server // enumeration order, stable across calls
	byID      map[string]Server
	langExt   map[string]string // extension -> languageId
	available map[string]bool
}

const dotnetServerID = "omnisharp"

// builtins is the stable enumeration order used for catalog-order
// aggregation (spec §4.2, §4.5).
func builtins() []Server {
	return []Server{
		{
			ID:          "gopls",
			Extensions:  []string{".go"},
			RootMarkers: []string{"go.mod", "go.work"},
			Command:     []string{"gopls"},
		},
		{
			ID:          "typescript-language-server",
			Extensions:  []string{".ts", ".tsx", ".js", ".jsx", ".mts", ".cts"},
			RootMarkers: []string{"tsconfig.json", "package.json"},
			Command:     []string{"typescript-language-server", "--stdio"},
		},
		{
			ID:          "pyright",
			Extensions:  []string{".py", ".pyi"},
			RootMarkers: []string{"pyproject.toml", "setup.py", "requirements.txt"},
			Command:     []string{"pyright-langserver", "--stdio"},
		},
		{
			ID:          "rust-analyzer",
			Extensions:  []string{".rs"},
			RootMarkers: []string{"Cargo.toml"},
			Command:     []string{"rust-analyzer"},
		},
		{
			ID:           dotnetServerID,
			Extensions:   []string{".cs"},
			RootMarkers:  []string{"*.sln", "*.csproj"},
			Command:      []string{"omnisharp", "-lsp"},
			localInstall: false,
		},
		{
			ID:          "clangd",
			Extensions:  []string{".c", ".h", ".cc", ".cpp", ".hpp", ".cxx"},
			RootMarkers: []string{"compile_commands.json", "CMakeLists.txt"},
			Command:     []string{"clangd"},
		},
	}
}

// Load builds the Catalog: built-ins overlaid by any config-file
// overrides, with availability computed once at startup.
func Load(cfg *config.Config) *Catalog {
	servers := builtins()

	var overridden map[string]bool
	if cfg != nil {
		servers, overridden = applyOverrides(servers, cfg.File.Servers)
	}

	c := &Catalog{
		byID:      make(map[string]Server, len(servers)),
		langExt:   defaultLanguageExtensions(),
		available: make(map[string]bool, len(servers)),
	}

	if cfg != nil {
		for ext, lang := range cfg.File.LanguageExtensions {
			c.langExt[ext] = lang
		}
	}

	for _, s := range servers {
		c.byID[s.ID] = s
		if overridden[s.ID] {
			// The user pointed explicitly at this server; skip the PATH
			// probe and trust the override.
			c.available[s.ID] = true
			continue
		}
		c.available[s.ID] = isAvailable(s)
	}
	c.servers = servers

	return c
}

// applyOverrides replaces built-ins whose id matches and appends unknown
// ids, per spec §4.3's config-file override rule. It returns the ids
// that came from an override so Load can skip their availability probe.
func applyOverrides(servers []Server, overrides []config.ServerOverride) ([]Server, map[string]bool) {
	overridden := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		s := Server{
			ID:          o.ID,
			Extensions:  o.Extensions,
			RootMarkers: o.RootPatterns,
			Command:     o.Command,
			Env:         o.Env,
			InitOptions: o.Initialization,
			PackageName: o.PackageName,
		}
		overridden[o.ID] = true

		replaced := false
		for i, existing := range servers {
			if existing.ID == o.ID {
				servers[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			servers = append(servers, s)
		}
	}
	return servers, overridden
}

// defaultLanguageExtensions is the built-in extension -> languageId
// table used when opening documents (spec §4.4 "Open a file").
func defaultLanguageExtensions() map[string]string {
	return map[string]string{
		".go":    "go",
		".ts":    "typescript",
		".tsx":   "typescriptreact",
		".mts":   "typescript",
		".cts":   "typescript",
		".js":    "javascript",
		".jsx":   "javascriptreact",
		".py":    "python",
		".pyi":   "python",
		".rs":    "rust",
		".cs":    "csharp",
		".c":     "c",
		".h":     "c",
		".cc":    "cpp",
		".cpp":   "cpp",
		".hpp":   "cpp",
		".cxx":   "cpp",
		".graphql": "graphql",
		".gql":   "graphql",
	}
}

// isAvailable applies spec §4.3's availability rules.
func isAvailable(s Server) bool {
	if s.localInstall {
		return true
	}
	if s.ID == dotnetServerID {
		return os.Getenv("DOTNET_ROOT") != ""
	}
	if len(s.Command) == 0 {
		return false
	}
	_, err := exec.LookPath(s.Command[0])
	return err == nil
}

// All returns every catalog entry in stable enumeration order,
// regardless of availability.
func (c *Catalog) All() []Server {
	out := make([]Server, len(c.servers))
	copy(out, c.servers)
	return out
}

// ByID looks up a server descriptor by id.
func (c *Catalog) ByID(id string) (Server, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// IsAvailable reports whether a server id was judged available at load
// time.
func (c *Catalog) IsAvailable(id string) bool {
	return c.available[id]
}

// LanguageID returns the languageId to use when opening a file with the
// given extension, defaulting to "plaintext".
func (c *Catalog) LanguageID(ext string) string {
	if id, ok := c.langExt[strings.ToLower(ext)]; ok {
		return id
	}
	return "plaintext"
}

// ApplicableTo returns the available servers whose extension set
// contains filePath's extension, in catalog order.
func (c *Catalog) ApplicableTo(filePath string) []Server {
	ext := strings.ToLower(filepath.Ext(filePath))
	var out []Server
	for _, s := range c.servers {
		if !c.available[s.ID] {
			continue
		}
		if hasExtension(s, ext) {
			out = append(out, s)
		}
	}
	return out
}

func hasExtension(s Server, ext string) bool {
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// MatchesRootMarker tests one root-marker pattern against a directory,
// exact names via direct stat, patterns containing "*" via glob rooted
// at that directory (spec §4.1).
func MatchesRootMarker(dir, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		_, err := os.Stat(filepath.Join(dir, pattern))
		return err == nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return false
	}
	return len(matches) > 0
}

// sortedIDs returns the ids of servers in sorted order; only the tests
// use it.
func sortedIDs(servers []Server) []string {
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids
}
