// Package manager is the daemon's LSP Manager (spec §4.5): a singleton
// that maps client keys to LSP clients, single-flights concurrent
// initializations, and routes diagnostics/hover requests to them.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lspd/lspd/internal/catalog"
	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/detector"
	"github.com/lspd/lspd/internal/logging"
	"github.com/lspd/lspd/internal/lspclient"
	"github.com/lspd/lspd/internal/pubsub"
	"github.com/lspd/lspd/internal/registry"
	"github.com/lspd/lspd/internal/rootresolver"
	"go.lsp.dev/protocol"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long a single client's graceful shutdown
// is allowed before the Manager force-kills it (spec §4.5 "Shutdown").
const shutdownTimeout = 5 * time.Second

// clientKey identifies one LSP Client within the daemon.
type clientKey struct {
	serverID string
	root     string
}

// RunningServerEvent is published on lifecycle changes so other
// daemon components (e.g. a future watch command) can react without
// polling the Manager directly.
type RunningServerEvent struct {
	ServerID string
	Root     string
	Started  bool
}

// RunningServer is one entry of getRunningServers() (spec §4.5 "State
// snapshot").
type RunningServer struct {
	ServerID string
	Root     string
	UptimeMs int64
}

// Manager is the daemon-wide singleton LSP client multiplexer.
type Manager struct {
	cat      *catalog.Catalog
	cfg      *config.Config
	registry *registry.Registry
	events   *pubsub.Broker[RunningServerEvent]

	mu           sync.Mutex
	clients      map[clientKey]*lspclient.Client
	initializing map[clientKey]*initFuture
	broken       map[clientKey]bool
}

type initFuture struct {
	done   chan struct{}
	client *lspclient.Client
	err    error
}

// New constructs a Manager backed by the given catalog, config, and
// process registry.
func New(cat *catalog.Catalog, cfg *config.Config, reg *registry.Registry) *Manager {
	m := &Manager{
		cat:          cat,
		cfg:          cfg,
		registry:     reg,
		events:       pubsub.NewBroker[RunningServerEvent](),
		clients:      make(map[clientKey]*lspclient.Client),
		initializing: make(map[clientKey]*initFuture),
		broken:       make(map[clientKey]bool),
	}
	go m.logLifecycleEvents()
	return m
}

// logLifecycleEvents is the Manager's own background subscriber: it
// logs every client started/stopped transition so the daemon log shows
// the same lifecycle a future "watch" command would stream, without
// requiring one. Exits once Shutdown closes the broker.
func (m *Manager) logLifecycleEvents() {
	defer logging.RecoverPanic("manager.logLifecycleEvents", nil)

	ch, unsub := m.events.Subscribe()
	defer unsub()

	for ev := range ch {
		logging.Info("manager: client lifecycle", "type", ev.Type, "server", ev.Payload.ServerID, "root", ev.Payload.Root, "started", ev.Payload.Started)
	}
}

// Events exposes the manager's lifecycle broker for subscribers.
func (m *Manager) Events() *pubsub.Broker[RunningServerEvent] {
	return m.events
}

// DetectServers returns the catalog servers applicable to the given
// directory, used by the "start" command to report detected ids
// immediately while initialization proceeds asynchronously.
func (m *Manager) DetectServers(ctx context.Context, dir string) ([]string, error) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	servers, err := detector.Detect(ctx, m.cat, dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
		s := s
		root := rootresolver.Resolve(dir, s.RootMarkers, m.cfg.WorkingDir, m.cfg.SingleRootMode)
		go func() {
			defer logging.RecoverPanic("manager.DetectServers.warmup", nil)
			if _, err := m.acquire(context.Background(), s, root); err != nil {
				logging.Warn("manager: warm-up acquire failed", "server", s.ID, "root", root, "error", err)
			}
		}()
	}
	return ids, nil
}

// acquire implements the single-flight client-acquisition rule of
// spec §4.5.
func (m *Manager) acquire(ctx context.Context, s catalog.Server, root string) (*lspclient.Client, error) {
	key := clientKey{serverID: s.ID, root: root}

	m.mu.Lock()
	if m.broken[key] {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: client %s@%s is broken", s.ID, root)
	}
	if c, ok := m.clients[key]; ok {
		m.mu.Unlock()
		return c, nil
	}
	if f, ok := m.initializing[key]; ok {
		m.mu.Unlock()
		<-f.done
		return f.client, f.err
	}

	f := &initFuture{done: make(chan struct{})}
	m.initializing[key] = f
	m.mu.Unlock()

	client, err := lspclient.Spawn(ctx, s, root, m.registry, m.cat.LanguageID)

	m.mu.Lock()
	delete(m.initializing, key)
	if err != nil {
		m.broken[key] = true
	} else {
		m.clients[key] = client
	}
	m.mu.Unlock()

	f.client = client
	f.err = err
	close(f.done)

	if err == nil {
		m.events.Publish(pubsub.CreatedEvent, RunningServerEvent{ServerID: s.ID, Root: root, Started: true})
	}

	return client, err
}

// markBroken implements the other half of spec §4.4/§7's broken-key
// rule: a client acquired successfully earlier can still die mid-
// session (its child process crashes or exits). When a later
// Diagnostics/Hover/DocumentSymbols/TypeDefinition call on it fails
// with a connection-disposed error, the Manager marks the key broken,
// removes it from clients so it is never handed out again, and tears
// the client down in the background (it's already dead; Shutdown just
// reaps the process-group and closes the local half of the pipe).
func (m *Manager) markBroken(key clientKey, client *lspclient.Client) {
	m.mu.Lock()
	m.broken[key] = true
	delete(m.clients, key)
	m.mu.Unlock()

	m.events.Publish(pubsub.UpdatedEvent, RunningServerEvent{ServerID: key.serverID, Root: key.root, Started: false})

	go func() {
		defer logging.RecoverPanic("manager.markBroken.teardown", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = client.Shutdown(shutdownCtx)
	}()
}

// WithRequestLifecycle wraps fn so every client has CloseAllFiles
// invoked afterward regardless of outcome (spec §4.5 "Request
// lifecycle wrapper").
func (m *Manager) WithRequestLifecycle(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)

	m.mu.Lock()
	clients := make([]*lspclient.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.CloseAllFiles(ctx)
	}
	return err
}

// Diagnostics runs the diagnostics request of spec §4.5. Per-server work
// runs concurrently (spec §5 "within one daemon request, all per-server
// work can run concurrently"); results are aggregated back into catalog
// order regardless of completion order.
func (m *Manager) Diagnostics(ctx context.Context, path string) ([]protocol.Diagnostic, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("File does not exist: %s", path)
	}

	servers := m.cat.ApplicableTo(abs)
	perServer := make([][]protocol.Diagnostic, len(servers))

	var g errgroup.Group
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			root := rootresolver.Resolve(abs, s.RootMarkers, m.cfg.WorkingDir, m.cfg.SingleRootMode)
			key := clientKey{serverID: s.ID, root: root}

			client, err := m.acquire(ctx, s, root)
			if err != nil {
				logging.Warn("manager: acquire failed", "server", s.ID, "root", root, "error", err)
				return nil
			}
			diags, err := client.Diagnostics(ctx, abs)
			if err != nil {
				logging.Warn("manager: diagnostics failed", "server", s.ID, "path", abs, "error", err)
				if lspclient.IsConnectionDisposed(err) {
					m.markBroken(key, client)
				}
				return nil
			}
			perServer[i] = diags
			return nil
		})
	}
	_ = g.Wait() // per-server failures are logged and skipped; never fail the whole request

	var out []protocol.Diagnostic
	for _, diags := range perServer {
		out = append(out, diags...)
	}
	return out, nil
}

// HoverDescription classifies why a hover probe location was included.
type HoverDescription string

const (
	DescriptionLocation       HoverDescription = "Location"
	DescriptionTypeDefinition HoverDescription = "Type Definition"
)

// HoverResult is one aggregated hover entry (spec §3 "Hover result").
type HoverResult struct {
	SymbolName       string
	HoverContents    *protocol.Hover
	SignatureHelp    *protocol.SignatureHelp
	ResolvedLocation protocol.Location
	Description      HoverDescription
	SymbolKind       protocol.SymbolKind
	LanguageID       string

	occurrenceLine int
	occurrenceChar int
}

// identChar matches characters that are part of a word for the
// whole-word textual scan fallback (spec §4.5 step 2).
var identChar = regexp.MustCompile(`[A-Za-z0-9_$]`)

// Hover runs the hover request of spec §4.5. Per-server work (document
// symbol lookup, textual fallback, hover/type-definition probing) runs
// concurrently (spec §5); the "stop at the first server that yields
// results" rule (step 7) is then applied deterministically in catalog
// order over the completed per-server results, not completion order.
func (m *Manager) Hover(ctx context.Context, path, symbol string) ([]HoverResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("File does not exist: %s", path)
	}

	servers := m.cat.ApplicableTo(abs)
	isGraphQL := strings.HasSuffix(strings.ToLower(abs), ".graphql") || strings.HasSuffix(strings.ToLower(abs), ".gql")
	perServer := make([][]HoverResult, len(servers))

	var g errgroup.Group
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			root := rootresolver.Resolve(abs, s.RootMarkers, m.cfg.WorkingDir, m.cfg.SingleRootMode)
			key := clientKey{serverID: s.ID, root: root}

			client, err := m.acquire(ctx, s, root)
			if err != nil {
				logging.Warn("manager: acquire failed", "server", s.ID, "root", root, "error", err)
				return nil
			}

			occurrences := m.findOccurrences(ctx, client, abs, string(content), symbol, isGraphQL, key)
			if len(occurrences) == 0 {
				return nil
			}
			perServer[i] = m.probeOccurrences(ctx, client, abs, occurrences, symbol, key)
			return nil
		})
	}
	_ = g.Wait()

	var results []HoverResult
	for _, entries := range perServer {
		if len(entries) > 0 {
			results = entries // spec §4.5 step 7: stop at the first server (catalog order) that yields results
			break
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].occurrenceLine != results[j].occurrenceLine {
			return results[i].occurrenceLine < results[j].occurrenceLine
		}
		if results[i].occurrenceChar != results[j].occurrenceChar {
			return results[i].occurrenceChar < results[j].occurrenceChar
		}
		if results[i].ResolvedLocation.Range.Start.Line != results[j].ResolvedLocation.Range.Start.Line {
			return results[i].ResolvedLocation.Range.Start.Line < results[j].ResolvedLocation.Range.Start.Line
		}
		return results[i].ResolvedLocation.Range.Start.Character < results[j].ResolvedLocation.Range.Start.Character
	})

	return results, nil
}

type occurrence struct {
	line, char int
	kind       protocol.SymbolKind
	hasKind    bool
}

// findOccurrences implements spec §4.5 steps 1-3.
func (m *Manager) findOccurrences(ctx context.Context, client *lspclient.Client, path, content, symbol string, isGraphQL bool, key clientKey) []occurrence {
	var occs []occurrence

	if !isGraphQL {
		symbols, err := client.DocumentSymbols(ctx, path)
		if err != nil {
			logging.Debug("manager: documentSymbols failed", "path", path, "error", err)
			if lspclient.IsConnectionDisposed(err) {
				m.markBroken(key, client)
			}
		}
		var collect func(syms []protocol.DocumentSymbol)
		collect = func(syms []protocol.DocumentSymbol) {
			for _, sym := range syms {
				if sym.Name == symbol {
					occs = append(occs, occurrence{
						line: int(sym.SelectionRange.Start.Line),
						char: int(sym.SelectionRange.Start.Character),
						kind: sym.Kind, hasKind: true,
					})
				}
				collect(sym.Children)
			}
		}
		collect(symbols)
	}

	if len(occs) == 0 {
		occs = scanTextualOccurrences(content, symbol)
	}

	sort.Slice(occs, func(i, j int) bool {
		if occs[i].line != occs[j].line {
			return occs[i].line < occs[j].line
		}
		return occs[i].char < occs[j].char
	})

	return dedupeOccurrences(occs)
}

// scanTextualOccurrences finds every whole-word occurrence of symbol in
// content (spec §4.5 step 2).
func scanTextualOccurrences(content, symbol string) []occurrence {
	if symbol == "" {
		return nil
	}
	var out []occurrence
	line, char := 0, 0
	runes := []rune(content)
	target := []rune(symbol)

	for i := 0; i < len(runes); i++ {
		if runes[i] == '\n' {
			line++
			char = 0
			continue
		}
		if matchesAt(runes, i, target) {
			before := i == 0 || !identChar.MatchString(string(runes[i-1]))
			after := i+len(target) >= len(runes) || !identChar.MatchString(string(runes[i+len(target)]))
			if before && after {
				out = append(out, occurrence{line: line, char: char})
			}
		}
		char++
	}
	return out
}

func matchesAt(runes []rune, i int, target []rune) bool {
	if i+len(target) > len(runes) {
		return false
	}
	for j, r := range target {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

func dedupeOccurrences(occs []occurrence) []occurrence {
	seen := make(map[[2]int]bool)
	out := occs[:0]
	for _, o := range occs {
		key := [2]int{o.line, o.char}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
	}
	return out
}

// isCallableKind reports whether a symbol kind is Function, Method, or
// Constructor (spec §4.5 step 4: these never need a type-definition
// follow-up probe).
func isCallableKind(kind protocol.SymbolKind) bool {
	return kind == protocol.SymbolKindFunction ||
		kind == protocol.SymbolKindMethod ||
		kind == protocol.SymbolKindConstructor
}

type probeLocation struct {
	line, char  int
	description HoverDescription
	occLine     int
	occChar     int
}

// probeOccurrences implements spec §4.5 steps 4-6.
func (m *Manager) probeOccurrences(ctx context.Context, client *lspclient.Client, path string, occs []occurrence, symbol string, key clientKey) []HoverResult {
	var probes []probeLocation
	seen := make(map[[3]interface{}]bool)

	addProbe := func(p probeLocation) {
		probeKey := [3]interface{}{path, p.line, p.char}
		if seen[probeKey] {
			return
		}
		seen[probeKey] = true
		probes = append(probes, p)
	}

	for _, o := range occs {
		addProbe(probeLocation{line: o.line, char: o.char, description: DescriptionLocation, occLine: o.line, occChar: o.char})

		if !o.hasKind || !isCallableKind(o.kind) {
			locs, err := client.TypeDefinition(ctx, path, protocol.Position{Line: uint32(o.line), Character: uint32(o.char)})
			if err != nil {
				if lspclient.IsConnectionDisposed(err) {
					m.markBroken(key, client)
				}
				continue
			}
			if len(locs) == 0 {
				continue
			}
			loc := locs[0]
			if int(loc.Range.Start.Line) != o.line || int(loc.Range.Start.Character) != o.char {
				addProbe(probeLocation{
					line: int(loc.Range.Start.Line), char: int(loc.Range.Start.Character),
					description: DescriptionTypeDefinition, occLine: o.line, occChar: o.char,
				})
			}
		}
	}

	var results []HoverResult
	for _, p := range probes {
		hover, sig, err := client.Hover(ctx, path, protocol.Position{Line: uint32(p.line), Character: uint32(p.char)})
		if err != nil {
			if lspclient.IsConnectionDisposed(err) {
				m.markBroken(key, client)
			}
			continue
		}
		if hover == nil {
			continue
		}
		results = append(results, HoverResult{
			SymbolName:       symbol,
			HoverContents:    hover,
			SignatureHelp:    sig,
			ResolvedLocation: protocol.Location{URI: protocol.DocumentURI("file://" + path), Range: protocol.Range{Start: protocol.Position{Line: uint32(p.line), Character: uint32(p.char)}}},
			Description:      p.description,
			occurrenceLine:   p.occLine,
			occurrenceChar:   p.occChar,
		})
	}
	return results
}

// GetRunningServers returns a snapshot for the status command (spec
// §4.5 "State snapshot").
func (m *Manager) GetRunningServers() []RunningServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RunningServer, 0, len(m.clients))
	now := time.Now()
	for key, c := range m.clients {
		out = append(out, RunningServer{
			ServerID: key.serverID,
			Root:     key.root,
			UptimeMs: now.Sub(c.CreatedAt).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Root < out[j].Root
	})
	return out
}

// Shutdown drains every client, racing each shutdown against a 5s
// timeout, then drains the process registry for any leaked
// descendants and clears all three maps (spec §4.5 "Shutdown").
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*lspclient.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *lspclient.Client) {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := c.Shutdown(shutdownCtx); err != nil {
				logging.Warn("manager: client shutdown error", "server", c.ServerID, "root", c.ProjectRoot, "error", err)
			}
		}(c)
	}
	wg.Wait()

	m.registry.KillAll()
	m.events.Shutdown()

	m.mu.Lock()
	m.clients = make(map[clientKey]*lspclient.Client)
	m.initializing = make(map[clientKey]*initFuture)
	m.broken = make(map[clientKey]bool)
	m.mu.Unlock()
}
