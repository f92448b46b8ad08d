// Package lspclient owns one JSON-RPC connection to a spawned language
// server process: the "LSP Client" of spec §4.4, one instance per
// (server-id, project-root) client key.
package lspclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/lspd/lspd/internal/catalog"
	"github.com/lspd/lspd/internal/logging"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// ProcessRegistry is the subset of *registry.Registry that lspclient
// needs: tracking a spawned child so a daemon-wide forced shutdown can
// still reap it if graceful shutdown never runs. Expressed as an
// interface so tests can substitute a mock rather than spawning real
// child processes.
//
//go:generate mockgen -destination=mocks/process_registry_mock.go -package=mocks github.com/lspd/lspd/internal/lspclient ProcessRegistry
type ProcessRegistry interface {
	Register(p *os.Process)
	Remove(p *os.Process)
}

// pushDiagnosticsTimeout bounds how long push mode waits for a
// publishDiagnostics notification before assuming an empty result.
const pushDiagnosticsTimeout = 3 * time.Second

// shutdownTimeout bounds graceful shutdown before a forced kill.
const shutdownTimeout = 5 * time.Second

// retryDelay is the pause between retryable hover/signature-help
// attempts.
const retryDelay = 100 * time.Millisecond

// ErrConnectionDisposed marks a failure caused by the child process or
// its connection having gone away; IsConnectionDisposed recognizes it
// alongside io.EOF and io.ErrClosedPipe. No Client method returns it
// itself: a request on a dead connection fails with the transport's
// own error.
var ErrConnectionDisposed = fmt.Errorf("lspclient: connection disposed")

// Client is one live connection to a spawned language server.
type Client struct {
	ServerID    string
	ProjectRoot string
	CreatedAt   time.Time

	catalogEntry catalog.Server
	conn         jsonrpc2.Conn
	cmd          *exec.Cmd
	registry     ProcessRegistry
	languageID   func(ext string) string

	capsMu          sync.RWMutex
	pullDiagnostics bool

	mu          sync.Mutex
	openFiles   map[string]*openFile
	diagnostics map[string][]protocol.Diagnostic

	pushMu      sync.Mutex
	pushWaiters map[string][]chan []protocol.Diagnostic

	disposed disposedFlag
}

// disposedFlag is a tiny bool flag set once at shutdown.
type disposedFlag struct {
	mu sync.RWMutex
	v  bool
}

func (a *disposedFlag) set() {
	a.mu.Lock()
	a.v = true
	a.mu.Unlock()
}

func (a *disposedFlag) get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

type openFile struct {
	uri        uri.URI
	languageID string
	version    int32
}

// rwc adapts separate stdin/stdout pipes to an io.ReadWriteCloser so a
// jsonrpc2.Stream can frame messages over them.
type rwc struct {
	io.ReadCloser
	io.WriteCloser
}

func (c *rwc) Close() error {
	werr := c.WriteCloser.Close()
	rerr := c.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Spawn starts the language server described by s rooted at
// projectRoot, performs the initialize/initialized handshake, and
// returns a ready Client (spec §4.4 "Spawn & initialize").
func Spawn(ctx context.Context, s catalog.Server, projectRoot string, reg ProcessRegistry, languageID func(ext string) string) (*Client, error) {
	argv := append([]string{}, s.Command...)
	if s.DynamicArgs != nil {
		argv = append(argv, s.DynamicArgs(projectRoot)...)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("lspclient: server %s has no command", s.ID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = projectRoot
	cmd.Env = mergeEnv(os.Environ(), s.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lspclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lspclient: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lspclient: spawn %s: %w", s.ID, err)
	}
	reg.Register(cmd.Process)

	stream := jsonrpc2.NewStream(&rwc{ReadCloser: stdout, WriteCloser: stdin})
	conn := jsonrpc2.NewConn(stream)

	c := &Client{
		ServerID:     s.ID,
		ProjectRoot:  projectRoot,
		CreatedAt:    time.Now(),
		catalogEntry: s,
		conn:         conn,
		cmd:          cmd,
		registry:     reg,
		languageID:   languageID,
		openFiles:    make(map[string]*openFile),
		diagnostics:  make(map[string][]protocol.Diagnostic),
		pushWaiters:  make(map[string][]chan []protocol.Diagnostic),
	}

	conn.Go(ctx, c.handle)

	if err := c.initialize(ctx, s); err != nil {
		c.killChild()
		return nil, err
	}

	return c, nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

// initialize performs the initialize/initialized handshake and
// registers the unconditional notification handlers (spec §4.4).
func (c *Client) initialize(ctx context.Context, s catalog.Server) error {
	root := uri.File(c.ProjectRoot)

	params := &protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		RootURI:   protocol.DocumentURI(root),
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: string(root), Name: filepath.Base(c.ProjectRoot)},
		},
		InitializationOptions: s.InitOptions,
		Capabilities: protocol.ClientCapabilities{
			Workspace: &protocol.WorkspaceClientCapabilities{
				Configuration: true,
			},
			TextDocument: &protocol.TextDocumentClientCapabilities{
				Synchronization: &protocol.TextDocumentSyncClientCapabilities{
					DidSave: true,
				},
				PublishDiagnostics: &protocol.PublishDiagnosticsClientCapabilities{
					VersionSupport: true,
				},
				DocumentSymbol: &protocol.DocumentSymbolClientCapabilities{
					HierarchicalDocumentSymbolSupport: true,
				},
				Definition: &protocol.DefinitionTextDocumentClientCapabilities{
					LinkSupport: true,
				},
				TypeDefinition: &protocol.TypeDefinitionTextDocumentClientCapabilities{
					LinkSupport: true,
				},
				Hover: &protocol.HoverTextDocumentClientCapabilities{
					ContentFormat: []protocol.MarkupKind{protocol.Markdown, protocol.PlainText},
				},
				Diagnostic: &protocol.DiagnosticClientCapabilities{
					DynamicRegistration: true,
				},
			},
		},
	}

	var result protocol.InitializeResult
	if _, err := c.conn.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("lspclient: initialize %s: %w", s.ID, err)
	}

	c.capsMu.Lock()
	c.pullDiagnostics = result.Capabilities.DiagnosticProvider != nil
	c.capsMu.Unlock()

	if err := c.conn.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("lspclient: initialized %s: %w", s.ID, err)
	}

	logging.Info("lsp client ready", "server", s.ID, "root", c.ProjectRoot, "pullDiagnostics", c.pullDiagnostics)
	return nil
}

// handle serves the three notifications/requests the server may send
// unsolicited, per spec §4.4.
// handle is the notification pump jsonrpc2.Conn.Go runs on its own
// goroutine for every inbound server request/notification; a panic
// here (e.g. a malformed publishDiagnostics payload hitting an
// unguarded type assertion) must not take the whole daemon down with
// it.
func (c *Client) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	defer logging.RecoverPanic("lspclient.handle", nil)
	switch req.Method() {
	case protocol.MethodTextDocumentPublishDiagnostics:
		var params protocol.PublishDiagnosticsParams
		if err := req.UnmarshalParams(&params); err != nil {
			logging.Warn("lspclient: malformed publishDiagnostics", "error", err)
			return reply(ctx, nil, nil)
		}
		c.storeDiagnostics(string(params.URI), params.Diagnostics)
		return reply(ctx, nil, nil)

	case protocol.MethodWindowWorkDoneProgressCreate:
		return reply(ctx, nil, nil)

	case protocol.MethodWorkspaceConfiguration:
		return reply(ctx, []map[string]any{{}}, nil)

	default:
		return reply(ctx, nil, nil)
	}
}

func (c *Client) storeDiagnostics(rawURI string, diags []protocol.Diagnostic) {
	path := uri.URI(rawURI).Filename()

	c.mu.Lock()
	c.diagnostics[path] = diags
	c.mu.Unlock()

	c.pushMu.Lock()
	waiters := c.pushWaiters[path]
	delete(c.pushWaiters, path)
	c.pushMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- diags:
		default:
		}
	}
}

// PullDiagnosticsSupported reports whether the server advertised a
// pull-diagnostic provider at initialize time.
func (c *Client) PullDiagnosticsSupported() bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.pullDiagnostics
}

// OpenFile sends didOpen then a forced didChange at version 1, per
// spec §4.4's "Open a file" load-bearing double-send.
func (c *Client) OpenFile(ctx context.Context, path string) error {
	c.mu.Lock()
	if _, ok := c.openFiles[path]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("lspclient: read %s: %w", path, err)
	}
	text := string(content)
	docURI := uri.File(path)
	lang := c.languageID(filepath.Ext(path))

	openParams := &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        protocol.DocumentURI(docURI),
			LanguageID: protocol.LanguageIdentifier(lang),
			Version:    0,
			Text:       text,
		},
	}
	if err := c.conn.Notify(ctx, protocol.MethodTextDocumentDidOpen, openParams); err != nil {
		return fmt.Errorf("lspclient: didOpen %s: %w", path, err)
	}

	changeParams := &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(docURI)},
			Version:                1,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	}
	if err := c.conn.Notify(ctx, protocol.MethodTextDocumentDidChange, changeParams); err != nil {
		return fmt.Errorf("lspclient: forced didChange %s: %w", path, err)
	}

	c.mu.Lock()
	c.openFiles[path] = &openFile{uri: docURI, languageID: lang, version: 1}
	c.mu.Unlock()
	return nil
}

// CloseFile sends didClose and drops cached diagnostics/open state.
func (c *Client) CloseFile(ctx context.Context, path string) error {
	c.mu.Lock()
	of, ok := c.openFiles[path]
	if ok {
		delete(c.openFiles, path)
		delete(c.diagnostics, path)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	params := &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(of.uri)},
	}
	return c.conn.Notify(ctx, protocol.MethodTextDocumentDidClose, params)
}

// CloseAllFiles closes every tracked open file, invoked by the Manager
// at the end of every request (spec §4.5 request lifecycle wrapper).
func (c *Client) CloseAllFiles(ctx context.Context) {
	c.mu.Lock()
	paths := make([]string, 0, len(c.openFiles))
	for p := range c.openFiles {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, p := range paths {
		if err := c.CloseFile(ctx, p); err != nil {
			logging.Warn("lspclient: closeAllFiles", "path", p, "error", err)
		}
	}
}

// Diagnostics opens the file if it is not open yet, then runs the
// pull-or-push pipeline for it (spec §4.4 "Diagnostics").
func (c *Client) Diagnostics(ctx context.Context, path string) ([]protocol.Diagnostic, error) {
	if err := c.OpenFile(ctx, path); err != nil {
		return nil, err
	}

	if c.PullDiagnosticsSupported() {
		return c.pullDiagnostics2(ctx, path)
	}
	return c.waitForPushDiagnostics(ctx, path)
}

func (c *Client) pullDiagnostics2(ctx context.Context, path string) ([]protocol.Diagnostic, error) {
	docURI := uri.File(path)
	params := &protocol.DocumentDiagnosticParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(docURI)},
	}

	var result protocol.FullDocumentDiagnosticReport
	if _, err := c.conn.Call(ctx, protocol.MethodTextDocumentDiagnostic, params, &result); err != nil {
		return nil, fmt.Errorf("lspclient: pull diagnostics %s: %w", path, err)
	}

	if result.Kind == "unchanged" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.diagnostics[path], nil
	}

	c.mu.Lock()
	c.diagnostics[path] = result.Items
	c.mu.Unlock()
	return result.Items, nil
}

func (c *Client) waitForPushDiagnostics(ctx context.Context, path string) ([]protocol.Diagnostic, error) {
	c.mu.Lock()
	if diags, ok := c.diagnostics[path]; ok {
		c.mu.Unlock()
		return diags, nil
	}
	c.mu.Unlock()

	ch := make(chan []protocol.Diagnostic, 1)
	c.pushMu.Lock()
	c.pushWaiters[path] = append(c.pushWaiters[path], ch)
	c.pushMu.Unlock()

	select {
	case diags := <-ch:
		return diags, nil
	case <-time.After(pushDiagnosticsTimeout):
		c.mu.Lock()
		c.diagnostics[path] = nil
		c.mu.Unlock()
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hover issues textDocument/hover and textDocument/signatureHelp
// concurrently with retry on connection-disposed failures (spec §4.4
// "Hover pipeline").
func (c *Client) Hover(ctx context.Context, path string, pos protocol.Position) (*protocol.Hover, *protocol.SignatureHelp, error) {
	if err := c.OpenFile(ctx, path); err != nil {
		return nil, nil, err
	}
	docURI := protocol.DocumentURI(uri.File(path))

	var hover *protocol.Hover
	var sig *protocol.SignatureHelp
	var hoverErr, sigErr error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		hover, hoverErr = retryOnDisposed(ctx, func() (*protocol.Hover, error) {
			var result protocol.Hover
			if _, err := c.conn.Call(ctx, protocol.MethodTextDocumentHover, &protocol.HoverParams{
				TextDocumentPositionParams: protocol.TextDocumentPositionParams{
					TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
					Position:     pos,
				},
			}, &result); err != nil {
				return nil, err
			}
			return &result, nil
		})
	}()
	go func() {
		defer wg.Done()
		sig, sigErr = retryOnDisposed(ctx, func() (*protocol.SignatureHelp, error) {
			var result protocol.SignatureHelp
			if _, err := c.conn.Call(ctx, protocol.MethodTextDocumentSignatureHelp, &protocol.SignatureHelpParams{
				TextDocumentPositionParams: protocol.TextDocumentPositionParams{
					TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
					Position:     pos,
				},
			}, &result); err != nil {
				return nil, err
			}
			return &result, nil
		})
	}()
	wg.Wait()

	if hoverErr != nil {
		return nil, nil, hoverErr
	}
	// signatureHelp is best-effort: a failure there doesn't invalidate a
	// successful hover.
	if sigErr != nil {
		logging.Debug("lspclient: signatureHelp failed", "path", path, "error", sigErr)
		sig = nil
	}
	return hover, sig, nil
}

// DocumentSymbols returns the file's document symbols (retry-wrapped).
func (c *Client) DocumentSymbols(ctx context.Context, path string) ([]protocol.DocumentSymbol, error) {
	if err := c.OpenFile(ctx, path); err != nil {
		return nil, err
	}
	docURI := protocol.DocumentURI(uri.File(path))

	return retryOnDisposed(ctx, func() ([]protocol.DocumentSymbol, error) {
		var raw []json.RawMessage
		if _, err := c.conn.Call(ctx, protocol.MethodTextDocumentDocumentSymbol, &protocol.DocumentSymbolParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		}, &raw); err != nil {
			return nil, err
		}
		return decodeDocumentSymbols(raw)
	})
}

// TypeDefinition returns the server's reported type-definition
// location(s) for a position, or nil if the server returned none.
func (c *Client) TypeDefinition(ctx context.Context, path string, pos protocol.Position) ([]protocol.Location, error) {
	docURI := protocol.DocumentURI(uri.File(path))
	return retryOnDisposed(ctx, func() ([]protocol.Location, error) {
		var raw json.RawMessage
		if _, err := c.conn.Call(ctx, protocol.MethodTextDocumentTypeDefinition, &protocol.TypeDefinitionParams{
			TextDocumentPositionParams: protocol.TextDocumentPositionParams{
				TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
				Position:     pos,
			},
		}, &raw); err != nil {
			return nil, err
		}
		return decodeLocations(raw)
	})
}

// retryOnDisposed retries fn up to twice more (three attempts total)
// with a short pause when it fails because the connection has been
// disposed (spec §4.4: "treat connection-disposed failures as
// retryable up to two attempts with a 100 ms pause").
func retryOnDisposed[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsConnectionDisposed(err) {
			return zero, err
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// IsConnectionDisposed reports whether err indicates the child process
// or its JSON-RPC connection has gone away (e.g. a crashed language
// server). The Manager uses this to distinguish "child exited
// mid-session" from ordinary request errors: per spec §4.4/§7, only
// the former causes it to mark the client key broken and tear down.
func IsConnectionDisposed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrConnectionDisposed)
}

// Shutdown sends shutdown/exit, closes the connection, then signals
// the child's process group; escalates to a forced kill on timeout
// (spec §4.4 "Shutdown").
func (c *Client) Shutdown(ctx context.Context) error {
	c.disposed.set()

	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		_, _ = c.conn.Call(shutdownCtx, protocol.MethodShutdown, nil, nil)
		_ = c.conn.Notify(shutdownCtx, protocol.MethodExit, nil)
		_ = c.conn.Close()
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logging.Warn("lspclient: shutdown timed out, force-killing", "server", c.ServerID, "root", c.ProjectRoot)
	}

	c.killChild()
	return nil
}

func (c *Client) killChild() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	if c.registry != nil {
		c.registry.Remove(c.cmd.Process)
	}
	_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
}

// decodeDocumentSymbols unmarshals a textDocument/documentSymbol reply,
// which the spec allows to be either hierarchical DocumentSymbol
// entries or flat SymbolInformation entries; only the former carries
// the nested structure the Manager's hover pipeline walks, so flat
// results are adapted into single-level DocumentSymbol values.
func decodeDocumentSymbols(raw []json.RawMessage) ([]protocol.DocumentSymbol, error) {
	out := make([]protocol.DocumentSymbol, 0, len(raw))
	for _, r := range raw {
		var ds protocol.DocumentSymbol
		if err := json.Unmarshal(r, &ds); err == nil && ds.Name != "" {
			out = append(out, ds)
			continue
		}
		var si protocol.SymbolInformation
		if err := json.Unmarshal(r, &si); err != nil {
			return nil, fmt.Errorf("lspclient: decode document symbol: %w", err)
		}
		out = append(out, protocol.DocumentSymbol{
			Name:           si.Name,
			Kind:           si.Kind,
			Range:          si.Location.Range,
			SelectionRange: si.Location.Range,
		})
	}
	return out, nil
}

// decodeLocations unmarshals a textDocument/typeDefinition (or
// definition) reply, which may be null, a single Location, an array of
// Location, or an array of LocationLink.
func decodeLocations(raw json.RawMessage) ([]protocol.Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single protocol.Location
	if err := json.Unmarshal(raw, &single); err == nil && single.URI != "" {
		return []protocol.Location{single}, nil
	}

	var locs []protocol.Location
	if err := json.Unmarshal(raw, &locs); err == nil && len(locs) > 0 {
		return locs, nil
	}

	var links []protocol.LocationLink
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil, fmt.Errorf("lspclient: decode locations: %w", err)
	}
	out := make([]protocol.Location, 0, len(links))
	for _, l := range links {
		out = append(out, protocol.Location{URI: l.TargetURI, Range: l.TargetRange})
	}
	return out, nil
}
