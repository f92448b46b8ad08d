// Command fakelsp is a minimal stdio JSON-RPC language server used only
// by the daemonserver integration tests (spec §8's end-to-end
// scenarios). It implements just enough of the protocol to drive a
// type-error diagnostic in push mode and respond to hover requests, and
// can be told to ignore shutdown/exit to exercise the Manager's
// forced-kill escalation path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// stdrwc implements io.ReadWriteCloser over stdin/stdout.
type stdrwc struct{}

func (stdrwc) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdrwc) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdrwc) Close() error {
	if err := os.Stdin.Close(); err != nil {
		return err
	}
	return os.Stdout.Close()
}

// typeErrorLine matches the scenario-1 fixture statement spec §8 #1
// seeds the test suite with ("let x: string = 5;").
var typeErrorLine = regexp.MustCompile(`let\s+\w+\s*:\s*string\s*=\s*\d+`)

type server struct {
	conn protocol.Client
	hang bool

	mu   sync.Mutex
	docs map[protocol.DocumentURI]string
}

func main() {
	hang := flag.Bool("hang", false, "ignore shutdown/exit, simulating a hung language server")
	flag.Parse()

	s := &server{hang: *hang, docs: make(map[protocol.DocumentURI]string)}

	stream := jsonrpc2.NewStream(stdrwc{})
	conn := jsonrpc2.NewConn(stream)
	s.conn = protocol.ClientDispatcher(conn, zap.NewNop())

	ctx := context.Background()
	conn.Go(ctx, s.handle)
	<-conn.Done()
}

func (s *server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case protocol.MethodInitialize:
		return reply(ctx, &protocol.InitializeResult{
			Capabilities: protocol.ServerCapabilities{
				TextDocumentSync: protocol.TextDocumentSyncOptions{
					OpenClose: true,
					Change:    protocol.TextDocumentSyncKindFull,
				},
				HoverProvider: true,
			},
			ServerInfo: &protocol.ServerInfo{Name: "fakelsp"},
		}, nil)

	case protocol.MethodInitialized:
		return reply(ctx, nil, nil)

	case protocol.MethodTextDocumentDidOpen:
		var params protocol.DidOpenTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return s.replyWithError(ctx, reply, err)
		}
		s.storeAndPublish(ctx, params.TextDocument.URI, params.TextDocument.Text)
		return reply(ctx, nil, nil)

	case protocol.MethodTextDocumentDidChange:
		var params protocol.DidChangeTextDocumentParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return s.replyWithError(ctx, reply, err)
		}
		if len(params.ContentChanges) > 0 {
			s.storeAndPublish(ctx, params.TextDocument.URI, params.ContentChanges[len(params.ContentChanges)-1].Text)
		}
		return reply(ctx, nil, nil)

	case protocol.MethodTextDocumentDidClose:
		return reply(ctx, nil, nil)

	case protocol.MethodTextDocumentHover:
		var params protocol.HoverParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return s.replyWithError(ctx, reply, err)
		}
		return reply(ctx, &protocol.Hover{
			Contents: protocol.MarkupContent{
				Kind:  protocol.PlainText,
				Value: fmt.Sprintf("hover @ %d:%d", params.Position.Line, params.Position.Character),
			},
		}, nil)

	case protocol.MethodShutdown:
		if s.hang {
			// Never reply: the client's Shutdown call times out and the
			// Manager falls back to forcibly killing the process group.
			return nil
		}
		return reply(ctx, nil, nil)

	case protocol.MethodExit:
		if !s.hang {
			defer os.Exit(0)
		}
		return reply(ctx, nil, nil)

	default:
		// documentSymbol, typeDefinition, signatureHelp, etc. are
		// intentionally unimplemented: the Manager's hover pipeline falls
		// back to its textual scan when documentSymbol errors, which is
		// the path these tests exercise.
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}
}

func (s *server) replyWithError(ctx context.Context, reply jsonrpc2.Replier, err error) error {
	return reply(ctx, nil, &jsonrpc2.Error{Code: jsonrpc2.InvalidParams, Message: err.Error()})
}

// storeAndPublish re-scans text for the scenario-1 type-error fixture
// and pushes a fresh publishDiagnostics notification, mirroring how a
// real push-mode server republishes on every change.
func (s *server) storeAndPublish(ctx context.Context, docURI protocol.DocumentURI, text string) {
	s.mu.Lock()
	s.docs[docURI] = text
	s.mu.Unlock()

	diags := []protocol.Diagnostic{}
	for i, line := range strings.Split(text, "\n") {
		if typeErrorLine.MatchString(line) {
			diags = append(diags, protocol.Diagnostic{
				Severity: protocol.DiagnosticSeverityError,
				Message:  "Type 'number' is not assignable to type 'string'.",
				Range: protocol.Range{
					Start: protocol.Position{Line: uint32(i), Character: 0},
					End:   protocol.Position{Line: uint32(i), Character: uint32(len(line))},
				},
			})
		}
	}

	if err := s.conn.PublishDiagnostics(ctx, &protocol.PublishDiagnosticsParams{
		URI:         docURI,
		Diagnostics: diags,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "fakelsp: publishDiagnostics: %v\n", err)
	}
}
