// Package daemonserver accepts local-socket connections, validates
// requests against a fixed schema, dispatches to the Manager, and
// writes one JSON response per connection (spec §4.6).
package daemonserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/instance"
	"github.com/lspd/lspd/internal/logging"
	"github.com/lspd/lspd/internal/manager"
)

// Request is the fixed socket-protocol schema (spec §6).
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Response is the fixed response envelope (spec §6).
type Response struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Server is the daemon's socket-accept loop.
type Server struct {
	paths   instance.Paths
	cfg     *config.Config
	mgr     *manager.Manager
	logPath string

	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Server bound to the instance paths derived from
// cfg.WorkingDir. Stale-instance cleanup happens in ListenAndServe.
func New(cfg *config.Config, mgr *manager.Manager, logPath string) *Server {
	paths := instance.For(cfg.WorkingDir)
	return &Server{
		paths:   paths,
		cfg:     cfg,
		mgr:     mgr,
		logPath: logPath,
		stopCh:  make(chan struct{}),
	}
}

// ListenAndServe binds the Unix socket (after stale-file cleanup),
// writes the PID and config-metadata files, wires signal handling, and
// serves connections until Stop is called or a signal arrives.
func (s *Server) ListenAndServe(ctx context.Context) error {
	instance.CleanStale(s.paths)

	l, err := net.Listen("unix", s.paths.Socket)
	if err != nil {
		return fmt.Errorf("daemonserver: listen %s: %w", s.paths.Socket, err)
	}
	s.listener = l

	if err := instance.WritePID(s.paths); err != nil {
		return fmt.Errorf("daemonserver: write pid: %w", err)
	}
	if err := instance.WriteConfigMetadata(s.paths, instance.ConfigMetadata{
		ConfigPath: s.cfg.ConfigPath,
		StartedAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("daemonserver: write config metadata: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info("daemonserver: received signal, shutting down", "signal", sig.String())
			s.Stop()
		case <-s.stopCh:
		}
	}()

	defer func() {
		signal.Stop(sigCh)
		instance.CleanStale(s.paths)
	}()

	return s.acceptLoop(ctx)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			if isClosedErr(err) {
				return nil
			}
			logging.Error("daemonserver: accept failed", "error", err)
			return err
		}
		go func() {
			defer logging.RecoverPanic("daemonserver.handleConn", func() { conn.Close() })
			s.handleConn(ctx, conn)
		}()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// handleConn implements the "one JSON request per connection, one
// JSON response, then close" transport of spec §4.6.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	reqID := uuid.NewString()

	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		writeResponse(conn, Response{Success: false, Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	logging.Debug("daemonserver: request", "id", reqID, "command", req.Command)

	if err := validate(req); err != nil {
		writeResponse(conn, Response{Success: false, Error: err.Error()})
		return
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		logging.Warn("daemonserver: request failed", "id", reqID, "command", req.Command, "error", err)
		writeResponse(conn, Response{Success: false, Error: err.Error()})
		return
	}
	writeResponse(conn, Response{Success: true, Result: result, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func validate(req Request) error {
	switch req.Command {
	case "status", "diagnostics", "hover", "start", "logs", "pwd", "stop":
		return nil
	default:
		return fmt.Errorf("unrecognized command: %q", req.Command)
	}
}

func writeResponse(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logging.Warn("daemonserver: write response failed", "error", err)
	}
}

// dispatch routes a validated request to the Manager (spec §4.6
// "Commands handled directly").
func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case "status":
		return s.statusText(), nil

	case "diagnostics":
		if len(req.Args) < 1 {
			return nil, fmt.Errorf("diagnostics requires a file path argument")
		}
		var result any
		err := s.mgr.WithRequestLifecycle(ctx, func(ctx context.Context) error {
			diags, err := s.mgr.Diagnostics(ctx, req.Args[0])
			result = diags
			return err
		})
		return result, err

	case "hover":
		if len(req.Args) < 2 {
			return nil, fmt.Errorf("hover requires file path and symbol arguments")
		}
		var result any
		err := s.mgr.WithRequestLifecycle(ctx, func(ctx context.Context) error {
			hovers, err := s.mgr.Hover(ctx, req.Args[0], req.Args[1])
			result = hovers
			return err
		})
		return result, err

	case "start":
		dir := s.cfg.WorkingDir
		if len(req.Args) > 0 {
			dir = req.Args[0]
		}
		ids, err := s.mgr.DetectServers(ctx, dir)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("detected servers: %v", ids), nil

	case "logs":
		return s.logPath, nil

	case "pwd":
		return s.cfg.WorkingDir, nil

	case "stop":
		// Schedule the shutdown after 100ms so this response is written
		// and the connection closed before the process exits.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.Stop()
		}()
		return "Daemon stopping…", nil

	default:
		return nil, fmt.Errorf("unrecognized command: %q", req.Command)
	}
}

func (s *Server) statusText() string {
	running := s.mgr.GetRunningServers()
	text := fmt.Sprintf("lspd daemon\nworking dir: %s\nrunning servers: %d\n", s.cfg.WorkingDir, len(running))
	for _, r := range running {
		text += fmt.Sprintf("  %s @ %s (up %dms)\n", r.ServerID, r.Root, r.UptimeMs)
	}
	return text
}

// Stop gracefully shuts down the Manager and closes the listener.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.mgr.Shutdown(ctx)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		instance.CleanStale(s.paths)
	})
}
