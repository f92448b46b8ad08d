// Package clientdriver is the short-lived command-side of lspd: it
// locates or spawns a daemon for the current working directory, opens
// the socket, sends one request, and returns the result (spec
// Component 9, "Client Driver").
package clientdriver

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/lspd/lspd/internal/instance"
)

// daemonSpawnTimeout bounds how long the driver waits for a freshly
// spawned daemon to start accepting connections.
const daemonSpawnTimeout = 10 * time.Second

// Request/Response mirror daemonserver's wire schema; duplicated here
// (rather than imported) to keep the client binary's dependency
// surface independent of the daemon's internal packages.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type Response struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EnsureDaemon locates a running, config-compatible daemon for
// workingDir, or spawns a new one via lspdBinary, waiting until it
// accepts connections.
func EnsureDaemon(workingDir, lspdBinary, configPath string) (instance.Paths, error) {
	workingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return instance.Paths{}, err
	}
	paths := instance.For(workingDir)
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}

	if instance.IsRunning(paths) {
		if instance.HasConfigConflict(paths, configPath) {
			if err := stopRunning(paths); err != nil {
				return paths, err
			}
			if !instance.WaitForShutdown(paths) {
				return paths, fmt.Errorf("clientdriver: daemon at %s did not stop in time", paths.Socket)
			}
		} else {
			return paths, nil
		}
	}

	instance.CleanStale(paths)
	if err := spawnDaemon(workingDir, lspdBinary, configPath); err != nil {
		return paths, err
	}

	deadline := time.Now().Add(daemonSpawnTimeout)
	for time.Now().Before(deadline) {
		if instance.IsRunning(paths) {
			return paths, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return paths, fmt.Errorf("clientdriver: daemon did not start within %s", daemonSpawnTimeout)
}

// stopRunning asks a live daemon to stop via its own "stop" command.
func stopRunning(paths instance.Paths) error {
	_, err := Send(paths, Request{Command: "stop"})
	return err
}

// spawnDaemon launches the daemon binary detached, in background-daemon
// mode (spec §6: DAEMON_MODE=1 "signals that the process was spawned
// as a background daemon"). A non-empty configPath is passed to the
// daemon through DAEMON_CONFIG_FILE.
func spawnDaemon(workingDir, lspdBinary, configPath string) error {
	cmd := exec.Command(lspdBinary, "daemon")
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "DAEMON_MODE=1")
	if configPath != "" {
		cmd.Env = append(cmd.Env, "DAEMON_CONFIG_FILE="+configPath)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("clientdriver: spawn daemon: %w", err)
	}
	// The daemon detaches and outlives this process; release it instead
	// of waiting so the client exits promptly once the socket is ready.
	return cmd.Process.Release()
}

// Send opens the socket, writes one JSON request, reads one JSON
// response, and closes the connection (spec §6 transport).
func Send(paths instance.Paths, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", paths.Socket, 5*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("clientdriver: dial %s: %w", paths.Socket, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("clientdriver: write request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("clientdriver: read response: %w", err)
	}
	return resp, nil
}
