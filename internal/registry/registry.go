// Package registry tracks every child process the daemon spawns so a
// forced shutdown can reap the entire tree even when graceful LSP
// shutdown fails (spec §4.7).
package registry

import (
	"os"
	"sync"
	"syscall"

	"github.com/lspd/lspd/internal/logging"
)

// Registry is a daemon-global set of live child process handles.
type Registry struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{procs: make(map[int]*os.Process)}
}

// Register adds a spawned child to the registry. The entry stays until
// Remove or KillAll drops it; a child that exits on its own is not
// removed automatically.
func (r *Registry) Register(p *os.Process) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Pid] = p
}

// Remove drops a child from the registry. internal/lspclient calls it
// when it kills the child's process group, without waiting on the
// process first.
func (r *Registry) Remove(p *os.Process) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, p.Pid)
}

// Len returns the number of tracked live children.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// KillAll force-kills every remaining tracked child's process group and
// clears the registry. This is the safety net for escaped grandchildren
// (e.g. a language server that forks workers outside normal supervision).
func (r *Registry) KillAll() {
	r.mu.Lock()
	procs := make([]*os.Process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.procs = make(map[int]*os.Process)
	r.mu.Unlock()

	for _, p := range procs {
		killProcessGroup(p.Pid)
	}
}

// killProcessGroup signals the negated pid (the process group), the
// POSIX idiom for killing a process tree that was spawned with its own
// process group (see internal/lspclient, which sets Setpgid before
// spawn). Errors are logged and swallowed: by the time KillAll runs the
// target may already be gone, which is the expected common case.
func killProcessGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		logging.Debug("process group kill failed (likely already exited)", "pid", pid, "error", err)
	}
}
