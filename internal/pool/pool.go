// ============================================================================
// Otterd Task Pool - task-worker process pool
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: own the task-worker records and their pid index, spawn and respawn
//          task children, and shut the group down as a unit
//
// Lifecycle:
//   1. New(n, spawn) - create n task-worker records (logical ids 0..n-1)
//   2. Start()       - spawn every record; any failure aborts startup
//   3. Respawn(w)    - re-exec one worker after its exit, fixing the pid map
//   4. Shutdown()    - TERM every live child, then waitpid each one
//
// The manager reads pids through Workers()/ByPid; only the pool mutates them.
// A mutex guards the started/stopped protocol the same way the rest of the
// codebase guards pool state.
//
// ============================================================================

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/otterd/pkg/types"
)

var log = slog.Default()

var (
	// ErrPoolStarted is returned by Start when the pool is already running.
	ErrPoolStarted = errors.New("task pool already started")
	// ErrPoolStopped is returned by Respawn after Shutdown.
	ErrPoolStopped = errors.New("task pool is shut down")
)

// SpawnFunc execs one task worker and returns the child pid.
type SpawnFunc func(w *types.Worker) (int, error)

// Pool owns the task-worker roster.
type Pool struct {
	mu      sync.Mutex
	workers []*types.Worker
	pidMap  map[int]*types.Worker
	spawn   SpawnFunc
	started bool
	stopped bool

	// Overridable for tests.
	kill func(pid int, sig unix.Signal) error
	wait func(pid int) error
}

// New creates a pool of n task-worker records. Nothing is spawned until
// Start.
func New(n int, spawn SpawnFunc) *Pool {
	p := &Pool{
		workers: make([]*types.Worker, n),
		pidMap:  make(map[int]*types.Worker, n),
		spawn:   spawn,
		kill:    unix.Kill,
		wait: func(pid int) error {
			var ws unix.WaitStatus
			_, err := unix.Wait4(pid, &ws, 0, nil)
			return err
		},
	}
	for i := range p.workers {
		p.workers[i] = &types.Worker{ID: i, Class: types.ClassTask}
	}
	return p
}

// Len reports the number of task-worker slots.
func (p *Pool) Len() int {
	return len(p.workers)
}

// Workers exposes the task-worker records. The manager reads pids from these
// when capturing a reload snapshot; it must not mutate them.
func (p *Pool) Workers() []*types.Worker {
	return p.workers
}

// Start spawns every task worker. The first failure aborts startup and is
// returned to the caller; already-spawned children are left for the manager's
// shutdown path to collect.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	for _, w := range p.workers {
		pid, err := p.spawn(w)
		if err != nil {
			return fmt.Errorf("spawn task worker %d: %w", w.ID, err)
		}
		w.Pid = pid
		p.pidMap[pid] = w
	}
	p.started = true
	return nil
}

// Respawn re-execs one task worker after its exit. The old pid is removed
// from the index before the new pid is inserted so stale keys never
// accumulate.
func (p *Pool) Respawn(w *types.Worker) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0, ErrPoolStopped
	}
	pid, err := p.spawn(w)
	if err != nil {
		return 0, err
	}
	if w.Pid != 0 {
		delete(p.pidMap, w.Pid)
	}
	w.Pid = pid
	p.pidMap[pid] = w
	return pid, nil
}

// ByPid resolves a reaped pid to its task-worker record, or nil.
func (p *Pool) ByPid(pid int) *types.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pidMap[pid]
}

// Shutdown terminates the task group: TERM to every live child, then a
// blocking waitpid on each. Safe to call once; later calls are no-ops.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	pids := make([]int, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Pid > 0 {
			pids = append(pids, w.Pid)
		}
	}
	p.mu.Unlock()

	for _, pid := range pids {
		if err := p.kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Warn("kill task worker failed", "pid", pid, "error", err)
		}
	}
	for _, pid := range pids {
		if err := p.wait(pid); err != nil && !errors.Is(err, unix.ECHILD) {
			log.Warn("waitpid on task worker failed", "pid", pid, "error", err)
		}
	}
}
