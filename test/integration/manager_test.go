// Integration scenarios for the process manager, driven against real child
// processes. Each test builds a manager around a spawner that execs plain
// sleep commands, runs the supervisor loop, and pokes it with the same
// signals an operator would use.
package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/otterd/internal/manager"
	"github.com/ChuLiYu/otterd/pkg/types"
)

// cmdSpawner execs a fixed command for every worker class and records every
// pid it hands out so the test can clean up stragglers.
type cmdSpawner struct {
	mu   sync.Mutex
	argv []string
	// first, when set, is used for the very first spawn only; respawns fall
	// back to argv. Lets a test inject one misbehaving worker without
	// poisoning the replacement.
	first []string
	pids  []int
}

func newCmdSpawner(argv ...string) *cmdSpawner {
	if len(argv) == 0 {
		argv = []string{"sleep", "300"}
	}
	return &cmdSpawner{argv: argv}
}

func (s *cmdSpawner) start() (int, error) {
	s.mu.Lock()
	argv := s.argv
	if s.first != nil {
		argv = s.first
		s.first = nil
	}
	s.mu.Unlock()
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	s.mu.Lock()
	s.pids = append(s.pids, pid)
	s.mu.Unlock()
	return pid, nil
}

func (s *cmdSpawner) SpawnEvent(id int) (int, error) { return s.start() }

func (s *cmdSpawner) SpawnTask(w *types.Worker) (int, error) { return s.start() }

func (s *cmdSpawner) SpawnUser(w *types.Worker) (int, error) { return s.start() }

func (s *cmdSpawner) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.pids {
		unix.Kill(pid, unix.SIGKILL)
	}
	// Collect whatever the manager has not already reaped.
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// harness wires a manager with a status file and runs the loop.
type harness struct {
	m          *manager.Manager
	spawner    *cmdSpawner
	statusFile string
	ready      chan struct{}
	done       chan error
	errs       chan types.ExitInfo
}

func newHarness(t *testing.T, opts manager.Options, spawner *cmdSpawner) *harness {
	t.Helper()
	h := &harness{
		spawner:    spawner,
		statusFile: filepath.Join(t.TempDir(), "status.json"),
		ready:      make(chan struct{}),
		done:       make(chan error, 1),
		errs:       make(chan types.ExitInfo, 16),
	}
	opts.Spawn = spawner
	opts.StatusFile = h.statusFile
	opts.OnManagerStart = func(*manager.Manager) { close(h.ready) }
	opts.OnWorkerError = func(_ *manager.Manager, info types.ExitInfo) {
		select {
		case h.errs <- info:
		default:
		}
	}

	m, err := manager.New(opts)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(spawner.cleanup)
	return h
}

// run starts the workers and the supervisor loop, and waits for the signal
// handlers to be installed before returning.
func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Start())
	go func() { h.done <- h.m.Run() }()
	select {
	case <-h.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not come up")
	}
}

// stop TERMs the manager (this test process) and waits for Run to return.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

func (h *harness) status(t *testing.T) *manager.Status {
	t.Helper()
	st, err := manager.ReadStatus(h.statusFile)
	require.NoError(t, err)
	return st
}

// waitStatus polls the status file until cond holds.
func (h *harness) waitStatus(t *testing.T, timeout time.Duration, cond func(*manager.Status) bool) *manager.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := manager.ReadStatus(h.statusFile)
		if err == nil && cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within %v, last status: %+v", timeout, st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func alive(pid int) bool { return unix.Kill(pid, 0) == nil }

// Scenario: startup into steady state, then clean shutdown.
func TestStartupSteadyState(t *testing.T) {
	h := newHarness(t, manager.Options{WorkerNum: 2}, newCmdSpawner())
	h.run(t)

	st := h.status(t)
	require.Len(t, st.EventPids, 2)
	for i, pid := range st.EventPids {
		assert.Greater(t, pid, 0, "slot %d has a pid", i)
		assert.True(t, alive(pid), "slot %d is alive", i)
	}

	h.stop(t)
	for _, pid := range st.EventPids {
		assert.False(t, alive(pid), "no children remain after clean shutdown")
	}
}

// Scenario: a SIGKILLed worker is reported and respawned into its slot.
func TestCrashRespawn(t *testing.T) {
	h := newHarness(t, manager.Options{WorkerNum: 2}, newCmdSpawner())
	h.run(t)

	st := h.status(t)
	victim := st.EventPids[0]
	require.NoError(t, unix.Kill(victim, unix.SIGKILL))

	select {
	case info := <-h.errs:
		assert.Equal(t, 0, info.WorkerID)
		assert.Equal(t, victim, info.Pid)
		assert.Equal(t, 0, info.ExitCode)
		assert.Equal(t, 9, info.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("OnWorkerError did not fire")
	}

	st = h.waitStatus(t, 5*time.Second, func(st *manager.Status) bool {
		return st.EventPids[0] != victim && st.EventPids[0] > 0
	})
	assert.True(t, alive(st.EventPids[0]), "slot 0 respawned")

	h.stop(t)
}

// Scenario: sequential full reload replaces every event worker.
func TestSequentialReload(t *testing.T) {
	h := newHarness(t, manager.Options{
		WorkerNum:   2,
		MaxWaitTime: 5 * time.Second,
	}, newCmdSpawner())
	h.run(t)

	before := h.status(t).EventPids
	start := time.Now()
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	st := h.waitStatus(t, 15*time.Second, func(st *manager.Status) bool {
		return !st.Reloading &&
			st.EventPids[0] != before[0] && st.EventPids[1] != before[1]
	})
	assert.False(t, h.m.Reloading())
	assert.Less(t, time.Since(start), 12*time.Second)
	for _, pid := range st.EventPids {
		assert.True(t, alive(pid))
	}

	h.stop(t)
}

// Scenario: async full reload restarts all slots concurrently.
func TestAsyncReload(t *testing.T) {
	h := newHarness(t, manager.Options{
		WorkerNum:   4,
		MaxWaitTime: 5 * time.Second,
		ReloadAsync: true,
	}, newCmdSpawner())
	h.run(t)

	before := h.status(t).EventPids
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	h.waitStatus(t, 15*time.Second, func(st *manager.Status) bool {
		if st.Reloading {
			return false
		}
		for i, pid := range st.EventPids {
			if pid == before[i] || pid <= 0 {
				return false
			}
		}
		return true
	})

	h.stop(t)
}

// Scenario: a worker that ignores TERM is force-killed after the deadline.
func TestReloadTimeoutEscalation(t *testing.T) {
	stubborn := newCmdSpawner()
	stubborn.first = []string{"sh", "-c", `trap "" TERM; sleep 300 & wait`}
	h := newHarness(t, manager.Options{
		WorkerNum:   1,
		MaxWaitTime: 1 * time.Second,
	}, stubborn)
	h.run(t)

	before := h.status(t).EventPids[0]
	start := time.Now()
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	h.waitStatus(t, 10*time.Second, func(st *manager.Status) bool {
		return !st.Reloading && st.EventPids[0] != before
	})
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 900*time.Millisecond, "graceful window observed before escalation")

	h.stop(t)
}

// Scenario: a task reload with no task workers is a warning no-op.
func TestTaskReloadWithoutTaskWorkers(t *testing.T) {
	h := newHarness(t, manager.Options{WorkerNum: 2}, newCmdSpawner())
	h.run(t)

	before := h.status(t).EventPids
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR2))

	time.Sleep(500 * time.Millisecond)
	assert.False(t, h.m.Reloading(), "machine returns to Idle")
	st := h.status(t)
	assert.Equal(t, before, st.EventPids, "no processes affected")
	for _, pid := range st.EventPids {
		assert.True(t, alive(pid))
	}

	h.stop(t)
}

// A reload arriving while one is in progress coalesces into a single cycle.
func TestReloadCoalescing(t *testing.T) {
	h := newHarness(t, manager.Options{
		WorkerNum:   2,
		MaxWaitTime: 5 * time.Second,
	}, newCmdSpawner())
	h.run(t)

	before := h.status(t).EventPids
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	st := h.waitStatus(t, 15*time.Second, func(st *manager.Status) bool {
		return !st.Reloading && st.EventPids[0] != before[0] && st.EventPids[1] != before[1]
	})
	after := append([]int(nil), st.EventPids...)

	// Give a hypothetical second cycle time to show itself, then confirm
	// the pids settled.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, after, h.status(t).EventPids, "exactly one reload cycle ran")

	h.stop(t)
}
