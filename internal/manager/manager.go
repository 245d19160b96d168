// ============================================================================
// Otterd Manager - worker process supervisor
// ============================================================================
//
// Package: internal/manager
// File: manager.go
// Purpose: the supervisor loop of a multi-process network server: spawn the
//          event, task and user worker classes, reap and respawn casualties,
//          drain restart requests from the shared message box, and drive the
//          rolling-reload state machine
//
// Main cycle, repeated while running:
//   1. Block until a child is reapable or a signal arrives
//   2. Drain the restart-request channel if readMessage is set
//   3. Run due timers if alarm is set
//   4. Interpret the wait result: capture a reload snapshot on a signal-only
//      wake, or handle one child exit (tracer, error hook, respawn by class,
//      reload-cursor advance)
//   5. Reload step: TERM the next snapshot target or finish the reload
//
// Worker failures are always recovered locally by respawn; only
// initialisation errors surface to the caller.
//
// ============================================================================

package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/otterd/internal/metrics"
	"github.com/ChuLiYu/otterd/internal/msgbox"
	"github.com/ChuLiYu/otterd/internal/pool"
	"github.com/ChuLiYu/otterd/internal/timer"
	"github.com/ChuLiYu/otterd/pkg/types"
)

// forkRetryDelay is the backoff between respawn attempts when spawning
// fails. Respawn retries indefinitely; startup does not retry at all.
const forkRetryDelay = 100 * time.Millisecond

const bugReportMsg = "worker crashed with SIGSEGV, please report this to the otterd issue tracker"

// Options configures a Manager. WorkerNum and Spawn are required; everything
// else has a working zero value.
type Options struct {
	// WorkerNum is the number of event-worker slots.
	WorkerNum int
	// TaskWorkerNum is the number of task-worker slots; 0 disables the pool.
	TaskWorkerNum int
	// UserWorkers is the roster of operator-defined workers. Logical ids are
	// assigned by New, after the event and task ranges.
	UserWorkers []*types.Worker

	// MaxWaitTime is the force-kill deadline per reload batch; 0 disables
	// escalation.
	MaxWaitTime time.Duration
	// ManagerAlarm is the periodic tick period; 0 disables the tick.
	ManagerAlarm time.Duration
	// ReloadAsync broadcasts TERM to all event workers at reload start
	// instead of restarting them one at a time.
	ReloadAsync bool

	// Spawn starts children. Required.
	Spawn Spawner
	// Box is the restart-request channel; nil disables draining.
	Box *msgbox.Box
	// Metrics, when set, receives lifecycle counters.
	Metrics *metrics.Collector
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// StatusFile, when set, is rewritten with the live pid roster on every
	// membership change.
	StatusFile string

	// OnManagerStart runs once after signal setup, before the loop.
	OnManagerStart func(m *Manager)
	// OnManagerStop runs once during graceful shutdown, before Run returns.
	OnManagerStop func(m *Manager)
	// OnWorkerError runs for every abnormal child exit.
	OnWorkerError func(m *Manager, info types.ExitInfo)
	// OnReopenLog runs when SIGRTMIN requests a log rotation.
	OnReopenLog func(m *Manager)
	// Hooks are the generic slots (HookManagerStart, HookManagerTimer).
	Hooks [types.NumHooks]func(m *Manager)
}

// Manager supervises the worker processes of the server. All fields are
// owned by the goroutine that calls Run, except the signal flags.
type Manager struct {
	opts Options
	id   xid.ID
	log  *slog.Logger

	flags  signalFlags
	sigCh  chan os.Signal
	wakeCh chan struct{}

	workers     []types.Worker
	pool        *pool.Pool
	userWorkers []*types.Worker
	userPidMap  map[int]*types.Worker

	wheel *timer.Wheel
	rel   reloadState

	// Syscall seams, overridable in tests.
	kill  func(pid int, sig unix.Signal) error
	wait4 func(ws *unix.WaitStatus) (int, error)
	wait  func(pid int) error
	sleep func()
}

// New validates opts and builds a manager. Nothing is spawned until Start.
func New(opts Options) (*Manager, error) {
	if opts.WorkerNum <= 0 {
		return nil, fmt.Errorf("manager: worker_num must be positive, got %d", opts.WorkerNum)
	}
	if opts.Spawn == nil {
		return nil, errors.New("manager: a Spawner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:       opts,
		id:         xid.New(),
		workers:    make([]types.Worker, opts.WorkerNum),
		userPidMap: make(map[int]*types.Worker),
		wheel:      timer.New(),
		wakeCh:     make(chan struct{}, 1),
		kill:       unix.Kill,
		sleep:      func() { time.Sleep(forkRetryDelay) },
	}
	m.log = logger.With("manager_id", m.id.String())
	m.wait4 = func(ws *unix.WaitStatus) (int, error) {
		return unix.Wait4(-1, ws, unix.WNOHANG|unix.WUNTRACED, nil)
	}
	m.wait = func(pid int) error {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		return err
	}
	for i := range m.workers {
		m.workers[i] = types.Worker{ID: i, Class: types.ClassEvent}
	}
	if opts.TaskWorkerNum > 0 {
		m.pool = pool.New(opts.TaskWorkerNum, opts.Spawn.SpawnTask)
	}
	nextID := opts.WorkerNum + opts.TaskWorkerNum
	for _, uw := range opts.UserWorkers {
		uw.Class = types.ClassUser
		uw.ID = nextID
		nextID++
		m.userWorkers = append(m.userWorkers, uw)
	}
	// The snapshot buffer is sized once for the largest reload.
	m.rel.snapshot = make([]snapEntry, 0, opts.WorkerNum+opts.TaskWorkerNum)
	return m, nil
}

// ID is the manager instance id carried in logs and the status file.
func (m *Manager) ID() string { return m.id.String() }

// Workers exposes the event-worker slots for inspection.
func (m *Manager) Workers() []types.Worker { return m.workers }

// Reloading reports whether a rolling reload is in progress.
func (m *Manager) Reloading() bool { return m.flags.reloading.Load() }

// Start spawns the initial worker set: task workers first, then the event
// slots, then the user roster. Any failure aborts startup and is returned;
// children spawned so far are left for the caller to TERM via Run/shutdown.
func (m *Manager) Start() error {
	if m.pool != nil {
		if err := m.pool.Start(); err != nil {
			return err
		}
		if m.opts.Metrics != nil {
			for range m.pool.Workers() {
				m.opts.Metrics.RecordFork(string(types.ClassTask))
			}
		}
	}
	for i := range m.workers {
		pid, err := m.spawnEvent(i)
		if err != nil {
			return fmt.Errorf("spawn event worker %d: %w", i, err)
		}
		m.recordEvent(i, pid)
	}
	for _, uw := range m.userWorkers {
		if _, err := m.spawnUser(uw); err != nil {
			return fmt.Errorf("spawn user worker %d: %w", uw.ID, err)
		}
	}
	m.publishAlive()
	m.writeStatus()
	return nil
}

// Run executes the supervisor loop until SIGTERM, then performs the graceful
// shutdown sequence. Call after Start.
func (m *Manager) Run() error {
	m.flags.running.Store(true)
	m.installSignals()
	m.wheel.Arm(func() {
		m.flags.alarm.Store(true)
		m.wake()
	})
	if m.opts.ManagerAlarm > 0 {
		m.wheel.Every(m.opts.ManagerAlarm, func() {
			if hook := m.opts.Hooks[types.HookManagerTimer]; hook != nil {
				hook(m)
			}
		})
	}
	if hook := m.opts.Hooks[types.HookManagerStart]; hook != nil {
		hook(m)
	}
	if m.opts.OnManagerStart != nil {
		m.opts.OnManagerStart(m)
	}
	m.log.Info("manager started",
		"event_workers", m.opts.WorkerNum,
		"task_workers", m.opts.TaskWorkerNum,
		"user_workers", len(m.userWorkers))

	for m.flags.running.Load() {
		pid, status, reaped := m.waitChild()

		if m.flags.readMessage.Load() {
			m.drainMessages()
			m.flags.readMessage.Store(false)
		}
		if m.flags.alarm.Swap(false) {
			m.wheel.Tick()
		}
		if m.flags.reopenLog.Swap(false) {
			if m.opts.OnReopenLog != nil {
				m.opts.OnReopenLog(m)
			}
		}

		if !reaped {
			// The signal-only wake: either a reload trigger or nothing.
			if !m.flags.reloading.Load() {
				continue
			}
			if m.flags.reloadAll.Load() {
				m.captureAll()
			} else if m.flags.reloadTasks.Load() {
				m.captureTasks()
				if !m.flags.reloading.Load() {
					continue
				}
			} else {
				// Draining already; the pending TERM target advances on
				// exits, not on stray wakes.
				continue
			}
		} else if m.flags.running.Load() {
			if m.handleExit(pid, status) {
				// A stopped child consumed its tracer; this was not an exit.
				continue
			}
		}

		m.reloadStep()
	}

	return m.shutdown()
}

// waitChild tries to reap one child; with none reapable it blocks until the
// dispatcher wakes it. A false third return is the signal-interrupted wait:
// no child was reaped this cycle.
func (m *Manager) waitChild() (int, unix.WaitStatus, bool) {
	var ws unix.WaitStatus
	pid, err := m.wait4(&ws)
	if pid > 0 {
		return pid, ws, true
	}
	if err != nil && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.ECHILD) {
		m.log.Warn("wait() failed", "error", err)
	}
	<-m.wakeCh
	return -1, 0, false
}

// drainMessages pops every pending restart request in FIFO order and
// respawns the addressed slot. Ids inside the event range respawn event
// slots; the rest address task workers through the pool.
func (m *Manager) drainMessages() {
	if m.opts.Box == nil {
		return
	}
	for {
		msg, ok := m.opts.Box.Pop()
		if !ok {
			return
		}
		if !m.flags.running.Load() {
			continue
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.RecordRestartRequest()
		}
		id := int(msg.WorkerID)
		if id < m.opts.WorkerNum {
			pid, err := m.spawnEvent(id)
			if err != nil {
				m.log.Warn("respawn on restart request failed", "worker", id, "error", err)
				continue
			}
			m.recordEvent(id, pid)
			m.writeStatus()
			continue
		}
		idx := id - m.opts.WorkerNum
		if m.pool == nil || idx >= m.pool.Len() {
			m.log.Warn("restart request for unknown worker id", "worker", id)
			continue
		}
		if _, err := m.pool.Respawn(m.pool.Workers()[idx]); err != nil {
			m.log.Warn("respawn on restart request failed", "worker", id, "error", err)
			continue
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.RecordFork(string(types.ClassTask))
		}
		m.writeStatus()
	}
}

// handleExit processes one reaped child. The true return means the child was
// only stopped and its one-shot tracer ran; the loop re-enters the wait
// without treating this as an exit.
func (m *Manager) handleExit(pid int, ws unix.WaitStatus) bool {
	if w := m.eventByPid(pid); w != nil {
		if ws.Stopped() && w.Tracer != nil {
			tr := w.Tracer
			w.Tracer = nil
			tr(w)
			return true
		}
		m.checkExitStatus(w.ID, pid, ws)
		for {
			newPid, err := m.spawnEvent(w.ID)
			if err != nil {
				m.log.Warn("respawn event worker failed, retrying", "slot", w.ID, "error", err)
				m.sleep()
				continue
			}
			m.recordEvent(w.ID, newPid)
			break
		}
	} else if w := m.taskByPid(pid); w != nil {
		if ws.Stopped() && w.Tracer != nil {
			tr := w.Tracer
			w.Tracer = nil
			tr(w)
			return true
		}
		m.checkExitStatus(m.opts.WorkerNum+w.ID, pid, ws)
		for {
			_, err := m.pool.Respawn(w)
			if err != nil {
				if errors.Is(err, pool.ErrPoolStopped) {
					break
				}
				m.log.Warn("respawn task worker failed, retrying", "worker", w.ID, "error", err)
				if m.opts.Metrics != nil {
					m.opts.Metrics.RecordForkFailure()
				}
				m.sleep()
				continue
			}
			if m.opts.Metrics != nil {
				m.opts.Metrics.RecordFork(string(types.ClassTask))
			}
			break
		}
	} else if w := m.userByPid(pid); w != nil {
		m.checkExitStatus(w.ID, pid, ws)
		for {
			_, err := m.spawnUser(w)
			if err != nil {
				m.log.Warn("respawn user worker failed, retrying", "worker", w.ID, "error", err)
				m.sleep()
				continue
			}
			break
		}
	}

	if pid == m.rel.targetPid && m.flags.reloading.Load() {
		m.rel.cursor++
	}
	m.writeStatus()
	return false
}

// checkExitStatus logs an abnormal exit and invokes the operator hook. A
// clean exit (code 0, no signal) is silent.
func (m *Manager) checkExitStatus(id, pid int, ws unix.WaitStatus) {
	code := 0
	if ws.Exited() {
		code = ws.ExitStatus()
	}
	sig := 0
	if ws.Signaled() {
		sig = int(ws.Signal())
	}
	abnormal := code != 0 || sig != 0
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordExit(abnormal)
	}
	if !abnormal {
		return
	}
	m.log.Warn("worker abnormal exit",
		"worker", id, "pid", pid, "exit_code", code, "signal", sig)
	if sig == int(unix.SIGSEGV) {
		m.log.Error(bugReportMsg, "worker", id, "pid", pid)
	}
	if m.opts.OnWorkerError != nil {
		m.opts.OnWorkerError(m, types.ExitInfo{
			WorkerID: id,
			Pid:      pid,
			ExitCode: code,
			Signal:   sig,
		})
	}
}

// shutdown is the graceful exit sequence: restore default signal delivery,
// TERM the event workers, shut the task pool down, wait for every event
// worker, then TERM and wait the user workers over a pid snapshot, and fire
// the stop hook.
func (m *Manager) shutdown() error {
	m.uninstallSignals()
	m.wheel.Close()

	for i := range m.workers {
		if err := m.kill(m.workers[i].Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			m.log.Warn("kill event worker failed", "pid", m.workers[i].Pid, "error", err)
		}
	}
	if m.pool != nil {
		m.pool.Shutdown()
	}
	for i := range m.workers {
		if err := m.wait(m.workers[i].Pid); err != nil && !errors.Is(err, unix.ECHILD) {
			m.log.Warn("waitpid on event worker failed", "pid", m.workers[i].Pid, "error", err)
		}
	}

	pids := m.userPids()
	for _, pid := range pids {
		if err := m.kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			m.log.Warn("kill user worker failed", "pid", pid, "error", err)
		}
	}
	for _, pid := range pids {
		if err := m.wait(pid); err != nil && !errors.Is(err, unix.ECHILD) {
			m.log.Warn("waitpid on user worker failed", "pid", pid, "error", err)
		}
	}

	if m.opts.OnManagerStop != nil {
		m.opts.OnManagerStop(m)
	}
	m.log.Info("manager stopped")
	return nil
}

// publishAlive pushes current roster sizes to the metrics gauges.
func (m *Manager) publishAlive() {
	if m.opts.Metrics == nil {
		return
	}
	m.opts.Metrics.SetWorkersAlive(string(types.ClassEvent), len(m.workers))
	if m.pool != nil {
		m.opts.Metrics.SetWorkersAlive(string(types.ClassTask), m.pool.Len())
	}
	m.opts.Metrics.SetWorkersAlive(string(types.ClassUser), len(m.userWorkers))
}
