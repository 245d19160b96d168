package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/otterd/pkg/types"
)

// startReload mimics a USR1/USR2 delivery followed by the signal-only wake
// the loop sees: set the flags, capture, leaving the machine in Draining.
func startReload(t *testing.T, m *Manager, tasksOnly bool) {
	t.Helper()
	if tasksOnly {
		m.handleSignal(unix.SIGUSR2)
		m.captureTasks()
	} else {
		m.handleSignal(unix.SIGUSR1)
		m.captureAll()
	}
}

func lastKill(t *testing.T, wd *world) killRec {
	t.Helper()
	require.NotEmpty(t, wd.kills)
	return wd.kills[len(wd.kills)-1]
}

func TestSequentialReloadWalksSlotOrder(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 2, MaxWaitTime: 0})
	require.NoError(t, m.Start())
	first, second := m.workers[0].Pid, m.workers[1].Pid

	startReload(t, m, false)
	assert.True(t, m.Reloading())
	assert.Equal(t, 2, len(m.rel.snapshot))

	// First drain step TERMs the first snapshot target only.
	m.reloadStep()
	assert.Equal(t, killRec{pid: first, sig: unix.SIGTERM}, lastKill(t, wd))

	// Its exit advances the cursor and the next step TERMs the second.
	m.handleExit(first, wsSignaled(int(unix.SIGTERM)))
	m.reloadStep()
	assert.Equal(t, killRec{pid: second, sig: unix.SIGTERM}, lastKill(t, wd))

	// Last exit completes the reload and clears every reload field.
	m.handleExit(second, wsSignaled(int(unix.SIGTERM)))
	m.reloadStep()
	assert.False(t, m.Reloading())
	assert.Equal(t, phaseIdle, m.rel.phase)
	assert.Equal(t, 0, m.rel.cursor)
	assert.Equal(t, 0, m.rel.targetPid)
	assert.Empty(t, m.rel.snapshot)
}

func TestAsyncReloadBroadcastsEventTerm(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 4, ReloadAsync: true})
	require.NoError(t, m.Start())
	pids := []int{m.workers[0].Pid, m.workers[1].Pid, m.workers[2].Pid, m.workers[3].Pid}

	startReload(t, m, false)

	// All four event workers get TERM before any exit is observed.
	require.Len(t, wd.kills, 4)
	for i, k := range wd.kills {
		assert.Equal(t, killRec{pid: pids[i], sig: unix.SIGTERM}, k)
	}
	assert.Equal(t, 4, m.rel.cursor, "cursor starts past the event range")

	// Each exit respawns its own slot; the machine finishes only after the
	// last one is reaped.
	for i, pid := range pids {
		m.handleExit(pid, wsSignaled(int(unix.SIGTERM)))
		m.reloadStep()
		if i < len(pids)-1 {
			assert.True(t, m.Reloading(), "broadcast event exits still outstanding")
		}
		assert.NotEqual(t, pid, m.workers[i].Pid, "slot %d respawned", i)
	}
	assert.False(t, m.Reloading())
}

func TestFullReloadIncludesTaskWorkers(t *testing.T) {
	m, _ := newTestManager(t, Options{WorkerNum: 1, TaskWorkerNum: 2})
	require.NoError(t, m.Start())

	startReload(t, m, false)

	require.Len(t, m.rel.snapshot, 3)
	assert.Equal(t, 0, m.rel.snapshot[0].id)
	assert.Equal(t, 1, m.rel.snapshot[1].id, "task ids follow the event range")
	assert.Equal(t, 2, m.rel.snapshot[2].id)
}

func TestReloadSkipsAlreadyDeadTargets(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 2})
	require.NoError(t, m.Start())
	first, second := m.workers[0].Pid, m.workers[1].Pid
	wd.killErr[first] = unix.ESRCH

	startReload(t, m, false)
	m.reloadStep()

	// The dead first target is skipped within the same iteration and TERM
	// lands on the second straight away.
	assert.Equal(t, killRec{pid: second, sig: unix.SIGTERM}, lastKill(t, wd))
	assert.Equal(t, 1, m.rel.cursor)
}

func TestReloadStaysOnCursorForOtherKillErrors(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 2})
	require.NoError(t, m.Start())
	first := m.workers[0].Pid
	wd.killErr[first] = unix.EPERM

	startReload(t, m, false)
	m.reloadStep()

	assert.Equal(t, 0, m.rel.cursor, "errors other than ECHILD/ESRCH do not advance the cursor")
	assert.True(t, m.Reloading())
}

func TestReloadSignalsCoalesce(t *testing.T) {
	m, _ := newTestManager(t, Options{WorkerNum: 2})
	require.NoError(t, m.Start())

	m.handleSignal(unix.SIGUSR1)
	m.handleSignal(unix.SIGUSR1)
	m.handleSignal(unix.SIGUSR2)

	assert.True(t, m.flags.reloadAll.Load())
	assert.False(t, m.flags.reloadTasks.Load(), "later reload signals are dropped while reloading")

	m.captureAll()
	first := len(m.rel.snapshot)
	require.Positive(t, first)

	// A second capture attempt while draining must not restart the cycle.
	m.flags.reloadAll.Store(true)
	m.captureAll()
	assert.Equal(t, first, len(m.rel.snapshot))
	m.flags.reloadAll.Store(false)
}

func TestTaskReloadWithNoTaskWorkers(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 2, TaskWorkerNum: 0})
	require.NoError(t, m.Start())

	startReload(t, m, true)

	assert.False(t, m.Reloading(), "warning no-op returns the machine to Idle")
	assert.Equal(t, phaseIdle, m.rel.phase)
	assert.Empty(t, wd.kills, "no processes are touched")

	// And the machine still accepts the next reload.
	m.handleSignal(unix.SIGUSR1)
	assert.True(t, m.flags.reloadAll.Load())
}

func TestTaskOnlyReloadTargetsPoolWorkers(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 2, TaskWorkerNum: 2})
	require.NoError(t, m.Start())
	eventPid := m.workers[0].Pid
	taskPids := []int{m.pool.Workers()[0].Pid, m.pool.Workers()[1].Pid}

	startReload(t, m, true)
	require.Len(t, m.rel.snapshot, 2)

	m.reloadStep()
	assert.Equal(t, killRec{pid: taskPids[0], sig: unix.SIGTERM}, lastKill(t, wd))
	for _, k := range wd.kills {
		assert.NotEqual(t, eventPid, k.pid, "event workers are untouched by a task reload")
	}

	m.handleExit(taskPids[0], wsSignaled(int(unix.SIGTERM)))
	m.reloadStep()
	m.handleExit(taskPids[1], wsSignaled(int(unix.SIGTERM)))
	m.reloadStep()
	assert.False(t, m.Reloading())
}

func TestTimeoutKillerEscalatesToSigkill(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 1, MaxWaitTime: time.Nanosecond})
	require.NoError(t, m.Start())
	stubborn := m.workers[0].Pid

	startReload(t, m, false)
	m.reloadStep()
	assert.Equal(t, killRec{pid: stubborn, sig: unix.SIGTERM}, lastKill(t, wd))

	// The deadline passes; ticking the wheel fires the killer, which probes
	// with signal 0 and escalates to SIGKILL.
	time.Sleep(time.Millisecond)
	wd.kills = nil
	m.wheel.Tick()

	require.Len(t, wd.kills, 2)
	assert.Equal(t, killRec{pid: stubborn, sig: 0}, wd.kills[0])
	assert.Equal(t, killRec{pid: stubborn, sig: unix.SIGKILL}, wd.kills[1])
}

func TestTimeoutKillerSkipsDeadPids(t *testing.T) {
	m, wd := newTestManager(t, Options{WorkerNum: 1, MaxWaitTime: time.Nanosecond})
	require.NoError(t, m.Start())
	gone := m.workers[0].Pid
	wd.killErr[gone] = unix.ESRCH

	startReload(t, m, false)
	time.Sleep(time.Millisecond)
	wd.kills = nil
	m.wheel.Tick()

	assert.Empty(t, wd.kills, "a pid that fails the liveness probe is left alone")
}

func TestTimeoutKillerDisabledWithoutDeadline(t *testing.T) {
	m, _ := newTestManager(t, Options{WorkerNum: 1, MaxWaitTime: 0})
	require.NoError(t, m.Start())

	startReload(t, m, false)
	time.Sleep(time.Millisecond)
	m.wheel.Tick() // nothing scheduled, nothing fires
	assert.True(t, m.Reloading())
}

func TestReloadCursorAdvancesOnlyForTargetPid(t *testing.T) {
	m, _ := newTestManager(t, Options{WorkerNum: 3})
	require.NoError(t, m.Start())

	startReload(t, m, false)
	m.reloadStep()
	require.Equal(t, m.workers[0].Pid, m.rel.targetPid)

	// A bystander exit (slot 2) respawns but does not advance the cursor.
	bystander := m.workers[2].Pid
	m.handleExit(bystander, wsExit(1))
	assert.Equal(t, 0, m.rel.cursor)

	m.handleExit(m.rel.targetPid, wsSignaled(int(unix.SIGTERM)))
	assert.Equal(t, 1, m.rel.cursor)
}

func TestUserWorkersExcludedFromReload(t *testing.T) {
	user := &types.Worker{}
	m, _ := newTestManager(t, Options{
		WorkerNum:   1,
		UserWorkers: []*types.Worker{user},
	})
	require.NoError(t, m.Start())

	startReload(t, m, false)
	for _, e := range m.rel.snapshot {
		assert.NotEqual(t, user.Pid, e.pid, "user workers never appear in a reload snapshot")
	}
}
