// ============================================================================
// Otterd Manager - rolling reload state machine
// ============================================================================
//
// Package: internal/manager
// File: reload.go
// Purpose: drive a rolling restart of a class of workers: capture a snapshot
//          of the targets, TERM them one by one (or broadcast for async
//          event reloads), and escalate to SIGKILL when the graceful window
//          elapses
//
// States:
//   Idle      - no reload in progress; cursor and snapshot are empty
//   Capturing - a reload signal arrived; the next loop iteration snapshots
//               the target workers and schedules the timeout killers
//   Draining  - TERM the worker under the cursor, advance as exits are
//               reaped, finish when the cursor passes the snapshot and no
//               async-broadcast event target is still unreaped
//
// Termination: every snapshotted pid is either reaped (advancing the cursor)
// or force-killed by the timeout killer after maxWaitTime; the SIGKILL exit
// is reaped like any other, so the cursor always reaches the end.
//
// ============================================================================

package manager

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type reloadPhase int

const (
	phaseIdle reloadPhase = iota
	phaseCapturing
	phaseDraining
)

// snapEntry is one frozen target of an in-progress reload.
type snapEntry struct {
	id  int
	pid int
}

// reloadState is owned by the supervisor goroutine. While no reload is in
// progress the snapshot is empty, the cursor is zero and targetPid is zero.
type reloadState struct {
	phase     reloadPhase
	snapshot  []snapEntry
	cursor    int
	targetPid int
	startedAt time.Time
	scope     string
}

// captureAll snapshots every event and task worker for a full reload. Runs
// once per reload; the reloadAll trigger is cleared inside the init block so
// later wakes do not capture again.
func (m *Manager) captureAll() {
	m.log.Info("reloading all workers")
	if m.rel.phase != phaseIdle {
		return
	}
	m.rel.phase = phaseCapturing
	m.rel.scope = "all"
	m.rel.startedAt = time.Now()
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordReloadStart(m.rel.scope)
	}

	m.rel.snapshot = m.rel.snapshot[:0]
	for i := range m.workers {
		m.rel.snapshot = append(m.rel.snapshot, snapEntry{id: m.workers[i].ID, pid: m.workers[i].Pid})
	}
	m.addTimeoutKiller(m.rel.snapshot[:len(m.workers)])

	if m.pool != nil {
		start := len(m.rel.snapshot)
		for _, w := range m.pool.Workers() {
			m.rel.snapshot = append(m.rel.snapshot, snapEntry{id: m.opts.WorkerNum + w.ID, pid: w.Pid})
		}
		m.addTimeoutKiller(m.rel.snapshot[start:])
	}

	m.flags.reloadAll.Store(false)
	if m.opts.ReloadAsync {
		// Broadcast TERM to the event group and start draining at the first
		// task worker; event slots respawn concurrently as exits arrive.
		for i := 0; i < len(m.workers); i++ {
			e := m.rel.snapshot[i]
			if err := m.kill(e.pid, unix.SIGTERM); err != nil {
				m.log.Warn("kill worker for reload failed", "pid", e.pid, "slot", e.id, "error", err)
			}
		}
		m.rel.cursor = len(m.workers)
	} else {
		m.rel.cursor = 0
	}
	m.rel.phase = phaseDraining
}

// captureTasks snapshots the task workers for a tasks-only reload. With no
// task workers configured this is a warning no-op and the machine returns to
// Idle immediately.
func (m *Manager) captureTasks() {
	if m.pool == nil || m.pool.Len() == 0 {
		m.log.Warn("cannot reload task workers, task workers are not started")
		m.flags.reloadTasks.Store(false)
		m.flags.reloading.Store(false)
		return
	}
	m.log.Info("reloading task workers")
	if m.rel.phase != phaseIdle {
		return
	}
	m.rel.phase = phaseCapturing
	m.rel.scope = "tasks"
	m.rel.startedAt = time.Now()
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordReloadStart(m.rel.scope)
	}

	m.rel.snapshot = m.rel.snapshot[:0]
	for _, w := range m.pool.Workers() {
		m.rel.snapshot = append(m.rel.snapshot, snapEntry{id: m.opts.WorkerNum + w.ID, pid: w.Pid})
	}
	m.addTimeoutKiller(m.rel.snapshot)
	m.rel.cursor = 0
	m.flags.reloadTasks.Store(false)
	m.rel.phase = phaseDraining
}

// reloadStep runs at the end of every loop iteration while a reload is in
// progress: finish when the cursor passes the snapshot (for an async full
// reload, also only once every broadcast event target has been reaped and
// replaced), otherwise TERM the worker under the cursor. Pids that are already gone (ECHILD/ESRCH) advance
// the cursor within the same iteration.
func (m *Manager) reloadStep() {
	if !m.flags.reloading.Load() {
		return
	}
	for {
		if m.rel.cursor >= len(m.rel.snapshot) {
			if m.opts.ReloadAsync && m.rel.scope == "all" {
				// Broadcast event targets still holding their slot have not
				// been reaped yet.
				for _, e := range m.rel.snapshot[:len(m.workers)] {
					if m.workers[e.id].Pid == e.pid {
						return
					}
				}
			}
			elapsed := time.Since(m.rel.startedAt)
			scope := m.rel.scope
			m.rel = reloadState{snapshot: m.rel.snapshot[:0]}
			m.flags.reloading.Store(false)
			if m.opts.Metrics != nil {
				m.opts.Metrics.RecordReloadDone(elapsed.Seconds())
			}
			m.log.Info("reload finished", "scope", scope, "elapsed", elapsed)
			m.writeStatus()
			return
		}
		m.rel.targetPid = m.rel.snapshot[m.rel.cursor].pid
		err := m.kill(m.rel.targetPid, unix.SIGTERM)
		if err == nil {
			return
		}
		if errors.Is(err, unix.ECHILD) || errors.Is(err, unix.ESRCH) {
			m.rel.cursor++
			continue
		}
		m.log.Warn("kill worker for reload failed",
			"pid", m.rel.targetPid, "cursor", m.rel.cursor, "error", err)
		return
	}
}

// addTimeoutKiller schedules the force-kill deadline for one snapshot group.
// The killer owns its private copy of the entries; the manager's snapshot
// buffer is reused by the next reload. Disabled when maxWaitTime is zero.
func (m *Manager) addTimeoutKiller(entries []snapEntry) {
	if m.opts.MaxWaitTime <= 0 {
		return
	}
	own := append([]snapEntry(nil), entries...)
	m.wheel.After(m.opts.MaxWaitTime, func() {
		for _, e := range own {
			// Probe first: a pid that is already gone needs no escalation.
			if m.kill(e.pid, 0) != nil {
				continue
			}
			if err := m.kill(e.pid, unix.SIGKILL); err != nil {
				m.log.Error("kill(SIGKILL) failed", "pid", e.pid, "worker", e.id, "error", err)
				continue
			}
			if m.opts.Metrics != nil {
				m.opts.Metrics.RecordForcedKill()
			}
			m.log.Warn("worker exit timeout, forced kill", "worker", e.id, "pid", e.pid)
		}
	})
}
