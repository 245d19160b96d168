package manager

import "github.com/ChuLiYu/otterd/pkg/types"

// The process table: event workers live in a dense, never-resized array
// indexed by slot; task workers are pid-indexed by the pool; user workers
// keep a roster plus a pid index owned here. All lookups run on the
// supervisor goroutine, so the indexes owned here take no locks; task
// lookups go through the pool, which guards its index with its mutex.

// recordEvent stores the pid of a freshly spawned event worker in its slot.
func (m *Manager) recordEvent(i, pid int) {
	m.workers[i].Pid = pid
}

// eventByPid scans the event slots for a pid match. The array is small and
// dense; a linear scan is how every reap resolves event workers.
func (m *Manager) eventByPid(pid int) *types.Worker {
	for i := range m.workers {
		if m.workers[i].Pid == pid {
			return &m.workers[i]
		}
	}
	return nil
}

// taskByPid resolves a reaped pid through the pool's pid index.
func (m *Manager) taskByPid(pid int) *types.Worker {
	if m.pool == nil {
		return nil
	}
	return m.pool.ByPid(pid)
}

// userByPid resolves a reaped pid through the user-worker index.
func (m *Manager) userByPid(pid int) *types.Worker {
	return m.userPidMap[pid]
}

// recordUser indexes a user worker under its new pid. The previous pid key
// must already have been removed by removeUser, so stale entries never leak.
func (m *Manager) recordUser(w *types.Worker, pid int) {
	w.Pid = pid
	m.userPidMap[pid] = w
}

// removeUser drops the old pid key ahead of a respawn insert.
func (m *Manager) removeUser(pid int) {
	delete(m.userPidMap, pid)
}

// userPids snapshots the live user-worker pids. Shutdown iterates this
// snapshot once for TERM and once for waitpid instead of consuming the map.
func (m *Manager) userPids() []int {
	pids := make([]int, 0, len(m.userPidMap))
	for pid := range m.userPidMap {
		pids = append(pids, pid)
	}
	return pids
}
