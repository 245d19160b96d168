package manager

import (
	"encoding/json"
	"os"
	"time"
)

// Status is the snapshot the manager rewrites on every membership change.
// The status command reads it back without talking to the live process.
type Status struct {
	ManagerID  string    `json:"manager_id"`
	ManagerPid int       `json:"manager_pid"`
	UpdatedAt  time.Time `json:"updated_at"`
	Reloading  bool      `json:"reloading"`
	EventPids  []int     `json:"event_pids"`
	TaskPids   []int     `json:"task_pids,omitempty"`
	UserPids   []int     `json:"user_pids,omitempty"`
}

// writeStatus rewrites the status file atomically via rename. Failures are
// logged and otherwise ignored; the status file is advisory.
func (m *Manager) writeStatus() {
	if m.opts.StatusFile == "" {
		return
	}
	st := Status{
		ManagerID:  m.id.String(),
		ManagerPid: os.Getpid(),
		UpdatedAt:  time.Now(),
		Reloading:  m.flags.reloading.Load(),
	}
	for i := range m.workers {
		st.EventPids = append(st.EventPids, m.workers[i].Pid)
	}
	if m.pool != nil {
		for _, w := range m.pool.Workers() {
			st.TaskPids = append(st.TaskPids, w.Pid)
		}
	}
	for _, w := range m.userWorkers {
		st.UserPids = append(st.UserPids, w.Pid)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		m.log.Warn("encode status file failed", "error", err)
		return
	}
	tmp := m.opts.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.log.Warn("write status file failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, m.opts.StatusFile); err != nil {
		m.log.Warn("rename status file failed", "path", m.opts.StatusFile, "error", err)
	}
}

// ReadStatus loads a status file written by a running manager.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
