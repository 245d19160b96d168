package manager

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/ChuLiYu/otterd/pkg/types"
)

// Environment keys the default spawner sets for every child. The worker-mode
// entry in internal/cli reads these before the CLI is even built.
const (
	EnvWorkerClass = "OTTERD_WORKER_CLASS"
	EnvWorkerID    = "OTTERD_WORKER_ID"
	EnvMsgBox      = "OTTERD_MSGBOX"
	EnvManagerPid  = "OTTERD_MANAGER_PID"
)

// Spawner starts one child process of the given class and returns its pid.
// Implementations must not block on the child.
type Spawner interface {
	SpawnEvent(id int) (int, error)
	SpawnTask(w *types.Worker) (int, error)
	SpawnUser(w *types.Worker) (int, error)
}

// ExecSpawner is the production Spawner: it re-executes the manager's own
// binary (or a configured command) with the worker class and logical id in
// the environment. Children do not inherit the manager's listeners unless
// the operator passes them explicitly through ExtraFiles.
type ExecSpawner struct {
	// Path is the binary to execute; empty means the current executable.
	Path string
	// Args are passed verbatim to the child.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// BoxPath, when set, is exported so workers can push restart requests.
	BoxPath string
	// ExtraFiles are inherited by the child starting at fd 3.
	ExtraFiles []*os.File
}

func (s *ExecSpawner) start(class types.WorkerClass, id int) (int, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		EnvWorkerClass+"="+string(class),
		EnvWorkerID+"="+strconv.Itoa(id),
		EnvManagerPid+"="+strconv.Itoa(os.Getpid()),
	)
	if s.BoxPath != "" {
		cmd.Env = append(cmd.Env, EnvMsgBox+"="+s.BoxPath)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = s.ExtraFiles
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// The supervisor loop reaps through wait(); releasing the handle keeps
	// os/exec from expecting a matching Wait call.
	cmd.Process.Release()
	return pid, nil
}

// SpawnEvent execs an event worker for slot id.
func (s *ExecSpawner) SpawnEvent(id int) (int, error) {
	return s.start(types.ClassEvent, id)
}

// SpawnTask execs a task worker.
func (s *ExecSpawner) SpawnTask(w *types.Worker) (int, error) {
	return s.start(types.ClassTask, w.ID)
}

// SpawnUser execs a user worker.
func (s *ExecSpawner) SpawnUser(w *types.Worker) (int, error) {
	return s.start(types.ClassUser, w.ID)
}

// spawnEvent starts one event worker and records the spawn in metrics. The
// caller stores the pid into the slot.
func (m *Manager) spawnEvent(id int) (int, error) {
	pid, err := m.opts.Spawn.SpawnEvent(id)
	if err != nil {
		if m.opts.Metrics != nil {
			m.opts.Metrics.RecordForkFailure()
		}
		return 0, err
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordFork(string(types.ClassEvent))
	}
	return pid, nil
}

// spawnUser starts one user worker and fixes the pid index: the old pid key
// is removed before the new one is inserted, and the shared record's pid is
// updated in place.
func (m *Manager) spawnUser(w *types.Worker) (int, error) {
	pid, err := m.opts.Spawn.SpawnUser(w)
	if err != nil {
		if m.opts.Metrics != nil {
			m.opts.Metrics.RecordForkFailure()
		}
		return 0, err
	}
	if w.Pid != 0 {
		m.removeUser(w.Pid)
	}
	m.recordUser(w, pid)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordFork(string(types.ClassUser))
	}
	return pid, nil
}
