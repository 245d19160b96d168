// Package types defines the core domain models shared across the otterd
// process manager: worker records, worker classes, lifecycle hooks and the
// restart-request message exchanged through the shared message box.
package types

import "os"

// WorkerClass identifies which roster a child process belongs to.
type WorkerClass string

const (
	// ClassEvent is a child serving network requests, addressed by a dense
	// slot index in [0, WorkerNum).
	ClassEvent WorkerClass = "event"
	// ClassTask is a child executing queued background tasks, owned by the
	// task process pool.
	ClassTask WorkerClass = "task"
	// ClassUser is an operator-defined child with an operator-supplied
	// entrypoint.
	ClassUser WorkerClass = "user"
)

// TracerFunc is a one-shot debugger hook invoked when a child is observed in
// stopped state. It is cleared after the first invocation.
type TracerFunc func(w *Worker)

// Worker is the manager's record of one spawned child process.
//
// ID is the stable logical slot within the worker's class; Pid is the current
// OS process id and changes on every respawn (0 means not yet forked). The
// pipe handles are allocated elsewhere; the manager only records them.
type Worker struct {
	ID    int
	Class WorkerClass
	Pid   int

	// Master/worker ends of the IPC pipe pair, owned by the caller.
	PipeMaster *os.File
	PipeWorker *os.File

	// Tracer, if set, fires once when the child stops under a debugger.
	Tracer TracerFunc
}

// StopMessage is the fixed-size record workers push onto the restart-request
// channel. WorkerID < WorkerNum denotes an event worker; larger ids address
// the task worker at index WorkerID - WorkerNum.
type StopMessage struct {
	WorkerID uint32
}

// ExitInfo describes a reaped child for the OnWorkerError hook.
type ExitInfo struct {
	WorkerID int
	Pid      int
	ExitCode int
	Signal   int
}

// HookID selects a generic manager hook slot.
type HookID int

const (
	// HookManagerStart fires once when the supervisor loop starts.
	HookManagerStart HookID = iota
	// HookManagerTimer fires on every periodic manager tick.
	HookManagerTimer
	hookMax
)

// NumHooks is the size of a hook table indexed by HookID.
const NumHooks = int(hookMax)
