// ============================================================================
// Otterd Manager - signal dispatcher
// ============================================================================
//
// Package: internal/manager
// File: signals.go
// Purpose: translate POSIX signals into single-flag state readable by the
//          supervisor loop
//
// Signal contract:
//   TERM    -> running = false
//   USR1    -> reloading = true, reloadAll = true (coalesced while reloading)
//   USR2    -> reloading = true, reloadTasks = true (coalesced while reloading)
//   IO      -> readMessage = true
//   ALRM    -> alarm = true
//   RTMIN   -> reopenLog = true
//   HUP     -> ignored (installed so the default action cannot kill us)
//   CHLD    -> no flag; only wakes the loop so it can reap
//
// The dispatcher goroutine does nothing but set flags and wake the loop; all
// real work happens on the supervisor goroutine. The loop re-examines every
// flag on each wake, so no ordering stronger than the atomic bools is needed.
//
// ============================================================================

package manager

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// sigReopenLog is SIGRTMIN on linux with glibc (32 and 33 are reserved for
// the threading runtime).
const sigReopenLog = unix.Signal(34)

// signalFlags is the shared state between the dispatcher and the loop. Each
// flag is published by the dispatcher and consumed by the loop; alarm is
// also set by the timer wheel's waker, and reloading is also cleared by the
// loop when a reload completes.
type signalFlags struct {
	running     atomic.Bool
	reloading   atomic.Bool
	reloadAll   atomic.Bool
	reloadTasks atomic.Bool
	readMessage atomic.Bool
	alarm       atomic.Bool
	reopenLog   atomic.Bool
}

// installSignals subscribes the manager's signal set and starts the
// dispatcher goroutine.
func (m *Manager) installSignals() {
	m.sigCh = make(chan os.Signal, 16)
	signal.Notify(m.sigCh,
		unix.SIGHUP,
		unix.SIGTERM,
		unix.SIGUSR1,
		unix.SIGUSR2,
		unix.SIGIO,
		unix.SIGALRM,
		unix.SIGCHLD,
		sigReopenLog,
	)
	go func() {
		for sig := range m.sigCh {
			m.handleSignal(sig)
			m.wake()
		}
	}()
}

// uninstallSignals restores default signal delivery. After this no new flag
// mutations occur.
func (m *Manager) uninstallSignals() {
	signal.Stop(m.sigCh)
	close(m.sigCh)
}

// handleSignal sets the flag for one delivered signal. Runs on the
// dispatcher goroutine; must stay allocation- and blocking-free.
func (m *Manager) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGTERM:
		m.flags.running.Store(false)
	case unix.SIGUSR1:
		// Reload signals coalesce: an in-progress reload already restarts
		// everything, so further requests are dropped.
		if m.flags.reloading.CompareAndSwap(false, true) {
			m.flags.reloadAll.Store(true)
		}
	case unix.SIGUSR2:
		if m.flags.reloading.CompareAndSwap(false, true) {
			m.flags.reloadTasks.Store(true)
		}
	case unix.SIGIO:
		m.flags.readMessage.Store(true)
	case unix.SIGALRM:
		m.flags.alarm.Store(true)
	case sigReopenLog:
		m.flags.reopenLog.Store(true)
	case unix.SIGHUP, unix.SIGCHLD:
		// HUP is ignored; CHLD exists only to wake the reaping wait.
	}
}

// wake nudges the supervisor loop out of its blocking wait. The channel has
// capacity one, so concurrent wakes collapse into a single token; the loop
// re-checks every flag after each wake, which makes lost duplicates harmless.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}
