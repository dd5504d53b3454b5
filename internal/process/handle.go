// Package process launches module daemons and tracks the units of work
// backing them.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handle is a running unit of work backing a module.
type Handle interface {
	Name() string
	PID() int // 0 if unknown
	Alive() bool
	Terminate(force bool) error
}

// ErrNotStarted is returned by operations on a worker whose command never ran.
var ErrNotStarted = errors.New("process not started")

// Worker is a daemon spawned and owned by this process.
type Worker struct {
	name string
	cmd  *exec.Cmd
	out  *os.File

	alive atomic.Bool
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

// startWorker starts cmd and returns a worker tracking it. The worker owns out
// and closes it once the command exits.
func startWorker(name string, cmd *exec.Cmd, out *os.File) (*Worker, error) {
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	w := &Worker{
		name: name,
		cmd:  cmd,
		out:  out,
		done: make(chan struct{}),
	}
	w.alive.Store(true)
	go w.wait()
	return w, nil
}

func (w *Worker) wait() {
	err := w.cmd.Wait()

	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()

	w.alive.Store(false)
	if w.out != nil {
		_ = w.out.Close()
	}
	close(w.done)

	if err != nil {
		log.Debug().Str("worker", w.name).Err(err).Msg("worker exited")
	} else {
		log.Debug().Str("worker", w.name).Msg("worker completed")
	}
}

// Name returns the worker name, "<module>-worker".
func (w *Worker) Name() string { return w.name }

// PID returns the process ID of the daemon.
func (w *Worker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Alive reports whether the daemon has not exited yet.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Done is closed when the daemon exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitErr returns nil if the daemon completed gracefully and the wait error
// otherwise. It is only meaningful once Done is closed.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Terminate interrupts the daemon's process group, or kills it when force is set.
func (w *Worker) Terminate(force bool) error {
	if !w.Alive() {
		return nil
	}
	if w.cmd.Process == nil {
		return ErrNotStarted
	}
	return signalGroup(w.cmd.Process, force)
}
