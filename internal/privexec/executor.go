// Package privexec implements the privileged execution channel: command
// batches are queued and run one after another through an elevated shell.
// Callers never see results; effects are observed through their side
// effects (ports, pid files, processes).
package privexec

import (
	"context"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Submitter accepts command batches for privileged execution.
type Submitter interface {
	Submit(commands []string)
}

type batch struct {
	id       uuid.UUID
	commands []string
}

// Executor runs submitted batches sequentially on a single worker.
type Executor struct {
	shell []string
	queue chan batch
}

// NewExecutor creates an executor. Each command is run as
// shell[0] shell[1:]... <command>.
func NewExecutor(shell []string, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Executor{
		shell: shell,
		queue: make(chan batch, queueSize),
	}
}

// Submit queues a batch. It never blocks: when the queue is full the batch
// is dropped with a warning.
func (e *Executor) Submit(commands []string) {
	if len(commands) == 0 {
		return
	}
	b := batch{id: uuid.New(), commands: commands}
	select {
	case e.queue <- b:
		log.Debug().Str("batch", b.id.String()).Int("commands", len(commands)).Msg("privileged batch queued")
	default:
		log.Warn().Str("batch", b.id.String()).Strs("commands", commands).Msg("privileged queue full, batch dropped")
	}
}

// Pending returns the number of queued batches.
func (e *Executor) Pending() int {
	return len(e.queue)
}

// Run executes queued batches until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-e.queue:
			e.execute(ctx, b)
		}
	}
}

func (e *Executor) execute(ctx context.Context, b batch) {
	for _, command := range b.commands {
		if ctx.Err() != nil {
			return
		}
		args := append(append([]string{}, e.shell[1:]...), command)
		out, err := exec.CommandContext(ctx, e.shell[0], args...).CombinedOutput()
		if err != nil {
			log.Warn().
				Err(err).
				Str("batch", b.id.String()).
				Str("command", command).
				Str("output", strings.TrimSpace(string(out))).
				Msg("privileged command failed")
			continue
		}
		log.Debug().Str("batch", b.id.String()).Str("command", command).Msg("privileged command done")
	}
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes and joins a command line.
func Join(argv ...string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
