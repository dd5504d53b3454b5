package process

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/privexec"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPortsBusy is returned when a module's ports could not be freed.
	ErrPortsBusy = errors.New("ports still busy")
	// ErrStillAlive is returned when a unit survives a forced termination.
	ErrStillAlive = errors.New("process still alive after kill")
)

// Terminator ends a module's unit of work and waits for it to die.
type Terminator struct {
	cfg       *config.Config
	store     *module.Store
	prober    portprobe.Prober
	submitter privexec.Submitter

	// Occupants finds processes holding ports. Kill ends one of them in
	// supervised mode.
	Occupants func(ports []int) ([]int, error)
	Kill      func(pid int) error
}

// NewTerminator creates a terminator backed by procfs and SIGKILL.
func NewTerminator(cfg *config.Config, store *module.Store, prober portprobe.Prober, submitter privexec.Submitter) *Terminator {
	return &Terminator{
		cfg:       cfg,
		store:     store,
		prober:    prober,
		submitter: submitter,
		Occupants: portprobe.Occupants,
		Kill:      killPID,
	}
}

// Stop terminates h and blocks until it is no longer alive. A graceful
// request is escalated to a kill after the module's kill timeout.
//
// Once the unit is gone a module in Stopping becomes Stopped. Any other state
// belongs to the sequence that set it and is left alone. An interrupted wait
// returns ctx.Err() and leaves the state for the watchdog.
func (t *Terminator) Stop(ctx context.Context, m module.Module, h Handle) error {
	if h != nil && h.Alive() {
		mc := t.cfg.Module(m)
		if err := h.Terminate(false); err != nil {
			log.Warn().Err(err).Str("module", m.String()).Msg("interrupt failed")
		}

		err := t.waitDead(ctx, h, mc.KillTimeout)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn().Str("module", m.String()).Dur("timeout", mc.KillTimeout).Msg("module ignored interrupt, killing")
			if err := h.Terminate(true); err != nil {
				log.Warn().Err(err).Str("module", m.String()).Msg("kill failed")
			}
			err = t.waitDead(ctx, h, mc.KillTimeout)
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				log.Error().Str("module", m.String()).Int("pid", h.PID()).Msg("module survived kill")
				return ErrStillAlive
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("module", m.String()).Msg("stop wait interrupted")
			return err
		}
	}

	if t.store.CompareAndSet(m, module.Stopping, module.Stopped) {
		log.Info().Str("module", m.String()).Msg("module stopped")
	}
	return nil
}

// waitDead blocks until h is dead, ctx is done or timeout elapses. Handles
// exposing a completion channel are awaited directly; others are polled.
func (t *Terminator) waitDead(ctx context.Context, h Handle, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var done <-chan struct{}
	if d, ok := h.(interface{ Done() <-chan struct{} }); ok {
		done = d.Done()
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for h.Alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
	return nil
}

// ClearPorts frees the module's ports for a new launch. It stops h when still
// alive, kills whatever else holds the ports and waits for the ports to be
// released, giving up with ErrPortsBusy after the module's clear timeout.
func (t *Terminator) ClearPorts(ctx context.Context, m module.Module, h Handle) error {
	mc := t.cfg.Module(m)

	if h != nil && h.Alive() {
		if err := t.Stop(ctx, m, h); err != nil {
			return err
		}
	}

	busy := portprobe.Busy(t.prober, mc.Ports)
	if len(busy) == 0 {
		return nil
	}
	log.Info().Str("module", m.String()).Ints("ports", busy).Msg("clearing busy ports")

	pids, err := t.Occupants(busy)
	if err != nil {
		log.Warn().Err(err).Str("module", m.String()).Msg("occupant lookup failed")
	}

	if t.store.Privileged() {
		commands := make([]string, 0, len(pids)+1)
		for _, pid := range pids {
			commands = append(commands, privexec.Join("kill", "-9", strconv.Itoa(pid)))
		}
		if len(pids) == 0 {
			// Sockets of other users are invisible without privileges.
			commands = append(commands, killCommand(0, mc.Binary, true))
		}
		t.submitter.Submit(commands)
	} else {
		for _, pid := range pids {
			log.Info().Str("module", m.String()).Int("pid", pid).Msg("killing port occupant")
			if err := t.Kill(pid); err != nil {
				log.Warn().Err(err).Int("pid", pid).Msg("kill occupant failed")
			}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, mc.ClearTimeout)
	defer cancel()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for !portprobe.AllAvailable(t.prober, mc.Ports) {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				log.Warn().Str("module", m.String()).Msg("port clear wait interrupted")
				return ctx.Err()
			}
			return ErrPortsBusy
		case <-ticker.C:
		}
	}
	log.Info().Str("module", m.String()).Msg("ports cleared")
	return nil
}
