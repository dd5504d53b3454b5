// Package supervisor drives the lifecycle of the resolver, anonymizer and
// router modules and keeps their recorded state in line with reality.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/metrics"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/notify"
	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/process"
	"github.com/rs/zerolog/log"
)

// ErrBusy is returned when another start or restart of the same module is
// already in flight.
var ErrBusy = errors.New("operation already in progress")

// Launcher spawns module daemons.
type Launcher interface {
	Start(ctx context.Context, m module.Module) (process.Handle, error)
	Attach(m module.Module) process.Handle
}

// Terminator ends daemons and frees their ports.
type Terminator interface {
	Stop(ctx context.Context, m module.Module, h process.Handle) error
	ClearPorts(ctx context.Context, m module.Module, h process.Handle) error
}

// Binder prepares the VPN interface in tunneling mode.
type Binder interface {
	Prepare(ctx context.Context) error
}

// Options holds the collaborators of a Supervisor. Binder and Metrics are
// optional.
type Options struct {
	Config     *config.Config
	Store      *module.Store
	Launcher   Launcher
	Terminator Terminator
	Prober     portprobe.Prober
	Notifier   notify.Notifier
	Binder     Binder
	Metrics    *metrics.SupervisorMetrics
}

// Supervisor starts, stops and restarts modules.
//
// Each module has an operation lock. Start and restart give up when it is
// held, stop waits for it, recover ignores it. Requests for different
// modules never block each other.
type Supervisor struct {
	cfg        *config.Config
	store      *module.Store
	launcher   Launcher
	terminator Terminator
	prober     portprobe.Prober
	notifier   notify.Notifier
	binder     Binder
	metrics    *metrics.SupervisorMetrics

	ctx   context.Context
	locks map[module.Module]*sync.Mutex

	mu         sync.Mutex
	handles    map[module.Module]process.Handle
	stopIntent map[module.Module]bool
	generation map[module.Module]uint64
	onShutdown func()

	wg sync.WaitGroup
}

// New creates a supervisor. Fire-and-forget requests run on ctx.
func New(ctx context.Context, opts Options) *Supervisor {
	s := &Supervisor{
		cfg:        opts.Config,
		store:      opts.Store,
		launcher:   opts.Launcher,
		terminator: opts.Terminator,
		prober:     opts.Prober,
		notifier:   opts.Notifier,
		binder:     opts.Binder,
		metrics:    opts.Metrics,
		ctx:        ctx,
		locks:      make(map[module.Module]*sync.Mutex, len(module.All())),
		handles:    make(map[module.Module]process.Handle),
		stopIntent: make(map[module.Module]bool),
		generation: make(map[module.Module]uint64),
	}
	for _, m := range module.All() {
		s.locks[m] = &sync.Mutex{}
	}
	if s.prober == nil {
		s.prober = portprobe.System{}
	}
	if s.notifier == nil {
		s.notifier = notify.Log{}
	}
	return s
}

// Get returns the state of a module.
func (s *Supervisor) Get(m module.Module) module.State { return s.store.Get(m) }

// Mode returns the execution mode.
func (s *Supervisor) Mode() module.ExecutionMode { return s.store.Mode() }

// Tunneling reports whether tunneling mode is active.
func (s *Supervisor) Tunneling() bool { return s.store.Tunneling() }

// Snapshot returns the state of every module.
func (s *Supervisor) Snapshot() map[module.Module]module.State { return s.store.Snapshot() }

// PID returns the pid of the module's current unit of work, or 0.
func (s *Supervisor) PID(m module.Module) int {
	if h := s.handle(m); h != nil && h.Alive() {
		return h.PID()
	}
	return 0
}

// OnShutdown registers the hook run after a full stop.
func (s *Supervisor) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = fn
}

// Start launches a module unless it already runs. A live unit left from an
// earlier request or supervisor instance is adopted instead of spawning a
// second one. Busy ports are force-cleared first, passing through
// Restarting. Any failure leaves the module Stopped and raises a notice.
func (s *Supervisor) Start(ctx context.Context, m module.Module) error {
	lock := s.locks[m]
	if !lock.TryLock() {
		log.Debug().Str("module", m.String()).Msg("start ignored, operation in progress")
		return ErrBusy
	}
	defer lock.Unlock()
	return s.start(ctx, m)
}

func (s *Supervisor) start(ctx context.Context, m module.Module) error {
	mc := s.cfg.Module(m)
	state := s.store.Get(m)

	h := s.handle(m)
	if h == nil {
		if h = s.launcher.Attach(m); h != nil {
			s.setHandle(m, h)
		}
	}
	alive := h != nil && h.Alive()

	switch {
	case alive && (state == module.Running || state == module.Starting):
		log.Debug().Str("module", m.String()).Msg("module already running")
		return nil
	case alive:
		log.Info().Str("module", m.String()).Int("pid", h.PID()).Msg("adopting live module")
		s.clearIntent(m)
		s.store.Set(m, module.Running)
		s.onRunning(ctx, m)
		return nil
	case (state == module.Running || state == module.Starting) && s.store.Privileged():
		log.Debug().Str("module", m.String()).Msg("module already running")
		return nil
	}

	s.clearIntent(m)
	s.store.Set(m, module.Starting)
	log.Info().Str("module", m.String()).Msg("starting module")

	if busy := portprobe.Busy(s.prober, mc.Ports); len(busy) > 0 {
		if err := s.clearPorts(ctx, m, h, busy); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.generation[m]++
	s.mu.Unlock()

	h, err := s.launcher.Start(ctx, m)
	if err != nil {
		return s.fail(m, fmt.Errorf("launch: %w", err))
	}
	s.setHandle(m, h)

	if err := sleepCtx(ctx, mc.StartDelay); err != nil {
		log.Warn().Str("module", m.String()).Msg("start settle interrupted")
		return err
	}

	if s.store.Privileged() || h.Alive() {
		if s.store.CompareAndSet(m, module.Starting, module.Running) {
			log.Info().Str("module", m.String()).Int("pid", h.PID()).Msg("module running")
			s.onRunning(ctx, m)
		}
		return nil
	}
	if s.store.Get(m) != module.Starting {
		return nil
	}
	return s.fail(m, errors.New("exited during startup"))
}

// clearPorts drives the module through Restarting while the occupants of its
// ports are removed. The module's own leftover instance never gets here: the
// launcher attaches to it before ports are checked.
func (s *Supervisor) clearPorts(ctx context.Context, m module.Module, h process.Handle, busy []int) error {
	mc := s.cfg.Module(m)
	log.Warn().Str("module", m.String()).Ints("ports", busy).Msg("ports busy, clearing")
	s.store.Set(m, module.Restarting)

	if err := s.terminator.ClearPorts(ctx, m, h); err != nil {
		s.countPortClear(m, "failed")
		if ctx.Err() != nil {
			s.store.CompareAndSet(m, module.Restarting, module.Stopped)
			return err
		}
		return s.fail(m, fmt.Errorf("clear ports %v: %w", busy, err))
	}

	if err := sleepCtx(ctx, mc.ClearDelay); err != nil {
		log.Warn().Str("module", m.String()).Msg("port settle interrupted")
		s.store.CompareAndSet(m, module.Restarting, module.Stopped)
		return err
	}

	if busy := portprobe.Busy(s.prober, mc.Ports); len(busy) > 0 {
		s.countPortClear(m, "busy")
		return s.fail(m, fmt.Errorf("ports %v: %w", busy, process.ErrPortsBusy))
	}

	s.countPortClear(m, "cleared")
	s.store.Set(m, module.Starting)
	return nil
}

// fail records a failed start: the module is Stopped and the user told why.
func (s *Supervisor) fail(m module.Module, err error) error {
	s.markIntent(m)
	s.store.Set(m, module.Stopped)
	s.reportFailure(m, err)
	return err
}

func (s *Supervisor) reportFailure(m module.Module, err error) {
	if s.metrics != nil {
		s.metrics.LaunchFailures.WithLabelValues(m.String()).Inc()
	}
	log.Error().Err(err).Str("module", m.String()).Msg("module start failed")
	s.notifier.Notice(m, fmt.Sprintf("%s failed to start: %v", m, err))
	s.notifier.StatusChanged()
}

// onRunning binds the VPN interface when tunneling and reports the change.
func (s *Supervisor) onRunning(ctx context.Context, m module.Module) {
	if s.store.Tunneling() && s.binder != nil {
		if err := s.binder.Prepare(ctx); err != nil {
			log.Warn().Err(err).Str("module", m.String()).Msg("vpn prepare failed")
			s.notifier.Notice(m, fmt.Sprintf("vpn not ready: %v", err))
		}
	}
	s.notifier.StatusChanged()
}

// Stop terminates a module and waits for it to die. It is a no-op for a
// stopped module with no live unit. The terminator sets the final Stopped.
func (s *Supervisor) Stop(ctx context.Context, m module.Module) error {
	lock := s.locks[m]
	lock.Lock()
	defer lock.Unlock()

	h := s.handle(m)
	if h == nil {
		if h = s.launcher.Attach(m); h != nil {
			s.setHandle(m, h)
		}
	}
	if s.store.Get(m) == module.Stopped && (h == nil || !h.Alive()) {
		log.Debug().Str("module", m.String()).Msg("module already stopped")
		return nil
	}

	log.Info().Str("module", m.String()).Msg("stopping module")
	s.markIntent(m)
	s.store.Set(m, module.Stopping)

	err := s.terminator.Stop(ctx, m, h)
	if err == nil {
		s.setHandle(m, nil)
	}
	s.notifier.StatusChanged()
	return err
}

// Restart stops and relaunches a running module. It is a no-op unless the
// module is Running.
func (s *Supervisor) Restart(ctx context.Context, m module.Module) error {
	lock := s.locks[m]
	if !lock.TryLock() {
		log.Debug().Str("module", m.String()).Msg("restart ignored, operation in progress")
		return ErrBusy
	}
	defer lock.Unlock()

	if s.store.Get(m) != module.Running {
		log.Debug().Str("module", m.String()).Str("state", s.store.Get(m).String()).Msg("restart ignored, module not running")
		return nil
	}

	log.Info().Str("module", m.String()).Msg("restarting module")
	s.store.Set(m, module.Restarting)
	s.notifier.StatusChanged()

	h := s.handle(m)
	if err := s.terminator.Stop(ctx, m, h); err != nil {
		// Fall back to what the evidence says.
		if h != nil && h.Alive() {
			s.store.CompareAndSet(m, module.Restarting, module.Running)
		} else {
			s.markIntent(m)
			s.store.CompareAndSet(m, module.Restarting, module.Stopped)
		}
		return err
	}
	s.setHandle(m, nil)

	if err := sleepCtx(ctx, s.cfg.Module(m).RestartDelay); err != nil {
		log.Warn().Str("module", m.String()).Msg("restart settle interrupted")
		s.markIntent(m)
		s.store.CompareAndSet(m, module.Restarting, module.Stopped)
		return err
	}

	if s.store.Get(m) == module.Running {
		return nil
	}
	return s.start(ctx, m)
}

// Recover resets every module to Stopped without touching processes.
// Live units stay registered and are adopted by the next start.
func (s *Supervisor) Recover() {
	log.Warn().Msg("recovering module states")
	s.mu.Lock()
	for _, m := range module.All() {
		s.stopIntent[m] = true
	}
	s.mu.Unlock()
	s.store.SetAll(module.Stopped)
	s.notifier.StatusChanged()
}

// StopAll stops every module concurrently and waits for all of them.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(module.All()))
	for i, m := range module.All() {
		wg.Add(1)
		go func(i int, m module.Module) {
			defer wg.Done()
			errs[i] = s.Stop(ctx, m)
		}(i, m)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FullStop stops every module and then runs the shutdown hook.
func (s *Supervisor) FullStop(ctx context.Context) error {
	err := s.StopAll(ctx)

	s.mu.Lock()
	hook := s.onShutdown
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Autostart requests a start of every module configured to start at boot.
func (s *Supervisor) Autostart() {
	for _, m := range module.All() {
		if s.cfg.Module(m).Autostart {
			s.RequestStart(m)
		}
	}
}

// RequestStart starts a module in the background.
func (s *Supervisor) RequestStart(m module.Module) {
	s.spawn("start", m, func(ctx context.Context) error { return s.Start(ctx, m) })
}

// RequestStop stops a module in the background.
func (s *Supervisor) RequestStop(m module.Module) {
	s.spawn("stop", m, func(ctx context.Context) error { return s.Stop(ctx, m) })
}

// RequestRestart restarts a module in the background.
func (s *Supervisor) RequestRestart(m module.Module) {
	s.spawn("restart", m, func(ctx context.Context) error { return s.Restart(ctx, m) })
}

// RequestRecover resets module states in the background.
func (s *Supervisor) RequestRecover() {
	s.spawn("recover", "", func(context.Context) error {
		s.Recover()
		return nil
	})
}

// RequestFullStop stops everything in the background and then runs the
// shutdown hook.
func (s *Supervisor) RequestFullStop() {
	s.spawn("full_stop", "", s.FullStop)
}

// Wait blocks until all background requests have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) spawn(op string, m module.Module, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("op", op).Str("module", m.String()).Msg("request panicked")
			}
		}()
		if err := fn(s.ctx); err != nil && !errors.Is(err, ErrBusy) {
			log.Warn().Err(err).Str("op", op).Str("module", m.String()).Msg("request failed")
		}
	}()
}

func (s *Supervisor) handle(m module.Module) process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[m]
}

func (s *Supervisor) setHandle(m module.Module, h process.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handles, m)
		return
	}
	s.handles[m] = h
}

func (s *Supervisor) markIntent(m module.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopIntent[m] = true
}

func (s *Supervisor) clearIntent(m module.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopIntent, m)
}

// takeIntent reports and clears a recorded stop intent.
func (s *Supervisor) takeIntent(m module.Module) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent := s.stopIntent[m]
	delete(s.stopIntent, m)
	return intent
}

func (s *Supervisor) launchGeneration(m module.Module) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation[m]
}

func (s *Supervisor) countPortClear(m module.Module, result string) {
	if s.metrics != nil {
		s.metrics.PortClears.WithLabelValues(m.String(), result).Inc()
	}
}

// sleepCtx sleeps for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
