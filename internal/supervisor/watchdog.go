package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invizible/moduled/internal/dns"
	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

// maxNoticesPerGeneration caps error notices raised for one module log.
const maxNoticesPerGeneration = 8

// Checker actively probes a module, e.g. a DNS query to the resolver.
type Checker interface {
	Check(ctx context.Context) error
}

// watchState is what the watchdog remembers about a module between ticks.
type watchState struct {
	last       module.State
	observed   bool
	generation uint64
	fatalDone  bool
	notices    map[string]bool
}

// Watchdog periodically reconciles recorded module states with evidence:
// unit liveness in supervised mode, log markers and probes.
type Watchdog struct {
	sup      *Supervisor
	interval time.Duration
	scanners map[module.Module]*logScanner
	checkers map[module.Module]Checker
	state    map[module.Module]*watchState
}

// NewWatchdog creates a watchdog for the supervisor's modules. Modules with
// an enabled DNS probe get a DNS checker on their first port.
func NewWatchdog(sup *Supervisor) *Watchdog {
	w := &Watchdog{
		sup:      sup,
		interval: sup.cfg.WatchdogInterval,
		scanners: make(map[module.Module]*logScanner),
		checkers: make(map[module.Module]Checker),
		state:    make(map[module.Module]*watchState),
	}
	for _, m := range module.All() {
		mc := sup.cfg.Module(m)
		w.scanners[m] = newLogScanner(sup.cfg.LogPath(m), mc, sup.cfg.MaxLogSize)
		if mc.DNSProbe.Enabled && len(mc.Ports) > 0 {
			w.checkers[m] = dns.NewProbe(mc.Ports[0], mc.DNSProbe.Name, mc.DNSProbe.Timeout)
		}
		w.state[m] = &watchState{}
	}
	return w
}

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass over every module. A failure inspecting
// one module never keeps the others from being inspected.
func (w *Watchdog) Tick(ctx context.Context) {
	start := time.Now()
	for _, m := range module.All() {
		w.inspectSafe(ctx, m)
	}
	if mt := w.sup.metrics; mt != nil {
		mt.WatchdogTicks.Inc()
		mt.WatchdogTickSeconds.Observe(time.Since(start).Seconds())
	}
}

func (w *Watchdog) inspectSafe(ctx context.Context, m module.Module) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("module", m.String()).Msg("watchdog inspection panicked")
		}
	}()
	w.inspect(ctx, m)
}

func (w *Watchdog) inspect(ctx context.Context, m module.Module) {
	sup := w.sup
	ws := w.state[m]

	if gen := sup.launchGeneration(m); gen != ws.generation {
		ws.generation = gen
		ws.fatalDone = false
		ws.notices = nil
		w.scanners[m].reset()
	}

	state := sup.store.Get(m)
	h := sup.handle(m)
	evidence := sup.store.Privileged() || (h != nil && h.Alive())

	sig, err := w.scanners[m].scan()
	if err != nil {
		log.Debug().Err(err).Str("module", m.String()).Msg("log scan failed")
	}

	switch state {
	case module.Starting:
		if !evidence {
			state = w.settleStart(m)
		} else if w.started(ctx, m, sig) && sup.store.CompareAndSet(m, module.Starting, module.Running) {
			log.Info().Str("module", m.String()).Msg("module announced startup")
			state = module.Running
			sup.onRunning(ctx, m)
		}
	case module.Stopping:
		state = w.settleStop(m)
	case module.Running:
		if !evidence && sup.store.CompareAndSet(m, module.Running, module.Stopped) {
			state = module.Stopped
			w.died(m)
		}
	case module.Stopped:
		if ws.observed && ws.last != module.Stopped {
			if sup.takeIntent(m) {
				log.Debug().Str("module", m.String()).Msg("module stopped on request")
			} else {
				w.died(m)
			}
		}
	}

	if state == module.Starting || state == module.Running {
		w.raiseNotices(m, ws, sig)
	}

	ws.last = state
	ws.observed = true
}

// settleStart ends a start abandoned before its unit was confirmed. The state
// belongs to a start still in flight, so it is only touched once the module's
// operation lock is free.
func (w *Watchdog) settleStart(m module.Module) module.State {
	sup := w.sup
	lock := sup.locks[m]
	if !lock.TryLock() {
		return module.Starting
	}
	defer lock.Unlock()

	if h := sup.handle(m); h != nil && h.Alive() {
		return sup.store.Get(m)
	}
	if !sup.store.CompareAndSet(m, module.Starting, module.Stopped) {
		return sup.store.Get(m)
	}
	sup.setHandle(m, nil)
	sup.reportFailure(m, errors.New("exited during startup"))
	return module.Stopped
}

// settleStop finishes a stop that returned before the unit was confirmed dead,
// after an interrupted wait or a unit that survived the kill. A dead unit
// completes the requested stop. A live one means the module still runs.
func (w *Watchdog) settleStop(m module.Module) module.State {
	sup := w.sup
	lock := sup.locks[m]
	if !lock.TryLock() {
		return module.Stopping
	}
	defer lock.Unlock()

	h := sup.handle(m)
	if h == nil {
		if h = sup.launcher.Attach(m); h != nil {
			sup.setHandle(m, h)
		}
	}

	if h != nil && h.Alive() {
		if !sup.store.CompareAndSet(m, module.Stopping, module.Running) {
			return sup.store.Get(m)
		}
		sup.clearIntent(m)
		log.Warn().Str("module", m.String()).Int("pid", h.PID()).Msg("module survived stop")
		sup.notifier.Notice(m, fmt.Sprintf("%s did not stop and is still running", m))
		sup.notifier.StatusChanged()
		return module.Running
	}

	if !sup.store.CompareAndSet(m, module.Stopping, module.Stopped) {
		return sup.store.Get(m)
	}
	sup.takeIntent(m)
	sup.setHandle(m, nil)
	log.Info().Str("module", m.String()).Msg("module stopped")
	sup.notifier.StatusChanged()
	return module.Stopped
}

// started reports a success signal: a success marker in the log or an
// answering probe.
func (w *Watchdog) started(ctx context.Context, m module.Module, sig logSignals) bool {
	if sig.success {
		return true
	}
	if c, ok := w.checkers[m]; ok {
		return c.Check(ctx) == nil
	}
	return false
}

func (w *Watchdog) died(m module.Module) {
	log.Warn().Str("module", m.String()).Msg("module died unexpectedly")
	if mt := w.sup.metrics; mt != nil {
		mt.ModuleDeaths.WithLabelValues(m.String()).Inc()
	}
	w.sup.notifier.ModuleDied(m)
	w.sup.notifier.StatusChanged()
}

// raiseNotices turns new error lines into notices and stops the module on a
// fatal line, once per log generation.
func (w *Watchdog) raiseNotices(m module.Module, ws *watchState, sig logSignals) {
	if sig.fatal != "" && !ws.fatalDone {
		ws.fatalDone = true
		log.Error().Str("module", m.String()).Str("line", sig.fatal).Msg("fatal log line, stopping module")
		w.sup.notifier.Notice(m, sig.fatal)
		w.sup.RequestStop(m)
		return
	}

	for _, line := range sig.errors {
		if ws.notices == nil {
			ws.notices = make(map[string]bool)
		}
		if ws.notices[line] || len(ws.notices) >= maxNoticesPerGeneration {
			continue
		}
		ws.notices[line] = true
		w.sup.notifier.Notice(m, line)
	}
}
