package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/invizible/moduled/internal/admin"
	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/control"
	"github.com/invizible/moduled/internal/metrics"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/netmon"
	"github.com/invizible/moduled/internal/notify"
	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/privexec"
	"github.com/invizible/moduled/internal/process"
	"github.com/invizible/moduled/internal/supervisor"
	"github.com/invizible/moduled/internal/svc"
	"github.com/invizible/moduled/internal/tun"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// nolint:revive // args required by cobra.Command RunE signature
func runForeground(cmd *cobra.Command, args []string) error {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return runDaemon(ctx, cfgFile)
}

func runAsService() {
	setupServiceLogging()

	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Str("version", Version).Msg("starting as service")

	cfg := svc.DefaultServiceConfig()
	cfg.ConfigPath = configPath
	prg := &svc.Program{ConfigPath: configPath, Run: runDaemon}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// daemon holds the long-lived parts of a running supervisor.
type daemon struct {
	cfg      *config.Config
	store    *module.Store
	executor *privexec.Executor
	hub      *notify.Hub
	binder   *tun.Binder
	sup      *supervisor.Supervisor
	watchdog *supervisor.Watchdog
}

func newDaemon(ctx context.Context, cfg *config.Config) *daemon {
	store := module.NewStore(cfg.ExecutionMode(), cfg.Tunneling)
	m := metrics.InitSupervisorMetrics(store.Mode(), Version)
	store.OnTransition(m.ObserveTransition)

	executor := privexec.NewExecutor(cfg.Privileged.Shell, cfg.Privileged.QueueSize)
	prober := portprobe.System{}

	hub := notify.NewHub()
	hub.Snapshot = store.Snapshot

	binder := tun.NewBinder(tun.Config{
		Name:    cfg.TUN.Name,
		MTU:     cfg.TUN.MTU,
		Address: cfg.TUN.Address,
	})

	sup := supervisor.New(ctx, supervisor.Options{
		Config:     cfg,
		Store:      store,
		Launcher:   process.NewLauncher(cfg, store, executor, prober),
		Terminator: process.NewTerminator(cfg, store, prober, executor),
		Prober:     prober,
		Notifier:   notify.Multi{notify.Log{}, hub},
		Binder:     binder,
		Metrics:    m,
	})

	return &daemon{
		cfg:      cfg,
		store:    store,
		executor: executor,
		hub:      hub,
		binder:   binder,
		sup:      sup,
		watchdog: supervisor.NewWatchdog(sup),
	}
}

// runDaemon runs the supervisor until ctx is cancelled or a full stop is
// requested.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := newDaemon(ctx, cfg)
	defer func() { _ = d.binder.Close() }()

	log.Info().
		Str("mode", d.store.Mode().String()).
		Bool("tunneling", d.store.Tunneling()).
		Str("data_dir", cfg.DataDir).
		Str("version", Version).
		Msg("moduled starting")

	go d.executor.Run(ctx)
	go d.watchdog.Run(ctx)

	if cfg.NetworkWatch.Enabled {
		d.watchNetwork(ctx)
	}

	ctrl := control.NewServer(cfg.ControlSocket, d.sup)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer func() { _ = ctrl.Stop() }()

	if cfg.Admin.Enabled {
		adm := admin.NewAdminServer(d.sup, d.hub)
		if err := adm.Start(cfg.Admin.Listen); err != nil {
			log.Warn().Err(err).Msg("admin server disabled")
		} else {
			defer func() { _ = adm.Stop() }()
		}
	}

	shutdown := make(chan struct{})
	var once sync.Once
	d.sup.OnShutdown(func() { once.Do(func() { close(shutdown) }) })

	d.sup.Autostart()

	select {
	case <-ctx.Done():
		d.stopOnExit()
	case <-shutdown:
		log.Info().Msg("full stop finished, exiting")
	}

	cancel()
	d.sup.Wait()
	return nil
}

// stopOnExit stops modules that would otherwise outlive the daemon. Daemons
// started through the privileged channel keep running and are attached again
// on the next start.
func (d *daemon) stopOnExit() {
	if d.store.Privileged() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.sup.StopAll(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to stop modules on exit")
	}
}

func (d *daemon) watchNetwork(ctx context.Context) {
	mcfg := netmon.DefaultConfig()
	mcfg.Debounce = d.cfg.NetworkWatch.Debounce
	mcfg.IgnoreInterfaces = append(mcfg.IgnoreInterfaces, d.cfg.TUN.Name)

	mon, err := netmon.New(mcfg)
	if err != nil {
		log.Warn().Err(err).Msg("network monitor unavailable")
		return
	}
	events, err := mon.Start(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("network monitor unavailable")
		_ = mon.Close()
		return
	}

	go func() {
		defer func() { _ = mon.Close() }()
		netmon.Watch(ctx, events, d.cfg.NetworkWatch.Restart, d.sup)
	}()
}
