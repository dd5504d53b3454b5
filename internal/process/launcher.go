package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/privexec"
	"github.com/rs/zerolog/log"
)

// Launcher spawns module daemons in the store's execution mode.
type Launcher struct {
	cfg       *config.Config
	store     *module.Store
	submitter privexec.Submitter
	prober    portprobe.Prober

	// Instance finds a process running binary on one of the ports.
	Instance func(binary string, ports []int) (int, error)
}

// NewLauncher creates a launcher.
func NewLauncher(cfg *config.Config, store *module.Store, submitter privexec.Submitter, prober portprobe.Prober) *Launcher {
	return &Launcher{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		prober:    prober,
		Instance:  portprobe.Instance,
	}
}

// HandleName returns the name under which a module's unit of work is tracked.
func HandleName(m module.Module) string {
	return m.String() + "-worker"
}

// ResetLog truncates the module log, creating its directory if needed, and
// writes the configured banner. Prior content is always discarded.
func (l *Launcher) ResetLog(m module.Module) (string, error) {
	path := l.cfg.LogPath(m)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	var content []byte
	if banner := l.cfg.Module(m).Banner; banner != "" {
		content = []byte(banner + "\n")
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("reset log: %w", err)
	}
	return path, nil
}

// Start resets the module log and spawns its daemon. It returns as soon as
// the process exists (supervised) or the launch request is queued
// (privileged); liveness is for the caller to confirm.
func (l *Launcher) Start(ctx context.Context, m module.Module) (Handle, error) {
	logPath, err := l.ResetLog(m)
	if err != nil {
		return nil, err
	}

	mc := l.cfg.Module(m)
	if l.store.Privileged() {
		r, err := l.startRemote(m, mc, logPath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	cmd := exec.Command(mc.Binary, mc.Args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = l.cfg.DataDir

	w, err := startWorker(HandleName(m), cmd, out)
	if err != nil {
		_ = out.Close()
		return nil, err
	}

	log.Info().Str("module", m.String()).Int("pid", w.PID()).Msg("module spawned")
	return w, nil
}

func (l *Launcher) startRemote(m module.Module, mc *config.ModuleConfig, logPath string) (*Remote, error) {
	pidFile := l.cfg.PidFile(m)
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("pidfile", pidFile).Msg("stale pid file not removed")
	}

	argv := append([]string{mc.Binary}, mc.Args...)
	command := fmt.Sprintf("%s >> %s 2>&1 & echo $! > %s",
		privexec.Join(argv...), privexec.Quote(logPath), privexec.Quote(pidFile))
	l.submitter.Submit([]string{command})

	log.Info().Str("module", m.String()).Msg("module launch submitted")
	return l.remote(m, mc), nil
}

func (l *Launcher) remote(m module.Module, mc *config.ModuleConfig) *Remote {
	return &Remote{
		name:      HandleName(m),
		binary:    mc.Binary,
		pidFile:   l.cfg.PidFile(m),
		ports:     mc.Ports,
		submitter: l.submitter,
		prober:    l.prober,
	}
}

// Attach returns a handle for a daemon left running by an earlier supervisor
// instance, or nil. Privileged launches are found through their pid file.
// Supervised leftovers are found as the module's binary holding its ports.
func (l *Launcher) Attach(m module.Module) Handle {
	mc := l.cfg.Module(m)
	if l.store.Privileged() {
		r := l.remote(m, mc)
		if r.PID() == 0 || !r.Alive() {
			return nil
		}
		log.Info().Str("module", m.String()).Int("pid", r.PID()).Msg("attached to running module")
		return r
	}

	if len(portprobe.Busy(l.prober, mc.Ports)) == 0 {
		return nil
	}
	pid, err := l.Instance(mc.Binary, mc.Ports)
	if err != nil {
		log.Debug().Err(err).Str("module", m.String()).Msg("instance lookup failed")
		return nil
	}
	if pid == 0 {
		return nil
	}
	o := &Orphan{name: HandleName(m), pid: pid}
	if !o.Alive() {
		return nil
	}
	log.Info().Str("module", m.String()).Int("pid", pid).Msg("attached to running module")
	return o
}
