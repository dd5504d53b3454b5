// Package svc provides system service support for moduled.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultServiceName is the name moduled registers with the service manager.
const DefaultServiceName = "moduled"

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- errors.New("run function not configured")
			return
		}
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop is called when the service stops.
// It should signal the running goroutine to stop and wait for it.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // Service name
	DisplayName string // Display name shown in service manager
	Description string // Service description
	ConfigPath  string // Path to configuration file
	UserName    string // User to run service as (Linux/macOS only)
}

// DefaultServiceConfig returns the service configuration used when no flags
// override it.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        DefaultServiceName,
		DisplayName: "Module Supervisor",
		Description: "Supervises the resolver, anonymizer and router daemons",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "moduled", "moduled.yaml")
	}
	return "/etc/moduled/moduled.yaml"
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig, execPath string) *service.Config {
	args := []string{
		"--service-run",
		"run",
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Executable:  execPath,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive":     true,
			"RunAtLoad":     true,
			"SessionCreate": true,
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	}

	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	svcCfg := NewServiceConfig(cfg, execPath)
	return service.New(prg, svcCfg)
}

func control(cfg *ServiceConfig) (service.Service, error) {
	svc, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return svc, nil
}

// Install installs the service.
func Install(cfg *ServiceConfig, force bool) error {
	svc, err := control(cfg)
	if err != nil {
		return err
	}

	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}

	return nil
}

// Uninstall removes the service.
func Uninstall(cfg *ServiceConfig) error {
	svc, err := control(cfg)
	if err != nil {
		return err
	}

	status, _ := svc.Status()
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}

	return nil
}

// Action runs one of the start, stop or restart service actions.
func Action(cfg *ServiceConfig, action string) error {
	svc, err := control(cfg)
	if err != nil {
		return err
	}

	switch action {
	case "start":
		err = svc.Start()
	case "stop":
		err = svc.Stop()
	case "restart":
		err = svc.Restart()
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	svc, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}

	return svc.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the service (called when started by the service manager).
func Run(prg *Program, cfg *ServiceConfig) error {
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	return svc.Run()
}

// CheckPrivileges checks if the current user has sufficient privileges for service management.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode returns true if running as a service (--service-run flag is set).
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
