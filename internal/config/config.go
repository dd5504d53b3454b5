// Package config handles configuration loading and validation for moduled.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invizible/moduled/internal/module"
	"gopkg.in/yaml.v3"
)

// AdminConfig holds configuration for the admin HTTP interface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. "127.0.0.1:9190"
}

// PrivilegedConfig holds configuration for the privileged execution channel.
type PrivilegedConfig struct {
	Shell     []string `yaml:"shell"`      // Command prefix, the command string is appended as last argument
	QueueSize int      `yaml:"queue_size"` // Pending command batches before new ones are dropped
}

// NetworkWatchConfig controls restarting modules after network changes.
type NetworkWatchConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Debounce time.Duration   `yaml:"debounce"`
	Restart  []module.Module `yaml:"restart"` // Modules restarted when the network changes
}

// TUNConfig holds configuration for the virtual interface used in tunneling mode.
type TUNConfig struct {
	Name    string `yaml:"name"`
	MTU     int    `yaml:"mtu"`
	Address string `yaml:"address"` // IP address with CIDR
}

// DNSProbeConfig configures the DNS liveness probe of the resolver module.
type DNSProbeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Name    string        `yaml:"name"` // Query name, "." by default
	Timeout time.Duration `yaml:"timeout"`
}

// ModuleConfig describes how one module is launched and observed.
type ModuleConfig struct {
	Binary    string   `yaml:"binary"`
	Args      []string `yaml:"args"`
	Ports     []int    `yaml:"ports"`
	Autostart bool     `yaml:"autostart"`
	Banner    string   `yaml:"banner"` // First line written to a fresh log file

	StartDelay   time.Duration `yaml:"start_delay"`   // Settle time after spawn before sampling liveness
	ClearDelay   time.Duration `yaml:"clear_delay"`   // Settle time after clearing a busy port
	RestartDelay time.Duration `yaml:"restart_delay"` // Settle time between stop and start on restart
	KillTimeout  time.Duration `yaml:"kill_timeout"`  // Grace period before escalating to SIGKILL
	ClearTimeout time.Duration `yaml:"clear_timeout"` // Max wait for a busy port to be released

	SuccessMarkers []string `yaml:"success_markers"` // Log text announcing a successful start
	ErrorMarkers   []string `yaml:"error_markers"`   // Log text worth a user notice
	OKMarkers      []string `yaml:"ok_markers"`      // Log text that cancels error markers
	FatalMarkers   []string `yaml:"fatal_markers"`   // Log text after which the module is stopped

	DNSProbe DNSProbeConfig `yaml:"dns_probe"`
}

// Config is the moduled configuration.
type Config struct {
	DataDir          string        `yaml:"data_dir"`
	Mode             string        `yaml:"mode"` // "supervised" or "privileged"
	Tunneling        bool          `yaml:"tunneling"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ControlSocket    string        `yaml:"control_socket"`
	MaxLogSize       ByteSize      `yaml:"max_log_size"` // Module logs above this are truncated

	Admin        AdminConfig        `yaml:"admin"`
	Privileged   PrivilegedConfig   `yaml:"privileged"`
	NetworkWatch NetworkWatchConfig `yaml:"network_watch"`
	TUN          TUNConfig          `yaml:"tun"`

	Modules map[module.Module]*ModuleConfig `yaml:"modules"`
}

// DefaultModuleConfig returns the built-in configuration of a module.
func DefaultModuleConfig(m module.Module) *ModuleConfig {
	base := &ModuleConfig{
		StartDelay:   2 * time.Second,
		ClearDelay:   5 * time.Second,
		RestartDelay: 5 * time.Second,
		KillTimeout:  10 * time.Second,
		ClearTimeout: 15 * time.Second,
	}

	switch m {
	case module.Resolver:
		base.Binary = "dnscrypt-proxy"
		base.Ports = []int{5453}
		base.Banner = "Resolver daemon log"
		base.SuccessMarkers = []string{"lowest initial latency"}
		base.ErrorMarkers = []string{"connect: connection refused", "ERROR"}
		base.OKMarkers = []string{" OK "}
		base.FatalMarkers = []string{"[FATAL]"}
		base.DNSProbe = DNSProbeConfig{Enabled: true, Name: ".", Timeout: 500 * time.Millisecond}
	case module.Anonymizer:
		base.Binary = "tor"
		base.Ports = []int{9050, 9040, 5400, 8118}
		base.Banner = "Anonymizer daemon log"
		base.SuccessMarkers = []string{"Bootstrapped 100%"}
		base.ErrorMarkers = []string{"[warn] Problem bootstrapping"}
		base.FatalMarkers = []string{"[err]"}
	case module.Router:
		base.Binary = "i2pd"
		base.Ports = []int{4444, 4447}
		base.StartDelay = 3 * time.Second
		base.ErrorMarkers = []string{"|error|"}
		base.FatalMarkers = []string{"|critical|"}
	}
	return base
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/moduled"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ControlSocket == "" {
		c.ControlSocket = "/var/run/moduled.sock"
	}
	if c.MaxLogSize == 0 {
		c.MaxLogSize = 8 * MB
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9190"
	}
	if len(c.Privileged.Shell) == 0 {
		c.Privileged.Shell = []string{"sudo", "-n", "sh", "-c"}
	}
	if c.Privileged.QueueSize == 0 {
		c.Privileged.QueueSize = 32
	}
	if c.NetworkWatch.Debounce == 0 {
		c.NetworkWatch.Debounce = 2 * time.Second
	}
	if c.NetworkWatch.Restart == nil {
		c.NetworkWatch.Restart = []module.Module{module.Anonymizer}
	}
	if c.TUN.Name == "" {
		c.TUN.Name = "tun-moduled0"
	}
	if c.TUN.MTU == 0 {
		c.TUN.MTU = 1500
	}
	if c.TUN.Address == "" {
		c.TUN.Address = "10.111.222.1/30"
	}

	if c.Modules == nil {
		c.Modules = make(map[module.Module]*ModuleConfig, len(module.All()))
	}
	for _, m := range module.All() {
		c.Modules[m] = mergeModule(c.Modules[m], DefaultModuleConfig(m))
	}
}

// mergeModule fills the zero fields of mc from def.
func mergeModule(mc, def *ModuleConfig) *ModuleConfig {
	if mc == nil {
		return def
	}
	if mc.Binary == "" {
		mc.Binary = def.Binary
	}
	mc.Binary = expandHome(mc.Binary)
	if len(mc.Ports) == 0 {
		mc.Ports = def.Ports
	}
	if mc.Banner == "" {
		mc.Banner = def.Banner
	}
	if mc.StartDelay == 0 {
		mc.StartDelay = def.StartDelay
	}
	if mc.ClearDelay == 0 {
		mc.ClearDelay = def.ClearDelay
	}
	if mc.RestartDelay == 0 {
		mc.RestartDelay = def.RestartDelay
	}
	if mc.KillTimeout == 0 {
		mc.KillTimeout = def.KillTimeout
	}
	if mc.ClearTimeout == 0 {
		mc.ClearTimeout = def.ClearTimeout
	}
	if mc.SuccessMarkers == nil {
		mc.SuccessMarkers = def.SuccessMarkers
	}
	if mc.ErrorMarkers == nil {
		mc.ErrorMarkers = def.ErrorMarkers
	}
	if mc.OKMarkers == nil {
		mc.OKMarkers = def.OKMarkers
	}
	if mc.FatalMarkers == nil {
		mc.FatalMarkers = def.FatalMarkers
	}
	if mc.DNSProbe.Name == "" {
		mc.DNSProbe.Name = "."
	}
	if mc.DNSProbe.Timeout == 0 {
		mc.DNSProbe.Timeout = 500 * time.Millisecond
	}
	return mc
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// ExecutionMode returns the parsed execution mode.
func (c *Config) ExecutionMode() module.ExecutionMode {
	mode, _ := module.ParseMode(c.Mode)
	return mode
}

// Module returns the configuration of a module.
func (c *Config) Module(m module.Module) *ModuleConfig {
	if mc, ok := c.Modules[m]; ok && mc != nil {
		return mc
	}
	return DefaultModuleConfig(m)
}

// LogDir returns the directory holding module log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LogPath returns the log file of a module.
func (c *Config) LogPath(m module.Module) string {
	return filepath.Join(c.LogDir(), m.String()+".log")
}

// PidFile returns the pid file written for a module in privileged mode.
func (c *Config) PidFile(m module.Module) string {
	return filepath.Join(c.DataDir, "run", m.String()+".pid")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := module.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.WatchdogInterval < 10*time.Millisecond {
		return fmt.Errorf("watchdog_interval must be at least 10ms")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxLogSize < 64*KB {
		return fmt.Errorf("max_log_size must be at least 64KB")
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen: %w", err)
		}
	}
	if c.Tunneling {
		if _, _, err := net.ParseCIDR(c.TUN.Address); err != nil {
			return fmt.Errorf("invalid tun.address: %w", err)
		}
		if c.TUN.MTU < 576 || c.TUN.MTU > 65535 {
			return fmt.Errorf("tun.mtu must be between 576 and 65535")
		}
	}
	for _, m := range c.NetworkWatch.Restart {
		if _, err := module.Parse(string(m)); err != nil {
			return fmt.Errorf("network_watch.restart: %w", err)
		}
	}

	for name, mc := range c.Modules {
		if _, err := module.Parse(string(name)); err != nil {
			return fmt.Errorf("modules: %w", err)
		}
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("modules.%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks if the module configuration is valid.
func (mc *ModuleConfig) Validate() error {
	if mc.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if len(mc.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	for _, p := range mc.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("port %d must be between 1 and 65535", p)
		}
	}
	if mc.StartDelay < 0 || mc.ClearDelay < 0 || mc.RestartDelay < 0 {
		return fmt.Errorf("settle delays must not be negative")
	}
	return nil
}
