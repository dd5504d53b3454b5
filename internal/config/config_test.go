package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: "/tmp/moduled-data"
mode: privileged
tunneling: true
watchdog_interval: 500ms
control_socket: "/tmp/moduled.sock"
admin:
  enabled: true
  listen: "127.0.0.1:9999"
modules:
  resolver:
    binary: "/opt/dnscrypt/dnscrypt-proxy"
    args: ["-config", "/opt/dnscrypt/dnscrypt-proxy.toml"]
    ports: [5453]
    start_delay: 3s
    autostart: true
`
	configPath := testutil.TempFile(t, dir, "moduled.yaml", content)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/moduled-data", cfg.DataDir)
	assert.Equal(t, module.Privileged, cfg.ExecutionMode())
	assert.True(t, cfg.Tunneling)
	assert.Equal(t, 500*time.Millisecond, cfg.WatchdogInterval)
	assert.Equal(t, "/tmp/moduled.sock", cfg.ControlSocket)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Listen)

	res := cfg.Module(module.Resolver)
	assert.Equal(t, "/opt/dnscrypt/dnscrypt-proxy", res.Binary)
	assert.Equal(t, []string{"-config", "/opt/dnscrypt/dnscrypt-proxy.toml"}, res.Args)
	assert.Equal(t, 3*time.Second, res.StartDelay)
	assert.True(t, res.Autostart)
	// Unset fields fall back to the module defaults
	assert.Equal(t, 5*time.Second, res.ClearDelay)
	assert.Equal(t, []string{"lowest initial latency"}, res.SuccessMarkers)
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "moduled.yaml", "tunneling: false\n")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/moduled", cfg.DataDir)
	assert.Equal(t, module.Supervised, cfg.ExecutionMode())
	assert.Equal(t, time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"sudo", "-n", "sh", "-c"}, cfg.Privileged.Shell)
	assert.Equal(t, "tun-moduled0", cfg.TUN.Name)

	assert.Equal(t, "dnscrypt-proxy", cfg.Module(module.Resolver).Binary)
	assert.Equal(t, []int{5453}, cfg.Module(module.Resolver).Ports)
	assert.Equal(t, "tor", cfg.Module(module.Anonymizer).Binary)
	assert.Contains(t, cfg.Module(module.Anonymizer).Ports, 9050)
	assert.Equal(t, "i2pd", cfg.Module(module.Router).Binary)
	assert.Equal(t, 3*time.Second, cfg.Module(module.Router).StartDelay)
	assert.Equal(t, 2*time.Second, cfg.Module(module.Resolver).StartDelay)
}

func TestLoadConfig_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "moduled.yaml", `data_dir: "~/.moduled"`)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	homeDir, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(homeDir, ".moduled"), cfg.DataDir)
	assert.Equal(t, filepath.Join(homeDir, ".moduled", "logs", "router.log"), cfg.LogPath(module.Router))
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/moduled.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "moduled.yaml", "modules: [invalid yaml\n")

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
}

func TestDefault_Paths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	assert.Equal(t, "/data/logs", cfg.LogDir())
	assert.Equal(t, "/data/logs/resolver.log", cfg.LogPath(module.Resolver))
	assert.Equal(t, "/data/run/anonymizer.pid", cfg.PidFile(module.Anonymizer))
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Mode = "kernel" },
			wantErr: true,
		},
		{
			name:    "watchdog interval too small",
			mutate:  func(c *Config) { c.WatchdogInterval = time.Millisecond },
			wantErr: true,
		},
		{
			name: "invalid admin listen",
			mutate: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.Listen = "nope"
			},
			wantErr: true,
		},
		{
			name: "invalid tun address in tunneling mode",
			mutate: func(c *Config) {
				c.Tunneling = true
				c.TUN.Address = "10.0.0.1"
			},
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Modules[module.Router].Ports = []int{70000} },
			wantErr: true,
		},
		{
			name:    "missing binary",
			mutate:  func(c *Config) { c.Modules[module.Anonymizer].Binary = "" },
			wantErr: true,
		},
		{
			name: "unknown module",
			mutate: func(c *Config) {
				c.Modules["vpn"] = DefaultModuleConfig(module.Router)
			},
			wantErr: true,
		},
		{
			name:    "unknown network watch module",
			mutate:  func(c *Config) { c.NetworkWatch.Restart = []module.Module{"vpn"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
