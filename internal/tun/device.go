// Package tun manages the virtual interface traffic is redirected through in
// tunneling mode.
package tun

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/songgao/water"
)

// Config holds TUN device configuration.
type Config struct {
	Name    string // Interface name (e.g., "tun-moduled0")
	MTU     int    // Maximum transmission unit
	Address string // IP address with CIDR (e.g., "10.111.222.1/30")
}

// Validate checks the interface settings before anything is created.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("interface name is required")
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("MTU must be between 576 and 65535")
	}
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.ParseCIDR(c.Address); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

// Device is the virtual interface owned by the binder.
type Device struct {
	iface *water.Interface
	name  string
}

// Create opens the TUN interface and assigns it the configured address and
// MTU.
func Create(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wc := water.Config{DeviceType: water.TUN}
	// utun names are assigned by the kernel on darwin.
	if runtime.GOOS != "darwin" {
		wc.Name = cfg.Name
	}
	iface, err := water.New(wc)
	if err != nil {
		return nil, fmt.Errorf("create TUN interface: %w", err)
	}

	cmds, err := setupCommands(runtime.GOOS, iface.Name(), cfg)
	if err != nil {
		_ = iface.Close()
		return nil, err
	}
	for _, argv := range cmds {
		if err := runCommand(argv); err != nil {
			_ = iface.Close()
			return nil, fmt.Errorf("configure %s: %w", iface.Name(), err)
		}
	}

	log.Info().
		Str("name", iface.Name()).
		Str("address", cfg.Address).
		Int("mtu", cfg.MTU).
		Msg("vpn interface created")
	return &Device{iface: iface, name: iface.Name()}, nil
}

// setupCommands returns the commands that bring the interface called name up
// with cfg's address and MTU.
func setupCommands(goos, name string, cfg Config) ([][]string, error) {
	ip, network, err := net.ParseCIDR(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	mtu := strconv.Itoa(cfg.MTU)

	switch goos {
	case "linux":
		ones, _ := network.Mask.Size()
		return [][]string{
			{"ip", "addr", "add", fmt.Sprintf("%s/%d", ip, ones), "dev", name},
			{"ip", "link", "set", name, "mtu", mtu, "up"},
		}, nil
	case "darwin":
		mask := net.IP(network.Mask).String()
		return [][]string{
			{"ifconfig", name, ip.String(), ip.String(), "netmask", mask, "mtu", mtu, "up"},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s", goos)
	}
}

func runCommand(argv []string) error {
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", strings.Join(argv, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// Close closes the TUN device.
func (d *Device) Close() error {
	return d.iface.Close()
}
