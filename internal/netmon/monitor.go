// Package netmon watches the host network and restarts modules whose
// circuits do not survive a change of connectivity.
package netmon

import (
	"context"
	"path/filepath"
	"time"
)

// ChangeType represents the type of network change detected.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeAddressAdded
	ChangeAddressRemoved
	ChangeInterfaceUp
	ChangeInterfaceDown
)

// String returns a string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeAddressAdded:
		return "address_added"
	case ChangeAddressRemoved:
		return "address_removed"
	case ChangeInterfaceUp:
		return "interface_up"
	case ChangeInterfaceDown:
		return "interface_down"
	default:
		return "unknown"
	}
}

// Event represents a network change event.
type Event struct {
	Type      ChangeType
	Interface string
	Timestamp time.Time
}

// Monitor watches for network interface changes.
type Monitor interface {
	// Start begins monitoring. The returned channel carries debounced events
	// and is closed when ctx is cancelled or the monitor fails.
	Start(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Config holds monitor configuration.
type Config struct {
	// Debounce coalesces bursts of changes into one event.
	Debounce time.Duration
	// IgnoreInterfaces holds interface name patterns never reported.
	IgnoreInterfaces []string
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:         2 * time.Second,
		IgnoreInterfaces: []string{"lo", "docker*", "veth*", "br-*", "tun-moduled*"},
	}
}

// New creates a platform-specific network monitor.
func New(cfg Config) (Monitor, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	return newPlatformMonitor(cfg)
}

func (c Config) ignored(iface string) bool {
	if iface == "" {
		return false
	}
	for _, pattern := range c.IgnoreInterfaces {
		if matched, _ := filepath.Match(pattern, iface); matched {
			return true
		}
	}
	return false
}
