//go:build !linux

package netmon

import (
	"context"
	"net"
	"time"
)

const pollInterval = 5 * time.Second

// pollingMonitor compares interface addresses periodically.
type pollingMonitor struct {
	cfg Config
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	return &pollingMonitor{cfg: cfg}, nil
}

func (m *pollingMonitor) Start(ctx context.Context) (<-chan Event, error) {
	raw := make(chan Event, 1)
	go func() {
		defer close(raw)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		last := m.addresses()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := m.addresses()
				if !sameSet(last, current) {
					last = current
					select {
					case raw <- Event{Type: ChangeAddressAdded, Timestamp: time.Now()}:
					default:
					}
				}
			}
		}
	}()
	return Debounce(ctx, raw, m.cfg.Debounce), nil
}

func (m *pollingMonitor) addresses() map[string]bool {
	result := make(map[string]bool)
	ifaces, err := net.Interfaces()
	if err != nil {
		return result
	}
	for _, iface := range ifaces {
		if m.cfg.ignored(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			result[addr.String()] = true
		}
	}
	return result
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func (m *pollingMonitor) Close() error {
	return nil
}
