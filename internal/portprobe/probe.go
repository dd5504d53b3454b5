// Package portprobe checks whether the ports a module needs are free and
// finds the processes occupying them.
package portprobe

import (
	"context"
	"net"
	"strconv"
)

// Prober reports whether a port can be bound.
type Prober interface {
	IsAvailable(port int) bool
}

// System probes ports by binding them on the local host.
type System struct{}

// IsAvailable transiently binds a TCP listener and a UDP socket on the
// wildcard address with address reuse enabled. It returns true only if both
// binds succeed. Both sockets are closed before returning.
func (System) IsAvailable(port int) bool {
	return IsAvailable(port)
}

// IsAvailable reports whether port is free for both TCP and UDP.
func IsAvailable(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	addr := net.JoinHostPort("", strconv.Itoa(port))

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return false
	}
	defer func() { _ = ln.Close() }()

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return false
	}
	_ = pc.Close()

	return true
}

// AllAvailable reports whether every port is free.
func AllAvailable(p Prober, ports []int) bool {
	return len(Busy(p, ports)) == 0
}

// Busy returns the ports that could not be bound.
func Busy(p Prober, ports []int) []int {
	var busy []int
	for _, port := range ports {
		if !p.IsAvailable(port) {
			busy = append(busy, port)
		}
	}
	return busy
}
