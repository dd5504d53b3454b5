//go:build !linux

package portprobe

import (
	"fmt"
	"runtime"
)

// Occupants is only supported on Linux.
func Occupants(ports []int) ([]int, error) {
	return nil, fmt.Errorf("port occupant lookup not supported on %s", runtime.GOOS)
}

// Instance is only supported on Linux.
func Instance(binary string, ports []int) (int, error) {
	return 0, fmt.Errorf("instance lookup not supported on %s", runtime.GOOS)
}
