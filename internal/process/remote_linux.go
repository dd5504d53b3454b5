//go:build linux

package process

import "github.com/prometheus/procfs"

// pidAlive reports whether pid exists and is not a zombie.
func pidAlive(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z" && stat.State != "X"
}
