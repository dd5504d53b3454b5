//go:build linux

package portprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Occupants returns the PIDs of processes holding a TCP or UDP socket bound
// to any of the given local ports. The calling process is never included.
// Processes whose descriptors cannot be read (other users without
// privileges) are skipped.
func Occupants(ports []int) ([]int, error) {
	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	inodes, err := socketInodes(pfs, ports)
	if err != nil {
		return nil, err
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	procs, err := pfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			if inode, ok := parseSocketTarget(target); ok && inodes[inode] {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// Instance returns the pid of an occupant of the given ports running binary,
// or 0. binary is a path or a name looked up in PATH.
func Instance(binary string, ports []int) (int, error) {
	pids, err := Occupants(ports)
	if err != nil || len(pids) == 0 {
		return 0, err
	}

	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	want := resolveBinary(binary)
	for _, pid := range pids {
		p, err := pfs.Proc(pid)
		if err != nil {
			continue
		}
		exe, err := p.Executable()
		if err != nil {
			continue
		}
		if exe == want || (!filepath.IsAbs(want) && filepath.Base(exe) == want) {
			return pid, nil
		}
	}
	return 0, nil
}

// resolveBinary returns the real path of binary, or binary itself when it
// cannot be found.
func resolveBinary(binary string) string {
	path := binary
	if !filepath.IsAbs(path) {
		found, err := exec.LookPath(binary)
		if err != nil {
			return binary
		}
		path = found
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return path
}

func socketInodes(pfs procfs.FS, ports []int) (map[uint64]bool, error) {
	wanted := make(map[uint64]bool, len(ports))
	for _, port := range ports {
		wanted[uint64(port)] = true
	}

	inodes := make(map[uint64]bool)
	add := func(lines procfs.NetIPSocket) {
		for _, line := range lines {
			// TIME_WAIT entries carry inode 0 and belong to no process.
			if line.Inode != 0 && wanted[line.LocalPort] {
				inodes[line.Inode] = true
			}
		}
	}

	tables := []func() (procfs.NetIPSocket, error){
		func() (procfs.NetIPSocket, error) { t, err := pfs.NetTCP(); return procfs.NetIPSocket(t), err },
		func() (procfs.NetIPSocket, error) { t, err := pfs.NetTCP6(); return procfs.NetIPSocket(t), err },
		func() (procfs.NetIPSocket, error) { t, err := pfs.NetUDP(); return procfs.NetIPSocket(t), err },
		func() (procfs.NetIPSocket, error) { t, err := pfs.NetUDP6(); return procfs.NetIPSocket(t), err },
	}
	read := 0
	for _, table := range tables {
		lines, err := table()
		if err != nil {
			// IPv6 tables are missing when IPv6 is disabled.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read socket table: %w", err)
		}
		read++
		add(lines)
	}
	if read == 0 {
		return nil, fmt.Errorf("no socket tables available")
	}
	return inodes, nil
}

// parseSocketTarget extracts the inode from a "socket:[12345]" link target.
func parseSocketTarget(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
