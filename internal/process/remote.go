package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/invizible/moduled/internal/portprobe"
	"github.com/invizible/moduled/internal/privexec"
)

// Remote is a daemon launched through the privileged channel. It is only
// reachable through its pid file and the ports it binds.
type Remote struct {
	name      string
	binary    string
	pidFile   string
	ports     []int
	submitter privexec.Submitter
	prober    portprobe.Prober
}

// Name returns the handle name, "<module>-worker".
func (r *Remote) Name() string { return r.name }

// PID returns the pid recorded by the privileged launch, or 0.
func (r *Remote) PID() int {
	data, err := os.ReadFile(r.pidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Alive checks the recorded pid. Without one it falls back to whether any of
// the module's ports is bound.
func (r *Remote) Alive() bool {
	if pid := r.PID(); pid > 0 {
		return pidAlive(pid)
	}
	return len(portprobe.Busy(r.prober, r.ports)) > 0
}

// Terminate asks the privileged channel to signal the daemon.
func (r *Remote) Terminate(force bool) error {
	r.submitter.Submit([]string{killCommand(r.PID(), r.binary, force)})
	return nil
}

func killCommand(pid int, binary string, force bool) string {
	argv := []string{"kill"}
	if pid <= 0 {
		argv = []string{"killall"}
	}
	if force {
		argv = append(argv, "-9")
	}
	if pid > 0 {
		return privexec.Join(append(argv, strconv.Itoa(pid))...)
	}
	return privexec.Join(append(argv, filepath.Base(binary))...)
}
