package svc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
	Out         io.Writer // os.Stdout when nil
}

func (o *LogOptions) normalize() {
	if o.Lines <= 0 {
		o.Lines = 50
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
}

// ViewLogs displays the daemon's own service logs using platform tools.
func ViewLogs(opts LogOptions) error {
	opts.normalize()

	switch runtime.GOOS {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return run(exec.Command("journalctl", args...), opts.Out)
	case "darwin":
		// launchd services log to files in /var/log/
		path := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)
		return ViewFile(path, opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// ViewFile prints the last lines of a log file, optionally following it.
// Module logs written by the supervisor are read this way.
func ViewFile(path string, opts LogOptions) error {
	opts.normalize()

	if !fileExists(path) {
		return fmt.Errorf("log file %s not found", path)
	}
	return run(tailCommand(path, opts.Lines, opts.Follow), opts.Out)
}

func tailCommand(path string, lines int, follow bool) *exec.Cmd {
	args := []string{"-n", strconv.Itoa(lines)}
	if follow {
		args = append(args, "-F")
	}
	args = append(args, path)
	return exec.Command("tail", args...)
}

func run(cmd *exec.Cmd, out io.Writer) error {
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
