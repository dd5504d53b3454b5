package process

// Orphan is a daemon spawned by an earlier supervisor instance in supervised
// mode. It is known only by its pid.
type Orphan struct {
	name string
	pid  int
}

// Name returns the handle name, "<module>-worker".
func (o *Orphan) Name() string { return o.name }

// PID returns the daemon's pid.
func (o *Orphan) PID() int { return o.pid }

// Alive reports whether the pid still exists and is not a zombie.
func (o *Orphan) Alive() bool { return pidAlive(o.pid) }

// Terminate interrupts the daemon, or kills it when force is set.
func (o *Orphan) Terminate(force bool) error { return signalPID(o.pid, force) }
