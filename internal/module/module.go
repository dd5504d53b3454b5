// Package module defines the supervised modules, their lifecycle states and
// the shared state store.
package module

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModule is returned when a module identifier cannot be parsed.
var ErrUnknownModule = errors.New("unknown module")

// Module identifies one of the supervised daemons.
type Module string

const (
	Resolver   Module = "resolver"
	Anonymizer Module = "anonymizer"
	Router     Module = "router"
)

// All returns every module in a fixed order.
func All() []Module {
	return []Module{Resolver, Anonymizer, Router}
}

// Parse converts a module identifier into a Module.
func Parse(s string) (Module, error) {
	switch Module(strings.ToLower(strings.TrimSpace(s))) {
	case Resolver:
		return Resolver, nil
	case Anonymizer:
		return Anonymizer, nil
	case Router:
		return Router, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, s)
	}
}

// String returns the module identifier.
func (m Module) String() string {
	return string(m)
}

// State is the lifecycle state of a module.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Restarting
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "stopped":
		*s = Stopped
	case "starting":
		*s = Starting
	case "running":
		*s = Running
	case "stopping":
		*s = Stopping
	case "restarting":
		*s = Restarting
	default:
		return fmt.Errorf("unknown state %q", string(text))
	}
	return nil
}

// ExecutionMode selects who owns the daemons' processes.
type ExecutionMode int

const (
	// Supervised means moduled spawns and observes the daemons itself.
	Supervised ExecutionMode = iota
	// Privileged means the daemons run through the privileged channel and
	// their liveness is trusted rather than observed.
	Privileged
)

// String returns a string representation of the mode.
func (m ExecutionMode) String() string {
	if m == Privileged {
		return "privileged"
	}
	return "supervised"
}

// ParseMode converts a mode name into an ExecutionMode.
// An empty string selects Supervised.
func ParseMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "supervised":
		return Supervised, nil
	case "privileged", "root":
		return Privileged, nil
	default:
		return Supervised, fmt.Errorf("invalid mode %q: must be 'supervised' or 'privileged'", s)
	}
}
