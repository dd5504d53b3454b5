// Package notify delivers supervisor events to users and other processes.
package notify

import (
	"time"

	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

// Notifier receives supervisor events. Implementations must not block.
type Notifier interface {
	// ModuleDied reports a module that stopped without being asked to.
	ModuleDied(m module.Module)
	// StatusChanged reports that at least one module changed state.
	StatusChanged()
	// Notice is a transient user-facing message about a module.
	Notice(m module.Module, msg string)
}

// Event types sent to subscribers.
const (
	EventModuleDied    = "module_died"
	EventStatusChanged = "status_changed"
	EventNotice        = "notice"
)

// Event is the JSON form of a notification.
type Event struct {
	Type    string                         `json:"type"`
	Module  module.Module                  `json:"module,omitempty"`
	Message string                         `json:"message,omitempty"`
	States  map[module.Module]module.State `json:"states,omitempty"`
	Time    time.Time                      `json:"time"`
}

// Log writes notifications to the process log.
type Log struct{}

func (Log) ModuleDied(m module.Module) {
	log.Warn().Str("module", m.String()).Msg("module stopped by system")
}

func (Log) StatusChanged() {
	log.Debug().Msg("module status changed")
}

func (Log) Notice(m module.Module, msg string) {
	log.Warn().Str("module", m.String()).Msg(msg)
}

// Multi fans notifications out to several notifiers.
type Multi []Notifier

func (n Multi) ModuleDied(m module.Module) {
	for _, x := range n {
		x.ModuleDied(m)
	}
}

func (n Multi) StatusChanged() {
	for _, x := range n {
		x.StatusChanged()
	}
}

func (n Multi) Notice(m module.Module, msg string) {
	for _, x := range n {
		x.Notice(m, msg)
	}
}
