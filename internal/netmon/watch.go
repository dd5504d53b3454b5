package netmon

import (
	"context"

	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

// Restarter restarts a module if it is running.
type Restarter interface {
	RequestRestart(m module.Module)
}

// Watch requests a restart of every listed module for each debounced network
// change until events closes or ctx is done.
func Watch(ctx context.Context, events <-chan Event, modules []module.Module, r Restarter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Info().
				Str("change", ev.Type.String()).
				Str("interface", ev.Interface).
				Msg("network changed")
			for _, m := range modules {
				r.RequestRestart(m)
			}
		}
	}
}
