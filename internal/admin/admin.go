// Package admin serves the local HTTP admin interface of the daemon.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/invizible/moduled/internal/metrics"
	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

// StatusSource reports module states.
type StatusSource interface {
	Snapshot() map[module.Module]module.State
	PID(m module.Module) int
	Mode() module.ExecutionMode
	Tunneling() bool
}

// ModuleInfo is one entry of /api/modules.
type ModuleInfo struct {
	Module module.Module `json:"module"`
	State  module.State  `json:"state"`
	PID    int           `json:"pid,omitempty"`
}

// ModulesResponse is the body of /api/modules.
type ModulesResponse struct {
	Mode      string       `json:"mode"`
	Tunneling bool         `json:"tunneling"`
	Modules   []ModuleInfo `json:"modules"`
}

// AdminServer provides the admin interface: health, module states,
// Prometheus metrics and the websocket event stream.
type AdminServer struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
}

// NewAdminServer creates a new admin server. events may be nil, in which
// case /ws is not served.
func NewAdminServer(status StatusSource, events http.Handler) *AdminServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/modules", modulesHandler(status))
	if events != nil {
		mux.Handle("/ws", events)
	}

	return &AdminServer{
		mux: mux,
	}
}

// Start starts the admin server on the given address.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()

	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func modulesHandler(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		states := status.Snapshot()
		resp := ModulesResponse{
			Mode:      status.Mode().String(),
			Tunneling: status.Tunneling(),
			Modules:   make([]ModuleInfo, 0, len(states)),
		}
		for _, m := range module.All() {
			resp.Modules = append(resp.Modules, ModuleInfo{Module: m, State: states[m], PID: status.PID(m)})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Debug().Err(err).Msg("failed to write module status")
		}
	}
}
