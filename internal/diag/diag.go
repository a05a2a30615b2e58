// Package diag implements the optional local-only diagnostics HTTP
// surface of SPEC_FULL.md §1.5: current system state, link state, and
// active RFID session count as JSON, for operators — never for cabinet
// communication. It is wrapped with github.com/rusq/httpex's
// LogMiddleware, the same helper the teacher's ippsrv/http.go wires its
// own server with.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/rusq/httpex"

	"github.com/mingda3d/filament-hub/internal/canbus"
	"github.com/mingda3d/filament-hub/internal/stateman"
)

// Snapshot is what /healthz reports.
type Snapshot struct {
	SystemState     stateman.State `json:"system_state"`
	LinkState       string         `json:"link_state"`
	ActiveSessions  int            `json:"active_rfid_sessions"`
	ErrKind         string         `json:"error_kind,omitempty"`
	CurrentExtruder *int           `json:"current_extruder,omitempty"`
}

// SourceFunc produces the current snapshot on demand; the orchestrator
// supplies a closure reading its own owned state, never sharing a mutex
// with diag directly.
type SourceFunc func() Snapshot

// Server is the diagnostics HTTP server.
type Server struct {
	srv *http.Server
}

// New builds a diag Server bound to addr, serving Snapshot as JSON from
// source on every request to /healthz.
func New(addr string, source SourceFunc) *Server {
	m := http.NewServeMux()
	m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: httpex.LogMiddleware(m, log.Default()),
		},
	}
}

// ListenAndServe blocks serving diagnostics requests.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diag: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// LinkStateString renders a canbus.State for Snapshot.LinkState.
func LinkStateString(s canbus.State) string { return s.String() }
