// Package controlapi exposes a small HTTP+JSON introspection surface
// over a running coordinatord Node: in-flight write-consistency
// operations, a liveness check, and the Prometheus metrics. Purely an ops surface —
// nothing here is on the protocol's correctness path.
package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/metasync/pkg/coordinator"
	"github.com/cuemby/metasync/pkg/metrics"
)

// coordinatorView is the subset of *coordinator.Coordinator the control
// API depends on, so tests can substitute a fake coordinator.
type coordinatorView interface {
	InFlightOps() []coordinator.OpStatus
}

var _ coordinatorView = (*coordinator.Coordinator)(nil)

// Server serves the control API's HTTP endpoints.
type Server struct {
	coord     coordinatorView
	startTime time.Time
	mux       *http.ServeMux
}

// NewServer builds a Server wrapping coord's introspection state.
func NewServer(coord *coordinator.Coordinator) *Server {
	return newServer(coord)
}

func newServer(coord coordinatorView) *Server {
	s := &Server{coord: coord, startTime: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("/ops", s.opsHandler)
	mux.HandleFunc("/live", s.liveHandler)
	mux.Handle("/metrics", metrics.Handler())
	s.mux = mux
	return s
}

// Handler returns the control API's http.Handler, for embedding in a
// larger mux or for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the control API HTTP server on addr, blocking
// until it errors or the process is terminated.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// opsResponse is the JSON body of GET /ops.
type opsResponse struct {
	Ops []coordinator.OpStatus `json:"ops"`
}

func (s *Server) opsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(opsResponse{Ops: s.coord.InFlightOps()})
}

type liveResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(liveResponse{
		Status: "alive",
		Uptime: time.Since(s.startTime).String(),
	})
}
