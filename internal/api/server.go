// Package api is the arbiter's stats and control HTTP API, served on
// stats_bind.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ganeshk79/Disease-Detection/internal/arbiter"
	"github.com/ganeshk79/Disease-Detection/internal/config"
)

// Supervisor is the part of the arbiter the API drives.
type Supervisor interface {
	Workers() []arbiter.WorkerState
	Worker(pid int) (arbiter.WorkerState, bool)
	Target() int
	Config() config.ServerConfiguration
	Recycle(pid int) error
	Reload() error
	Scale(delta int) (int, error)
}

type Server struct {
	sup     Supervisor
	metrics http.Handler
	log     *zap.Logger
	addr    string
}

func NewServer(sup Supervisor, metrics http.Handler, addr string, log *zap.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:9100"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sup:     sup,
		metrics: metrics,
		addr:    addr,
		log:     log.Named("api"),
	}
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/settings", s.handleSettings)
	r.Post("/reload", s.handleReload)
	r.Post("/scale", s.handleScale)

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Get("/{pid}", s.handleGetWorker)
		r.Post("/{pid}/recycle", s.handleRecycleWorker)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func stateToResponse(st arbiter.WorkerState) WorkerResponse {
	return WorkerResponse{
		PID:          st.PID,
		Age:          st.Age,
		Phase:        string(st.Phase),
		StartedAt:    st.StartedAt,
		UptimeSec:    st.Uptime.Seconds(),
		Requests:     st.Requests,
		InFlight:     st.InFlight,
		RequestLimit: st.RequestLimit,
		HeartbeatSec: st.HeartbeatAge.Seconds(),
		RetireReason: st.RetireReason,
	}
}
