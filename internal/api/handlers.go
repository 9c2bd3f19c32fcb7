package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ganeshk79/Disease-Detection/internal/arbiter"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	states := s.sup.Workers()
	resp := ListResponse{Target: s.sup.Target(), Workers: make([]WorkerResponse, 0, len(states))}
	for _, st := range states {
		resp.Workers = append(resp.Workers, stateToResponse(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pid %q", chi.URLParam(r, "pid")))
		return 0, false
	}
	return pid, true
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}

	st, ok := s.sup.Worker(pid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown worker: %d", pid))
		return
	}
	writeJSON(w, http.StatusOK, stateToResponse(st))
}

func (s *Server) handleRecycleWorker(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}

	if err := s.sup.Recycle(pid); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.log.Info("worker recycle requested", zap.Int("pid", pid))
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Reload(); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.log.Info("reload requested")
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad payload: %v", err))
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}

	target, err := s.sup.Scale(req.Delta)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScaleResponse{Target: target})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Config().Settings())
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, arbiter.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, arbiter.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Warn("control request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
