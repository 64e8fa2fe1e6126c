// v3
// internal/api/server.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/analysis"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/metrics"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/scheduler"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/timing"
)

// Controller is the slice of the scheduler the HTTP layer needs.
type Controller interface {
	Snapshot() model.Snapshot
	Status() scheduler.Stats
	RequestManualOverride(plan model.SignalPlan) error
	ReleaseManualOverride() error
	VehicleCleared(direction string)
}

// Server exposes the operator surface: signal state, manual overrides,
// capacity calibration, and prometheus metrics.
type Server struct {
	lg     *slog.Logger
	ctrl   Controller
	caps   *analysis.Capacities
	met    *metrics.Metrics
	reload func() error
	router *mux.Router
}

// NewServer wires the routes. reload re-reads the properties file and
// queues the fresh intersection on the scheduler; it may be nil when
// runtime reloads are disabled.
func NewServer(ctrl Controller, caps *analysis.Capacities, met *metrics.Metrics, reload func() error, lg *slog.Logger) *Server {
	s := &Server{lg: lg, ctrl: ctrl, caps: caps, met: met, reload: reload}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/state", s.state).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/override", s.engageOverride).Methods(http.MethodPost)
	r.HandleFunc("/override", s.releaseOverride).Methods(http.MethodDelete)
	r.HandleFunc("/directions/{direction}/cleared", s.vehicleCleared).Methods(http.MethodPost)
	r.HandleFunc("/config/capacity", s.allCapacities).Methods(http.MethodGet)
	r.HandleFunc("/config/capacity/{direction}", s.getCapacity).Methods(http.MethodGet)
	r.HandleFunc("/config/capacity/{direction}", s.putCapacity).Methods(http.MethodPut)
	r.HandleFunc("/config/reload", s.reloadConfig).Methods(http.MethodPost)
	r.Handle("/metrics", met.Handler()).Methods(http.MethodGet)
	r.Use(s.accessLog)
	s.router = r
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(
		handlers.CompressHandler(s.router))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.lg.Debug("http", "method", r.Method, "path", r.URL.Path, "took", time.Since(start).String())
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// overrideRequest is the operator plan body; allocations in seconds.
type overrideRequest struct {
	Allocations map[string]float64 `json:"allocations"`
}

func (s *Server) engageOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Allocations) == 0 {
		writeError(w, http.StatusBadRequest, "allocations required")
		return
	}
	plan := model.SignalPlan{Allocations: make(map[string]time.Duration, len(req.Allocations))}
	for d, secs := range req.Allocations {
		plan.Allocations[d] = time.Duration(secs * float64(time.Second))
	}
	switch err := s.ctrl.RequestManualOverride(plan); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "engaged"})
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, timing.ErrInvalidPlan):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) releaseOverride(w http.ResponseWriter, _ *http.Request) {
	switch err := s.ctrl.ReleaseManualOverride(); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	case errors.Is(err, scheduler.ErrNotManual):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) vehicleCleared(w http.ResponseWriter, r *http.Request) {
	direction := mux.Vars(r)["direction"]
	s.ctrl.VehicleCleared(direction)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "direction": direction})
}

func (s *Server) allCapacities(w http.ResponseWriter, _ *http.Request) {
	min, max := s.caps.Range()
	writeJSON(w, http.StatusOK, map[string]any{"capacities": s.caps.All(), "min": min, "max": max})
}

func (s *Server) getCapacity(w http.ResponseWriter, r *http.Request) {
	direction := mux.Vars(r)["direction"]
	v, ok := s.caps.Get(direction)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown direction: "+direction)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"direction": direction, "capacity": v})
}

func (s *Server) putCapacity(w http.ResponseWriter, r *http.Request) {
	direction := mux.Vars(r)["direction"]
	var body struct {
		Capacity int `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	switch v, err := s.caps.Set(direction, body.Capacity); {
	case err == nil:
		s.lg.Info("capacity calibrated", "direction", direction, "capacity", v)
		writeJSON(w, http.StatusOK, map[string]any{"direction": direction, "capacity": v})
	case errors.Is(err, analysis.ErrUnknownDirection):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, analysis.ErrCapacityRange):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) reloadConfig(w http.ResponseWriter, _ *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "runtime reload disabled")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reload queued"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
