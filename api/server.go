// Package api serves the daemon's local HTTP interface: machine status,
// manual start/stop, deferral of the fail-safe threshold, the decision
// history, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"boxd"
	"boxd/controller"
	"boxd/infra/history"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// History is the read/write slice of the decision log the API uses.
type History interface {
	Append(ctx context.Context, entry history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server is the daemon's HTTP API.
type Server struct {
	ctrl       *controller.Controller
	machines   controller.MachineAPI
	history    History
	instanceID string
}

// New creates a server. history may be nil, which returns empty history
// and skips recording.
func New(ctrl *controller.Controller, machines controller.MachineAPI, hist History, instanceID string) *Server {
	return &Server{ctrl: ctrl, machines: machines, history: hist, instanceID: instanceID}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/machine/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/machine/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/defer", s.handleDefer).Methods(http.MethodPost)
	r.HandleFunc("/v1/history", s.handleHistory).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("API listening.", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve api: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.machines.Start(r.Context(), s.instanceID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.record(r.Context(), "start", "manual start via api")
	writeJSON(w, http.StatusOK, map[string]string{"result": "start issued"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.machines.Stop(r.Context(), s.instanceID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.record(r.Context(), "stop", "manual stop via api")
	writeJSON(w, http.StatusOK, map[string]string{"result": "stop issued"})
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hours float64 `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Hours < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("hours must be non-negative, got %v", body.Hours))
		return
	}

	value := strconv.FormatFloat(body.Hours, 'f', -1, 64)
	tags := map[string]string{boxd.TagAutoStopDeferHours: value}
	if err := s.machines.MergeTags(r.Context(), s.instanceID, tags); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.record(r.Context(), "defer", "fail-safe deferred by "+value+"h")
	writeJSON(w, http.StatusOK, map[string]string{"result": "deferred", "hours": value})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	entries := []history.Entry{}
	if s.history != nil {
		var err error
		entries, err = s.history.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) record(ctx context.Context, action, detail string) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, history.Entry{Event: "api", Action: action, Detail: detail}); err != nil {
		slog.Warn("Recording api action failed.", "action", action, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Writing api response failed.", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
