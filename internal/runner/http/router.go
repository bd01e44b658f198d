package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/conveyorci/conveyor/internal/runner/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router exposes the runner's HTTP endpoints to the control plane.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	pipeline           pipeline.Service
	token              string
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	runResults         *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// New creates and registers handlers. A non-empty token makes execute and
// cancel require a matching X-Runner-Token header.
func New(logger *slog.Logger, pipelineSvc pipeline.Service, token string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		pipeline: pipelineSvc,
		token:    strings.TrimSpace(token),
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/execute", r.instrument("/execute", r.authorized(r.handleExecute)))
	r.mux.HandleFunc("/runs/", r.instrument("/runs/:id/cancel", r.authorized(r.handleCancel)))
}

func (r *Router) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token != "" {
			got := req.Header.Get("X-Runner-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
				r.writeError(w, http.StatusUnauthorized, "invalid runner token")
				return
			}
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.pipeline.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload pipeline.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.pipeline.Handle(req.Context(), payload)
	if err != nil {
		r.recordRunResult("rejected")
		switch {
		case errors.Is(err, pipeline.ErrInvalidRequest):
			r.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			r.writeError(w, http.StatusConflict, err.Error())
		default:
			r.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	r.recordRunResult("accepted")
	r.writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/runs/")
	runID, ok := strings.CutSuffix(strings.Trim(rest, "/"), "/cancel")
	if !ok || runID == "" {
		r.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := r.pipeline.Cancel(req.Context(), runID); err != nil {
		if errors.Is(err, pipeline.ErrUnknownRun) {
			r.writeError(w, http.StatusNotFound, "run not executing")
			return
		}
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
