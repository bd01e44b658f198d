package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/objectstore"
	"github.com/conveyorci/conveyor/internal/service/application"
	"github.com/conveyorci/conveyor/internal/service/auth"
	"github.com/conveyorci/conveyor/internal/service/logs"
	"github.com/conveyorci/conveyor/internal/service/run"
	"github.com/conveyorci/conveyor/internal/service/webhook"
	"github.com/conveyorci/conveyor/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        auth.Service
	apps        application.Service
	runs        run.Service
	logsSvc     logs.Service
	webhook     webhook.Service
	archive     objectstore.Store
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	runnerToken string
	presignTTL  time.Duration
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	runEvents          *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRegister  = 5
	rateLimitLogin     = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	rateLimitRunner    = 600
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatPeriod = 15 * time.Second
	maxWebhookBody     = 1 << 20
	defaultPageLimit   = 50
	defaultLogLimit    = 200
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, appSvc application.Service, runSvc run.Service, logSvc logs.Service, webhookSvc webhook.Service, limiter RateLimiter, archive objectstore.Store, runnerToken string, presignTTL time.Duration, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		apps:    appSvc,
		runs:    runSvc,
		logsSvc: logSvc,
		webhook: webhookSvc,
		archive: archive,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		runnerToken: strings.TrimSpace(runnerToken),
		presignTTL:  presignTTL,
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.presignTTL <= 0 {
		r.presignTTL = 15 * time.Minute
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/auth/register", r.audit("/auth/register", r.withRateLimit("/auth/register", rateLimitRegister, rateWindowDefault, rateLimitKeyIP, r.handleRegister)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/apps", r.audit("/apps", r.handlerAuthRate("/apps", rateLimitWrite, rateWindowDefault, r.handleApps)))
	r.mux.HandleFunc("/apps/", r.audit("/apps/:app", r.handlerAuthRate("/apps/:app", rateLimitWrite, rateWindowDefault, r.handleAppSubroutes)))
	r.mux.HandleFunc("/runs/", r.audit("/runs/:id", r.handlerAuthRate("/runs/:id", rateLimitRead, rateWindowDefault, r.handleRunSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.handlerAuthRate("/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
	r.mux.HandleFunc("/webhooks/", r.audit("/webhooks/:app", r.withRateLimit("/webhooks/:app", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/internal/runs/", r.audit("/internal/runs/:id", r.withRateLimit("/internal/runs/:id", rateLimitRunner, rateWindowDefault, rateLimitKeyIP, r.handleRunnerCallback)))
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	operator, tokens, err := r.auth.Register(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"operator": map[string]any{
			"id":    operator.ID,
			"email": operator.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	operator, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator": map[string]any{
			"id":    operator.ID,
			"email": operator.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload application.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		app, secret, err := r.apps.Create(req.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The plaintext webhook secret is shown exactly once.
		writeJSON(w, http.StatusCreated, map[string]any{
			"application":    app,
			"webhook_secret": secret,
		})
	case http.MethodGet:
		apps, err := r.apps.List(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, apps)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	app, err := r.apps.Resolve(req.Context(), parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleAppDetail(w, req, app)
	case len(parts) == 2 && parts[1] == "env":
		r.handleAppEnv(w, req, app)
	case len(parts) == 3 && parts[1] == "env":
		r.handleAppEnvDelete(w, req, app, parts[2])
	case len(parts) == 2 && parts[1] == "rotate-secret":
		r.handleRotateSecret(w, req, app)
	case len(parts) == 2 && parts[1] == "runs":
		r.handleAppRuns(w, req, app)
	case len(parts) == 2 && parts[1] == "rollback":
		r.handleRollback(w, req, app)
	case len(parts) == 2 && parts[1] == "artifacts":
		r.handleArtifacts(w, req, app)
	case len(parts) == 2 && parts[1] == "status":
		r.handleAppStatus(w, req, app)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAppDetail(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, app)
	case http.MethodPatch:
		var payload application.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.apps.Update(req.Context(), app.ID, payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppEnv(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	switch req.Method {
	case http.MethodPost:
		var payload application.EnvVarInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.AppID = app.ID
		if err := r.apps.SetEnvVar(req.Context(), payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case http.MethodGet:
		vars, err := r.apps.ListEnvVars(req.Context(), app.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// Values stay sealed at rest and are never listed back.
		keys := make([]string, 0, len(vars))
		for _, envVar := range vars {
			keys = append(keys, envVar.Key)
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppEnvDelete(w http.ResponseWriter, req *http.Request, app *domain.Application, key string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.apps.DeleteEnvVar(req.Context(), app.ID, key); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleRotateSecret(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	secret, err := r.apps.RotateWebhookSecret(req.Context(), app.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_secret": secret})
}

func (r *Router) handleAppRuns(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Revision string `json:"revision"`
			Branch   string `json:"branch"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.Revision) == "" {
			writeError(w, http.StatusBadRequest, "revision is required")
			return
		}
		created, err := r.runs.Trigger(req.Context(), app.ID, payload.Revision, payload.Branch, domain.TriggerManual)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, created)
	case http.MethodGet:
		limit, offset := pageParams(req, defaultPageLimit)
		runs, err := r.runs.ListByApp(req.Context(), app.ID, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Revision string `json:"revision"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Revision) == "" {
		writeError(w, http.StatusBadRequest, "revision is required")
		return
	}
	created, err := r.runs.Rollback(req.Context(), app.ID, payload.Revision)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (r *Router) handleArtifacts(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := pageParams(req, defaultPageLimit)
	artifacts, err := r.runs.ListArtifacts(req.Context(), app.ID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (r *Router) handleAppStatus(w http.ResponseWriter, req *http.Request, app *domain.Application) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.runs.Status(req.Context(), app.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleRunDetail(w, req, runID)
	case len(parts) == 2 && parts[1] == "cancel":
		r.handleRunCancel(w, req, runID)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleRunLogs(w, req, runID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.handleLogsSSE(w, req, runID)
	case len(parts) == 4 && parts[1] == "stages" && parts[3] == "log":
		r.handleStageLog(w, req, runID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRunDetail(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	foundRun, stages, err := r.runs.Get(req.Context(), runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":    foundRun,
		"stages": stages,
	})
}

func (r *Router) handleRunCancel(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.runs.Cancel(req.Context(), runID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) handleRunLogs(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, offset := pageParams(req, defaultLogLimit)
	entries, err := r.logsSvc.List(req.Context(), runID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for logs websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	runID := req.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logsSvc.Hub().Register(runID, client)
	go func() {
		defer func() {
			r.logsSvc.Hub().Unregister(runID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request, runID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	hub := r.logsSvc.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming disabled")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub.Register(runID, client)
	defer func() {
		hub.Unregister(runID, client)
		client.Close()
	}()

	if err := client.Heartbeat(); err != nil {
		return
	}
	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleStageLog(w http.ResponseWriter, req *http.Request, runID, stageName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.archive == nil {
		writeError(w, http.StatusNotFound, "log archive not configured")
		return
	}
	_, stages, err := r.runs.Get(req.Context(), runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	logKey := ""
	for _, stage := range stages {
		if string(stage.Name) == stageName {
			logKey = stage.LogKey
			break
		}
	}
	if logKey == "" {
		writeError(w, http.StatusNotFound, "stage has no archived log")
		return
	}
	url, err := r.archive.PresignGet(req.Context(), logKey, r.presignTTL)
	if err != nil {
		r.logger.Error("presign stage log failed", "run_id", runID, "stage", stageName, "error", err)
		writeError(w, http.StatusInternalServerError, "could not presign log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":                url,
		"expires_in_seconds": int(r.presignTTL.Seconds()),
	})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	appName := strings.TrimPrefix(req.URL.Path, "/webhooks/")
	if appName == "" || strings.Contains(appName, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Webhook-Signature")
	}
	created, err := r.webhook.HandlePush(req.Context(), appName, body, signature)
	if err != nil {
		if errors.Is(err, webhook.ErrIgnored) {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "ignored",
				"reason": err.Error(),
			})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"run":    created,
	})
}

func (r *Router) handleRunnerCallback(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/internal/runs/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyRunnerToken(w, req) {
		return
	}
	runID := parts[0]
	switch parts[1] {
	case "stages":
		var payload run.StageEventPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.RunID == "" {
			payload.RunID = runID
		} else if payload.RunID != runID {
			writeError(w, http.StatusBadRequest, "run id mismatch")
			return
		}
		if err := r.runs.ProcessStageEvent(req.Context(), payload); err != nil {
			r.recordRunEvent("stage", "rejected")
			writeServiceError(w, err)
			return
		}
		r.recordRunEvent("stage", "accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	case "complete":
		var payload run.CompletionPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.RunID == "" {
			payload.RunID = runID
		} else if payload.RunID != runID {
			writeError(w, http.StatusBadRequest, "run id mismatch")
			return
		}
		if err := r.runs.ProcessCompletion(req.Context(), payload); err != nil {
			r.recordRunEvent("completion", "rejected")
			writeServiceError(w, err)
			return
		}
		r.recordRunEvent("completion", "accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	case "logs":
		var payload run.LogPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.RunID == "" {
			payload.RunID = runID
		}
		if err := r.runs.ProcessLogLine(req.Context(), payload); err != nil {
			r.recordRunEvent("log", "rejected")
			writeServiceError(w, err)
			return
		}
		r.recordRunEvent("log", "accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator_id", info.OperatorID)
		} else if strings.HasPrefix(req.URL.Path, "/internal/") {
			actor = "runner"
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyRunnerToken ensures runner callbacks carry the shared token.
func (r *Router) verifyRunnerToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.runnerToken
	if expected == "" {
		r.logger.Error("runner token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "runner authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Runner-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("runner token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid runner token")
		return false
	}
	return true
}

func pageParams(req *http.Request, fallback int) (limit, offset int) {
	limit, _ = strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = fallback
	}
	offset, _ = strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
