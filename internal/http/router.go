package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airliftd/airlift/internal/artifact"
	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
	"github.com/airliftd/airlift/internal/service/app"
	"github.com/airliftd/airlift/internal/service/auth"
	"github.com/airliftd/airlift/internal/service/build"
	"github.com/airliftd/airlift/internal/service/release"
	"github.com/airliftd/airlift/internal/service/update"
	"github.com/airliftd/airlift/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	apps     app.Service
	builds   build.Service
	releases release.Service
	updates  update.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	updateChecks       *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitDevice    = 600
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, appSvc app.Service, buildSvc build.Service, releaseSvc release.Service, updateSvc update.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		apps:     appSvc,
		builds:   buildSvc,
		releases: releaseSvc,
		updates:  updateSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit(rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit(rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/tokens", r.audit(r.requireSession(r.withRateLimit(rateLimitUserWrite, rateWindowDefault, r.rateLimitKeyUser, r.handleTokens))))
	r.mux.HandleFunc("/apps", r.audit(r.requireToken(r.withRateLimit(rateLimitUserWrite, rateWindowDefault, r.rateLimitKeyUser, r.handleApps))))
	r.mux.HandleFunc("/apps/", r.audit(r.handleAppSubroutes))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
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
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrEmailTaken) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
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
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
		"tokens": tokens,
	})
}

func (r *Router) handleTokens(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for token route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		token, err := r.auth.CreateToken(req.Context(), info.UserID, payload.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, tokenJSON(token))
	case http.MethodGet:
		tokens, err := r.auth.ListTokens(req.Context(), info.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]map[string]any, 0, len(tokens))
		for i := range tokens {
			out = append(out, tokenJSON(&tokens[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for apps route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload app.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.UserID = info.UserID
		created, err := r.apps.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, appJSON(created))
	case http.MethodGet:
		apps, err := r.apps.ListByUser(req.Context(), info.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]map[string]any, 0, len(apps))
		for i := range apps {
			out = append(out, appJSON(&apps[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

// handleAppSubroutes dispatches /apps/{app_id}/... paths. Device
// protocol routes are public; management routes require an API token.
func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	appID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "builds":
		r.requireToken(r.withRateLimit(rateLimitUserWrite, rateWindowDefault, r.rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleBuilds(w, req, appID)
		}))(w, req)
	case len(parts) == 2 && parts[1] == "deployments":
		r.requireToken(r.withRateLimit(rateLimitUserWrite, rateWindowDefault, r.rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeployments(w, req, appID)
		}))(w, req)
	case len(parts) == 3 && parts[1] == "channels" && parts[2] == "check-device":
		r.withRateLimit(rateLimitDevice, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleCheckDevice(w, req, appID)
		})(w, req)
	case len(parts) == 4 && parts[1] == "channels" && parts[3] == "events":
		channel := parts[2]
		r.requireToken(r.withRateLimit(rateLimitWebsocket, rateWindowDefault, r.rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleChannelEvents(w, req, appID, channel)
		}))(w, req)
	case len(parts) == 4 && parts[1] == "snapshots" && (parts[3] == "manifest_v2" || parts[3] == "download"):
		snapshotID := parts[2]
		r.withRateLimit(rateLimitDevice, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleSnapshotRedirect(w, req, appID, snapshotID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

// requireOwnedApp resolves the app and enforces user scoping for
// management routes.
func (r *Router) requireOwnedApp(w http.ResponseWriter, req *http.Request, appID string) bool {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for app-scoped route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return false
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, appID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "App not found")
			return false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request, appID string) {
	if !r.requireOwnedApp(w, req, appID) {
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload build.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.AppID = appID
		created, err := r.builds.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, buildJSON(created))
	case http.MethodGet:
		builds, err := r.builds.ListByApp(req.Context(), appID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(builds))
		for i := range builds {
			out = append(out, buildJSON(&builds[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, appID string) {
	if !r.requireOwnedApp(w, req, appID) {
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload release.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.AppID = appID
		created, err := r.releases.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, deploymentJSON(created))
	case http.MethodGet:
		deployments, err := r.releases.ListByApp(req.Context(), appID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(deployments))
		for i := range deployments {
			out = append(out, deploymentDetailJSON(&deployments[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCheckDevice(w http.ResponseWriter, req *http.Request, appID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		AppID       *string `json:"app_id"`
		ChannelName *string `json:"channel_name"`
		IsPortals   *bool   `json:"is_portals"`
		Manifest    *bool   `json:"manifest"`
		Device      struct {
			Snapshot *string `json:"snapshot"`
			Build    *int64  `json:"build"`
		} `json:"device"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ChannelName == nil || payload.AppID == nil || payload.IsPortals == nil || payload.Manifest == nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: channel_name, app_id, is_portals, manifest")
		return
	}

	input := update.CheckInput{
		AppID:           appID,
		ChannelName:     *payload.ChannelName,
		WantsManifest:   *payload.Manifest,
		ExistingBuildID: payload.Device.Build,
	}
	if payload.Device.Snapshot != nil {
		input.ExistingSnapshotID = *payload.Device.Snapshot
	}

	result, err := r.updates.CheckDevice(req.Context(), input)
	if err != nil {
		r.recordUpdateCheck("error")
		r.writeServiceError(w, err)
		return
	}
	if result.Available {
		r.recordUpdateCheck("available")
	} else {
		r.recordUpdateCheck("up_to_date")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"available":                   result.Available,
			"compatible":                  result.Compatible,
			"partial":                     result.Partial,
			"snapshot":                    result.Snapshot,
			"url":                         result.URL,
			"build":                       result.Build,
			"incompatibleUpdateAvailable": result.IncompatibleUpdateAvailable,
		},
		"meta": map[string]any{
			"status":     http.StatusOK,
			"version":    result.Version,
			"request_id": result.RequestID,
		},
	})
}

func (r *Router) handleSnapshotRedirect(w http.ResponseWriter, req *http.Request, appID, snapshotID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	url, err := r.updates.ResolveArtifact(req.Context(), appID, snapshotID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	http.Redirect(w, req, url, http.StatusFound)
}

func (r *Router) handleChannelEvents(w http.ResponseWriter, req *http.Request, appID, channel string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.requireOwnedApp(w, req, appID) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err, "path", req.URL.Path)
		return
	}
	client := ws.NewClient(conn, r.logger)
	topic := ws.Topic(appID, channel)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeServiceError maps service sentinels to HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var mismatch *update.FormatMismatchError
	switch {
	case errors.Is(err, update.ErrAppNotFound),
		errors.Is(err, build.ErrAppNotFound),
		errors.Is(err, release.ErrAppNotFound):
		writeError(w, http.StatusNotFound, "App not found")
	case errors.Is(err, update.ErrDeploymentNotFound):
		writeError(w, http.StatusNotFound, "Deployment not found")
	case errors.Is(err, update.ErrBuildNotFound), errors.Is(err, release.ErrBuildNotFound):
		writeError(w, http.StatusNotFound, "Build not found")
	case errors.Is(err, app.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &mismatch),
		errors.Is(err, app.ErrMissingFields),
		errors.Is(err, build.ErrMissingFields),
		errors.Is(err, release.ErrMissingFields),
		errors.Is(err, update.ErrMissingChannel),
		errors.Is(err, artifact.ErrInvalidType),
		errors.Is(err, artifact.ErrInvalidManifestURL),
		errors.Is(err, artifact.ErrInvalidZipURL):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func appJSON(a *domain.App) map[string]any {
	return map[string]any{"id": a.ID, "name": a.Name}
}

func buildJSON(b *domain.Build) map[string]any {
	return map[string]any{
		"id":             b.ID,
		"app_id":         b.AppID,
		"artifact_url":   b.ArtifactURL,
		"artifact_type":  b.ArtifactType,
		"snapshot_id":    b.SnapshotID,
		"commit_sha":     b.CommitSHA,
		"commit_message": b.CommitMessage,
		"commit_ref":     b.CommitRef,
	}
}

func deploymentJSON(d *domain.Deployment) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"app_id":       d.AppID,
		"build_id":     d.BuildID,
		"channel_name": d.ChannelName,
		"created_at":   d.CreatedAt.Format(time.RFC3339),
	}
}

func deploymentDetailJSON(d *domain.DeploymentDetail) map[string]any {
	out := deploymentJSON(&d.Deployment)
	out["artifact_type"] = d.ArtifactType
	out["artifact_url"] = d.ArtifactURL
	out["snapshot_id"] = d.SnapshotID
	out["commit_sha"] = d.CommitSHA
	out["commit_message"] = d.CommitMessage
	out["commit_ref"] = d.CommitRef
	return out
}

func tokenJSON(t *domain.APIToken) map[string]any {
	return map[string]any{
		"token":      t.Token,
		"name":       t.Name,
		"created_at": t.CreatedAt.Format(time.RFC3339),
	}
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// audit logs every request with status, size and duration, and feeds
// the request metrics.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
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
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}
		r.logger.Info("http request", fields...)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

// routeLabel collapses identifiers out of paths to bound metric
// cardinality.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] != "apps" {
		return path
	}
	if len(parts) >= 2 {
		parts[1] = ":app_id"
	}
	if len(parts) >= 3 && parts[2] == "snapshots" && len(parts) >= 4 {
		parts[3] = ":snapshot_id"
	}
	if len(parts) >= 4 && parts[2] == "channels" && parts[len(parts)-1] == "events" {
		parts[3] = ":channel"
	}
	return "/" + strings.Join(parts, "/")
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
