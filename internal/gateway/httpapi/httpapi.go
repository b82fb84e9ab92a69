// Package httpapi implements the HTTP API gateway for Boma.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 12 MB, sized for the file payload cap)
//   - Per-caller rate limiting via token bucket
//   - Domain failures return HTTP 200 with an error envelope; transport
//     failures (auth, rate limit, malformed JSON) use HTTP status codes
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boma/internal/dispatch"
	"github.com/jkaninda/boma/internal/fileops"
	"github.com/jkaninda/boma/internal/observability"
	"github.com/jkaninda/boma/internal/protocol"
	"github.com/jkaninda/boma/internal/ratelimit"
	"github.com/jkaninda/boma/internal/session"
	"github.com/jkaninda/boma/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 12 << 20 // 12 MB, file payload cap plus envelope

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Bearer keys. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 12 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	dispatcher observability.CallDispatcher
	sessions   *session.Registry
	files      *fileops.Service
	journal    storage.Store // nil = journal endpoints disabled.
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, d observability.CallDispatcher, sessions *session.Registry, files *fileops.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		dispatcher: d,
		sessions:   sessions,
		files:      files,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithJournal attaches the call journal for the per-session call history endpoint.
func (g *Gateway) WithJournal(store storage.Store) *Gateway {
	g.journal = store
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket event stream endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Boma",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/calls", g.handleCall,
		okapi.DocSummary("Dispatch one sandbox call"),
		okapi.DocTags("Calls"),
		okapi.DocRequestBody(protocol.Request{}),
		okapi.DocResponse(protocol.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List live sandbox sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]protocol.SessionInfo{}),
	)
	g.group.Get("/sessions/{taskId}", g.handleSessionGet,
		okapi.DocSummary("Get one session by task ID"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("taskId", "string", "Task ID"),
		okapi.DocResponse(protocol.SessionInfo{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{taskId}", g.handleSessionDestroy,
		okapi.DocSummary("Destroy a session and its workspace"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("taskId", "string", "Task ID"),
		okapi.DocResponse(map[string]string{}),
	)
	if g.journal != nil {
		g.group.Get("/sessions/{taskId}/calls", g.handleCallHistory,
			okapi.DocSummary("List recent journaled calls for a task"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("taskId", "string", "Task ID"),
			okapi.DocResponse([]CallRecordResponse{}),
		)
	}

	// Raw file transfer endpoints. Mounted as std handlers so binary
	// bodies bypass JSON encoding.
	g.okapi.HandleStd("GET", "/v1/files/raw", g.requireAuth(g.handleFileDownload))
	g.okapi.HandleStd("PUT", "/v1/files/raw", g.requireAuth(g.handleFileUpload))

	// Extra handlers (e.g., WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      180 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleCall(c *okapi.Context) error {
	caller := c.GetString("callerID")

	if g.limiter != nil {
		if err := g.limiter.Allow(caller); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.Inc()
			}
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req protocol.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := validateCall(&req); msg != "" {
		return c.AbortBadRequest(msg)
	}

	resp := g.dispatcher.Dispatch(c.Context(), &req)
	return c.OK(resp)
}

// validateCall checks the transport-level shape of a call envelope. An
// operation outside the closed set is rejected here with a 400, before it
// reaches the dispatcher; domain failures past this point come back as
// error envelopes with HTTP 200. Returns an empty string when valid.
func validateCall(req *protocol.Request) string {
	switch {
	case req.TaskID == "":
		return "taskId is required"
	case req.Op == "":
		return "operation is required"
	case !req.Op.Known():
		return fmt.Sprintf("unknown operation %q", req.Op)
	}
	return ""
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	return c.OK(g.sessions.List())
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return c.AbortBadRequest("taskId is required")
	}
	info, ok := g.sessions.Info(taskID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no live session for task"})
	}
	return c.OK(info)
}

func (g *Gateway) handleSessionDestroy(c *okapi.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return c.AbortBadRequest("taskId is required")
	}
	if err := g.sessions.Destroy(taskID, session.ReasonExplicit); err != nil {
		g.logger.Error("session destroy failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("destroy failed")
	}
	return c.OK(map[string]string{"task_id": taskID, "state": "destroyed"})
}

// CallRecordResponse is one journaled call in the history endpoint.
type CallRecordResponse struct {
	ID         string `json:"id"`
	Op         string `json:"operation"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

func (g *Gateway) handleCallHistory(c *okapi.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return c.AbortBadRequest("taskId is required")
	}
	limit, _ := strconv.Atoi(c.Request().URL.Query().Get("limit"))

	records, err := g.journal.ListCalls(c.Context(), taskID, limit)
	if err != nil {
		g.logger.Error("journal query failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("journal query failed")
	}

	resp := make([]CallRecordResponse, len(records))
	for i, rec := range records {
		resp[i] = CallRecordResponse{
			ID:         rec.ID,
			Op:         rec.Op,
			Status:     rec.Status,
			ErrorKind:  rec.ErrorKind,
			DurationMs: rec.DurationMs,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return c.OK(resp)
}

// --- Raw file transfer ---

// handleFileDownload streams a workspace file as application/octet-stream.
// GET /v1/files/raw?task_id=...&path=...
func (g *Gateway) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	path := r.URL.Query().Get("path")
	if taskID == "" || path == "" {
		http.Error(w, "task_id and path are required", http.StatusBadRequest)
		return
	}

	data, err := g.files.ReadRaw(taskID, path)
	if err != nil {
		writeFileError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleFileUpload writes the request body to a workspace file.
// PUT /v1/files/raw?task_id=...&path=...
func (g *Gateway) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	path := r.URL.Query().Get("path")
	if taskID == "" || path == "" {
		http.Error(w, "task_id and path are required", http.StatusBadRequest)
		return
	}

	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := g.files.WriteRaw(taskID, path, data); err != nil {
		writeFileError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"written","bytes":` + strconv.Itoa(len(data)) + `}`))
}

// writeFileError maps file service failures onto transport status codes
// for the raw endpoints, which have no JSON error envelope.
func writeFileError(w http.ResponseWriter, err error) {
	switch dispatch.MapError(err) {
	case protocol.KindPathEscape:
		http.Error(w, "path escapes the workspace", http.StatusBadRequest)
	case protocol.KindNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	case protocol.KindPayloadTooLarge:
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, "file operation failed", http.StatusInternalServerError)
	}
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key. With no keys configured,
// authentication is disabled and callers are keyed by remote address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			host, _, _ := net.SplitHostPort(c.Request().RemoteAddr)
			c.Set("callerID", host)
			return next(c)
		}

		key, ok := bearerKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		if !g.keyValid(key) {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", key)
		return next(c)
	}
}

// requireAuth is the net/http form of authenticate, for std handlers.
func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(g.config.APIKeys) == 0 {
			next(w, r)
			return
		}
		key, ok := bearerKey(r.Header.Get("Authorization"))
		if !ok || !g.keyValid(key) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (g *Gateway) keyValid(key string) bool {
	valid := false
	for _, k := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			valid = true
		}
	}
	return valid
}

func bearerKey(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	key := strings.TrimPrefix(header, "Bearer ")
	return key, key != ""
}
