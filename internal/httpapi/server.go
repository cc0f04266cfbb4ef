package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	scopeSyncRead  = "sync:read"
	scopeSyncWrite = "sync:write"
	scopeAdminRead = "admin:read"

	correlationHeader = "X-Correlation-Id"
)

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relaysync_http_requests_total",
	Help: "HTTP requests that passed authentication, by route",
}, []string{"route"})

type ServerConfig struct {
	JWTSecret       string
	JWTAudience     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// KeepAlive is the idle interval after which streams send a heartbeat.
	KeepAlive time.Duration
	// StreamWriteTimeout bounds each write to a stream connection.
	StreamWriteTimeout time.Duration
	// AllowedOrigins are host patterns accepted for websocket upgrades in
	// addition to the request's own host.
	AllowedOrigins []string
}

type Server struct {
	syncer      *relaysync.Syncer
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schemas     *requestSchemas
	router      *mux.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type principal struct {
	UserID        string
	Scopes        map[string]struct{}
	CorrelationID string
}

type correlationKey struct{}

func NewServer(syncer *relaysync.Syncer) *Server {
	return NewServerWithConfig(syncer, ServerConfig{})
}

func NewServerWithConfig(syncer *relaysync.Syncer, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "relaysync"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		syncer:      syncer,
		cfg:         cfg,
		rateLimiter: limiter,
		schemas:     mustCompileSchemas(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(correlationMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/sync/push", s.authorized("push", scopeSyncWrite, false, s.handlePush)).Methods(http.MethodPost)
	r.HandleFunc("/sync/pull", s.authorized("pull", scopeSyncRead, false, s.handlePull)).Methods(http.MethodPost)
	r.HandleFunc("/sync/poke", s.authorized("poke", scopeSyncWrite, false, s.handlePoke)).Methods(http.MethodPost)
	r.HandleFunc("/sync/stream", s.authorized("stream", scopeSyncRead, true, s.handleStream)).Methods(http.MethodGet)
	r.HandleFunc("/sync/ws", s.authorized("ws", scopeSyncRead, true, s.handleWebsocket)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/sync", s.authorized("admin_sync", scopeAdminRead, false, s.handleAdminSync)).Methods(http.MethodGet)
	r.NotFoundHandler = correlationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}))
	r.MethodNotAllowedHandler = correlationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	}))
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// correlationMiddleware assigns a correlation ID when the caller sent none
// and echoes it on the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get(correlationHeader)
}

// authorized resolves the caller, enforces scope and rate limit, then runs
// next. Stream routes may carry the token in ?access_token= because
// EventSource cannot set headers.
func (s *Server) authorized(route, requiredScope string, allowQueryToken bool, next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		token := bearerToken(r, allowQueryToken)
		claims, authErr := authorizeToken(token, s.cfg.JWTSecret, s.cfg.JWTAudience, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		httpRequestsTotal.WithLabelValues(route).Inc()
		next(w, r, principal{UserID: claims.UserID, Scopes: claims.Scopes, CorrelationID: correlationID})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, p principal) {
	var req relaysync.PushRequest
	if !s.decodeValidatedBody(w, r, p.CorrelationID, schemaPush, &req) {
		return
	}
	resp, err := s.syncer.Push(r.Context(), p.UserID, req)
	if err != nil {
		s.writeSyncError(w, err, resp.LastMutationIDChanges, p.CorrelationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, p principal) {
	var req relaysync.PullRequest
	if !s.decodeValidatedBody(w, r, p.CorrelationID, schemaPull, &req) {
		return
	}
	resp, err := s.syncer.Pull(r.Context(), p.UserID, req)
	if err != nil {
		s.writeSyncError(w, err, nil, p.CorrelationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type pokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request, p principal) {
	var req pokeRequest
	if !s.decodeValidatedBody(w, r, p.CorrelationID, schemaPoke, &req) {
		return
	}
	if err := s.syncer.Poke(r.Context(), p.UserID, req.Reason); err != nil {
		s.writeSyncError(w, err, nil, p.CorrelationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminSync(w http.ResponseWriter, _ *http.Request, _ principal) {
	writeJSON(w, http.StatusOK, s.syncer.Status())
}

// writeSyncError maps the sync error taxonomy onto HTTP responses.
func (s *Server) writeSyncError(w http.ResponseWriter, err error, changes map[string]uint64, correlationID string) {
	if changes == nil {
		changes = map[string]uint64{}
	}
	switch {
	case errors.Is(err, relaysync.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrSequenceGap):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":                  "sequence_gap",
			"message":               err.Error(),
			"correlationId":         correlationID,
			"lastMutationIDChanges": changes,
			"resync":                true,
		})
	case errors.Is(err, relaysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrCollaborator):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":                  "collaborator_failure",
			"message":               err.Error(),
			"correlationId":         correlationID,
			"lastMutationIDChanges": changes,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", correlationID)
	default:
		glog.Errorf("httpapi: sync request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeValidatedBody reads the body, checks it against the named schema
// and decodes it into dst. An empty body counts as {}.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid json body: %v", err), correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
