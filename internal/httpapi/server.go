package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// MaxBodyBytes caps JSON request bodies; uploads are capped by the store.
	MaxBodyBytes          int64
	SubscribePollInterval time.Duration
	Logger                *slog.Logger
}

type Server struct {
	store       *relaysync.Store
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	schemas     *requestSchemas
	pages       *webTemplates
}

func NewServer(store *relaysync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *relaysync.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
	if cfg.SubscribePollInterval <= 0 {
		cfg.SubscribePollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = store.Logger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
		schemas:     mustCompileSchemas(),
		pages:       mustParseTemplates(),
	}
}

// Close stops background work owned by the server. It does not close the
// store.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.close()
	}
}

// itemRoute is the part of /api/items/{id}/... after the item reference.
type itemRoute string

const (
	routeItem      itemRoute = ""
	routeContent   itemRoute = "content"
	routeDelta     itemRoute = "delta"
	routeSubscribe itemRoute = "delta/subscribe"
	routeChildren  itemRoute = "children"
	routeRename    itemRoute = "rename"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := ensureCorrelationID(w, r)

	if r.URL.Path == "/items" || strings.HasPrefix(r.URL.Path, "/items/") {
		s.handleWeb(w, r, correlationID)
		return
	}
	if r.URL.Path == "/api/shares" || strings.HasPrefix(r.URL.Path, "/api/shares/") {
		s.handleShares(w, r, correlationID)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/items/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	itemID, sub := splitItemRoute(strings.TrimPrefix(r.URL.Path, "/api/items/"))
	if itemID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	route := itemRoute(sub)
	var requiredScope string
	switch {
	case route == routeItem && r.Method == http.MethodGet,
		route == routeContent && r.Method == http.MethodGet,
		route == routeDelta && r.Method == http.MethodGet,
		route == routeSubscribe && r.Method == http.MethodGet,
		route == routeChildren && r.Method == http.MethodGet:
		requiredScope = ScopeItemsRead
	case route == routeItem && r.Method == http.MethodDelete,
		route == routeContent && r.Method == http.MethodPut,
		route == routeRename && r.Method == http.MethodPost:
		requiredScope = ScopeItemsWrite
	case route == routeItem, route == routeContent, route == routeDelta, route == routeSubscribe,
		route == routeChildren, route == routeRename:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported on this route", correlationID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, ok := s.authorize(w, r, requiredScope, correlationID)
	if !ok {
		return
	}
	env := s.store.Env(claims.UserID)

	switch {
	case route == routeItem && r.Method == http.MethodGet:
		s.handleGetItem(w, r, env, itemID, correlationID)
	case route == routeItem:
		s.handleDeleteItem(w, r, env, itemID, correlationID)
	case route == routeContent && r.Method == http.MethodGet:
		s.handleGetContent(w, r, env, itemID, correlationID)
	case route == routeContent:
		s.handlePutContent(w, r, env, itemID, correlationID)
	case route == routeDelta:
		s.handleDelta(w, r, env, correlationID)
	case route == routeSubscribe:
		s.handleSubscribe(w, r, env, correlationID)
	case route == routeChildren:
		s.handleChildren(w, r, env, itemID, correlationID)
	case route == routeRename:
		s.handleRename(w, r, env, itemID, correlationID)
	}
}

// authorize checks the bearer token and the caller's rate limit. It writes
// the error response itself and reports whether the request may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, requiredScope, correlationID string) (tokenClaims, bool) {
	return s.authorizeToken(w, r, requiredScope, correlationID, false)
}

// authorizeWeb is authorize for the web pages, which also take the session
// cookie.
func (s *Server) authorizeWeb(w http.ResponseWriter, r *http.Request, requiredScope, correlationID string) (tokenClaims, bool) {
	return s.authorizeToken(w, r, requiredScope, correlationID, true)
}

func (s *Server) authorizeToken(w http.ResponseWriter, r *http.Request, requiredScope, correlationID string, allowCookie bool) (tokenClaims, bool) {
	claims, authErr := authorizeRequest(r, s.cfg.JWTSecret, requiredScope, time.Now().UTC(), allowCookie)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return tokenClaims{}, false
	}
	if s.rateLimiter != nil {
		result := s.rateLimiter.allow(claims.UserID, time.Now())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return tokenClaims{}, false
		}
	}
	return claims, true
}

// splitItemRoute separates the item reference from the sub-route. A
// root:/a/b: reference contains slashes, so it ends at its closing colon.
func splitItemRoute(rest string) (string, string) {
	if strings.HasPrefix(rest, "root:") {
		end := strings.Index(rest[len("root:"):], ":")
		if end < 0 {
			return rest, ""
		}
		cut := len("root:") + end + 1
		return rest[:cut], strings.Trim(rest[cut:], "/")
	}
	id, sub, _ := strings.Cut(rest, "/")
	return id, strings.Trim(sub, "/")
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

// ensureCorrelationID echoes the caller's correlation id, or makes one up.
func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	return correlationID
}

// writeStoreError maps store errors onto the HTTP error taxonomy.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	switch {
	case errors.Is(err, relaysync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrMethodNotAllowed):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "correlation_id", correlationID, "err", err)
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

// decodeJSONBody reads the body, validates it against schema and decodes it
// into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, schema string, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
