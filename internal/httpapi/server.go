// Package httpapi exposes the form engine to local UI clients: working-copy
// editing, completion, sync control, camera preferences and a websocket
// stream of the app state.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentworkforce/formsync/internal/appstate"
	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/agentworkforce/formsync/internal/prefs"
	"github.com/agentworkforce/formsync/internal/reconcile"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	SyncTimeout     time.Duration
	Logger          Logger
}

type Server struct {
	engine      *reconcile.Reconciler
	prefs       *prefs.Preferences
	state       *appstate.Distributor
	cfg         ServerConfig
	rateLimiter *rateLimiter
	sessions    *sessions
	router      chi.Router
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

func NewServer(engine *reconcile.Reconciler, preferences *prefs.Preferences, cfg ServerConfig) *Server {
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
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
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
		engine:      engine,
		prefs:       preferences,
		state:       engine.State(),
		cfg:         cfg,
		rateLimiter: limiter,
		sessions:    newSessions(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withCorrelationID)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(requireScope(ScopeFormsRead))
			r.Get("/forms", s.handleListForms)
			r.Get("/forms/{formID}", s.handleGetForm)
			r.Get("/sync/status", s.handleSyncStatus)
			r.Get("/preferences/camera", s.handleGetCamera)
			r.Get("/state/ws", s.handleStateStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireScope(ScopeFormsWrite))
			r.Post("/forms", s.handleCreateForm)
			r.Post("/forms/{formID}/open", s.handleOpenForm)
			r.Patch("/forms/{formID}/fields", s.handleEditField)
			r.Post("/forms/{formID}/attachments", s.handleAttach)
			r.Post("/forms/{formID}/flush", s.handleFlushForm)
			r.Post("/forms/{formID}/close", s.handleCloseForm)
			r.Post("/forms/{formID}/complete", s.handleCompleteForm)
			r.Put("/preferences/camera", s.handlePutCamera)
			r.Post("/preferences/camera/toggle-facing", s.handleToggleFacing)
			r.Post("/preferences/camera/cycle-flash", s.handleCycleFlash)
		})

		r.With(requireScope(ScopeSyncTrigger)).Post("/sync", s.handleSync)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationIDFrom(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationIDFrom(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close flushes every open working copy so no edit is lost when the API
// stops.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for _, form := range s.sessions.drain() {
		if _, err := s.engine.FlushForm(ctx, form); err != nil && !errors.Is(err, forms.ErrInvalidState) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) rememberIdentity(claims *Claims) {
	current := s.state.State().User
	if current.Subject == claims.Subject && current.Name == claims.Name {
		return
	}
	s.state.Dispatch(appstate.Patch{User: &appstate.Identity{
		Subject: claims.Subject,
		Name:    claims.Name,
		Scopes:  claims.Scopes,
	}})
}

type correlationKey struct{}

func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func correlationIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get("X-Correlation-Id")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the websocket upgrade on /v1/state/ws.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	if s.cfg.Logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.cfg.Logger.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationIDFrom(r))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationIDFrom(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationIDFrom(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationIDFrom(r))
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
