package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookclub/internal/ratelimit"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
	"bookclub/services/api/internal/app"
)

const (
	serviceName  = "bookclub-api"
	maxJSONBytes = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis backs the signup and login rate limiters.
	Redis                    *redis.Client
	Development              bool
	CORSAllowedOrigins       []string
	TrustedProxyCIDRs        []string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
}

// Server exposes the book club REST API.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	development   bool
	cors          func(http.Handler) http.Handler
	trusted       *util.TrustedProxies
	signupLimiter *ratelimit.FixedWindowLimiter
	loginLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, "bookclub:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:           cfg.App,
		mux:           http.NewServeMux(),
		development:   cfg.Development,
		cors:          util.WithCORS(cfg.CORSAllowedOrigins),
		trusted:       trusted,
		signupLimiter: signupLimiter,
		loginLimiter:  loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler. Metrics and the request log sit
// directly around the mux so they observe the matched route pattern.
func (s *Server) Router() http.Handler {
	var h http.Handler = util.WithRecover(s.mux)
	h = s.app.Metrics().Middleware(h)
	h = util.WithRequestLog(serviceName, h)
	h = util.WithRequestID(h)
	h = s.cors(h)
	return util.WithSecurityHeaders(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.app.Metrics().Handler())

	// auth
	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/check-user", s.handleCheckUser)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.Handle("POST /api/auth/logout", s.authenticated(s.handleLogout))

	// books
	s.mux.HandleFunc("GET /api/books", s.handleListBooks)
	s.mux.HandleFunc("POST /api/books", s.handleCreateBook)
	s.mux.HandleFunc("GET /api/books/search/{query}", s.handleSearchBooks)
	s.mux.HandleFunc("GET /api/books/{id}", s.handleGetBook)
	s.mux.HandleFunc("PATCH /api/books/{id}", s.handlePatchBook)
	s.mux.HandleFunc("PUT /api/books/{id}", s.handlePutBook)
	s.mux.HandleFunc("DELETE /api/books/{id}", s.handleDeleteBook)
	s.mux.Handle("POST /api/books/{id}/checkout", s.authenticated(s.handleCheckOut))
	s.mux.Handle("POST /api/books/{id}/return", s.authenticated(s.handleReturn))
	s.mux.Handle("POST /api/books/{id}/reviews", s.authenticated(s.handleAddReview))
	s.mux.Handle("POST /api/books/{id}/cover", s.authenticated(s.handleUploadCover))

	// user
	s.mux.Handle("GET /api/user/profile", s.authenticated(s.handleGetProfile))
	s.mux.Handle("PUT /api/user/profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("PUT /api/user/change-password", s.authenticated(s.handleChangePassword))
	s.mux.Handle("DELETE /api/user/account", s.authenticated(s.handleDeleteAccount))
	s.mux.Handle("GET /api/user/reading-list", s.authenticated(s.handleReadingList))

	s.mux.HandleFunc("/", s.handleUnmatched)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.app.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleUnmatched answers 405 when the path exists under another method and
// 404 otherwise.
func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	var allowed []string
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		alt := r.Clone(r.Context())
		alt.Method = method
		if _, pattern := s.mux.Handler(alt); pattern != "" && pattern != "/" {
			allowed = append(allowed, method)
		}
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeError(w, http.StatusNotFound, "Route not found")
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, store.Session)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "Access token required")
			return
		}
		sess, err := s.app.Authenticate(token)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, store.ErrTokenRevoked) {
				reason = "revoked_token"
			}
			s.audit(r, "auth.authorize", "fail", "reason", reason)
			writeError(w, http.StatusForbidden, "Invalid or expired token")
			return
		}
		next(w, r, sess)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// audit emits a security_event record and counts auth outcomes. Tokens and
// passwords are never passed here.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	s.app.Metrics().AuthEvent(event, outcome)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError maps core errors to status codes. Unexpected errors become a
// 500 with fallback as the message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "Validation failed",
			"errors":  verr.Fields,
		})
		return
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		writeError(w, statusForKind(derr), derr.Message)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	detail := "Internal server error"
	if s.development {
		detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"message": fallback,
		"error":   detail,
	})
}

func statusForKind(err *domain.Error) int {
	switch {
	case errors.Is(err, domain.ErrWrongPassword):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidID), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body. An empty body is allowed when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeInvalidJSON(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, "Invalid JSON body")
}
