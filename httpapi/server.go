// Package httpapi exposes the authentication engine over a JSON REST
// surface. Authorization of application resources is left to the
// middleware package; httpapi covers only the auth flows themselves.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/inkpress/authcore"
)

// Server wires the engine's flows to HTTP routes.
type Server struct {
	engine  *authcore.Engine
	logger  *slog.Logger
	limiter *ipLimiter
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIPRateLimit bounds requests per client IP per second with the given
// burst. Zero rps disables the limiter.
func WithIPRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newIPLimiter(rps, burst)
		}
	}
}

// New creates a Server for a built engine.
func New(engine *authcore.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/mfa/verify", s.handleMFAVerify)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("GET /auth/oauth/{provider}", s.handleOAuthStart)
	mux.HandleFunc("POST /auth/oauth/{provider}/callback", s.handleOAuthCallback)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.wrap(h)
	}
	return s.logRequests(h)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"ip", clientIP(r),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
