package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	jsonwriter "github.com/lcpsychadmin/lcpsych/internal/json"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/metrics"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	if d, ok := w.(*responseWriterDelegator); ok {
		return d
	}
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for interface detection
// via http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware logs each request with its response status
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			// Query strings carry authorization codes and state, so they are
			// never logged
			log.LogInfoWithFields(prefix, "request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic": err,
						"path":  r.URL.Path,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewMetricsMiddleware records request counts and latency by route pattern
func NewMetricsMiddleware(m *metrics.Metrics) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			m.ObserveRequest(r.Method, route, wrapped.Status(), time.Since(start))
		})
	}
}

// NewCanonicalHostMiddleware permanently redirects requests for any other
// host to canonicalHost, keeping path and query. Sign-in paths are exempt
// so an in-flight handshake is never bounced between hosts.
func NewCanonicalHostMiddleware(canonicalHost, scheme string, enabled bool) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if !enabled || canonicalHost == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/sign-in/") || strings.EqualFold(r.Host, canonicalHost) {
				next.ServeHTTP(w, r)
				return
			}
			target := scheme + "://" + canonicalHost + r.URL.RequestURI()
			log.LogDebugWithFields("http", "Redirecting to canonical host", map[string]any{
				"host":   r.Host,
				"target": target,
			})
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
	}
}

// NewSessionMiddleware loads the request's session into the context.
// Handlers save it explicitly when they change it.
func NewSessionMiddleware(sessions *session.Manager) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Load(r.Context(), r)
			if err != nil {
				log.LogErrorWithFields("session", "Failed to load session", map[string]any{
					"error": err.Error(),
				})
				jsonwriter.WriteServiceUnavailable(w, "Session store unavailable")
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
		})
	}
}

// requireAccount rejects requests without a logged-in, active account and
// passes the account on through the context. When role is set the account
// must hold it.
func requireAccount(accounts storage.AccountStore, role string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := currentSession(r)
			if !sess.IsAuthenticated() {
				jsonwriter.WriteUnauthorized(w, "Authentication required")
				return
			}

			account, err := accounts.GetAccount(r.Context(), sess.AccountID)
			if err != nil || !account.IsActive {
				log.LogDebugWithFields("http", "Session refers to missing or inactive account", map[string]any{
					"account_id": sess.AccountID,
				})
				jsonwriter.WriteUnauthorized(w, "Authentication required")
				return
			}
			if role != "" && !account.HasRole(role) {
				jsonwriter.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
		})
	}
}
