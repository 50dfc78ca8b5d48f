// Package server exposes the sign-in, account and operational endpoints.
package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lcpsychadmin/lcpsych/internal/analytics"
	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/invite"
	"github.com/lcpsychadmin/lcpsych/internal/metrics"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/signin"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

// Options describe the public site
type Options struct {
	// BaseURL is the externally visible origin, e.g. https://www.lcpsych.com
	BaseURL         string
	CanonicalHost   string
	Debug           bool
	ProfileEditPath string
	MetricsEnabled  bool
}

// Handlers holds the dependencies of every endpoint
type Handlers struct {
	opts      Options
	sessions  *session.Manager
	signin    *signin.Service
	invites   *invite.Service
	accounts  storage.AccountStore
	analytics *analytics.Recorder
	metrics   *metrics.Metrics
	csrf      crypto.CSRFProtection
	validate  *validator.Validate
	health    func(context.Context) error

	requireHTTPS bool
	scheme       string
}

// NewHandlers creates the endpoint handlers
func NewHandlers(
	opts Options,
	sessions *session.Manager,
	signinService *signin.Service,
	invites *invite.Service,
	accounts storage.AccountStore,
	recorder *analytics.Recorder,
	m *metrics.Metrics,
	csrf crypto.CSRFProtection,
	health func(context.Context) error,
) *Handlers {
	scheme := "https"
	if u, err := url.Parse(opts.BaseURL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return &Handlers{
		opts:         opts,
		sessions:     sessions,
		signin:       signinService,
		invites:      invites,
		accounts:     accounts,
		analytics:    recorder,
		metrics:      m,
		csrf:         csrf,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		health:       health,
		requireHTTPS: scheme == "https",
		scheme:       scheme,
	}
}

// NewRouter wires the middleware chain and routes
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(
		NewRecoverMiddleware("http"),
		NewLoggerMiddleware("http"),
		NewMetricsMiddleware(h.metrics),
		NewCanonicalHostMiddleware(h.opts.CanonicalHost, h.scheme, !h.opts.Debug),
	)

	r.Method(http.MethodGet, "/health", NewHealthHandler(h.health))
	if h.opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(h.sessions))

		r.Get("/sign-in/start", h.SignInStart)
		r.Get("/sign-in/callback", h.SignInCallback)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/login", h.LoginPage)
			r.Post("/login", h.Login)
			r.Get("/logout", h.Logout)
			r.Post("/logout", h.Logout)
			r.Get("/activate/{token}", h.ActivatePage)
			r.Post("/activate/{token}", h.Activate)
			// Activation links end in a slash
			r.Get("/activate/{token}/", h.ActivatePage)
			r.Post("/activate/{token}/", h.Activate)

			r.With(requireAccount(h.accounts, "")).Get("/me", h.Me)
			r.With(requireAccount(h.accounts, storage.RoleAdmin)).Get("/", h.ListAccounts)
			r.With(requireAccount(h.accounts, storage.RoleAdmin)).Post("/invite", h.Invite)
		})

		r.Route("/api/analytics", func(r chi.Router) {
			r.Post("/", h.Collect)
			r.With(requireAccount(h.accounts, storage.RoleAdmin)).Get("/summary", h.AnalyticsSummary)
		})
	})

	return r
}

type accountContextKey struct{}

func withAccount(ctx context.Context, a *storage.Account) context.Context {
	return context.WithValue(ctx, accountContextKey{}, a)
}

func accountFrom(ctx context.Context) *storage.Account {
	a, _ := ctx.Value(accountContextKey{}).(*storage.Account)
	return a
}

// currentSession returns the session loaded by the session middleware.
// Routes outside that middleware get an empty session that is never saved.
func currentSession(r *http.Request) *session.Session {
	if sess, ok := session.FromContext(r.Context()); ok {
		return sess
	}
	return &session.Session{}
}
