package internal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/analytics"
	"github.com/lcpsychadmin/lcpsych/internal/cache"
	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/lcpsychadmin/lcpsych/internal/cookie"
	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/idp"
	"github.com/lcpsychadmin/lcpsych/internal/invite"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/mail"
	"github.com/lcpsychadmin/lcpsych/internal/metrics"
	"github.com/lcpsychadmin/lcpsych/internal/server"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/signin"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App is the assembled site: HTTP surface, stores and background jobs
type App struct {
	config     config.Config
	httpServer *server.HTTPServer
	storage    storage.Storage
	cache      cache.Store
	cleanup    *storage.CleanupManager
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewApp builds every dependency described by cfg
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("app", "Building application", map[string]any{
		"baseURL": cfg.Server.BaseURL,
		"storage": cfg.Storage.Kind,
		"cache":   cfg.Cache.Kind,
		"sso":     cfg.Azure.Enabled,
	})

	baseURL, err := url.Parse(cfg.Server.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	kv, err := cache.New(cfg.Cache)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup cache: %w", err)
	}

	app, err := assemble(cfg, baseURL, store, kv)
	if err != nil {
		_ = kv.Close()
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

// NewInviteService builds the invitation service alone, for command line use
func NewInviteService(cfg config.Config, store storage.Storage) (*invite.Service, error) {
	sender, err := mail.New(cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("failed to setup mail: %w", err)
	}
	return invite.NewService(store, store, sender, nil, invite.Options{
		SiteName: cfg.Server.Name,
		TTL:      cfg.Auth.InvitationTTL,
		Debug:    cfg.Server.Debug,
	}), nil
}

func assemble(cfg config.Config, baseURL *url.URL, store storage.Storage, kv cache.Store) (*App, error) {
	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	provider, err := setupProvider(cfg.Azure)
	if err != nil {
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	sessions := session.NewManager(kv, cookie.NewPolicy(cfg.Session, config.DefaultCallbackPath))

	signinService := signin.NewService(provider, kv, store, sessions, m, signin.Options{
		DefaultPostLoginPath: cfg.Auth.DefaultPostLoginPath,
		DefaultRole:          cfg.Auth.DefaultRole,
		StateTTL:             cfg.Auth.StateTTL,
		AllowedDomains:       cfg.Azure.AllowedDomains,
		RequireHTTPS:         baseURL.Scheme == "https",
	})

	sender, err := mail.New(cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("failed to setup mail: %w", err)
	}
	invites := invite.NewService(store, store, sender, m, invite.Options{
		SiteName: cfg.Server.Name,
		TTL:      cfg.Auth.InvitationTTL,
		Debug:    cfg.Server.Debug,
	})

	var recorder *analytics.Recorder
	if cfg.Analytics.Enabled {
		recorder = analytics.NewRecorder(store, string(cfg.Analytics.IPHashSalt))
	}

	handlers := server.NewHandlers(
		server.Options{
			BaseURL:         baseURL.String(),
			CanonicalHost:   cfg.Server.CanonicalHost,
			Debug:           cfg.Server.Debug,
			ProfileEditPath: cfg.Auth.ProfileEditPath,
			MetricsEnabled:  cfg.Metrics.Enabled,
		},
		sessions,
		signinService,
		invites,
		store,
		recorder,
		m,
		crypto.NewCSRFProtection([]byte(cfg.Session.SigningKey), time.Hour),
		healthCheck(store, kv),
	)

	return &App{
		config:     cfg,
		httpServer: server.NewHTTPServer(server.NewRouter(handlers), cfg.Server.Addr),
		storage:    store,
		cache:      kv,
		cleanup:    storage.NewCleanupManager(store, cfg.Storage.CleanupInterval),
	}, nil
}

// setupProvider returns a nil interface when single sign-on is disabled
func setupProvider(cfg config.AzureConfig) (idp.Provider, error) {
	if !cfg.Enabled {
		log.LogInfoWithFields("app", "Azure AD sign-in disabled", nil)
		return nil, nil
	}
	provider, err := idp.NewAzureProvider(cfg)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func healthCheck(deps ...any) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, d := range deps {
			p, ok := d.(pinger)
			if !ok {
				continue
			}
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Run serves until SIGINT, SIGTERM or a server failure, then shuts down
func (a *App) Run() error {
	log.LogInfoWithFields("app", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.cleanup.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
			"timeout": shutdownTimeout.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()

	a.cleanup.Stop()
	closeErr := errors.Join(a.cache.Close(), a.storage.Close())
	if closeErr != nil {
		log.LogErrorWithFields("app", "Failed to release stores", map[string]any{
			"error": closeErr.Error(),
		})
	}

	if err != nil {
		log.LogErrorWithFields("app", "Shutdown after error", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	log.LogInfoWithFields("app", "Application shutdown complete", nil)
	return nil
}
