// Package signin implements the Azure AD authorization-code handshake:
// starting a sign-in, reconciling the provider's callback onto a local
// account, and establishing the local session.
package signin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/cache"
	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/emailutil"
	"github.com/lcpsychadmin/lcpsych/internal/idp"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/metrics"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"github.com/lcpsychadmin/lcpsych/internal/urlutil"
)

const exchangeTimeout = 30 * time.Second

// State of one callback as it moves through reconciliation
type State string

const (
	StateAwaitingReturn     State = "awaiting_return"
	StateValidated          State = "state_validated"
	StateTokenExchanged     State = "token_exchanged"
	StateAccountResolved    State = "account_resolved"
	StateSessionEstablished State = "session_established"
	StateRejected           State = "rejected"
)

// Options tune the sign-in policy
type Options struct {
	DefaultPostLoginPath string
	// DefaultRole is granted to accounts holding no known role. Empty
	// disables the grant.
	DefaultRole    string
	StateTTL       time.Duration
	AllowedDomains []string
	// RequireHTTPS rejects plain http absolute redirect targets
	RequireHTTPS bool
}

// Result describes an established sign-in
type Result struct {
	Account     *storage.Account
	Created     bool
	Destination string
	Session     *session.Session
}

// Service runs the sign-in handshake. A nil provider means single sign-on
// is disabled and every call returns ErrConfiguration.
type Service struct {
	provider idp.Provider
	pending  pendingStore
	accounts storage.AccountStore
	sessions *session.Manager
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// NewService creates a sign-in service
func NewService(provider idp.Provider, store cache.Store, accounts storage.AccountStore, sessions *session.Manager, m *metrics.Metrics, opts Options) *Service {
	if opts.DefaultPostLoginPath == "" {
		opts.DefaultPostLoginPath = "/"
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 600 * time.Second
	}
	return &Service{
		provider: provider,
		pending:  pendingStore{cache: store, ttl: opts.StateTTL},
		accounts: accounts,
		sessions: sessions,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Enabled reports whether a provider is configured
func (s *Service) Enabled() bool {
	return s.provider != nil
}

// Start builds an authorization request, stores it in the session and the
// cache under its state token, and returns the provider URL to redirect
// to. next is kept only when it is a safe same-host target.
func (s *Service) Start(ctx context.Context, sess *session.Session, host, next string) (string, error) {
	if s.provider == nil {
		return "", ErrConfiguration
	}

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	req := &PendingAuthRequest{
		State:     state,
		Nonce:     nonce,
		AuthURL:   s.provider.AuthURL(state, nonce),
		Scopes:    s.provider.Scopes(),
		CreatedAt: s.now().UTC(),
	}
	if u, err := url.Parse(req.AuthURL); err == nil {
		req.RedirectURI = u.Query().Get("redirect_uri")
	}
	if next != "" {
		if urlutil.IsSafeRedirect(next, host, s.opts.RequireHTTPS) {
			req.NextURL = next
		} else {
			log.LogWarnWithFields("signin", "Ignoring unsafe next URL", map[string]any{
				"next": next,
			})
		}
	}

	if err := s.pending.put(ctx, sess, req); err != nil {
		return "", err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return "", err
	}

	log.LogInfoWithFields("signin", "Sign-in started", map[string]any{
		"state":    StateAwaitingReturn,
		"provider": s.provider.Type(),
		"has_next": req.NextURL != "",
	})
	return req.AuthURL, nil
}

// Callback reconciles the provider's return onto a local session. On any
// error the pending entries are gone and the user must start again.
func (s *Service) Callback(ctx context.Context, sess *session.Session, host string, query url.Values) (*Result, error) {
	if s.provider == nil {
		return nil, ErrConfiguration
	}

	result, err := s.callback(ctx, sess, host, query)
	s.metrics.SignIn(Outcome(err))
	if err != nil {
		fields := map[string]any{
			"state":   StateRejected,
			"outcome": Outcome(err),
			"error":   err.Error(),
		}
		if errors.Is(err, ErrTokenExchange) || errors.Is(err, ErrMissingIdentityClaim) {
			log.LogErrorWithFields("signin", "Sign-in rejected", fields)
		} else {
			log.LogWarnWithFields("signin", "Sign-in rejected", fields)
		}
		return nil, err
	}

	log.LogInfoWithFields("signin", "Sign-in complete", map[string]any{
		"state":       StateSessionEstablished,
		"account_id":  result.Account.ID,
		"created":     result.Created,
		"destination": result.Destination,
	})
	return result, nil
}

func (s *Service) callback(ctx context.Context, sess *session.Session, host string, query url.Values) (*Result, error) {
	returned := query.Get("state")

	// AwaitingReturn -> StateValidated
	now := s.now()
	fromSession := s.pending.fromSession(sess, now)
	fromCache, err := s.pending.fromCache(ctx, returned, now)
	if err != nil {
		return nil, err
	}

	pending := fromSession
	if pending == nil {
		pending = fromCache
	}
	if pending == nil {
		return nil, ErrStateExpiredOrMissing
	}

	if returned == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(returned)) != 1 {
		if err := s.pending.purge(ctx, sess, pending.State, returned); err != nil {
			log.LogWarnWithFields("signin", "Failed to purge pending request", map[string]any{"error": err.Error()})
		}
		if _, err := s.sessions.Invalidate(ctx, sess); err != nil {
			log.LogWarnWithFields("signin", "Failed to invalidate session", map[string]any{"error": err.Error()})
		}
		return nil, ErrStateMismatch
	}

	var sessionNext, cacheNext string
	if fromSession != nil {
		sessionNext = fromSession.NextURL
	}
	if fromCache != nil {
		cacheNext = fromCache.NextURL
	}

	// One-time use from here on, whatever the outcome
	if err := s.pending.purge(ctx, sess, pending.State); err != nil {
		log.LogWarnWithFields("signin", "Failed to purge pending request", map[string]any{"error": err.Error()})
	}
	if !sess.IsNew() {
		if err := s.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
	}
	log.LogDebugWithFields("signin", "State validated", map[string]any{"state": StateValidated})

	// StateValidated -> TokenExchanged
	claims, err := s.exchange(ctx, pending, query)
	if err != nil {
		return nil, err
	}
	log.LogDebugWithFields("signin", "Token exchanged", map[string]any{"state": StateTokenExchanged})

	// TokenExchanged -> AccountResolved
	email := claims.PrimaryEmail()
	if email == "" {
		return nil, ErrMissingIdentityClaim
	}
	if err := idp.ValidateDomain(emailutil.Domain(email), s.opts.AllowedDomains); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, emailutil.Domain(email))
	}

	account, created, err := s.resolveAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	log.LogDebugWithFields("signin", "Account resolved", map[string]any{
		"state":      StateAccountResolved,
		"account_id": account.ID,
		"created":    created,
	})

	// AccountResolved -> SessionEstablished
	if err := s.ensureRole(ctx, account); err != nil {
		return nil, err
	}
	if err := s.sessions.Login(ctx, sess, account.ID); err != nil {
		return nil, fmt.Errorf("establishing session: %w", err)
	}

	destination := urlutil.SafeRedirectOr(s.opts.DefaultPostLoginPath, host, s.opts.RequireHTTPS,
		sessionNext, cacheNext, query.Get("next"))

	return &Result{
		Account:     account,
		Created:     created,
		Destination: destination,
		Session:     sess,
	}, nil
}

func (s *Service) exchange(ctx context.Context, pending *PendingAuthRequest, query url.Values) (*idp.Claims, error) {
	if providerErr := query.Get("error"); providerErr != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrTokenExchange, providerErr, query.Get("error_description"))
	}
	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrTokenExchange)
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	claims, err := s.provider.Exchange(ctx, code)
	if err != nil {
		var exchangeErr *idp.ExchangeError
		if errors.As(err, &exchangeErr) {
			return nil, fmt.Errorf("%w: %s", ErrTokenExchange, exchangeErr.Reason())
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: empty response", ErrTokenExchange)
	}
	// A nonce is only carried by an ID token; claims read from userinfo
	// alone have none to check
	if claims.FromIDToken && subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(pending.Nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTokenExchange)
	}
	return claims, nil
}

func (s *Service) ensureRole(ctx context.Context, account *storage.Account) error {
	if account.HasKnownRole() || s.opts.DefaultRole == "" {
		return nil
	}
	if err := s.accounts.AddRole(ctx, account.ID, s.opts.DefaultRole); err != nil {
		return fmt.Errorf("granting default role: %w", err)
	}
	account.Roles = append(account.Roles, s.opts.DefaultRole)
	log.LogInfoWithFields("signin", "Granted default role", map[string]any{
		"account_id": account.ID,
		"role":       s.opts.DefaultRole,
	})
	return nil
}
