package signin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/cache"
	"github.com/lcpsychadmin/lcpsych/internal/session"
)

const (
	sessionKey     = "signin_pending"
	cacheKeyPrefix = "signin:pending:"
)

// PendingAuthRequest links a state token to the authorization request it
// was issued for and the destination asked for before sign-in. It is
// written once at start and deleted at callback.
type PendingAuthRequest struct {
	State       string    `json:"state"`
	Nonce       string    `json:"nonce"`
	AuthURL     string    `json:"auth_url"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	NextURL     string    `json:"next_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CacheKey returns the cache key for a state token
func CacheKey(state string) string {
	return cacheKeyPrefix + state
}

// pendingStore keeps the session and cache copies of pending requests
type pendingStore struct {
	cache cache.Store
	ttl   time.Duration
}

func (p pendingStore) put(ctx context.Context, sess *session.Session, req *PendingAuthRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding pending request: %w", err)
	}
	if err := sess.Set(sessionKey, req); err != nil {
		return err
	}
	if err := p.cache.Set(ctx, CacheKey(req.State), data, p.ttl); err != nil {
		return fmt.Errorf("caching pending request: %w", err)
	}
	return nil
}

// expired reports whether req is older than the TTL at now
func (p pendingStore) expired(req *PendingAuthRequest, now time.Time) bool {
	return now.Sub(req.CreatedAt) > p.ttl
}

// fromSession returns the session copy unless it is older than the TTL.
// The session copy lives as long as the session, so a stale one is dropped
// here rather than by the cache's own expiry.
func (p pendingStore) fromSession(sess *session.Session, now time.Time) *PendingAuthRequest {
	var req PendingAuthRequest
	found, err := sess.Get(sessionKey, &req)
	if err != nil || !found || req.State == "" {
		return nil
	}
	if p.expired(&req, now) {
		sess.Delete(sessionKey)
		return nil
	}
	return &req
}

func (p pendingStore) fromCache(ctx context.Context, state string, now time.Time) (*PendingAuthRequest, error) {
	if state == "" {
		return nil, nil
	}
	data, err := p.cache.Get(ctx, CacheKey(state))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending request: %w", err)
	}
	var req PendingAuthRequest
	if err := json.Unmarshal(data, &req); err != nil || p.expired(&req, now) {
		return nil, nil
	}
	return &req, nil
}

// purge deletes the session copy and the cache entries for every given
// state. Errors are returned after all deletes are attempted.
func (p pendingStore) purge(ctx context.Context, sess *session.Session, states ...string) error {
	sess.Delete(sessionKey)
	var errs []error
	seen := make(map[string]bool)
	for _, s := range states {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if err := p.cache.Delete(ctx, CacheKey(s)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
