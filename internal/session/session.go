// Package session keeps browser sessions server-side in a cache.Store.
// The browser only holds an opaque random key in the session cookie.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/cache"
	"github.com/lcpsychadmin/lcpsych/internal/cookie"
	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

const keyPrefix = "session:"

// Flash levels
const (
	FlashInfo    = "info"
	FlashSuccess = "success"
	FlashError   = "error"
)

// Flash is a one-shot message shown on the next rendered page
type Flash struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Session is the server-side state bound to one browser
type Session struct {
	Key       string                     `json:"-"`
	AccountID string                     `json:"account_id,omitempty"`
	Values    map[string]json.RawMessage `json:"values,omitempty"`
	Flashes   []Flash                    `json:"flashes,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	AuthAt    time.Time                  `json:"auth_at,omitzero"`

	isNew bool
}

// IsNew reports whether the session was created during this request
func (s *Session) IsNew() bool {
	return s.isNew
}

// IsAuthenticated reports whether an account is logged in
func (s *Session) IsAuthenticated() bool {
	return s.AccountID != ""
}

// Set stores v as JSON under name
func (s *Session) Set(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding session value %s: %w", name, err)
	}
	if s.Values == nil {
		s.Values = make(map[string]json.RawMessage)
	}
	s.Values[name] = data
	return nil
}

// Get decodes the value stored under name into v. It reports false when
// the value is absent.
func (s *Session) Get(name string, v any) (bool, error) {
	data, ok := s.Values[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding session value %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the value stored under name
func (s *Session) Delete(name string) {
	delete(s.Values, name)
}

// AddFlash queues a message for the next page
func (s *Session) AddFlash(level, message string) {
	s.Flashes = append(s.Flashes, Flash{Level: level, Message: message})
}

// PopFlashes returns and clears queued messages
func (s *Session) PopFlashes() []Flash {
	out := s.Flashes
	s.Flashes = nil
	return out
}

// Manager loads and persists sessions
type Manager struct {
	store  cache.Store
	policy cookie.Policy
	ttl    time.Duration
}

// NewManager creates a session manager. Sessions expire from the store
// after ttl, which matches the cookie max-age.
func NewManager(store cache.Store, policy cookie.Policy) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		ttl:    policy.MaxAge,
	}
}

// Policy returns the cookie policy used for the session cookie
func (m *Manager) Policy() cookie.Policy {
	return m.policy
}

// New creates an unsaved session with a fresh key
func (m *Manager) New() (*Session, error) {
	key, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return &Session{
		Key:       key,
		CreatedAt: time.Now().UTC(),
		isNew:     true,
	}, nil
}

// Load returns the session named by the request cookie, or a new unsaved
// session when there is no cookie or the stored session has expired.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	key, err := m.policy.Get(r)
	if err != nil || key == "" {
		return m.New()
	}

	data, err := m.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, cache.ErrNotFound) {
		log.LogTraceWithFields("session", "Session cookie refers to expired session", nil)
		return m.New()
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		log.LogWarnWithFields("session", "Discarding undecodable session", map[string]any{
			"error": err.Error(),
		})
		return m.New()
	}
	s.Key = key
	return &s, nil
}

// Save persists the session under its current key
func (m *Manager) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := m.store.Set(ctx, keyPrefix+s.Key, data, m.ttl); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.isNew = false
	return nil
}

// Login binds accountID to the session under a freshly rotated key, so a
// key planted before sign-in cannot be reused afterwards. Values set before
// login are carried over.
func (m *Manager) Login(ctx context.Context, s *Session, accountID string) error {
	oldKey := s.Key
	fresh, err := m.New()
	if err != nil {
		return err
	}

	s.Key = fresh.Key
	s.AccountID = accountID
	s.AuthAt = time.Now().UTC()

	if err := m.Save(ctx, s); err != nil {
		return err
	}
	if oldKey != "" {
		if err := m.store.Delete(ctx, keyPrefix+oldKey); err != nil {
			log.LogWarnWithFields("session", "Failed to delete pre-login session", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Invalidate deletes the stored session and returns an empty replacement
func (m *Manager) Invalidate(ctx context.Context, s *Session) (*Session, error) {
	if s != nil && s.Key != "" {
		if err := m.store.Delete(ctx, keyPrefix+s.Key); err != nil {
			return nil, fmt.Errorf("deleting session: %w", err)
		}
	}
	return m.New()
}

// WriteCookie normalizes the browser's session cookies onto s
func (m *Manager) WriteCookie(w http.ResponseWriter, s *Session) {
	m.policy.Normalize(w, s.Key)
}

// ClearCookie removes every session cookie variant from the browser
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	m.policy.Clear(w)
}

type contextKey struct{}

// WithSession attaches s to ctx
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session attached by the session middleware
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok
}
