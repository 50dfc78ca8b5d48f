package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process memory. It is used in
// development and tests; data is lost on restart.
type MemoryStorage struct {
	accountsMutex sync.RWMutex
	accounts      map[string]*Account // map[id]
	usernames     map[string]string   // map[username]id

	invitationsMutex sync.RWMutex
	invitations      map[string]*Invitation // map[token]

	eventsMutex sync.RWMutex
	events      []AuthEvent

	visitsMutex sync.RWMutex
	visits      []VisitorEvent
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts:    make(map[string]*Account),
		usernames:   make(map[string]string),
		invitations: make(map[string]*Invitation),
	}
}

func cloneAccount(a *Account) *Account {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

// GetAccount retrieves an account by ID
func (s *MemoryStorage) GetAccount(_ context.Context, id string) (*Account, error) {
	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// GetAccountByUsername retrieves an account by exact username
func (s *MemoryStorage) GetAccountByUsername(_ context.Context, username string) (*Account, error) {
	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

// GetAccountByEmail retrieves the oldest account with the exact email
func (s *MemoryStorage) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()

	var found *Account
	for _, a := range s.accounts {
		if a.Email != email {
			continue
		}
		if found == nil || a.CreatedAt.Before(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(found), nil
}

// CreateAccount stores a new account
func (s *MemoryStorage) CreateAccount(_ context.Context, account *Account) error {
	s.accountsMutex.Lock()
	defer s.accountsMutex.Unlock()

	if _, taken := s.usernames[account.Username]; taken {
		return ErrAccountExists
	}

	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	s.accounts[account.ID] = cloneAccount(account)
	s.usernames[account.Username] = account.ID

	log.LogDebugWithFields("storage", "Account created", map[string]any{
		"account_id": account.ID,
		"username":   account.Username,
	})
	return nil
}

// UpdateAccount persists mutable account fields
func (s *MemoryStorage) UpdateAccount(_ context.Context, account *Account) error {
	s.accountsMutex.Lock()
	defer s.accountsMutex.Unlock()

	existing, ok := s.accounts[account.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if owner, taken := s.usernames[account.Username]; taken && owner != account.ID {
		return ErrAccountExists
	}

	delete(s.usernames, existing.Username)
	s.usernames[account.Username] = account.ID

	account.UpdatedAt = time.Now().UTC()
	stored := cloneAccount(account)
	stored.CreatedAt = existing.CreatedAt
	stored.Roles = existing.Roles
	s.accounts[account.ID] = stored
	return nil
}

// AddRole grants role to the account. Granting a held role is a no-op.
func (s *MemoryStorage) AddRole(_ context.Context, accountID, role string) error {
	s.accountsMutex.Lock()
	defer s.accountsMutex.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if !slices.Contains(a.Roles, role) {
		a.Roles = append(a.Roles, role)
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ListAccounts returns all accounts ordered by username
func (s *MemoryStorage) ListAccounts(_ context.Context) ([]Account, error) {
	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()

	accounts := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *cloneAccount(a))
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

// CreateInvitation stores a new invitation
func (s *MemoryStorage) CreateInvitation(_ context.Context, invitation *Invitation) error {
	s.invitationsMutex.Lock()
	defer s.invitationsMutex.Unlock()

	if invitation.CreatedAt.IsZero() {
		invitation.CreatedAt = time.Now().UTC()
	}
	c := *invitation
	s.invitations[invitation.Token] = &c
	return nil
}

// GetInvitation retrieves an invitation by token
func (s *MemoryStorage) GetInvitation(_ context.Context, token string) (*Invitation, error) {
	s.invitationsMutex.RLock()
	defer s.invitationsMutex.RUnlock()

	inv, ok := s.invitations[token]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	c := *inv
	return &c, nil
}

// ConsumeInvitation marks the invitation used
func (s *MemoryStorage) ConsumeInvitation(_ context.Context, token string) error {
	s.invitationsMutex.Lock()
	defer s.invitationsMutex.Unlock()

	inv, ok := s.invitations[token]
	if !ok {
		return ErrInvitationNotFound
	}
	if inv.UsedAt != nil {
		return ErrInvitationUsed
	}
	now := time.Now().UTC()
	inv.UsedAt = &now
	return nil
}

// DeleteUnusedInvitations removes the account's outstanding invitations
func (s *MemoryStorage) DeleteUnusedInvitations(_ context.Context, accountID string) (int, error) {
	s.invitationsMutex.Lock()
	defer s.invitationsMutex.Unlock()

	count := 0
	for token, inv := range s.invitations {
		if inv.AccountID == accountID && inv.UsedAt == nil {
			delete(s.invitations, token)
			count++
		}
	}
	return count, nil
}

// CleanupExpiredInvitations removes unused invitations expired at now
func (s *MemoryStorage) CleanupExpiredInvitations(_ context.Context, now time.Time) (int, error) {
	s.invitationsMutex.Lock()
	defer s.invitationsMutex.Unlock()

	count := 0
	for token, inv := range s.invitations {
		if inv.UsedAt == nil && inv.IsExpired(now) {
			delete(s.invitations, token)
			count++
		}
	}
	return count, nil
}

// RecordAuthEvent appends an auth event
func (s *MemoryStorage) RecordAuthEvent(_ context.Context, event *AuthEvent) error {
	s.eventsMutex.Lock()
	defer s.eventsMutex.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, *event)
	return nil
}

// CountAuthEvents counts events of kind recorded at or after since. An
// empty kind counts every kind.
func (s *MemoryStorage) CountAuthEvents(_ context.Context, kind string, since time.Time) (int, error) {
	s.eventsMutex.RLock()
	defer s.eventsMutex.RUnlock()

	count := 0
	for _, e := range s.events {
		if (kind == "" || e.Kind == kind) && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// RecordVisitorEvent appends a visitor event
func (s *MemoryStorage) RecordVisitorEvent(_ context.Context, event *VisitorEvent) error {
	s.visitsMutex.Lock()
	defer s.visitsMutex.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.visits = append(s.visits, *event)
	return nil
}

// SummarizeVisitorEvents aggregates the recorded visitor events
func (s *MemoryStorage) SummarizeVisitorEvents(_ context.Context, q VisitorQuery) ([]VisitorStat, error) {
	s.visitsMutex.RLock()
	defer s.visitsMutex.RUnlock()
	return summarizeVisits(s.visits, q), nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}
