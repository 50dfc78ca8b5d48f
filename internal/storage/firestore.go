package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ Storage = (*FirestoreStorage)(nil)

// FirestoreStorage implements Storage on Google Cloud Firestore.
// Usernames are claimed through a separate collection keyed by username,
// written in the same transaction as the account, which gives the same
// uniqueness guarantee as a SQL constraint.
type FirestoreStorage struct {
	client      *firestore.Client
	accounts    string
	usernames   string
	invitations string
	events      string
	visits      string
}

// AccountDoc represents an account document in Firestore
type AccountDoc struct {
	ID           string     `firestore:"id"`
	Username     string     `firestore:"username"`
	Email        string     `firestore:"email"`
	IsActive     bool       `firestore:"is_active"`
	PasswordHash string     `firestore:"password_hash"`
	Roles        []string   `firestore:"roles"`
	CreatedAt    time.Time  `firestore:"created_at"`
	UpdatedAt    time.Time  `firestore:"updated_at"`
	LastLoginAt  *time.Time `firestore:"last_login_at,omitempty"`
}

type usernameDoc struct {
	AccountID string `firestore:"account_id"`
}

// InvitationDoc represents an invitation document in Firestore
type InvitationDoc struct {
	Token     string     `firestore:"token"`
	AccountID string     `firestore:"account_id"`
	CreatedAt time.Time  `firestore:"created_at"`
	ExpiresAt time.Time  `firestore:"expires_at"`
	UsedAt    *time.Time `firestore:"used_at"`
}

// AuthEventDoc represents an auth event document in Firestore
type AuthEventDoc struct {
	Kind          string    `firestore:"kind"`
	Label         string    `firestore:"label"`
	AccountID     string    `firestore:"account_id,omitempty"`
	Authenticated bool      `firestore:"authenticated"`
	Path          string    `firestore:"path"`
	Referrer      string    `firestore:"referrer"`
	UserAgent     string    `firestore:"user_agent"`
	IPHash        string    `firestore:"ip_hash"`
	CreatedAt     time.Time `firestore:"created_at"`
}

// VisitorEventDoc represents a visitor event document in Firestore
type VisitorEventDoc struct {
	EventType     string         `firestore:"event_type"`
	SessionID     string         `firestore:"session_id"`
	Label         string         `firestore:"label"`
	Path          string         `firestore:"path"`
	Referrer      string         `firestore:"referrer"`
	UserAgent     string         `firestore:"user_agent"`
	IPHash        string         `firestore:"ip_hash"`
	Authenticated bool           `firestore:"authenticated"`
	DurationMS    *int           `firestore:"duration_ms,omitempty"`
	ScrollPercent *int           `firestore:"scroll_percent,omitempty"`
	Metadata      map[string]any `firestore:"metadata,omitempty"`
	CreatedAt     time.Time      `firestore:"created_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance. Collection
// names are derived from prefix.
func NewFirestoreStorage(ctx context.Context, projectID, database, prefix string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("collection prefix is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return newFirestoreStorage(client, prefix), nil
}

func newFirestoreStorage(client *firestore.Client, prefix string) *FirestoreStorage {
	return &FirestoreStorage{
		client:      client,
		accounts:    prefix + "_accounts",
		usernames:   prefix + "_usernames",
		invitations: prefix + "_invitations",
		events:      prefix + "_auth_events",
		visits:      prefix + "_visitor_events",
	}
}

func (d *AccountDoc) toAccount() *Account {
	return &Account{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		IsActive:     d.IsActive,
		PasswordHash: d.PasswordHash,
		Roles:        d.Roles,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		LastLoginAt:  d.LastLoginAt,
	}
}

func fromAccount(a *Account) *AccountDoc {
	return &AccountDoc{
		ID:           a.ID,
		Username:     a.Username,
		Email:        a.Email,
		IsActive:     a.IsActive,
		PasswordHash: a.PasswordHash,
		Roles:        a.Roles,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		LastLoginAt:  a.LastLoginAt,
	}
}

func accountFromSnapshot(doc *firestore.DocumentSnapshot) (*Account, error) {
	var d AccountDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return d.toAccount(), nil
}

// GetAccount retrieves an account by ID
func (s *FirestoreStorage) GetAccount(ctx context.Context, id string) (*Account, error) {
	doc, err := s.client.Collection(s.accounts).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return accountFromSnapshot(doc)
}

// GetAccountByUsername retrieves an account by exact username
func (s *FirestoreStorage) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	return s.findAccount(ctx, "username", username)
}

// GetAccountByEmail retrieves the oldest account with the exact email
func (s *FirestoreStorage) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.findAccount(ctx, "email", email)
}

func (s *FirestoreStorage) findAccount(ctx context.Context, field, value string) (*Account, error) {
	iter := s.client.Collection(s.accounts).
		Where(field, "==", value).
		OrderBy("created_at", firestore.Asc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account by %s: %w", field, err)
	}
	return accountFromSnapshot(doc)
}

// CreateAccount claims the username and writes the account in one transaction
func (s *FirestoreStorage) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	usernameRef := s.client.Collection(s.usernames).Doc(account.Username)
	accountRef := s.client.Collection(s.accounts).Doc(account.ID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(usernameRef, usernameDoc{AccountID: account.ID}); err != nil {
			return err
		}
		return tx.Create(accountRef, fromAccount(account))
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccount persists mutable account fields, moving the username claim
// when the username changes
func (s *FirestoreStorage) UpdateAccount(ctx context.Context, account *Account) error {
	accountRef := s.client.Collection(s.accounts).Doc(account.ID)
	now := time.Now().UTC()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(accountRef)
		if status.Code(err) == codes.NotFound {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		var existing AccountDoc
		if err := snap.DataTo(&existing); err != nil {
			return err
		}

		if existing.Username != account.Username {
			if err := tx.Create(s.client.Collection(s.usernames).Doc(account.Username),
				usernameDoc{AccountID: account.ID}); err != nil {
				return err
			}
			if err := tx.Delete(s.client.Collection(s.usernames).Doc(existing.Username)); err != nil {
				return err
			}
		}

		return tx.Update(accountRef, []firestore.Update{
			{Path: "username", Value: account.Username},
			{Path: "email", Value: account.Email},
			{Path: "is_active", Value: account.IsActive},
			{Path: "password_hash", Value: account.PasswordHash},
			{Path: "last_login_at", Value: account.LastLoginAt},
			{Path: "updated_at", Value: now},
		})
	})
	if errors.Is(err, ErrAccountNotFound) {
		return ErrAccountNotFound
	}
	if status.Code(err) == codes.AlreadyExists {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	account.UpdatedAt = now
	return nil
}

// AddRole grants role to the account
func (s *FirestoreStorage) AddRole(ctx context.Context, accountID, role string) error {
	_, err := s.client.Collection(s.accounts).Doc(accountID).Update(ctx, []firestore.Update{
		{Path: "roles", Value: firestore.ArrayUnion(role)},
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return ErrAccountNotFound
	}
	return err
}

// ListAccounts returns all accounts ordered by username
func (s *FirestoreStorage) ListAccounts(ctx context.Context) ([]Account, error) {
	iter := s.client.Collection(s.accounts).OrderBy("username", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var accounts []Account
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate accounts: %w", err)
		}

		a, err := accountFromSnapshot(doc)
		if err != nil {
			log.LogError("Failed to unmarshal account: %v", err)
			continue
		}
		accounts = append(accounts, *a)
	}
	return accounts, nil
}

// CreateInvitation stores a new invitation
func (s *FirestoreStorage) CreateInvitation(ctx context.Context, invitation *Invitation) error {
	if invitation.CreatedAt.IsZero() {
		invitation.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(s.invitations).Doc(invitation.Token).Create(ctx, InvitationDoc{
		Token:     invitation.Token,
		AccountID: invitation.AccountID,
		CreatedAt: invitation.CreatedAt,
		ExpiresAt: invitation.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

// GetInvitation retrieves an invitation by token
func (s *FirestoreStorage) GetInvitation(ctx context.Context, token string) (*Invitation, error) {
	doc, err := s.client.Collection(s.invitations).Doc(token).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	var d InvitationDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invitation: %w", err)
	}
	return &Invitation{
		Token:     d.Token,
		AccountID: d.AccountID,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		UsedAt:    d.UsedAt,
	}, nil
}

// ConsumeInvitation marks the invitation used inside a transaction
func (s *FirestoreStorage) ConsumeInvitation(ctx context.Context, token string) error {
	ref := s.client.Collection(s.invitations).Doc(token)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrInvitationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get invitation: %w", err)
		}
		var d InvitationDoc
		if err := snap.DataTo(&d); err != nil {
			return fmt.Errorf("failed to unmarshal invitation: %w", err)
		}
		if d.UsedAt != nil {
			return ErrInvitationUsed
		}
		return tx.Update(ref, []firestore.Update{{Path: "used_at", Value: time.Now().UTC()}})
	})
}

// deleteInvitations deletes invitations matched by q unless keep says otherwise
func (s *FirestoreStorage) deleteInvitations(ctx context.Context, q firestore.Query, keep func(InvitationDoc) bool) (int, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate invitations: %w", err)
		}

		var d InvitationDoc
		if err := doc.DataTo(&d); err != nil || keep(d) {
			continue
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

// DeleteUnusedInvitations removes the account's outstanding invitations
func (s *FirestoreStorage) DeleteUnusedInvitations(ctx context.Context, accountID string) (int, error) {
	q := s.client.Collection(s.invitations).Where("account_id", "==", accountID)
	return s.deleteInvitations(ctx, q, func(d InvitationDoc) bool { return d.UsedAt != nil })
}

// CleanupExpiredInvitations removes unused invitations expired at now
func (s *FirestoreStorage) CleanupExpiredInvitations(ctx context.Context, now time.Time) (int, error) {
	q := s.client.Collection(s.invitations).Where("expires_at", "<=", now)
	return s.deleteInvitations(ctx, q, func(d InvitationDoc) bool { return d.UsedAt != nil })
}

// RecordAuthEvent stores an auth event
func (s *FirestoreStorage) RecordAuthEvent(ctx context.Context, event *AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(s.events).Doc(event.ID).Set(ctx, AuthEventDoc{
		Kind:          event.Kind,
		Label:         event.Label,
		AccountID:     event.AccountID,
		Authenticated: event.Authenticated,
		Path:          event.Path,
		Referrer:      event.Referrer,
		UserAgent:     event.UserAgent,
		IPHash:        event.IPHash,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record auth event: %w", err)
	}
	return nil
}

// CountAuthEvents counts events of kind at or after since; empty kind counts all
func (s *FirestoreStorage) CountAuthEvents(ctx context.Context, kind string, since time.Time) (int, error) {
	q := s.client.Collection(s.events).Where("created_at", ">=", since)
	if kind != "" {
		q = q.Where("kind", "==", kind)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to count auth events: %w", err)
		}
		count++
	}
	return count, nil
}

// RecordVisitorEvent stores a visitor event
func (s *FirestoreStorage) RecordVisitorEvent(ctx context.Context, event *VisitorEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(s.visits).Doc(event.ID).Set(ctx, VisitorEventDoc{
		EventType:     event.EventType,
		SessionID:     event.SessionID,
		Label:         event.Label,
		Path:          event.Path,
		Referrer:      event.Referrer,
		UserAgent:     event.UserAgent,
		IPHash:        event.IPHash,
		Authenticated: event.Authenticated,
		DurationMS:    event.DurationMS,
		ScrollPercent: event.ScrollPercent,
		Metadata:      event.Metadata,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record visitor event: %w", err)
	}
	return nil
}

// SummarizeVisitorEvents reads matching events and aggregates them in
// process; Firestore has no grouping queries.
func (s *FirestoreStorage) SummarizeVisitorEvents(ctx context.Context, q VisitorQuery) ([]VisitorStat, error) {
	query := s.client.Collection(s.visits).Where("created_at", ">=", q.Since)
	if q.EventType != "" {
		query = query.Where("event_type", "==", q.EventType)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var events []VisitorEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to summarize visitor events: %w", err)
		}
		var d VisitorEventDoc
		if err := doc.DataTo(&d); err != nil {
			log.LogWarn("Skipping unreadable visitor event %s: %v", doc.Ref.ID, err)
			continue
		}
		events = append(events, VisitorEvent{
			EventType: d.EventType,
			Path:      d.Path,
			Referrer:  d.Referrer,
			CreatedAt: d.CreatedAt,
		})
	}
	return summarizeVisits(events, q), nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
