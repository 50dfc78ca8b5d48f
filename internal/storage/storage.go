package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/config"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when a username is already taken
	ErrAccountExists = errors.New("account already exists")

	// ErrInvitationNotFound is returned when an invitation token is unknown
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrInvitationUsed is returned when an invitation was already consumed
	ErrInvitationUsed = errors.New("invitation already used")
)

// Roles recognized by the site
const (
	RoleAdmin     = "admin"
	RoleTherapist = "therapist"
)

// KnownRoles lists every role that grants staff access
var KnownRoles = []string{RoleAdmin, RoleTherapist}

// Account is a local staff login. Username mirrors the external email for
// accounts provisioned by single sign-on.
type Account struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	IsActive     bool       `json:"is_active"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// HasRole reports whether the account holds role
func (a *Account) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HasKnownRole reports whether the account holds any recognized role
func (a *Account) HasKnownRole() bool {
	return slices.ContainsFunc(a.Roles, func(r string) bool {
		return slices.Contains(KnownRoles, r)
	})
}

// Invitation is a one-time activation token for a staff account
type Invitation struct {
	Token     string     `json:"token"`
	AccountID string     `json:"account_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// IsUsed reports whether the invitation has been consumed
func (i *Invitation) IsUsed() bool {
	return i.UsedAt != nil
}

// IsExpired reports whether the invitation expired at now
func (i *Invitation) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Auth event kinds
const (
	EventAuthSuccess = "auth_success"
	EventAuthFailed  = "auth_failed"
)

// AuthEvent records one sign-in outcome. The client IP is stored only as a
// salted hash.
type AuthEvent struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Label         string    `json:"label"`
	AccountID     string    `json:"account_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Path          string    `json:"path"`
	Referrer      string    `json:"referrer"`
	UserAgent     string    `json:"user_agent"`
	IPHash        string    `json:"ip_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// VisitorEvent is one behaviour beacon sent by the public site's script.
// DurationMS and ScrollPercent are only set for event types that carry them.
type VisitorEvent struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	SessionID     string         `json:"session_id"`
	Label         string         `json:"label"`
	Path          string         `json:"path"`
	Referrer      string         `json:"referrer"`
	UserAgent     string         `json:"user_agent"`
	IPHash        string         `json:"ip_hash"`
	Authenticated bool           `json:"authenticated"`
	DurationMS    *int           `json:"duration_ms,omitempty"`
	ScrollPercent *int           `json:"scroll_percent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// VisitorQuery selects the events summarized by SummarizeVisitorEvents. An
// empty EventType matches every type.
type VisitorQuery struct {
	Since     time.Time
	EventType string
}

// VisitorStat counts events for one UTC day, path and referrer
type VisitorStat struct {
	Day      string `json:"day"`
	Path     string `json:"path"`
	Referrer string `json:"referrer"`
	Count    int    `json:"count"`
}

// DayFormat is the layout of VisitorStat.Day
const DayFormat = "2006-01-02"

// AccountStore manages local accounts
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	// CreateAccount assigns ID and timestamps. A taken username yields
	// ErrAccountExists.
	CreateAccount(ctx context.Context, account *Account) error

	// UpdateAccount persists username, email, active flag, password hash
	// and last login. A username held by another account yields
	// ErrAccountExists.
	UpdateAccount(ctx context.Context, account *Account) error

	AddRole(ctx context.Context, accountID, role string) error
	ListAccounts(ctx context.Context) ([]Account, error)
}

// InvitationStore manages activation tokens
type InvitationStore interface {
	CreateInvitation(ctx context.Context, invitation *Invitation) error
	GetInvitation(ctx context.Context, token string) (*Invitation, error)

	// ConsumeInvitation marks the invitation used. Only the first caller
	// succeeds; later callers get ErrInvitationUsed.
	ConsumeInvitation(ctx context.Context, token string) error

	DeleteUnusedInvitations(ctx context.Context, accountID string) (int, error)
	CleanupExpiredInvitations(ctx context.Context, now time.Time) (int, error)
}

// AuthEventStore records authentication analytics
type AuthEventStore interface {
	RecordAuthEvent(ctx context.Context, event *AuthEvent) error
	CountAuthEvents(ctx context.Context, kind string, since time.Time) (int, error)
}

// VisitorEventStore records and aggregates visitor behaviour events
type VisitorEventStore interface {
	RecordVisitorEvent(ctx context.Context, event *VisitorEvent) error

	// SummarizeVisitorEvents groups matching events by day, path and
	// referrer, newest day first and busiest row first within a day.
	SummarizeVisitorEvents(ctx context.Context, q VisitorQuery) ([]VisitorStat, error)
}

// Storage combines all storage capabilities
type Storage interface {
	AccountStore
	InvitationStore
	AuthEventStore
	VisitorEventStore
	Close() error
}

// summarizeVisits aggregates events in process for backends without GROUP BY
func summarizeVisits(events []VisitorEvent, q VisitorQuery) []VisitorStat {
	type key struct{ day, path, referrer string }
	counts := make(map[key]int)
	for _, e := range events {
		if e.CreatedAt.Before(q.Since) || (q.EventType != "" && e.EventType != q.EventType) {
			continue
		}
		counts[key{e.CreatedAt.UTC().Format(DayFormat), e.Path, e.Referrer}]++
	}

	stats := make([]VisitorStat, 0, len(counts))
	for k, n := range counts {
		stats = append(stats, VisitorStat{Day: k.day, Path: k.path, Referrer: k.referrer, Count: n})
	}
	sortVisitorStats(stats)
	return stats
}

func sortVisitorStats(stats []VisitorStat) {
	slices.SortFunc(stats, func(a, b VisitorStat) int {
		if c := strings.Compare(b.Day, a.Day); c != 0 {
			return c
		}
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Referrer, b.Referrer)
	})
}

// New opens the storage backend selected by cfg
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Kind {
	case config.StorageMemory, "":
		return NewMemoryStorage(), nil
	case config.StoragePostgres:
		return NewPostgresStorage(ctx, string(cfg.DSN))
	case config.StorageFirestore:
		return NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.CollectionPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage kind: %s", cfg.Kind)
	}
}
