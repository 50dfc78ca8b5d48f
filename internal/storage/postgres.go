package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage stores accounts, invitations and auth events in Postgres.
// The unique username constraint settles concurrent first sign-ins.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage connects to dsn and applies pending migrations
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return NewPostgresStorageWithDB(db), nil
}

// NewPostgresStorageWithDB wraps an open handle without migrating it
func NewPostgresStorageWithDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate applies the embedded schema migrations
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, err := goose.GetDBVersion(db)
	if err == nil {
		log.LogInfoWithFields("storage", "Database schema is current", map[string]any{
			"version": version,
		})
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const selectAccount = `SELECT a.id, a.username, a.email, a.is_active, a.password_hash,
       a.created_at, a.updated_at, a.last_login_at,
       COALESCE(string_agg(r.role, ',' ORDER BY r.role), '')
FROM accounts a
LEFT JOIN account_roles r ON r.account_id = a.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a         Account
		lastLogin sql.NullTime
		roles     string
	)
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.IsActive, &a.PasswordHash,
		&a.CreatedAt, &a.UpdatedAt, &lastLogin, &roles)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	if roles != "" {
		a.Roles = strings.Split(roles, ",")
	}
	return &a, nil
}

func (s *PostgresStorage) getAccount(ctx context.Context, where string, arg any) (*Account, error) {
	query := selectAccount + "\nWHERE " + where + "\nGROUP BY a.id\nORDER BY a.created_at\nLIMIT 1"

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetAccount retrieves an account by ID
func (s *PostgresStorage) GetAccount(ctx context.Context, id string) (*Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAccountNotFound
	}
	return s.getAccount(ctx, "a.id = $1", id)
}

// GetAccountByUsername retrieves an account by exact username
func (s *PostgresStorage) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	return s.getAccount(ctx, "a.username = $1", username)
}

// GetAccountByEmail retrieves the oldest account with the exact email
func (s *PostgresStorage) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.getAccount(ctx, "a.email = $1", email)
}

// CreateAccount inserts the account and its roles in one transaction
func (s *PostgresStorage) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, username, email, is_active, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Username, account.Email, account.IsActive, account.PasswordHash, now, now,
	)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	for _, role := range account.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO account_roles (account_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			account.ID, role,
		); err != nil {
			return fmt.Errorf("failed to grant role %s: %w", role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to commit account: %w", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// UpdateAccount persists mutable account fields
func (s *PostgresStorage) UpdateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()

	var lastLogin sql.NullTime
	if account.LastLoginAt != nil {
		lastLogin = sql.NullTime{Time: *account.LastLoginAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET username = $2, email = $3, is_active = $4, password_hash = $5, last_login_at = $6, updated_at = $7
		 WHERE id = $1`,
		account.ID, account.Username, account.Email, account.IsActive, account.PasswordHash, lastLogin, now,
	)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}

	account.UpdatedAt = now
	return nil
}

// AddRole grants role to the account
func (s *PostgresStorage) AddRole(ctx context.Context, accountID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_roles (account_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		accountID, role,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to grant role: %w", err)
	}
	return nil
}

// ListAccounts returns all accounts ordered by username
func (s *PostgresStorage) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+"\nGROUP BY a.id\nORDER BY a.username")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// CreateInvitation stores a new invitation
func (s *PostgresStorage) CreateInvitation(ctx context.Context, invitation *Invitation) error {
	if invitation.CreatedAt.IsZero() {
		invitation.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (token, account_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		invitation.Token, invitation.AccountID, invitation.CreatedAt, invitation.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

// GetInvitation retrieves an invitation by token
func (s *PostgresStorage) GetInvitation(ctx context.Context, token string) (*Invitation, error) {
	var (
		inv    Invitation
		usedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, account_id, created_at, expires_at, used_at FROM invitations WHERE token = $1`,
		token,
	).Scan(&inv.Token, &inv.AccountID, &inv.CreatedAt, &inv.ExpiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		inv.UsedAt = &t
	}
	return &inv, nil
}

// ConsumeInvitation marks the invitation used with a conditional update
func (s *PostgresStorage) ConsumeInvitation(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET used_at = $2 WHERE token = $1 AND used_at IS NULL`,
		token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to consume invitation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to consume invitation: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetInvitation(ctx, token); err != nil {
		return err
	}
	return ErrInvitationUsed
}

// DeleteUnusedInvitations removes the account's outstanding invitations
func (s *PostgresStorage) DeleteUnusedInvitations(ctx context.Context, accountID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invitations WHERE account_id = $1 AND used_at IS NULL`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete invitations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupExpiredInvitations removes unused invitations expired at now
func (s *PostgresStorage) CleanupExpiredInvitations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invitations WHERE used_at IS NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup invitations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordAuthEvent inserts an auth event
func (s *PostgresStorage) RecordAuthEvent(ctx context.Context, event *AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var accountID sql.NullString
	if event.AccountID != "" {
		accountID = sql.NullString{String: event.AccountID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_events (id, kind, label, account_id, authenticated, path, referrer, user_agent, ip_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Kind, event.Label, accountID, event.Authenticated,
		event.Path, event.Referrer, event.UserAgent, event.IPHash, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record auth event: %w", err)
	}
	return nil
}

// CountAuthEvents counts events of kind at or after since; empty kind counts all
func (s *PostgresStorage) CountAuthEvents(ctx context.Context, kind string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auth_events WHERE ($1 = '' OR kind = $1) AND created_at >= $2`,
		kind, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count auth events: %w", err)
	}
	return count, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// RecordVisitorEvent inserts a visitor event. Metadata is stored as JSONB.
func (s *PostgresStorage) RecordVisitorEvent(ctx context.Context, event *VisitorEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to encode visitor metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visitor_events (id, event_type, session_id, label, path, referrer, user_agent, ip_hash,
		                             authenticated, duration_ms, scroll_percent, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.ID, event.EventType, event.SessionID, event.Label, event.Path, event.Referrer,
		event.UserAgent, event.IPHash, event.Authenticated,
		nullInt(event.DurationMS), nullInt(event.ScrollPercent), string(metadata), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record visitor event: %w", err)
	}
	return nil
}

// SummarizeVisitorEvents groups visitor events by UTC day, path and referrer
func (s *PostgresStorage) SummarizeVisitorEvents(ctx context.Context, q VisitorQuery) ([]VisitorStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, path, referrer, COUNT(*)
		 FROM visitor_events
		 WHERE created_at >= $1 AND ($2 = '' OR event_type = $2)
		 GROUP BY day, path, referrer
		 ORDER BY day DESC, COUNT(*) DESC, path, referrer`,
		q.Since, q.EventType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize visitor events: %w", err)
	}
	defer rows.Close()

	stats := []VisitorStat{}
	for rows.Next() {
		var st VisitorStat
		if err := rows.Scan(&st.Day, &st.Path, &st.Referrer, &st.Count); err != nil {
			return nil, fmt.Errorf("failed to scan visitor stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
