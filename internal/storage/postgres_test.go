package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStorageWithDB(db), mock
}

var accountColumns = []string{
	"id", "username", "email", "is_active", "password_hash",
	"created_at", "updated_at", "last_login_at", "roles",
}

func TestPostgresGetAccountByUsername(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		want    *Account
		wantErr error
	}{
		{
			name: "found with roles",
			setup: func(mock sqlmock.Sqlmock) {
				created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
				mock.ExpectQuery(regexp.QuoteMeta("WHERE a.username = $1")).
					WithArgs("jane@lcpsych.com").
					WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(
						"7b3c5d2e-0000-4000-8000-000000000001", "jane@lcpsych.com", "jane@lcpsych.com",
						true, "", created, created, nil, "admin,therapist",
					))
			},
			want: &Account{
				ID:        "7b3c5d2e-0000-4000-8000-000000000001",
				Username:  "jane@lcpsych.com",
				Email:     "jane@lcpsych.com",
				IsActive:  true,
				Roles:     []string{RoleAdmin, RoleTherapist},
				CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
				UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
		{
			name: "not found",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("WHERE a.username = $1")).
					WithArgs("jane@lcpsych.com").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			tt.setup(mock)

			got, err := s.GetAccountByUsername(context.Background(), "jane@lcpsych.com")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPostgresGetAccountRejectsMalformedID(t *testing.T) {
	s, _ := newMockStorage(t)

	_, err := s.GetAccount(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresCreateAccount(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs(sqlmock.AnyArg(), "new@lcpsych.com", "new@lcpsych.com", true, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO account_roles")).
		WithArgs(sqlmock.AnyArg(), RoleTherapist).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &Account{Username: "new@lcpsych.com", Email: "new@lcpsych.com", IsActive: true, Roles: []string{RoleTherapist}}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestPostgresCreateAccountUniqueViolation(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_username_key"})
	mock.ExpectRollback()

	err := s.CreateAccount(context.Background(), &Account{Username: "dup@lcpsych.com"})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestPostgresUpdateAccount(t *testing.T) {
	tests := []struct {
		name    string
		result  driver.Result
		err     error
		wantErr error
	}{
		{name: "updated", result: sqlmock.NewResult(0, 1)},
		{name: "missing", result: sqlmock.NewResult(0, 0), wantErr: ErrAccountNotFound},
		{name: "username taken", err: &pgconn.PgError{Code: "23505"}, wantErr: ErrAccountExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			exp := mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts")).
				WithArgs("id-1", "u@lcpsych.com", "u@lcpsych.com", true, "", nil, sqlmock.AnyArg())
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnResult(tt.result)
			}

			err := s.UpdateAccount(context.Background(), &Account{
				ID: "id-1", Username: "u@lcpsych.com", Email: "u@lcpsych.com", IsActive: true,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPostgresAddRoleMissingAccount(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO account_roles")).
		WithArgs("id-1", RoleAdmin).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	assert.ErrorIs(t, s.AddRole(context.Background(), "id-1", RoleAdmin), ErrAccountNotFound)
}

func TestPostgresConsumeInvitation(t *testing.T) {
	t.Run("first use", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE invitations SET used_at")).
			WithArgs("tok", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, s.ConsumeInvitation(context.Background(), "tok"))
	})

	t.Run("already used", func(t *testing.T) {
		s, mock := newMockStorage(t)
		now := time.Now()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE invitations SET used_at")).
			WithArgs("tok", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM invitations WHERE token = $1")).
			WithArgs("tok").
			WillReturnRows(sqlmock.NewRows([]string{"token", "account_id", "created_at", "expires_at", "used_at"}).
				AddRow("tok", "id-1", now, now.Add(time.Hour), now))

		assert.ErrorIs(t, s.ConsumeInvitation(context.Background(), "tok"), ErrInvitationUsed)
	})

	t.Run("unknown", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE invitations SET used_at")).
			WithArgs("tok", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM invitations WHERE token = $1")).
			WithArgs("tok").
			WillReturnError(sql.ErrNoRows)

		assert.ErrorIs(t, s.ConsumeInvitation(context.Background(), "tok"), ErrInvitationNotFound)
	})
}

func TestPostgresCleanupExpiredInvitations(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM invitations WHERE used_at IS NULL AND expires_at <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.CleanupExpiredInvitations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresRecordAuthEvent(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_events")).
		WithArgs(sqlmock.AnyArg(), EventAuthFailed, "password", nil, false,
			"/accounts/login", "", "curl/8", "abc123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := &AuthEvent{Kind: EventAuthFailed, Label: "password", Path: "/accounts/login", UserAgent: "curl/8", IPHash: "abc123"}
	require.NoError(t, s.RecordAuthEvent(context.Background(), ev))
	assert.NotEmpty(t, ev.ID)
}

func TestPostgresCountAuthEvents(t *testing.T) {
	s, mock := newMockStorage(t)
	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM auth_events")).
		WithArgs(EventAuthSuccess, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountAuthEvents(context.Background(), EventAuthSuccess, since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestNewPostgresStorageRequiresDSN(t *testing.T) {
	_, err := NewPostgresStorage(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn is required")
}

func TestPostgresRecordVisitorEvent(t *testing.T) {
	s, mock := newMockStorage(t)
	scroll := 75
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visitor_events")).
		WithArgs(sqlmock.AnyArg(), "session_exit", "s-1", "", "/services/", "", "curl/8", "abc123", true,
			sql.NullInt64{}, sql.NullInt64{Int64: 75, Valid: true}, `{"reason":"hidden"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := &VisitorEvent{
		EventType:     "session_exit",
		SessionID:     "s-1",
		Path:          "/services/",
		UserAgent:     "curl/8",
		IPHash:        "abc123",
		Authenticated: true,
		ScrollPercent: &scroll,
		Metadata:      map[string]any{"reason": "hidden"},
	}
	require.NoError(t, s.RecordVisitorEvent(context.Background(), ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
}

func TestPostgresRecordVisitorEventDefaultsMetadata(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visitor_events")).
		WithArgs(sqlmock.AnyArg(), "click", "", "", "/", "", "", "", false,
			sql.NullInt64{}, sql.NullInt64{}, "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordVisitorEvent(context.Background(), &VisitorEvent{EventType: "click", Path: "/"}))
}

func TestPostgresSummarizeVisitorEvents(t *testing.T) {
	since := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	columns := []string{"day", "path", "referrer", "count"}

	t.Run("rows", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM visitor_events")).
			WithArgs(since, "click").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("2026-03-10", "/services/", "https://www.google.com/", 2).
				AddRow("2026-03-09", "/contact/", "", 1))

		stats, err := s.SummarizeVisitorEvents(context.Background(), VisitorQuery{Since: since, EventType: "click"})
		require.NoError(t, err)
		assert.Equal(t, []VisitorStat{
			{Day: "2026-03-10", Path: "/services/", Referrer: "https://www.google.com/", Count: 2},
			{Day: "2026-03-09", Path: "/contact/", Count: 1},
		}, stats)
	})

	t.Run("empty", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM visitor_events")).
			WithArgs(since, "").
			WillReturnRows(sqlmock.NewRows(columns))

		stats, err := s.SummarizeVisitorEvents(context.Background(), VisitorQuery{Since: since})
		require.NoError(t, err)
		assert.NotNil(t, stats)
		assert.Empty(t, stats)
	})
}
