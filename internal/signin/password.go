package signin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/emailutil"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"github.com/lcpsychadmin/lcpsych/internal/urlutil"
)

// ErrInvalidCredentials means the username or password did not match an
// active account
var ErrInvalidCredentials = errors.New("invalid username or password")

const outcomePasswordFailed = "password_failed"

// PasswordLogin authenticates by username or email and establishes the
// session. It works whether or not single sign-on is configured.
func (s *Service) PasswordLogin(ctx context.Context, sess *session.Session, username, password string) (*storage.Account, error) {
	username = emailutil.Normalize(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	account, err := s.lookup(ctx, s.accounts.GetAccountByUsername, username)
	if err != nil {
		return nil, err
	}
	if account == nil {
		if account, err = s.lookup(ctx, s.accounts.GetAccountByEmail, username); err != nil {
			return nil, err
		}
	}

	if account == nil || !account.IsActive || !crypto.CheckPassword(account.PasswordHash, password) {
		s.metrics.SignIn(outcomePasswordFailed)
		log.LogInfoWithFields("signin", "Password login failed", map[string]any{
			"has_username": username != "",
		})
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	account.LastLoginAt = &now
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		log.LogWarnWithFields("signin", "Failed to record login time", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}

	if err := s.sessions.Login(ctx, sess, account.ID); err != nil {
		return nil, fmt.Errorf("establishing session: %w", err)
	}
	s.metrics.SignIn(OutcomeSuccess)
	log.LogInfoWithFields("signin", "Password login complete", map[string]any{
		"account_id": account.ID,
	})
	return account, nil
}

// Logout ends the session and returns its empty replacement
func (s *Service) Logout(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if sess.IsAuthenticated() {
		log.LogInfoWithFields("signin", "Logged out", map[string]any{
			"account_id": sess.AccountID,
		})
	}
	return s.sessions.Invalidate(ctx, sess)
}

// PostLoginDestination picks where a password login lands: a safe next,
// else the profile editor for therapists, else fallback
func PostLoginDestination(account *storage.Account, next, host string, requireHTTPS bool, profileEditPath, fallback string) string {
	if urlutil.IsSafeRedirect(next, host, requireHTTPS) {
		return strings.TrimSpace(next)
	}
	if profileEditPath != "" && account != nil && account.HasRole(storage.RoleTherapist) {
		return profileEditPath
	}
	return fallback
}
