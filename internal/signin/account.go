package signin

import (
	"context"
	"errors"
	"fmt"

	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

func (s *Service) lookup(ctx context.Context, get func(context.Context, string) (*storage.Account, error), key string) (*storage.Account, error) {
	a, err := get(ctx, key)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	return a, nil
}

// resolveAccount maps a normalized email onto a local account: username
// match first, then email match, else a new active account whose username
// is the email. It reports whether the account was created.
func (s *Service) resolveAccount(ctx context.Context, email string) (*storage.Account, bool, error) {
	byUsername, err := s.lookup(ctx, s.accounts.GetAccountByUsername, email)
	if err != nil {
		return nil, false, err
	}
	byEmail, err := s.lookup(ctx, s.accounts.GetAccountByEmail, email)
	if err != nil {
		return nil, false, err
	}

	var account *storage.Account
	switch {
	case byUsername != nil && byEmail != nil && byUsername.ID != byEmail.ID:
		log.LogWarnWithFields("signin", ErrAccountConflict.Error(), map[string]any{
			"email":               email,
			"username_account_id": byUsername.ID,
			"email_account_id":    byEmail.ID,
		})
		account = byUsername
	case byUsername != nil:
		account = byUsername
	case byEmail != nil:
		account = byEmail
	default:
		account = &storage.Account{Username: email, Email: email, IsActive: true}
		if err := s.accounts.CreateAccount(ctx, account); err != nil {
			if errors.Is(err, storage.ErrAccountExists) {
				return nil, false, fmt.Errorf("%w: username %s was taken concurrently", ErrAccountCreate, email)
			}
			return nil, false, fmt.Errorf("%w: %v", ErrAccountCreate, err)
		}
		s.touch(ctx, account)
		return account, true, nil
	}

	s.sync(ctx, account, email, byUsername, byEmail)
	return account, false, nil
}

// sync aligns username, email and active flag with the normalized email
// unless that would collide with a different account. Failures are logged;
// the sign-in continues with the account as stored.
func (s *Service) sync(ctx context.Context, account *storage.Account, email string, byUsername, byEmail *storage.Account) {
	before := *account

	if account.Username != email && byUsername == nil {
		account.Username = email
	}
	if account.Email != email && (byEmail == nil || byEmail.ID == account.ID) {
		account.Email = email
	}
	account.IsActive = true
	now := s.now().UTC()
	account.LastLoginAt = &now

	err := s.accounts.UpdateAccount(ctx, account)
	if errors.Is(err, storage.ErrAccountExists) {
		log.LogWarnWithFields("signin", "Skipped username sync, username taken", map[string]any{
			"account_id": account.ID,
			"username":   email,
		})
		account.Username = before.Username
		err = s.accounts.UpdateAccount(ctx, account)
	}
	if err != nil {
		log.LogErrorWithFields("signin", "Failed to sync account", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
		*account = before
		return
	}

	if before.Username != account.Username || before.Email != account.Email || before.IsActive != account.IsActive {
		log.LogInfoWithFields("signin", "Synchronized account with identity", map[string]any{
			"account_id": account.ID,
			"username":   account.Username,
			"email":      account.Email,
		})
	}
}

// touch records the login time on a freshly created account
func (s *Service) touch(ctx context.Context, account *storage.Account) {
	now := s.now().UTC()
	account.LastLoginAt = &now
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		log.LogWarnWithFields("signin", "Failed to record login time", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
}
