// Package invite creates staff accounts by invitation and activates them
// once the invitee sets a password.
package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lcpsychadmin/lcpsych/internal/crypto"
	"github.com/lcpsychadmin/lcpsych/internal/emailutil"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/mail"
	"github.com/lcpsychadmin/lcpsych/internal/metrics"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"github.com/lcpsychadmin/lcpsych/internal/urlutil"
)

// MinPasswordLength is the shortest password accepted at activation
const MinPasswordLength = 8

var (
	// ErrInvalidActivation means the token is unknown, used or expired
	ErrInvalidActivation = errors.New("invalid or expired activation link")

	// ErrWeakPassword means the password is too short
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

	// ErrInvalidEmail means the invitee address could not be parsed
	ErrInvalidEmail = errors.New("invalid email address")
)

// Invitation outcomes reported to metrics
const (
	resultSent       = "sent"
	resultMailFailed = "mail_failed"
	resultLogged     = "logged"
	resultActivated  = "activated"
)

// Options configure invitations
type Options struct {
	SiteName string
	TTL      time.Duration
	// Debug keeps an invitation usable when delivery fails, so the
	// activation URL can be handed over by other means
	Debug bool
}

// Result describes a created invitation
type Result struct {
	Account       *storage.Account
	Invitation    *storage.Invitation
	ActivationURL string

	// Delivered is false when the mail failed in debug mode or the
	// transport only logs
	Delivered bool
}

// Service issues and redeems invitations
type Service struct {
	accounts    storage.AccountStore
	invitations storage.InvitationStore
	sender      mail.Sender
	metrics     *metrics.Metrics
	opts        Options
	now         func() time.Time
}

// NewService creates an invitation service
func NewService(accounts storage.AccountStore, invitations storage.InvitationStore, sender mail.Sender, m *metrics.Metrics, opts Options) *Service {
	if opts.SiteName == "" {
		opts.SiteName = "L+C Psychological Services"
	}
	return &Service{
		accounts:    accounts,
		invitations: invitations,
		sender:      sender,
		metrics:     m,
		opts:        opts,
		now:         time.Now,
	}
}

// ActivationPath is the local path that redeems token
func ActivationPath(token string) string {
	return "/accounts/activate/" + token + "/"
}

// NewToken returns a 32 character hex activation token
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Invite gets or creates the active account for email, grants the
// requested roles, replaces any outstanding invitation and mails the
// activation link built on baseURL.
func (s *Service) Invite(ctx context.Context, email string, isAdmin, isTherapist bool, baseURL string) (*Result, error) {
	email = emailutil.Normalize(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}

	account, err := s.ensureAccount(ctx, email)
	if err != nil {
		return nil, err
	}

	var roles []string
	if isAdmin {
		roles = append(roles, storage.RoleAdmin)
	}
	if isTherapist {
		roles = append(roles, storage.RoleTherapist)
	}
	for _, role := range roles {
		if err := s.accounts.AddRole(ctx, account.ID, role); err != nil {
			return nil, fmt.Errorf("granting %s role: %w", role, err)
		}
		if !account.HasRole(role) {
			account.Roles = append(account.Roles, role)
		}
	}

	replaced, err := s.invitations.DeleteUnusedInvitations(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("replacing invitations: %w", err)
	}

	now := s.now().UTC()
	inv := &storage.Invitation{
		Token:     NewToken(),
		AccountID: account.ID,
		CreatedAt: now,
	}
	if s.opts.TTL > 0 {
		inv.ExpiresAt = now.Add(s.opts.TTL)
	}
	if err := s.invitations.CreateInvitation(ctx, inv); err != nil {
		return nil, fmt.Errorf("creating invitation: %w", err)
	}

	activationURL, err := urlutil.JoinPath(baseURL, ActivationPath(inv.Token))
	if err != nil {
		return nil, fmt.Errorf("building activation URL: %w", err)
	}

	result := &Result{Account: account, Invitation: inv, ActivationURL: activationURL}

	msg := mail.Message{
		To:      email,
		Subject: fmt.Sprintf("You're invited to %s", s.opts.SiteName),
		Body: fmt.Sprintf("Hi,\n\nAn account was created for you on %s.\n"+
			"Please confirm your email and set your password here:\n%s\n\n"+
			"If you did not expect this invitation, you can ignore this email.",
			s.opts.SiteName, activationURL),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.metrics.Invitation(resultMailFailed)
		if !s.opts.Debug {
			return nil, fmt.Errorf("sending invitation: %w", err)
		}
		log.LogWarnWithFields("invite", "Invitation not delivered, returning activation URL", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
		return result, nil
	}

	if !mail.Delivers(s.sender) {
		s.metrics.Invitation(resultLogged)
		log.LogWarnWithFields("invite", "Invitation logged, not delivered", map[string]any{
			"account_id": account.ID,
			"roles":      roles,
		})
		return result, nil
	}

	result.Delivered = true
	s.metrics.Invitation(resultSent)
	log.LogInfoWithFields("invite", "Invitation sent", map[string]any{
		"account_id": account.ID,
		"roles":      roles,
		"replaced":   replaced,
	})
	return result, nil
}

func (s *Service) ensureAccount(ctx context.Context, email string) (*storage.Account, error) {
	account, err := s.accounts.GetAccountByUsername(ctx, email)
	if errors.Is(err, storage.ErrAccountNotFound) {
		account = &storage.Account{Username: email, Email: email, IsActive: true}
		if err := s.accounts.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("creating account: %w", err)
		}
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if account.Email != email || !account.IsActive {
		account.Email = email
		account.IsActive = true
		if err := s.accounts.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("updating account: %w", err)
		}
	}
	return account, nil
}

// Lookup returns the invitation for token if it can still be redeemed
func (s *Service) Lookup(ctx context.Context, token string) (*storage.Invitation, error) {
	inv, err := s.invitations.GetInvitation(ctx, token)
	if errors.Is(err, storage.ErrInvitationNotFound) {
		return nil, ErrInvalidActivation
	}
	if err != nil {
		return nil, fmt.Errorf("looking up invitation: %w", err)
	}
	if inv.IsUsed() || inv.IsExpired(s.now()) {
		return nil, ErrInvalidActivation
	}
	return inv, nil
}

// Activate redeems token and sets the account password. A token can be
// redeemed once.
func (s *Service) Activate(ctx context.Context, token, password string) (*storage.Account, error) {
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	inv, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetAccount(ctx, inv.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading invited account: %w", err)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}

	if err := s.invitations.ConsumeInvitation(ctx, token); err != nil {
		if errors.Is(err, storage.ErrInvitationUsed) || errors.Is(err, storage.ErrInvitationNotFound) {
			return nil, ErrInvalidActivation
		}
		return nil, fmt.Errorf("consuming invitation: %w", err)
	}

	account.PasswordHash = hash
	account.IsActive = true
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("saving password: %w", err)
	}

	s.metrics.Invitation(resultActivated)
	log.LogInfoWithFields("invite", "Account activated", map[string]any{
		"account_id": account.ID,
	})
	return account, nil
}
