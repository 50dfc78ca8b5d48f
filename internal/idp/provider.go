package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lcpsychadmin/lcpsych/internal/emailutil"
	"golang.org/x/oauth2"
)

// Claims are the identity assertions returned by a provider. Every field is
// optional; a provider may omit any of them.
type Claims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	UPN               string `json:"upn"`
	Name              string `json:"name"`
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	Nonce             string `json:"nonce"`

	// FromIDToken is set when the token response carried an ID token.
	// Its nonce must then match the one sent with the request.
	FromIDToken bool `json:"-"`
}

// PrimaryEmail returns the lowercased first non-empty of preferred_username,
// email and upn, or "" when none is present.
func (c Claims) PrimaryEmail() string {
	return emailutil.FirstNormalized(c.PreferredUsername, c.Email, c.UPN)
}

// Provider abstracts the authorization-code flow against one identity provider.
type Provider interface {
	// Type returns the provider type identifier (e.g., "azure", "oidc").
	Type() string

	// AuthURL generates the authorization URL for the given state and nonce.
	AuthURL(state, nonce string) string

	// Scopes returns the scopes requested in the authorization URL.
	Scopes() []string

	// Exchange trades an authorization code for the caller's identity claims.
	Exchange(ctx context.Context, code string) (*Claims, error)
}

// ExchangeError carries the provider's reason for refusing a code exchange.
type ExchangeError struct {
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	if e.Description == "" {
		return fmt.Sprintf("token exchange failed: %s", e.Code)
	}
	return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Reason is the provider's error text, suitable for logs
func (e *ExchangeError) Reason() string {
	if e.Code == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "unknown"
	}
	return strings.TrimSpace(e.Code + " " + e.Description)
}

func newExchangeError(err error) *ExchangeError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &ExchangeError{
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			Err:         err,
		}
	}
	return &ExchangeError{Err: err}
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.ContainsFunc(allowedDomains, func(d string) bool { return strings.EqualFold(d, domain) }) {
		return fmt.Errorf("domain '%s' is not allowed. Contact your administrator", domain)
	}
	return nil
}
