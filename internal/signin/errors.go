package signin

import "errors"

// Callback rejection reasons. Each ends the request; the user restarts at
// /sign-in/start.
var (
	// ErrConfiguration means the provider is disabled or lacks credentials
	ErrConfiguration = errors.New("sign-in provider is not configured")

	// ErrStateExpiredOrMissing means no pending request matched the callback
	ErrStateExpiredOrMissing = errors.New("sign-in session expired or missing")

	// ErrStateMismatch means the returned state differs from the stored one
	ErrStateMismatch = errors.New("sign-in state mismatch")

	// ErrTokenExchange means the provider refused or failed the code exchange
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrMissingIdentityClaim means no email-like claim was returned
	ErrMissingIdentityClaim = errors.New("identity provider returned no email claim")

	// ErrDomainNotAllowed means the email domain is outside the allowed list
	ErrDomainNotAllowed = errors.New("email domain is not allowed")

	// ErrAccountConflict flags username and email matching different
	// accounts. It is logged, never returned.
	ErrAccountConflict = errors.New("username and email match different accounts")

	// ErrAccountCreate means a concurrent sign-in claimed the username first
	ErrAccountCreate = errors.New("could not create account")
)

// Outcome labels used in logs and metrics
const (
	OutcomeSuccess       = "success"
	OutcomeExpired       = "state_expired"
	OutcomeMismatch      = "state_mismatch"
	OutcomeExchange      = "token_exchange"
	OutcomeMissingClaim  = "missing_claim"
	OutcomeDomain        = "domain_not_allowed"
	OutcomeAccountCreate = "account_create"
	OutcomeError         = "error"
)

// Outcome maps a Callback error to its outcome label
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrStateExpiredOrMissing):
		return OutcomeExpired
	case errors.Is(err, ErrStateMismatch):
		return OutcomeMismatch
	case errors.Is(err, ErrTokenExchange):
		return OutcomeExchange
	case errors.Is(err, ErrMissingIdentityClaim):
		return OutcomeMissingClaim
	case errors.Is(err, ErrDomainNotAllowed):
		return OutcomeDomain
	case errors.Is(err, ErrAccountCreate):
		return OutcomeAccountCreate
	default:
		return OutcomeError
	}
}

// Restartable reports whether the user should simply be sent back to the
// start of the flow
func Restartable(err error) bool {
	return errors.Is(err, ErrStateExpiredOrMissing) || errors.Is(err, ErrStateMismatch)
}
