package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// csrfClockSkew tolerates tokens stamped slightly in the future by another replica
const csrfClockSkew = time.Minute

// CSRFProtection issues form tokens bound to the session key that rendered
// the form. A token reads nonce.issued.signature, with issued in base 36
// Unix seconds.
type CSRFProtection struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewCSRFProtection creates tokens that stay valid for ttl
func NewCSRFProtection(signingKey []byte, ttl time.Duration) CSRFProtection {
	return CSRFProtection{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

func csrfPayload(sessionKey, nonce, issued string) string {
	return "csrf|" + sessionKey + "|" + nonce + "|" + issued
}

// Generate creates a token valid only for the given session key
func (c *CSRFProtection) Generate(sessionKey string) (string, error) {
	nonce, err := GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	issued := strconv.FormatInt(c.now().Unix(), 36)
	sig := SignData(csrfPayload(sessionKey, nonce, issued), c.signingKey)
	return nonce + "." + issued + "." + sig, nil
}

// Validate reports whether token was issued for sessionKey within the ttl
func (c *CSRFProtection) Validate(sessionKey, token string) bool {
	nonce, rest, ok := strings.Cut(token, ".")
	if !ok || nonce == "" {
		return false
	}
	issued, sig, ok := strings.Cut(rest, ".")
	if !ok {
		return false
	}

	unix, err := strconv.ParseInt(issued, 36, 64)
	if err != nil {
		return false
	}
	age := c.now().Sub(time.Unix(unix, 0))
	if age > c.ttl || age < -csrfClockSkew {
		return false
	}

	return ValidateSignedData(csrfPayload(sessionKey, nonce, issued), sig, c.signingKey)
}
