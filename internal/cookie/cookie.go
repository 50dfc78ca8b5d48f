package cookie

import (
	"net/http"
	"strings"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

// Policy describes the one canonical session cookie and the stale variants
// that must be purged before it is written.
type Policy struct {
	Name         string
	LegacyNames  []string
	Domain       string
	Path         string
	CallbackPath string
	SameSite     http.SameSite
	Secure       bool
	MaxAge       time.Duration
}

// NewPolicy builds a Policy from session settings
func NewPolicy(cfg config.SessionConfig, callbackPath string) Policy {
	return Policy{
		Name:         cfg.CookieName,
		LegacyNames:  cfg.LegacyCookieNames,
		Domain:       strings.TrimPrefix(strings.TrimSpace(cfg.Domain), "."),
		Path:         cfg.Path,
		CallbackPath: callbackPath,
		SameSite:     ParseSameSite(cfg.SameSite),
		Secure:       cfg.SecureCookies(),
		MaxAge:       cfg.MaxAge,
	}
}

// ParseSameSite maps lax, strict or none to the http constant, defaulting to lax
func ParseSameSite(s string) http.SameSite {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Canonical returns the session cookie carrying value
func (p Policy) Canonical(value string) *http.Cookie {
	ck := &http.Cookie{
		Name:     p.Name,
		Value:    value,
		Domain:   p.Domain,
		Path:     p.Path,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	}
	if p.MaxAge > 0 {
		ck.MaxAge = int(p.MaxAge.Seconds())
		ck.Expires = time.Now().Add(p.MaxAge).UTC()
	}
	return ck
}

func (p Policy) deletion(name, domain, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Domain:   domain,
		Path:     path,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
	}
}

// Deletions lists expiring cookies for the session name and every legacy
// name across host-only, the configured domain, its dotted form, the
// configured path and the callback path. Variants that serialize to the
// same header are emitted once.
func (p Policy) Deletions() []*http.Cookie {
	names := unique(append([]string{p.Name}, p.LegacyNames...))

	domains := []string{""}
	if p.Domain != "" {
		domains = append(domains, p.Domain, "."+p.Domain)
	}

	paths := unique([]string{p.Path, p.CallbackPath})

	seen := make(map[string]bool)
	var out []*http.Cookie
	for _, name := range names {
		for _, domain := range domains {
			for _, path := range paths {
				ck := p.deletion(name, domain, path)
				key := ck.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, ck)
			}
		}
	}
	return out
}

// Normalize purges every stale session cookie variant and then sets the
// canonical cookie. Running it again yields the same browser state.
func (p Policy) Normalize(w http.ResponseWriter, value string) {
	deletions := p.Deletions()
	for _, ck := range deletions {
		http.SetCookie(w, ck)
	}
	http.SetCookie(w, p.Canonical(value))

	log.LogTraceWithFields("cookie", "Session cookie normalized", map[string]any{
		"deleted":  len(deletions),
		"domain":   p.Domain,
		"path":     p.Path,
		"secure":   p.Secure,
		"maxAge":   p.MaxAge.String(),
		"sameSite": p.SameSite,
	})
}

// Clear removes the session cookie and its stale variants, used on logout
func (p Policy) Clear(w http.ResponseWriter) {
	for _, ck := range p.Deletions() {
		http.SetCookie(w, ck)
	}
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// Get retrieves the session cookie value from the request
func (p Policy) Get(r *http.Request) (string, error) {
	ck, err := r.Cookie(p.Name)
	if err != nil {
		return "", err
	}
	return ck.Value, nil
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
