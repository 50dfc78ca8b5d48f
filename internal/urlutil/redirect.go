package urlutil

import (
	"net/url"
	"strings"
	"unicode"
)

// IsSafeRedirect reports whether target may be used as a post-login
// redirect for a request served on allowedHost. Relative targets must be
// paths starting with a single slash.
// Absolute URLs must use http or https (https only when requireHTTPS) and
// point at allowedHost. Scheme-relative and backslash forms that browsers
// resolve to another host are rejected.
func IsSafeRedirect(target, allowedHost string, requireHTTPS bool) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	// Browsers treat backslashes as forward slashes in the authority.
	if !isSafeRedirect(target, allowedHost, requireHTTPS) {
		return false
	}
	return isSafeRedirect(strings.ReplaceAll(target, `\`, "/"), allowedHost, requireHTTPS)
}

func isSafeRedirect(target, allowedHost string, requireHTTPS bool) bool {
	if strings.HasPrefix(target, "///") {
		return false
	}
	for _, r := range target {
		if unicode.IsControl(r) {
			return false
		}
	}

	u, err := url.Parse(target)
	if err != nil {
		return false
	}

	// "http:evil.com" parses with a scheme but no host
	if u.Host == "" && u.Scheme != "" {
		return false
	}
	if u.User != nil {
		return false
	}
	if u.Host != "" && !strings.EqualFold(u.Host, allowedHost) {
		return false
	}

	switch u.Scheme {
	case "":
		// Relative targets must be rooted; "billing" would resolve against
		// whatever path the redirect is served from
		return u.Host != "" || strings.HasPrefix(target, "/")
	case "https":
		return true
	case "http":
		return !requireHTTPS
	default:
		return false
	}
}

// SafeRedirectOr returns the first candidate accepted by IsSafeRedirect,
// or fallback when none is.
func SafeRedirectOr(fallback, allowedHost string, requireHTTPS bool, candidates ...string) string {
	for _, c := range candidates {
		if IsSafeRedirect(c, allowedHost, requireHTTPS) {
			return strings.TrimSpace(c)
		}
	}
	return fallback
}
