package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath appends segments to the path of base. A trailing slash on the
// last segment survives, since activation links depend on it.
func JoinPath(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return u.String(), nil
	}

	joined := path.Join(append([]string{"/", u.Path}, segments...)...)
	if strings.HasSuffix(segments[len(segments)-1], "/") && joined != "/" {
		joined += "/"
	}
	u.Path = joined
	return u.String(), nil
}

// WithQuery appends params to target, keeping any query it already has
func WithQuery(target string, params url.Values) string {
	if len(params) == 0 {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + params.Encode()
	}
	return target + "?" + params.Encode()
}
