package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSafeRedirect(t *testing.T) {
	const host = "lcpsych.com"

	tests := []struct {
		name         string
		target       string
		requireHTTPS bool
		want         bool
	}{
		{name: "relative path", target: "/billing", want: true},
		{name: "relative with query", target: "/dashboard?tab=notes", want: true},
		{name: "same host absolute", target: "https://lcpsych.com/billing", want: true},
		{name: "same host different case", target: "https://LCPsych.com/billing", want: true},
		{name: "same host http allowed", target: "http://lcpsych.com/x", want: true},
		{name: "same host http rejected under https", target: "http://lcpsych.com/x", requireHTTPS: true, want: false},
		{name: "scheme relative same host", target: "//lcpsych.com/x", want: true},
		{name: "empty", target: "", want: false},
		{name: "cross host", target: "https://evil.com/", want: false},
		{name: "scheme relative cross host", target: "//evil.com", want: false},
		{name: "triple slash", target: "///evil.com", want: false},
		{name: "backslash trick", target: `/\evil.com`, want: false},
		{name: "javascript", target: "javascript:alert(1)", want: false},
		{name: "scheme without host", target: "http:evil.com", want: false},
		{name: "ftp scheme", target: "ftp://lcpsych.com/file", want: false},
		{name: "userinfo", target: "https://user@lcpsych.com/", want: false},
		{name: "control char", target: "/ok\n", want: true},
		{name: "embedded control char", target: "/a\x00b", want: false},
		{name: "bare relative path", target: "billing", want: false},
		{name: "dot relative path", target: "../admin/", want: false},
		{name: "query only", target: "?next=/x", want: false},
		{name: "fragment only", target: "#top", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSafeRedirect(tt.target, host, tt.requireHTTPS))
		})
	}
}

func TestSafeRedirectOr(t *testing.T) {
	const host = "lcpsych.com"

	assert.Equal(t, "/billing", SafeRedirectOr("/dashboard", host, false, "", "https://evil.com", "/billing"))
	assert.Equal(t, "/dashboard", SafeRedirectOr("/dashboard", host, false, "https://evil.com", "//evil.com"))
	assert.Equal(t, "/first", SafeRedirectOr("/dashboard", host, false, "/first", "/second"))
	assert.Equal(t, "/dashboard", SafeRedirectOr("/dashboard", host, true, "billing"))
}
