package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_JSON(t *testing.T) {
	t.Setenv("TEST_SESSION_KEY", testSigningKey)
	t.Setenv("TEST_AZURE_SECRET", "azure-secret")

	path := writeConfig(t, "config.json", `{
		"version": "v1",
		"server": {"baseURL": "https://lcpsych.com", "addr": ":8080"},
		"azure": {
			"enabled": true,
			"tenantId": "tenant-1",
			"clientId": "client-1",
			"clientSecret": {"$env": "TEST_AZURE_SECRET"}
		},
		"session": {"domain": "lcpsych.com", "signingKey": {"$env": "TEST_SESSION_KEY"}},
		"auth": {"defaultRole": "therapist"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lcpsych.com", cfg.Server.CanonicalHost)
	assert.Equal(t, "https://lcpsych.com/sign-in/callback", cfg.Azure.RedirectURI)
	assert.Equal(t, DefaultAzureAuthority, cfg.Azure.Authority)
	assert.Equal(t, Secret("azure-secret"), cfg.Azure.ClientSecret)
	assert.Equal(t, DefaultSessionCookieName, cfg.Session.CookieName)
	assert.Equal(t, "/", cfg.Session.Path)
	assert.Equal(t, DefaultSessionMaxAge, cfg.Session.MaxAge)
	assert.Equal(t, 600*time.Second, cfg.Auth.StateTTL)
	assert.Equal(t, "/dashboard", cfg.Auth.DefaultPostLoginPath)
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
	assert.Equal(t, CacheMemory, cfg.Cache.Kind)
	assert.Equal(t, MailLog, cfg.Mail.Kind)
	assert.True(t, cfg.Session.SecureCookies())
}

func TestLoad_SessionSecure(t *testing.T) {
	t.Setenv("TEST_SESSION_KEY", testSigningKey)

	tests := []struct {
		name   string
		env    string
		secure string
		envVar string
		want   bool
	}{
		{name: "production default", env: "production", want: true},
		{name: "development default", env: "development", want: false},
		{name: "explicit in development", env: "development", secure: `, "secure": true`, want: true},
		{name: "explicit off", env: "production", secure: `, "secure": false`, want: false},
		{name: "environment override", env: "production", envVar: "false", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LCPSYCH_ENV", tt.env)
			if tt.envVar != "" {
				t.Setenv("LCPSYCH_SESSION_SECURE", tt.envVar)
			}
			path := writeConfig(t, "config.json", `{
				"version": "v1",
				"server": {"baseURL": "https://lcpsych.com", "addr": ":8080"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}`+tt.secure+`}
			}`)

			cfg, err := Load(path)
			require.NoError(t, err)
			require.NotNil(t, cfg.Session.Secure)
			assert.Equal(t, tt.want, cfg.Session.SecureCookies())
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_SESSION_KEY", testSigningKey)

	path := writeConfig(t, "config.yaml", `
version: v1
server:
  baseURL: https://lcpsych.com
  addr: ":8080"
session:
  signingKey:
    $env: TEST_SESSION_KEY
  legacyCookieNames: [csrftoken_old, sessionid_legacy]
auth:
  stateTtl: 5m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Auth.StateTTL)
	assert.Equal(t, []string{"csrftoken_old", "sessionid_legacy"}, cfg.Session.LegacyCookieNames)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TEST_SESSION_KEY", testSigningKey)
	t.Setenv("LCPSYCH_SERVER_ADDR", ":9090")
	t.Setenv("LCPSYCH_AUTH_STATE_TTL", "90s")
	t.Setenv("LCPSYCH_SESSION_LEGACY_COOKIE_NAMES", "old1,old2")

	path := writeConfig(t, "config.json", `{
		"version": "v1",
		"server": {"baseURL": "https://lcpsych.com", "addr": ":8080"},
		"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Auth.StateTTL)
	assert.Equal(t, []string{"old1", "old2"}, cfg.Session.LegacyCookieNames)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("TEST_SESSION_KEY", testSigningKey)

	tests := []struct {
		name        string
		content     string
		expectError string
	}{
		{
			name:        "missing version",
			content:     `{"server": {"baseURL": "https://x", "addr": ":1"}}`,
			expectError: "config version is required",
		},
		{
			name:        "wrong version",
			content:     `{"version": "v0"}`,
			expectError: "unsupported config version",
		},
		{
			name:        "short signing key",
			content:     `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"}, "session": {"signingKey": "short"}}`,
			expectError: "session.signingKey must be at least 32 characters",
		},
		{
			name: "azure without tenant",
			content: `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}},
				"azure": {"enabled": true, "clientId": "c", "clientSecret": "s"}}`,
			expectError: "tenantId is required",
		},
		{
			name: "postgres without dsn",
			content: `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}},
				"storage": {"kind": "postgres"}}`,
			expectError: "storage.dsn is required",
		},
		{
			name: "unknown cache",
			content: `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}},
				"cache": {"kind": "memcached"}}`,
			expectError: "cache.kind must be memory or redis",
		},
		{
			name: "samesite none without secure",
			content: `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}, "sameSite": "none", "secure": false}}`,
			expectError: "session.sameSite none requires session.secure",
		},
		{
			name: "absolute default path",
			content: `{"version": "v1", "server": {"baseURL": "https://x", "addr": ":1"},
				"session": {"signingKey": {"$env": "TEST_SESSION_KEY"}},
				"auth": {"defaultPostLoginPath": "https://evil.com"}}`,
			expectError: "auth.defaultPostLoginPath must be a local path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
