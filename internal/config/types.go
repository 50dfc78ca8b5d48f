package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Storage backends
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Mail transports
const (
	MailLog  = "log"
	MailSMTP = "smtp"
)

// Defaults applied when a field is left empty
const (
	DefaultSessionCookieName = "sessionid"
	DefaultSessionPath       = "/"
	DefaultSessionMaxAge     = 14 * 24 * time.Hour
	DefaultStateTTL          = 600 * time.Second
	DefaultPostLoginPath     = "/dashboard"
	DefaultRole              = "therapist"
	DefaultCallbackPath      = "/sign-in/callback"
	DefaultAzureAuthority    = "https://login.microsoftonline.com"
	DefaultCleanupInterval   = time.Hour
	DefaultInvitationTTL     = 7 * 24 * time.Hour
)

// ServerConfig holds the public HTTP surface settings
type ServerConfig struct {
	BaseURL       string `json:"baseURL" env:"BASE_URL"`
	Addr          string `json:"addr" env:"ADDR"`
	Name          string `json:"name" env:"NAME"`
	CanonicalHost string `json:"canonicalHost" env:"CANONICAL_HOST"`
	Debug         bool   `json:"debug" env:"DEBUG"`
}

// AzureConfig configures the Azure AD sign-in provider. When Enabled is
// false the sign-in endpoints answer 404.
type AzureConfig struct {
	Enabled        bool     `json:"enabled" env:"ENABLED"`
	TenantID       string   `json:"tenantId" env:"TENANT_ID"`
	Authority      string   `json:"authority" env:"AUTHORITY"`
	DiscoveryURL   string   `json:"discoveryUrl,omitempty" env:"DISCOVERY_URL"`
	ClientID       string   `json:"clientId" env:"CLIENT_ID"`
	ClientSecret   Secret   `json:"clientSecret" env:"CLIENT_SECRET"`
	RedirectURI    string   `json:"redirectUri" env:"REDIRECT_URI"`
	Scopes         []string `json:"scopes" env:"SCOPES"`
	AllowedDomains []string `json:"allowedDomains" env:"ALLOWED_DOMAINS"`
}

// SessionConfig describes the session cookie and server-side session lifetime
type SessionConfig struct {
	CookieName        string        `json:"cookieName" env:"COOKIE_NAME"`
	LegacyCookieNames []string      `json:"legacyCookieNames" env:"LEGACY_COOKIE_NAMES"`
	Domain            string        `json:"domain" env:"DOMAIN"`
	Path              string        `json:"path" env:"PATH"`
	SameSite          string        `json:"sameSite" env:"SAME_SITE"`
	MaxAge            time.Duration `json:"maxAge" env:"MAX_AGE"`
	SigningKey        Secret        `json:"signingKey" env:"SIGNING_KEY"`

	// Secure marks cookies https-only. Unset means true outside development.
	Secure *bool `json:"secure" env:"SECURE"`
}

// SecureCookies reports whether session cookies carry the Secure attribute
func (s SessionConfig) SecureCookies() bool {
	return s.Secure == nil || *s.Secure
}

// AuthConfig holds sign-in policy
type AuthConfig struct {
	DefaultPostLoginPath string        `json:"defaultPostLoginPath" env:"DEFAULT_POST_LOGIN_PATH"`
	ProfileEditPath      string        `json:"profileEditPath" env:"PROFILE_EDIT_PATH"`
	DefaultRole          string        `json:"defaultRole" env:"DEFAULT_ROLE"`
	StateTTL             time.Duration `json:"stateTtl" env:"STATE_TTL"`
	InvitationTTL        time.Duration `json:"invitationTtl" env:"INVITATION_TTL"`
}

// StorageConfig selects the account store
type StorageConfig struct {
	Kind              string        `json:"kind" env:"KIND"`
	DSN               Secret        `json:"dsn" env:"DSN"`
	GCPProject        string        `json:"gcpProject" env:"GCP_PROJECT"`
	FirestoreDatabase string        `json:"firestoreDatabase" env:"FIRESTORE_DATABASE"`
	CollectionPrefix  string        `json:"collectionPrefix" env:"COLLECTION_PREFIX"`
	CleanupInterval   time.Duration `json:"cleanupInterval" env:"CLEANUP_INTERVAL"`
}

// CacheConfig selects the key/value store that holds sessions and pending sign-ins
type CacheConfig struct {
	Kind     string `json:"kind" env:"KIND"`
	Addr     string `json:"addr" env:"ADDR"`
	Password Secret `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	Prefix   string `json:"prefix" env:"PREFIX"`
}

// MailConfig configures invitation delivery
type MailConfig struct {
	Kind     string `json:"kind" env:"KIND"`
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password Secret `json:"password" env:"PASSWORD"`
	From     string `json:"from" env:"FROM"`
}

// AnalyticsConfig configures authentication event recording
type AnalyticsConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	IPHashSalt Secret `json:"ipHashSalt" env:"IP_HASH_SALT"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version   string          `json:"version"`
	Server    ServerConfig    `json:"server" envPrefix:"SERVER_"`
	Azure     AzureConfig     `json:"azure" envPrefix:"AZURE_"`
	Session   SessionConfig   `json:"session" envPrefix:"SESSION_"`
	Auth      AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Storage   StorageConfig   `json:"storage" envPrefix:"STORAGE_"`
	Cache     CacheConfig     `json:"cache" envPrefix:"CACHE_"`
	Mail      MailConfig      `json:"mail" envPrefix:"MAIL_"`
	Analytics AnalyticsConfig `json:"analytics" envPrefix:"ANALYTICS_"`
	Metrics   MetricsConfig   `json:"metrics" envPrefix:"METRICS_"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference resolved from the process environment.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// parseOptional resolves raw into dst when the field was present
func parseOptional(raw json.RawMessage, field string, dst *string) error {
	if raw == nil {
		return nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = v
	return nil
}

func parseOptionalSecret(raw json.RawMessage, field string, dst *Secret) error {
	var s string
	if err := parseOptional(raw, field, &s); err != nil {
		return err
	}
	if raw != nil {
		*dst = Secret(s)
	}
	return nil
}

func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}
