package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lcpsychadmin/lcpsych/internal/envutil"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

// SupportedVersion is the config schema version this build understands
const SupportedVersion = "v1"

// EnvPrefix prefixes every environment override, e.g. LCPSYCH_AZURE_TENANT_ID
const EnvPrefix = "LCPSYCH_"

// Load reads the config file, resolves env references, applies environment
// overrides and defaults, then validates the result.
func Load(path string) (Config, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	// The custom UnmarshalJSON methods resolve env references immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// readConfigFile returns the file as JSON bytes. YAML files are converted.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting config YAML: %w", err)
		}
	}
	return data, nil
}

// ApplyEnv overrides config fields from LCPSYCH_* environment variables.
// Variables that are not set leave the file value untouched.
func ApplyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// ApplyDefaults fills optional fields left empty
func ApplyDefaults(config *Config) {
	if config.Server.Name == "" {
		config.Server.Name = "lcpsych"
	}
	if config.Server.CanonicalHost == "" && config.Server.BaseURL != "" {
		if u, err := url.Parse(config.Server.BaseURL); err == nil {
			config.Server.CanonicalHost = u.Host
		}
	}

	if config.Azure.Authority == "" {
		config.Azure.Authority = DefaultAzureAuthority
	}
	if config.Azure.RedirectURI == "" && config.Server.BaseURL != "" {
		config.Azure.RedirectURI = strings.TrimSuffix(config.Server.BaseURL, "/") + DefaultCallbackPath
	}

	s := &config.Session
	if s.CookieName == "" {
		s.CookieName = DefaultSessionCookieName
	}
	if s.Path == "" {
		s.Path = DefaultSessionPath
	}
	if s.SameSite == "" {
		s.SameSite = "lax"
	}
	if s.MaxAge <= 0 {
		s.MaxAge = DefaultSessionMaxAge
	}
	if s.Secure == nil {
		secure := !envutil.IsDev()
		s.Secure = &secure
	}

	a := &config.Auth
	if a.DefaultPostLoginPath == "" {
		a.DefaultPostLoginPath = DefaultPostLoginPath
	}
	if a.StateTTL <= 0 {
		a.StateTTL = DefaultStateTTL
	}
	if a.InvitationTTL <= 0 {
		a.InvitationTTL = DefaultInvitationTTL
	}

	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageMemory
	}
	if config.Storage.CollectionPrefix == "" {
		config.Storage.CollectionPrefix = "lcpsych"
	}
	if config.Storage.CleanupInterval <= 0 {
		config.Storage.CleanupInterval = DefaultCleanupInterval
	}

	if config.Cache.Kind == "" {
		config.Cache.Kind = CacheMemory
	}
	if config.Cache.Prefix == "" {
		config.Cache.Prefix = "lcpsych:"
	}

	if config.Mail.Kind == "" {
		config.Mail.Kind = MailLog
	}
	if config.Mail.Port == 0 {
		config.Mail.Port = 587
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if _, err := url.Parse(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL is invalid: %w", err)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if config.Azure.Enabled {
		if err := validateAzureConfig(&config.Azure); err != nil {
			return fmt.Errorf("azure config: %w", err)
		}
	}

	if config.Session.MaxAge <= 0 {
		return fmt.Errorf("session.maxAge must be positive")
	}
	if len(config.Session.SigningKey) < 32 {
		return fmt.Errorf("session.signingKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(config.Session.SigningKey))
	}
	if strings.EqualFold(strings.TrimSpace(config.Session.SameSite), "none") && !config.Session.SecureCookies() {
		return fmt.Errorf("session.sameSite none requires session.secure; browsers drop SameSite=None cookies without Secure")
	}
	if config.Session.Domain != "" && strings.HasPrefix(config.Session.Domain, ".") {
		log.LogWarn("session.domain has a leading dot; it is stripped when cookies are written")
	}

	if config.Auth.StateTTL <= 0 {
		return fmt.Errorf("auth.stateTtl must be positive")
	}
	if !strings.HasPrefix(config.Auth.DefaultPostLoginPath, "/") {
		return fmt.Errorf("auth.defaultPostLoginPath must be a local path starting with /")
	}

	switch config.Storage.Kind {
	case StorageMemory:
	case StoragePostgres:
		if config.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when using postgres storage")
		}
	case StorageFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("storage.kind must be memory, postgres or firestore (got %q)", config.Storage.Kind)
	}

	switch config.Cache.Kind {
	case CacheMemory:
	case CacheRedis:
		if config.Cache.Addr == "" {
			return fmt.Errorf("cache.addr is required when using redis cache")
		}
	default:
		return fmt.Errorf("cache.kind must be memory or redis (got %q)", config.Cache.Kind)
	}

	switch config.Mail.Kind {
	case MailLog:
		if !config.Server.Debug && !envutil.IsDev() {
			log.LogWarn("mail.kind is log: invitation emails are written to the server log and never delivered")
		}
	case MailSMTP:
		if config.Mail.Host == "" || config.Mail.From == "" {
			return fmt.Errorf("mail.host and mail.from are required when using smtp")
		}
	default:
		return fmt.Errorf("mail.kind must be log or smtp (got %q)", config.Mail.Kind)
	}

	if config.Analytics.Enabled && config.Analytics.IPHashSalt == "" {
		log.LogWarn("analytics.ipHashSalt is empty; client IP hashes are unsalted")
	}

	return nil
}

func validateAzureConfig(azure *AzureConfig) error {
	if azure.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if azure.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if azure.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if azure.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if _, err := url.Parse(azure.RedirectURI); err != nil {
		return fmt.Errorf("redirectUri is invalid: %w", err)
	}
	return nil
}
