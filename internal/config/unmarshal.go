package config

import (
	"encoding/json"
)

// UnmarshalJSON resolves env references in the Azure credentials
func (a *AzureConfig) UnmarshalJSON(data []byte) error {
	type rawAzure struct {
		Enabled        bool            `json:"enabled"`
		TenantID       json.RawMessage `json:"tenantId"`
		Authority      string          `json:"authority"`
		DiscoveryURL   string          `json:"discoveryUrl"`
		ClientID       json.RawMessage `json:"clientId"`
		ClientSecret   json.RawMessage `json:"clientSecret"`
		RedirectURI    json.RawMessage `json:"redirectUri"`
		Scopes         []string        `json:"scopes"`
		AllowedDomains []string        `json:"allowedDomains"`
	}

	var raw rawAzure
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Enabled = raw.Enabled
	a.Authority = raw.Authority
	a.DiscoveryURL = raw.DiscoveryURL
	a.Scopes = raw.Scopes
	a.AllowedDomains = raw.AllowedDomains

	if err := parseOptional(raw.TenantID, "tenantId", &a.TenantID); err != nil {
		return err
	}
	if err := parseOptional(raw.ClientID, "clientId", &a.ClientID); err != nil {
		return err
	}
	if err := parseOptionalSecret(raw.ClientSecret, "clientSecret", &a.ClientSecret); err != nil {
		return err
	}
	return parseOptional(raw.RedirectURI, "redirectUri", &a.RedirectURI)
}

// UnmarshalJSON parses the cookie lifetime and signing key
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		CookieName        string          `json:"cookieName"`
		LegacyCookieNames []string        `json:"legacyCookieNames"`
		Domain            string          `json:"domain"`
		Path              string          `json:"path"`
		SameSite          string          `json:"sameSite"`
		MaxAge            string          `json:"maxAge"`
		SigningKey        json.RawMessage `json:"signingKey"`
		Secure            *bool           `json:"secure"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.CookieName = raw.CookieName
	s.LegacyCookieNames = raw.LegacyCookieNames
	s.Domain = raw.Domain
	s.Path = raw.Path
	s.SameSite = raw.SameSite
	s.Secure = raw.Secure

	if err := parseDuration(raw.MaxAge, "maxAge", &s.MaxAge); err != nil {
		return err
	}
	return parseOptionalSecret(raw.SigningKey, "signingKey", &s.SigningKey)
}

// UnmarshalJSON parses the sign-in policy durations
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	type rawAuth struct {
		DefaultPostLoginPath string `json:"defaultPostLoginPath"`
		ProfileEditPath      string `json:"profileEditPath"`
		DefaultRole          string `json:"defaultRole"`
		StateTTL             string `json:"stateTtl"`
		InvitationTTL        string `json:"invitationTtl"`
	}

	var raw rawAuth
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.DefaultPostLoginPath = raw.DefaultPostLoginPath
	a.ProfileEditPath = raw.ProfileEditPath
	a.DefaultRole = raw.DefaultRole

	if err := parseDuration(raw.StateTTL, "stateTtl", &a.StateTTL); err != nil {
		return err
	}
	return parseDuration(raw.InvitationTTL, "invitationTtl", &a.InvitationTTL)
}

// UnmarshalJSON resolves the database DSN and GCP project
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind              string          `json:"kind"`
		DSN               json.RawMessage `json:"dsn"`
		GCPProject        json.RawMessage `json:"gcpProject"`
		FirestoreDatabase string          `json:"firestoreDatabase"`
		CollectionPrefix  string          `json:"collectionPrefix"`
		CleanupInterval   string          `json:"cleanupInterval"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.CollectionPrefix = raw.CollectionPrefix

	if err := parseOptionalSecret(raw.DSN, "dsn", &s.DSN); err != nil {
		return err
	}
	if err := parseOptional(raw.GCPProject, "gcpProject", &s.GCPProject); err != nil {
		return err
	}
	return parseDuration(raw.CleanupInterval, "cleanupInterval", &s.CleanupInterval)
}

// UnmarshalJSON resolves the cache address and password
func (c *CacheConfig) UnmarshalJSON(data []byte) error {
	type rawCache struct {
		Kind     string          `json:"kind"`
		Addr     json.RawMessage `json:"addr"`
		Password json.RawMessage `json:"password"`
		DB       int             `json:"db"`
		Prefix   string          `json:"prefix"`
	}

	var raw rawCache
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Kind = raw.Kind
	c.DB = raw.DB
	c.Prefix = raw.Prefix

	if err := parseOptional(raw.Addr, "addr", &c.Addr); err != nil {
		return err
	}
	return parseOptionalSecret(raw.Password, "password", &c.Password)
}

// UnmarshalJSON resolves SMTP credentials
func (m *MailConfig) UnmarshalJSON(data []byte) error {
	type rawMail struct {
		Kind     string          `json:"kind"`
		Host     json.RawMessage `json:"host"`
		Port     int             `json:"port"`
		Username json.RawMessage `json:"username"`
		Password json.RawMessage `json:"password"`
		From     string          `json:"from"`
	}

	var raw rawMail
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Kind = raw.Kind
	m.Port = raw.Port
	m.From = raw.From

	if err := parseOptional(raw.Host, "host", &m.Host); err != nil {
		return err
	}
	if err := parseOptional(raw.Username, "username", &m.Username); err != nil {
		return err
	}
	return parseOptionalSecret(raw.Password, "password", &m.Password)
}

// UnmarshalJSON resolves the IP hashing salt
func (a *AnalyticsConfig) UnmarshalJSON(data []byte) error {
	type rawAnalytics struct {
		Enabled    bool            `json:"enabled"`
		IPHashSalt json.RawMessage `json:"ipHashSalt"`
	}

	var raw rawAnalytics
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Enabled = raw.Enabled
	return parseOptionalSecret(raw.IPHashSalt, "ipHashSalt", &a.IPHashSalt)
}
