package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lcpsychadmin/lcpsych/internal/ioutil"
	"golang.org/x/oauth2"
)

// OIDCConfig configures a generic OIDC provider.
type OIDCConfig struct {
	// ProviderType identifies this provider (e.g., "oidc", "azure").
	ProviderType string

	// Discovery URL for OIDC discovery (optional if endpoints are provided directly).
	DiscoveryURL string

	// Direct endpoint configuration (used if DiscoveryURL is not set).
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// HTTPClient is used for discovery, token and userinfo calls. Defaults
	// to a client with a 10s timeout.
	HTTPClient *http.Client
}

// OIDCProvider implements Provider for OIDC-compliant identity providers.
type OIDCProvider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	httpClient   *http.Client
}

type oidcDiscoveryDocument struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	Issuer                string `json:"issuer"`
}

// idTokenClaims is the subset of ID token claims we read
type idTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	UPN               string `json:"upn"`
	Name              string `json:"name"`
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	Nonce             string `json:"nonce"`
}

// NewOIDCProvider creates a new OIDC provider.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	var authURL, tokenURL, userInfoURL string

	if cfg.DiscoveryURL != "" {
		discovery, err := fetchOIDCDiscovery(httpClient, cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
		}
		authURL = discovery.AuthorizationEndpoint
		tokenURL = discovery.TokenEndpoint
		userInfoURL = discovery.UserInfoEndpoint
	} else {
		if cfg.AuthorizationURL == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("either discoveryUrl or the authorizationUrl and tokenUrl endpoints must be provided")
		}
		authURL = cfg.AuthorizationURL
		tokenURL = cfg.TokenURL
		userInfoURL = cfg.UserInfoURL
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oidc"
	}

	return &OIDCProvider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}, nil
}

func fetchOIDCDiscovery(client *http.Client, discoveryURL string) (*oidcDiscoveryDocument, error) {
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d: %s", resp.StatusCode, ioutil.Snippet(resp.Body, 1024))
	}

	var discovery oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if discovery.AuthorizationEndpoint == "" || discovery.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}

	return &discovery, nil
}

// Type returns the provider type.
func (p *OIDCProvider) Type() string {
	return p.providerType
}

// Scopes returns the requested scopes.
func (p *OIDCProvider) Scopes() []string {
	return append([]string(nil), p.config.Scopes...)
}

// AuthURL generates the authorization URL.
func (p *OIDCProvider) AuthURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange trades the code for tokens and reads identity claims from the
// ID token, falling back to the userinfo endpoint when the ID token carries
// no email-like claim.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Claims, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, newExchangeError(err)
	}

	claims := &Claims{}
	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		parsed, err := ParseIDTokenClaims(raw)
		if err != nil {
			return nil, &ExchangeError{Code: "invalid_id_token", Err: err}
		}
		claims = parsed
		claims.FromIDToken = true
	}

	if claims.PrimaryEmail() == "" && p.userInfoURL != "" {
		info, err := p.userInfo(ctx, token)
		if err != nil {
			return nil, newExchangeError(err)
		}
		mergeClaims(claims, info)
	}

	return claims, nil
}

// ParseIDTokenClaims decodes the claims of an ID token received directly
// from the token endpoint over TLS. The signature is not checked; the
// token endpoint response is already authenticated by the TLS channel.
func ParseIDTokenClaims(raw string) (*Claims, error) {
	var c idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}
	return &Claims{
		Subject:           c.Subject,
		PreferredUsername: c.PreferredUsername,
		Email:             c.Email,
		UPN:               c.UPN,
		Name:              c.Name,
		ObjectID:          c.ObjectID,
		TenantID:          c.TenantID,
		Nonce:             c.Nonce,
	}, nil
}

func (p *OIDCProvider) userInfo(ctx context.Context, token *oauth2.Token) (*Claims, error) {
	client := p.config.Client(ctx, token)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, ioutil.Snippet(resp.Body, 1024))
	}

	var info Claims
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &info, nil
}

func mergeClaims(dst, src *Claims) {
	fill := func(d *string, s string) {
		if *d == "" {
			*d = s
		}
	}
	fill(&dst.Subject, src.Subject)
	fill(&dst.PreferredUsername, src.PreferredUsername)
	fill(&dst.Email, src.Email)
	fill(&dst.UPN, src.UPN)
	fill(&dst.Name, src.Name)
	fill(&dst.ObjectID, src.ObjectID)
	fill(&dst.TenantID, src.TenantID)
}
