package idp

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lcpsychadmin/lcpsych/internal/config"
)

// Azure AD adds these to every request; we send them explicitly
var azureReservedScopes = []string{"openid", "profile", "offline_access"}

// AzureDiscoveryURL returns the tenant-specific v2.0 discovery document URL
func AzureDiscoveryURL(authority, tenantID string) string {
	if authority == "" {
		authority = config.DefaultAzureAuthority
	}
	return fmt.Sprintf("%s/%s/v2.0/.well-known/openid-configuration",
		strings.TrimSuffix(authority, "/"), tenantID)
}

// NewAzureProvider creates an Azure AD provider using OIDC discovery.
// Configured scopes default to email.
func NewAzureProvider(cfg config.AzureConfig) (*OIDCProvider, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenantId is required for Azure AD")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("clientId is required for Azure AD")
	}

	discoveryURL := cfg.DiscoveryURL
	if discoveryURL == "" {
		discoveryURL = AzureDiscoveryURL(cfg.Authority, cfg.TenantID)
	}

	requested := cfg.Scopes
	if len(requested) == 0 {
		requested = []string{"email"}
	}
	scopes := slices.Clone(azureReservedScopes)
	for _, s := range requested {
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}

	return NewOIDCProvider(OIDCConfig{
		ProviderType: "azure",
		DiscoveryURL: discoveryURL,
		ClientID:     cfg.ClientID,
		ClientSecret: string(cfg.ClientSecret),
		RedirectURI:  cfg.RedirectURI,
		Scopes:       scopes,
	})
}
