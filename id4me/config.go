package id4me

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OpenIDConfig is the subset of authority metadata the login flow uses.
type OpenIDConfig struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	AuthMethods           []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// FetchConfig loads `/.well-known/openid-configuration` for authority and
// checks that the document describes the expected issuer.
func FetchConfig(ctx context.Context, t Transport, authority string) (OpenIDConfig, error) {
	issuer, err := issuerURL(authority, allowsInsecure(t))
	if err != nil {
		return OpenIDConfig{}, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}
	body, err := t.Get(ctx, issuer+"/.well-known/openid-configuration", map[string]string{"Accept": "application/json"})
	if err != nil {
		return OpenIDConfig{}, fmt.Errorf("%w: %s: %w", ErrConfigUnavailable, issuer, err)
	}

	var cfg OpenIDConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return OpenIDConfig{}, fmt.Errorf("%w: decode %s: %w", ErrConfigUnavailable, issuer, err)
	}
	if strings.TrimSuffix(cfg.Issuer, "/") != issuer {
		return OpenIDConfig{}, fmt.Errorf("%w: issuer mismatch: want %s got %s", ErrConfigUnavailable, issuer, cfg.Issuer)
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.JWKSURI == "" {
		return OpenIDConfig{}, fmt.Errorf("%w: %s: incomplete metadata", ErrConfigUnavailable, issuer)
	}
	return cfg, nil
}
