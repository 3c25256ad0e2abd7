package id4me

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ClientRegistration is the result of dynamic registration with one authority.
type ClientRegistration struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	IssuedAt     time.Time `json:"issued_at"`
	// SecretExpiresAt is zero when the secret does not expire.
	SecretExpiresAt time.Time `json:"secret_expires_at,omitempty"`
}

// ActiveRedirectURI is the redirect URI sent in authorization requests.
func (c ClientRegistration) ActiveRedirectURI() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// Accepts reports whether redirectURI was registered for this client.
func (c ClientRegistration) Accepts(redirectURI string) bool {
	return slices.Contains(c.RedirectURIs, redirectURI)
}

// Expired reports whether the client secret has expired at now.
func (c ClientRegistration) Expired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && now.After(c.SecretExpiresAt)
}

// registrationRequest is the RFC 7591 client metadata we submit.
type registrationRequest struct {
	ClientName      string   `json:"client_name"`
	ApplicationType string   `json:"application_type"`
	RedirectURIs    []string `json:"redirect_uris"`
	GrantTypes      []string `json:"grant_types"`
	ResponseTypes   []string `json:"response_types"`
}

type registrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	RedirectURIs          []string `json:"redirect_uris"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
}

// Register performs dynamic client registration against cfg.
func Register(ctx context.Context, t Transport, cfg OpenIDConfig, siteName, redirectURI string) (ClientRegistration, error) {
	if cfg.RegistrationEndpoint == "" {
		return ClientRegistration{}, fmt.Errorf("%w: %s has no registration endpoint", ErrRegistration, cfg.Issuer)
	}

	payload, err := json.Marshal(registrationRequest{
		ClientName:      siteName,
		ApplicationType: "web",
		RedirectURIs:    []string{redirectURI},
		GrantTypes:      []string{"authorization_code"},
		ResponseTypes:   []string{"code"},
	})
	if err != nil {
		return ClientRegistration{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	body, err := t.Post(ctx, cfg.RegistrationEndpoint, payload, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	})
	if err != nil {
		return ClientRegistration{}, fmt.Errorf("%w: %s: %w", ErrRegistration, cfg.Issuer, err)
	}

	var resp registrationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ClientRegistration{}, fmt.Errorf("%w: decode response: %w", ErrRegistration, err)
	}
	if resp.ClientID == "" {
		return ClientRegistration{}, fmt.Errorf("%w: response missing client_id", ErrRegistration)
	}

	reg := ClientRegistration{
		ClientID:     resp.ClientID,
		ClientSecret: resp.ClientSecret,
		RedirectURIs: resp.RedirectURIs,
		IssuedAt:     time.Now().UTC(),
	}
	if len(reg.RedirectURIs) == 0 {
		reg.RedirectURIs = []string{redirectURI}
	}
	if resp.ClientIDIssuedAt > 0 {
		reg.IssuedAt = time.Unix(resp.ClientIDIssuedAt, 0).UTC()
	}
	if resp.ClientSecretExpiresAt > 0 {
		reg.SecretExpiresAt = time.Unix(resp.ClientSecretExpiresAt, 0).UTC()
	}
	return reg, nil
}
