package id4me

import (
	"encoding/json"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const accountClaimReason = "To initiate a local account"

// ClaimRequest describes one entry of an OIDC claims request.
type ClaimRequest struct {
	Essential bool   `json:"essential,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ClaimsRequest is the `claims` authorization parameter.
type ClaimsRequest struct {
	UserInfo map[string]ClaimRequest `json:"userinfo,omitempty"`
	IDToken  map[string]ClaimRequest `json:"id_token,omitempty"`
}

// AccountClaims requests the claims needed to provision a local account.
func AccountClaims() ClaimsRequest {
	return ClaimsRequest{
		UserInfo: map[string]ClaimRequest{
			"preferred_username": {Essential: true, Reason: accountClaimReason},
			"email":              {Essential: true, Reason: accountClaimReason},
		},
	}
}

// AuthorizationRequest carries the per-flow values of an authorization redirect.
type AuthorizationRequest struct {
	Identifier string
	State      string
	Nonce      string
	Claims     ClaimsRequest
}

// AuthorizationURL builds the redirect to the authority's authorization endpoint.
func AuthorizationURL(reg Registration, req AuthorizationRequest) (string, error) {
	if req.State == "" {
		return "", fmt.Errorf("authorization request requires state")
	}
	claims, err := json.Marshal(req.Claims)
	if err != nil {
		return "", fmt.Errorf("encode claims request: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("claims", string(claims))}
	if req.Identifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.Identifier))
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return oauthConfig(reg.Config, reg.Client).AuthCodeURL(req.State, opts...), nil
}

func oauthConfig(cfg OpenIDConfig, client ClientRegistration) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthorizationEndpoint,
		TokenURL: cfg.TokenEndpoint,
	}
	if client.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  client.ActiveRedirectURI(),
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID},
	}
}
