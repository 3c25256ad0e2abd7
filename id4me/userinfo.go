package id4me

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// UserInfo is the identity asserted by the authority for one subject.
type UserInfo struct {
	Subject           string
	PreferredUsername string
	Email             string
	EmailVerified     bool
	Name              string
	// Claims holds every resolved claim, including distributed ones.
	Claims map[string]any
}

// UserInfoClient fetches userinfo and resolves aggregated and distributed
// claims served by identity agents.
type UserInfoClient struct {
	transport Transport
	keys      *KeySets
	logger    *slog.Logger
}

// NewUserInfoClient constructs a UserInfoClient.
func NewUserInfoClient(t Transport, keys *KeySets, logger *slog.Logger) *UserInfoClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserInfoClient{transport: t, keys: keys, logger: logger}
}

// Fetch calls the userinfo endpoint with the access token. The returned
// subject always equals tokens.Subject. Aggregated and distributed claims are
// accepted only from the authority itself or agent, the identity agent
// discovered for the identifier (empty when none was delegated).
func (c *UserInfoClient) Fetch(ctx context.Context, cfg OpenIDConfig, tokens AuthorizationTokens, agent string) (UserInfo, error) {
	if cfg.UserInfoEndpoint == "" {
		return UserInfo{}, fmt.Errorf("%w: %s has no userinfo endpoint", ErrUserInfoFetch, cfg.Issuer)
	}
	body, err := c.transport.Get(ctx, cfg.UserInfoEndpoint, map[string]string{
		"Authorization": "Bearer " + tokens.AccessToken,
		"Accept":        "application/json, application/jwt",
	})
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %w", ErrUserInfoFetch, err)
	}

	raw, err := c.payload(ctx, cfg, body)
	if err != nil {
		return UserInfo{}, err
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return UserInfo{}, fmt.Errorf("%w: decode: %w", ErrUserInfoFetch, err)
	}

	sub := gjson.GetBytes(raw, "sub").String()
	if sub == "" {
		return UserInfo{}, fmt.Errorf("%w: response has no sub", ErrUserInfoFetch)
	}
	if tokens.Subject != "" && sub != tokens.Subject {
		return UserInfo{}, fmt.Errorf("%w: sub %q does not match id_token sub %q", ErrUserInfoFetch, sub, tokens.Subject)
	}

	c.resolveClaimSources(ctx, raw, claims, sub, c.claimIssuers(cfg, agent))

	info := UserInfo{Subject: sub, Claims: claims}
	info.PreferredUsername, _ = claims["preferred_username"].(string)
	info.Email, _ = claims["email"].(string)
	info.EmailVerified, _ = claims["email_verified"].(bool)
	info.Name, _ = claims["name"].(string)
	return info, nil
}

// payload returns the JSON claims object, verifying it first when the
// authority answered with a signed JWT.
func (c *UserInfoClient) payload(ctx context.Context, cfg OpenIDConfig, body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	raw, err := c.keys.Get(cfg.JWKSURI).VerifySignature(ctx, string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: signed response: %w", ErrUserInfoFetch, err)
	}
	if iss := gjson.GetBytes(raw, "iss"); iss.Exists() && iss.String() != cfg.Issuer {
		return nil, fmt.Errorf("%w: signed response issuer %q", ErrUserInfoFetch, iss.String())
	}
	return raw, nil
}

// claimIssuers lists the issuers whose claims JWTs are accepted, keyed by
// issuer URL. The authority maps to its already verified configuration.
func (c *UserInfoClient) claimIssuers(cfg OpenIDConfig, agent string) map[string]*OpenIDConfig {
	trusted := map[string]*OpenIDConfig{strings.TrimSuffix(cfg.Issuer, "/"): &cfg}
	if agent == "" {
		return trusted
	}
	iss, err := issuerURL(agent, allowsInsecure(c.transport))
	if err != nil {
		c.logger.Warn("identity agent not usable as claims issuer", "agent", agent, "error", err)
		return trusted
	}
	if _, ok := trusted[iss]; !ok {
		trusted[iss] = nil
	}
	return trusted
}

// resolveClaimSources merges claims referenced by _claim_names into claims.
// A failing or untrusted source is logged and skipped; its claims stay absent.
func (c *UserInfoClient) resolveClaimSources(ctx context.Context, raw []byte, claims map[string]any, subject string, trusted map[string]*OpenIDConfig) {
	names := gjson.GetBytes(raw, "_claim_names")
	if !names.Exists() {
		return
	}
	sources := gjson.GetBytes(raw, "_claim_sources")

	bySource := make(map[string][]string)
	names.ForEach(func(claim, source gjson.Result) bool {
		bySource[source.String()] = append(bySource[source.String()], claim.String())
		return true
	})

	for source, wanted := range bySource {
		src := sources.Get(gjson.Escape(source))
		token, err := c.sourceToken(ctx, src, trusted)
		if err != nil {
			c.logger.Warn("claim source unavailable", "source", source, "error", err)
			continue
		}
		payload, err := c.verifyForeign(ctx, token, trusted)
		if err != nil {
			c.logger.Warn("claim source rejected", "source", source, "error", err)
			continue
		}
		if sub := gjson.GetBytes(payload, "sub"); sub.Exists() && sub.String() != subject {
			c.logger.Warn("claim source subject mismatch", "source", source, "sub", sub.String())
			continue
		}
		for _, name := range wanted {
			if v := gjson.GetBytes(payload, gjson.Escape(name)); v.Exists() {
				claims[name] = v.Value()
			}
		}
	}
	delete(claims, "_claim_names")
	delete(claims, "_claim_sources")
}

// sourceToken returns the JWT of an aggregated source or fetches the one a
// distributed source points at. Distributed endpoints must live on the
// origin of a trusted issuer.
func (c *UserInfoClient) sourceToken(ctx context.Context, src gjson.Result, trusted map[string]*OpenIDConfig) (string, error) {
	if !src.Exists() {
		return "", fmt.Errorf("source not declared")
	}
	if tok := src.Get("JWT"); tok.Exists() {
		return tok.String(), nil
	}
	endpoint := src.Get("endpoint").String()
	if endpoint == "" {
		return "", fmt.Errorf("source has neither JWT nor endpoint")
	}
	if !trustedOrigin(endpoint, trusted) {
		return "", fmt.Errorf("endpoint %q is not served by the authority or its agent", endpoint)
	}
	headers := map[string]string{"Accept": "application/jwt"}
	if at := src.Get("access_token").String(); at != "" {
		headers["Authorization"] = "Bearer " + at
	}
	body, err := c.transport.Get(ctx, endpoint, headers)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func trustedOrigin(endpoint string, trusted map[string]*OpenIDConfig) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	for iss := range trusted {
		t, err := url.Parse(iss)
		if err == nil && t.Scheme == u.Scheme && strings.EqualFold(t.Host, u.Host) {
			return true
		}
	}
	return false
}

// verifyForeign checks a claims JWT against the keys of its issuer, which
// must be one of trusted. Nothing is fetched for any other issuer.
func (c *UserInfoClient) verifyForeign(ctx context.Context, token string, trusted map[string]*OpenIDConfig) ([]byte, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse claims jwt: %w", err)
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, fmt.Errorf("claims jwt has no issuer")
	}
	cfg, ok := trusted[strings.TrimSuffix(iss, "/")]
	if !ok {
		return nil, fmt.Errorf("untrusted claims issuer %q", iss)
	}
	if cfg == nil {
		fetched, err := FetchConfig(ctx, c.transport, iss)
		if err != nil {
			return nil, err
		}
		cfg = &fetched
	}
	payload, err := c.keys.Get(cfg.JWKSURI).VerifySignature(ctx, token)
	if err != nil {
		return nil, err
	}
	if got := gjson.GetBytes(payload, "iss").String(); strings.TrimSuffix(got, "/") != strings.TrimSuffix(cfg.Issuer, "/") {
		return nil, fmt.Errorf("claims jwt issuer %q does not match %s", got, cfg.Issuer)
	}
	return payload, nil
}
