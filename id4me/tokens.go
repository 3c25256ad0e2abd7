package id4me

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/oauth2"
)

// maxKeySets bounds how many authorities' key sets are kept in memory.
const maxKeySets = 256

// KeySets caches remote JWKS per URI so every authority's keys are fetched
// once and refreshed by go-oidc on unknown key IDs. The least recently used
// set is evicted once the cache is full.
type KeySets struct {
	client *http.Client
	mu     sync.Mutex
	sets   *lru.Cache
}

// NewKeySets constructs a cache whose fetches use client.
func NewKeySets(client *http.Client) *KeySets {
	return newKeySets(client, maxKeySets)
}

func newKeySets(client *http.Client, size int) *KeySets {
	if client == nil {
		client = http.DefaultClient
	}
	sets, err := lru.New(size)
	if err != nil {
		panic(fmt.Sprintf("id4me: key set cache: %v", err))
	}
	return &KeySets{client: client, sets: sets}
}

// Get returns the key set served at jwksURI.
func (k *KeySets) Get(jwksURI string) *oidc.RemoteKeySet {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ks, ok := k.sets.Get(jwksURI); ok {
		return ks.(*oidc.RemoteKeySet)
	}
	// RemoteKeySet keeps the context for its background fetches.
	ks := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), k.client), jwksURI)
	k.sets.Add(jwksURI, ks)
	return ks
}

// Len reports how many key sets are cached.
func (k *KeySets) Len() int { return k.sets.Len() }

// AuthorizationTokens are the tokens obtained by the code exchange. Subject
// and Claims come from the verified ID token.
type AuthorizationTokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Subject      string
	Issuer       string
	Claims       map[string]any
}

// TokenClient redeems authorization codes and verifies the returned ID token.
type TokenClient struct {
	client *http.Client
	keys   *KeySets
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenClient constructs a TokenClient.
func NewTokenClient(client *http.Client, keys *KeySets, logger *slog.Logger) *TokenClient {
	if client == nil {
		client = http.DefaultClient
	}
	if keys == nil {
		keys = NewKeySets(client)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenClient{client: client, keys: keys, logger: logger, now: time.Now}
}

// Exchange redeems code at the token endpoint. The code is single use so
// the exchange is never retried. nonce, when set, must match the ID token.
func (c *TokenClient) Exchange(ctx context.Context, reg Registration, code, nonce string) (AuthorizationTokens, error) {
	octx := oidc.ClientContext(ctx, c.client)
	tok, err := oauthConfig(reg.Config, reg.Client).Exchange(octx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && (rerr.ErrorCode == "invalid_client" || rerr.ErrorCode == "unauthorized_client") {
			return AuthorizationTokens{}, fmt.Errorf("%w: %w: %w", ErrTokenExchange, ErrClientRejected, err)
		}
		return AuthorizationTokens{}, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return AuthorizationTokens{}, fmt.Errorf("%w: token response has no id_token", ErrInvalidIDToken)
	}

	idt, err := c.verifier(reg).Verify(octx, rawID)
	if err != nil {
		return AuthorizationTokens{}, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	if nonce != "" && idt.Nonce != nonce {
		return AuthorizationTokens{}, fmt.Errorf("%w: nonce mismatch", ErrInvalidIDToken)
	}

	var claims map[string]any
	if err := idt.Claims(&claims); err != nil {
		return AuthorizationTokens{}, fmt.Errorf("%w: decode claims: %w", ErrInvalidIDToken, err)
	}

	c.logger.Debug("id_token verified", "issuer", idt.Issuer, "sub", idt.Subject)
	return AuthorizationTokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawID,
		Expiry:       tok.Expiry,
		Subject:      idt.Subject,
		Issuer:       idt.Issuer,
		Claims:       claims,
	}, nil
}

func (c *TokenClient) verifier(reg Registration) *oidc.IDTokenVerifier {
	algs := make([]string, 0, len(reg.Config.SigningAlgs))
	for _, alg := range reg.Config.SigningAlgs {
		if alg != "none" {
			algs = append(algs, alg)
		}
	}
	return oidc.NewVerifier(reg.Config.Issuer, c.keys.Get(reg.Config.JWKSURI), &oidc.Config{
		ClientID:             reg.Client.ClientID,
		SupportedSigningAlgs: algs,
		Now:                  c.now,
	})
}
