package id4me

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"id4meauth/kv"
)

// Registration is what the registry caches per authority: the client we
// registered and the metadata it was registered against.
type Registration struct {
	Authority string             `json:"authority"`
	Config    OpenIDConfig       `json:"config"`
	Client    ClientRegistration `json:"client"`
}

// ClientRegistry obtains and caches dynamically registered clients keyed by
// authority name.
type ClientRegistry struct {
	cache     kv.Store
	transport Transport
	ttl       time.Duration
	logger    *slog.Logger
	group     singleflight.Group
	now       func() time.Time
	onLookup  func(hit bool)
}

// NewClientRegistry constructs a registry. A ttl of zero keeps registrations
// until Invalidate is called.
func NewClientRegistry(cache kv.Store, t Transport, ttl time.Duration, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientRegistry{
		cache:     kv.Prefixed(cache, "id4me:client:"),
		transport: t,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// OnLookup installs a callback observing cache hits and misses.
func (r *ClientRegistry) OnLookup(fn func(hit bool)) {
	r.onLookup = fn
}

// GetOrRegister returns the cached registration for authority or performs
// discovery of its metadata plus dynamic registration. Concurrent misses for
// the same authority share one registration call.
func (r *ClientRegistry) GetOrRegister(ctx context.Context, authority, siteName, redirectURI string) (Registration, error) {
	if reg, ok := r.cached(ctx, authority, redirectURI); ok {
		r.observe(true)
		return reg, nil
	}
	r.observe(false)

	v, err, _ := r.group.Do(authority+"\x00"+redirectURI, func() (any, error) {
		if reg, ok := r.cached(ctx, authority, redirectURI); ok {
			return reg, nil
		}
		return r.register(ctx, authority, siteName, redirectURI)
	})
	if err != nil {
		return Registration{}, err
	}
	return v.(Registration), nil
}

// Invalidate drops the cached registration for authority.
func (r *ClientRegistry) Invalidate(ctx context.Context, authority string) error {
	if err := r.cache.Delete(ctx, authority); err != nil {
		return fmt.Errorf("invalidate registration for %s: %w", authority, err)
	}
	r.logger.Info("client registration invalidated", "authority", authority)
	return nil
}

func (r *ClientRegistry) register(ctx context.Context, authority, siteName, redirectURI string) (Registration, error) {
	cfg, err := FetchConfig(ctx, r.transport, authority)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	client, err := Register(ctx, r.transport, cfg, siteName, redirectURI)
	if err != nil {
		return Registration{}, err
	}

	reg := Registration{Authority: authority, Config: cfg, Client: client}
	raw, err := json.Marshal(reg)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: encode: %w", ErrRegistration, err)
	}
	if err := r.cache.Set(ctx, authority, raw, r.ttl); err != nil {
		r.logger.Warn("client registration not cached", "authority", authority, "error", err)
	}
	r.logger.Info("client registered", "authority", authority, "client_id", client.ClientID)
	return reg, nil
}

func (r *ClientRegistry) cached(ctx context.Context, authority, redirectURI string) (Registration, bool) {
	raw, err := r.cache.Get(ctx, authority)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			r.logger.Warn("registration cache read failed", "authority", authority, "error", err)
		}
		return Registration{}, false
	}

	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		r.logger.Warn("discarding undecodable cached registration", "authority", authority, "error", err)
		return Registration{}, false
	}
	if !reg.Client.Accepts(redirectURI) {
		r.logger.Info("cached registration does not cover redirect uri", "authority", authority, "redirect_uri", redirectURI)
		return Registration{}, false
	}
	if reg.Client.Expired(r.now()) {
		r.logger.Info("cached client secret expired", "authority", authority)
		return Registration{}, false
	}
	return reg, true
}

func (r *ClientRegistry) observe(hit bool) {
	if r.onLookup != nil {
		r.onLookup(hit)
	}
}
