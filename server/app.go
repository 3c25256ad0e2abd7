package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"id4meauth/id4me"
	"id4meauth/kv"
	"id4meauth/login"
	"id4meauth/store"
	"id4meauth/store/sqlite"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	KV          kv.Store
	Store       store.Store
	Sessions    *SessionManager
	Transport   *id4me.HTTPTransport
	Resolver    *id4me.Resolver
	Registry    *id4me.ClientRegistry
	Coordinator *login.Coordinator
	Metrics     *Metrics
	Limiter     *RateLimiter
}

// Option overrides a collaborator NewApp would otherwise build from config.
type Option func(*options)

type options struct {
	lookup id4me.TXTLookup
	client *http.Client
	kv     kv.Store
	store  store.Store
	random io.Reader
}

// WithTXTLookup replaces the system DNS resolver used for discovery.
func WithTXTLookup(l id4me.TXTLookup) Option {
	return func(o *options) { o.lookup = l }
}

// WithHTTPClient sets the client for all calls to authorities.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithKV uses s for sessions and the registration cache.
func WithKV(s kv.Store) Option {
	return func(o *options) { o.kv = s }
}

// WithStore uses s for accounts and the authmap.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRandom overrides the source of state tokens and nonces.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cache := o.kv
	if cache == nil {
		var err error
		cache, err = kv.New(ctx, cfg.Cache.Config)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}
	db := o.store
	if db == nil {
		var err error
		db, err = sqlite.Open(cfg.Storage.Path)
		if err != nil {
			_ = cache.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	metrics := NewMetrics()
	retry := id4me.RetryPolicy{
		MaxRetries:      cfg.HTTP.Retries,
		InitialInterval: id4me.DefaultRetryPolicy.InitialInterval,
		MaxInterval:     id4me.DefaultRetryPolicy.MaxInterval,
	}
	transport := id4me.NewHTTPTransport(id4me.TransportConfig{
		Timeout:       cfg.HTTP.Timeout,
		Retry:         retry,
		HTTPClient:    o.client,
		AllowInsecure: cfg.HTTP.AllowInsecureIssuers,
	}, logger)
	keys := id4me.NewKeySets(transport.Client())

	resolver := id4me.NewResolver(o.lookup, cfg.HTTP.DNSTimeout, retry, logger)
	resolver.AllowInsecureIssuers(cfg.HTTP.AllowInsecureIssuers)
	registry := id4me.NewClientRegistry(cache, transport, cfg.Cache.RegistrationTTL, logger)
	registry.OnLookup(metrics.RegistrationLookup)

	coordinator := login.NewCoordinator(login.Config{
		SiteName:    cfg.Site.Name,
		RedirectURI: cfg.RedirectURI(),
		StateTTL:    cfg.Sessions.FlowTTL,
		FlowTTL:     cfg.Sessions.FlowTTL,
		Random:      o.random,
	}, login.Deps{
		Resolver: resolver,
		Registry: registry,
		Tokens:   id4me.NewTokenClient(transport.Client(), keys, logger),
		UserInfo: id4me.NewUserInfoClient(transport, keys, logger),
		Accounts: db,
		Authmap:  db,
	}, logger)
	coordinator.OnOutcome(metrics.LoginOutcome)

	app := &App{
		Config:      cfg,
		Logger:      logger,
		KV:          cache,
		Store:       db,
		Sessions:    NewSessionManager(cfg, cache, logger),
		Transport:   transport,
		Resolver:    resolver,
		Registry:    registry,
		Coordinator: coordinator,
		Metrics:     metrics,
		Limiter:     NewRateLimiter(cfg.RateLimit, cfg.Server.TrustProxyHeaders, logger, metrics),
	}
	return app, nil
}

// Close releases the stores.
func (a *App) Close() error {
	return errors.Join(a.Store.Close(), a.KV.Close())
}
