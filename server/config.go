package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"id4meauth/kv"
)

// EnvPrefix prefixes every environment override, e.g. ID4ME_SERVER_PUBLIC_URL.
const EnvPrefix = "ID4ME_"

// Session and flow defaults
const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultFlowTTL    = 10 * time.Minute
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Site      SiteConfig      `yaml:"site" envPrefix:"SITE_"`
	Sessions  SessionConfig   `yaml:"sessions" envPrefix:"SESSIONS_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr     string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr    string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode           bool      `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain      string    `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	SecretsPath       string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS               TLSConfig `yaml:"tls" envPrefix:"TLS_"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// SiteConfig describes this relying party towards identity authorities.
type SiteConfig struct {
	// Name is sent as client_name during dynamic registration.
	Name         string `yaml:"name" env:"NAME"`
	CallbackPath string `yaml:"callback_path" env:"CALLBACK_PATH"`
	HomePath     string `yaml:"home_path" env:"HOME_PATH"`
}

// SessionConfig bounds browser sessions and in-flight logins.
type SessionConfig struct {
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	FlowTTL time.Duration `yaml:"flow_ttl" env:"FLOW_TTL"`
}

// CacheConfig selects the kv backend for sessions and registrations.
type CacheConfig struct {
	kv.Config `yaml:",inline"`
	// RegistrationTTL caps the reuse of a dynamic registration; zero keeps it
	// until the authority rejects it.
	RegistrationTTL time.Duration `yaml:"registration_ttl" env:"REGISTRATION_TTL"`
}

// StorageConfig locates the account database.
type StorageConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// HTTPConfig bounds outbound calls to authorities.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries    int           `yaml:"retries" env:"RETRIES"`
	DNSTimeout time.Duration `yaml:"dns_timeout" env:"DNS_TIMEOUT"`
	// AllowInsecureIssuers admits http:// authorities. Only valid in dev mode.
	AllowInsecureIssuers bool `yaml:"allow_insecure_issuers" env:"ALLOW_INSECURE_ISSUERS"`
}

// RateLimitConfig throttles login attempts per client address.
type RateLimitConfig struct {
	Requests int           `yaml:"requests" env:"REQUESTS"`
	Window   time.Duration `yaml:"window" env:"WINDOW"`
	Burst    int           `yaml:"burst" env:"BURST"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Site: SiteConfig{
			Name:         "ID4me Relying Party",
			CallbackPath: "/id4me/authorize",
			HomePath:     "/",
		},
		Sessions: SessionConfig{
			TTL:     DefaultSessionTTL,
			FlowTTL: DefaultFlowTTL,
		},
		Cache: CacheConfig{
			Config: kv.Config{Driver: "memory"},
		},
		Storage: StorageConfig{
			Path: ".data/accounts.db",
		},
		HTTP: HTTPConfig{
			Timeout:    10 * time.Second,
			Retries:    3,
			DNSTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests: 10,
			Window:   time.Minute,
			Burst:    5,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// RedirectURI is the callback URL registered with every authority.
func (c Config) RedirectURI() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Site.CallbackPath
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http:// or https:// URL")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && u.Scheme != "https" {
		slog.Error("Insecure public URL in production", "field", "server.public_url", "value", c.Server.PublicURL)
		return errors.New("server.public_url must use https in production")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host,
	// e.g. public_url: login.example.org -> cookie_domain: .example.org
	if c.Server.CookieDomain != "" {
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if strings.TrimSpace(c.Site.Name) == "" {
		slog.Error("Missing required configuration", "field", "site.name")
		return errors.New("site.name is required")
	}
	if !strings.HasPrefix(c.Site.CallbackPath, "/") {
		slog.Error("Invalid configuration value", "field", "site.callback_path", "value", c.Site.CallbackPath, "reason", "must be an absolute path")
		return fmt.Errorf("site.callback_path must start with /, got: %s", c.Site.CallbackPath)
	}
	if !strings.HasPrefix(c.Site.HomePath, "/") {
		slog.Error("Invalid configuration value", "field", "site.home_path", "value", c.Site.HomePath, "reason", "must be an absolute path")
		return fmt.Errorf("site.home_path must start with /, got: %s", c.Site.HomePath)
	}

	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return errors.New("sessions.ttl must be positive")
	}
	if c.Sessions.FlowTTL <= 0 || c.Sessions.FlowTTL > c.Sessions.TTL {
		slog.Error("Invalid configuration value", "field", "sessions.flow_ttl", "value", c.Sessions.FlowTTL, "reason", "must be positive and not exceed sessions.ttl")
		return errors.New("sessions.flow_ttl must be positive and not exceed sessions.ttl")
	}

	switch c.Cache.Driver {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			slog.Error("Missing required configuration", "field", "cache.redis_addr", "driver", c.Cache.Driver)
			return errors.New("cache.redis_addr is required for the redis driver")
		}
	case "bolt":
		if c.Cache.BoltPath == "" {
			slog.Error("Missing required configuration", "field", "cache.bolt_path", "driver", c.Cache.Driver)
			return errors.New("cache.bolt_path is required for the bolt driver")
		}
	default:
		slog.Error("Invalid cache driver", "field", "cache.driver", "value", c.Cache.Driver, "valid_values", []string{"memory", "redis", "bolt"})
		return fmt.Errorf("cache.driver must be memory, redis or bolt, got: %s", c.Cache.Driver)
	}
	if c.Cache.RegistrationTTL < 0 {
		slog.Error("Invalid configuration value", "field", "cache.registration_ttl", "value", c.Cache.RegistrationTTL)
		return errors.New("cache.registration_ttl must not be negative")
	}

	if c.Storage.Path == "" {
		slog.Error("Missing required configuration", "field", "storage.path")
		return errors.New("storage.path is required")
	}

	if c.HTTP.Retries < 0 {
		slog.Error("Invalid configuration value", "field", "http.retries", "value", c.HTTP.Retries)
		return errors.New("http.retries must not be negative")
	}
	if c.HTTP.Timeout <= 0 || c.HTTP.DNSTimeout <= 0 {
		slog.Error("Invalid outbound timeouts", "http.timeout", c.HTTP.Timeout, "http.dns_timeout", c.HTTP.DNSTimeout)
		return errors.New("http.timeout and http.dns_timeout must be positive")
	}
	if c.HTTP.AllowInsecureIssuers && !c.Server.DevMode {
		slog.Error("Insecure issuers outside dev mode", "field", "http.allow_insecure_issuers")
		return errors.New("http.allow_insecure_issuers requires server.dev_mode")
	}

	if c.RateLimit.Requests < 0 || c.RateLimit.Burst < 0 {
		slog.Error("Invalid rate limit", "requests", c.RateLimit.Requests, "burst", c.RateLimit.Burst)
		return errors.New("rate_limit.requests and rate_limit.burst must not be negative")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		slog.Error("Missing required configuration", "field", "rate_limit.window")
		return errors.New("rate_limit.window must be positive when rate limiting is enabled")
	}

	return nil
}
