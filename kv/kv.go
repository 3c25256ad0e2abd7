// Package kv provides the key-value contract shared by the session store and
// the registration cache, with in-process, Redis and bbolt backends.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a key-value store with optional per-key expiry. A ttl of zero
// means the entry does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take returns the value and removes it in one atomic step.
	Take(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver        string `yaml:"driver" env:"DRIVER"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	BoltPath      string `yaml:"bolt_path" env:"BOLT_PATH"`
}

// New opens the backend named by cfg.Driver ("memory" when empty).
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "bolt":
		return OpenBolt(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", cfg.Driver)
	}
}

type prefixed struct {
	s      Store
	prefix string
}

// Prefixed scopes every key of s under prefix. Closing the result does not
// close s.
func Prefixed(s Store, prefix string) Store {
	return &prefixed{s: s, prefix: prefix}
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.s.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.s.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.s.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Take(ctx context.Context, key string) ([]byte, error) {
	return p.s.Take(ctx, p.prefix+key)
}

func (p *prefixed) Close() error { return nil }
