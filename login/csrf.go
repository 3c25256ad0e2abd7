package login

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"id4meauth/kv"
)

const (
	stateKey   = "id4me:csrf"
	tokenBytes = 32
)

// StateManager issues single-use anti-forgery tokens. Each session scope
// holds at most one outstanding token.
type StateManager struct {
	rand   io.Reader
	ttl    time.Duration
	logger *slog.Logger
}

// NewStateManager constructs a StateManager. A nil source uses crypto/rand.
func NewStateManager(source io.Reader, ttl time.Duration, logger *slog.Logger) *StateManager {
	if source == nil {
		source = rand.Reader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{rand: source, ttl: ttl, logger: logger}
}

// Issue generates a token and makes it the only valid token of scope.
func (m *StateManager) Issue(ctx context.Context, scope kv.Store) (string, error) {
	token, err := randomToken(m.rand, tokenBytes)
	if err != nil {
		return "", err
	}
	if err := scope.Set(ctx, stateKey, []byte(token), m.ttl); err != nil {
		return "", fmt.Errorf("store state token: %w", err)
	}
	return token, nil
}

// Confirm reports whether token is the outstanding token of scope without
// consuming it. Access checks use it ahead of ValidateAndConsume.
func (m *StateManager) Confirm(ctx context.Context, scope kv.Store, token string) bool {
	stored, err := scope.Get(ctx, stateKey)
	if err != nil {
		m.logStoreError("confirm", err)
		return false
	}
	return equalToken(stored, token)
}

// ValidateAndConsume reports whether token is the outstanding token of scope.
// The stored token is cleared whatever the outcome.
func (m *StateManager) ValidateAndConsume(ctx context.Context, scope kv.Store, token string) bool {
	stored, err := scope.Take(ctx, stateKey)
	if err != nil {
		m.logStoreError("consume", err)
		return false
	}
	return equalToken(stored, token)
}

func (m *StateManager) logStoreError(op string, err error) {
	if !errors.Is(err, kv.ErrNotFound) {
		m.logger.Error("state token store failed", "op", op, "error", err)
	}
}

func equalToken(stored []byte, token string) bool {
	if len(stored) == 0 || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare(stored, []byte(token)) == 1
}

func randomToken(source io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(source, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
