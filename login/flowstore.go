package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"id4meauth/id4me"
	"id4meauth/kv"
)

const (
	flowKeyPrefix = "id4me:flow:"
	flowVersion   = 1
)

// FlowContext is the in-flight state of one authorization, stored under the
// state token between the redirect and the callback.
type FlowContext struct {
	Version    int                      `json:"v"`
	Authority  string                   `json:"authority"`
	Agent      string                   `json:"agent,omitempty"`
	Identifier string                   `json:"identifier"`
	Nonce      string                   `json:"nonce"`
	Client     id4me.ClientRegistration `json:"client"`
	Config     id4me.OpenIDConfig       `json:"config"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Registration rebuilds the registration the flow was started with.
func (fc FlowContext) Registration() id4me.Registration {
	return id4me.Registration{Authority: fc.Authority, Config: fc.Config, Client: fc.Client}
}

// FlowStore persists FlowContexts in a session scope.
type FlowStore struct {
	ttl time.Duration
}

// NewFlowStore constructs a FlowStore whose entries expire after ttl.
func NewFlowStore(ttl time.Duration) *FlowStore {
	return &FlowStore{ttl: ttl}
}

// Put stores fc under state.
func (s *FlowStore) Put(ctx context.Context, scope kv.Store, state string, fc FlowContext) error {
	fc.Version = flowVersion
	raw, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode flow context: %w", err)
	}
	if err := scope.Set(ctx, flowKeyPrefix+state, raw, s.ttl); err != nil {
		return fmt.Errorf("store flow context: %w", err)
	}
	return nil
}

// Take returns and removes the context stored under state. A second Take for
// the same state returns ErrFlowContextExpired.
func (s *FlowStore) Take(ctx context.Context, scope kv.Store, state string) (FlowContext, error) {
	if state == "" {
		return FlowContext{}, ErrFlowContextExpired
	}
	raw, err := scope.Take(ctx, flowKeyPrefix+state)
	if errors.Is(err, kv.ErrNotFound) {
		return FlowContext{}, ErrFlowContextExpired
	}
	if err != nil {
		return FlowContext{}, fmt.Errorf("load flow context: %w", err)
	}

	var fc FlowContext
	if err := json.Unmarshal(raw, &fc); err != nil {
		return FlowContext{}, fmt.Errorf("%w: undecodable: %w", ErrFlowContextExpired, err)
	}
	if fc.Version != flowVersion {
		return FlowContext{}, fmt.Errorf("%w: schema version %d", ErrFlowContextExpired, fc.Version)
	}
	return fc, nil
}
