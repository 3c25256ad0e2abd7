package login

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"id4meauth/id4me"
	"id4meauth/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStateTokenValidatesOnce(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	m := NewStateManager(nil, time.Minute, discardLogger())

	token, err := m.Issue(ctx, scope)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) < 43 {
		t.Fatalf("token too short: %q", token)
	}
	if !m.ValidateAndConsume(ctx, scope, token) {
		t.Fatal("first validation failed")
	}
	for i := 0; i < 3; i++ {
		if m.ValidateAndConsume(ctx, scope, token) {
			t.Fatalf("validation %d succeeded after consumption", i+2)
		}
	}
}

func TestStateTokenFailedValidationConsumes(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	m := NewStateManager(nil, time.Minute, discardLogger())

	token, err := m.Issue(ctx, scope)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if m.ValidateAndConsume(ctx, scope, "forged") {
		t.Fatal("forged token validated")
	}
	if m.ValidateAndConsume(ctx, scope, token) {
		t.Fatal("token still valid after failed validation")
	}
}

func TestStateTokenNewIssueReplacesOld(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	m := NewStateManager(nil, time.Minute, discardLogger())

	first, _ := m.Issue(ctx, scope)
	second, _ := m.Issue(ctx, scope)
	if first == second {
		t.Fatal("tokens repeat")
	}
	if m.Confirm(ctx, scope, first) {
		t.Fatal("superseded token confirmed")
	}
	if !m.ValidateAndConsume(ctx, scope, second) {
		t.Fatal("latest token rejected")
	}
}

func TestStateTokenConfirmDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	m := NewStateManager(nil, time.Minute, discardLogger())

	token, _ := m.Issue(ctx, scope)
	if !m.Confirm(ctx, scope, token) || !m.Confirm(ctx, scope, token) {
		t.Fatal("confirm failed")
	}
	if !m.ValidateAndConsume(ctx, scope, token) {
		t.Fatal("token consumed by confirm")
	}
	if m.Confirm(ctx, scope, "") {
		t.Fatal("empty token confirmed")
	}
}

func TestStateTokensAreScoped(t *testing.T) {
	ctx := context.Background()
	shared := kv.NewMemory()
	alice, bob := kv.Prefixed(shared, "sess:a:"), kv.Prefixed(shared, "sess:b:")
	m := NewStateManager(nil, time.Minute, discardLogger())

	token, _ := m.Issue(ctx, alice)
	if m.ValidateAndConsume(ctx, bob, token) {
		t.Fatal("token validated in another session")
	}
	if !m.ValidateAndConsume(ctx, alice, token) {
		t.Fatal("token rejected in its own session")
	}
}

func TestIssueFailsWithoutEntropy(t *testing.T) {
	m := NewStateManager(strings.NewReader("short"), time.Minute, discardLogger())
	if _, err := m.Issue(context.Background(), kv.NewMemory()); err == nil {
		t.Fatal("expected error from exhausted random source")
	}
}

func TestFlowContextTakeIsDestructive(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	fs := NewFlowStore(time.Minute)

	fc := FlowContext{
		Authority:  "id.alice.example",
		Agent:      "agent.alice.example",
		Identifier: "alice.example",
		Nonce:      "n",
		Client:     id4me.ClientRegistration{ClientID: "c1", RedirectURIs: []string{"https://rp.example/cb"}},
		Config:     id4me.OpenIDConfig{Issuer: "https://id.alice.example"},
	}
	if err := fs.Put(ctx, scope, "state-1", fc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := fs.Take(ctx, scope, "state-1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got.Authority != fc.Authority || got.Agent != fc.Agent || got.Client.ClientID != "c1" || got.Version != flowVersion {
		t.Fatalf("unexpected context %+v", got)
	}
	if got.Registration().Config.Issuer != "https://id.alice.example" {
		t.Fatalf("registration lost config: %+v", got.Registration())
	}

	if _, err := fs.Take(ctx, scope, "state-1"); !errors.Is(err, ErrFlowContextExpired) {
		t.Fatalf("second Take err = %v, want ErrFlowContextExpired", err)
	}
}

func TestFlowContextRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	scope := kv.NewMemory()
	if err := scope.Set(ctx, flowKeyPrefix+"s", []byte(`{"v":99,"authority":"x"}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := NewFlowStore(time.Minute).Take(ctx, scope, "s"); !errors.Is(err, ErrFlowContextExpired) {
		t.Fatalf("err = %v, want ErrFlowContextExpired", err)
	}
}

func TestFlowStateTransitions(t *testing.T) {
	if !StateInit.CanTransition(StateDiscovered) {
		t.Fatal("INIT -> DISCOVERED rejected")
	}
	if StateInit.CanTransition(StateRegistered) {
		t.Fatal("INIT -> REGISTERED accepted")
	}
	if !StateTokenExchanged.CanTransition(StateFailed) {
		t.Fatal("TOKEN_EXCHANGED -> FAILED rejected")
	}
	if StateComplete.CanTransition(StateFailed) || StateFailed.CanTransition(StateInit) {
		t.Fatal("terminal state left")
	}
	if StateCallbackPending.String() != "CALLBACK_PENDING" {
		t.Fatalf("String = %q", StateCallbackPending.String())
	}
}
