// Package login orchestrates the ID4me login flow: the outbound redirect to
// the authority and the callback that resolves a local account.
package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"id4meauth/id4me"
	"id4meauth/kv"
	"id4meauth/store"
)

// Session is the caller's session as the flow sees it.
type Session interface {
	// Scope is storage private to this session.
	Scope() kv.Store
	// AccountID is the authenticated account, empty when anonymous.
	AccountID() string
	// Finalize authenticates the session as accountID.
	Finalize(ctx context.Context, accountID string) error
}

// Discoverer resolves identifiers to authorities.
type Discoverer interface {
	Resolve(ctx context.Context, identifier string) (id4me.Authority, error)
}

// Registrar hands out client registrations per authority.
type Registrar interface {
	GetOrRegister(ctx context.Context, authority, siteName, redirectURI string) (id4me.Registration, error)
	Invalidate(ctx context.Context, authority string) error
}

// TokenExchanger redeems authorization codes.
type TokenExchanger interface {
	Exchange(ctx context.Context, reg id4me.Registration, code, nonce string) (id4me.AuthorizationTokens, error)
}

// UserInfoFetcher loads claims for an authenticated subject. agent is the
// identity agent discovered for the identifier.
type UserInfoFetcher interface {
	Fetch(ctx context.Context, cfg id4me.OpenIDConfig, tokens id4me.AuthorizationTokens, agent string) (id4me.UserInfo, error)
}

// Config holds the relying party settings of the flow.
type Config struct {
	SiteName    string
	RedirectURI string
	StateTTL    time.Duration
	FlowTTL     time.Duration
	// Random overrides crypto/rand for tokens and nonces.
	Random io.Reader
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Resolver Discoverer
	Registry Registrar
	Tokens   TokenExchanger
	UserInfo UserInfoFetcher
	Accounts store.Accounts
	Authmap  store.Authmap
}

// Outcome labels the end of a callback for metrics.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// RedirectTarget is the result of the outbound phase.
type RedirectTarget struct {
	URL       string
	Authority id4me.Authority
	State     FlowState
}

// Callback carries the query of an authorization response.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Result describes a completed login.
type Result struct {
	Account   store.Account
	Authority string
	Subject   string
	// Created is set when the account was provisioned by this login.
	Created bool
	// Linked is set when a new authmap row was written.
	Linked bool
	State  FlowState
}

// Coordinator runs the two phases of the login flow.
type Coordinator struct {
	cfg     Config
	deps    Deps
	states  *StateManager
	flows   *FlowStore
	logger  *slog.Logger
	outcome func(Outcome)
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = 10 * time.Minute
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = cfg.FlowTTL
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		states: NewStateManager(cfg.Random, cfg.StateTTL, logger),
		flows:  NewFlowStore(cfg.FlowTTL),
		logger: logger,
	}
}

// OnOutcome installs a callback observing how callbacks end.
func (c *Coordinator) OnOutcome(fn func(Outcome)) {
	c.outcome = fn
}

// States exposes the state manager so access checks can Confirm tokens.
func (c *Coordinator) States() *StateManager {
	return c.states
}

// Begin runs the outbound phase for identifier and returns the authority
// redirect. Any earlier outstanding flow of the session stops validating.
func (c *Coordinator) Begin(ctx context.Context, sess Session, identifier string) (RedirectTarget, error) {
	fl := c.track(StateInit)

	authority, err := c.deps.Resolver.Resolve(ctx, identifier)
	if err != nil {
		return RedirectTarget{}, fl.fail(err)
	}
	fl.advance(StateDiscovered, "authority", authority.Name)

	reg, err := c.deps.Registry.GetOrRegister(ctx, authority.Name, c.cfg.SiteName, c.cfg.RedirectURI)
	if err != nil {
		return RedirectTarget{}, fl.fail(err)
	}
	fl.advance(StateRegistered, "client_id", reg.Client.ClientID)

	scope := sess.Scope()
	state, err := c.states.Issue(ctx, scope)
	if err != nil {
		return RedirectTarget{}, fl.fail(err)
	}
	nonce, err := randomToken(c.states.rand, 16)
	if err != nil {
		return RedirectTarget{}, fl.fail(err)
	}

	fc := FlowContext{
		Authority:  authority.Name,
		Agent:      authority.Agent,
		Identifier: authority.Identifier,
		Nonce:      nonce,
		Client:     reg.Client,
		Config:     reg.Config,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.flows.Put(ctx, scope, state, fc); err != nil {
		return RedirectTarget{}, fl.fail(err)
	}

	u, err := id4me.AuthorizationURL(reg, id4me.AuthorizationRequest{
		Identifier: authority.Identifier,
		State:      state,
		Nonce:      nonce,
		Claims:     id4me.AccountClaims(),
	})
	if err != nil {
		return RedirectTarget{}, fl.fail(err)
	}
	fl.advance(StateAuthorizing)

	return RedirectTarget{URL: u, Authority: authority, State: fl.state}, nil
}

// Complete runs the callback phase and finalizes sess on success.
func (c *Coordinator) Complete(ctx context.Context, sess Session, cb Callback) (Result, error) {
	res, err := c.complete(ctx, sess, cb)
	c.observe(err)
	if err != nil && !errors.Is(err, ErrUserCancelled) && !errors.Is(err, ErrAuthorizationFailed) {
		c.logger.Warn("id4me login failed", "error", err)
	}
	return res, err
}

func (c *Coordinator) complete(ctx context.Context, sess Session, cb Callback) (Result, error) {
	fl := c.track(StateCallbackPending)
	scope := sess.Scope()

	if cb.Code == "" && cb.Error == "" {
		return Result{}, fl.fail(ErrInvalidCallback)
	}
	if cb.Error != "" {
		return Result{}, fl.fail(c.authorizationError(ctx, scope, cb))
	}

	if !c.states.ValidateAndConsume(ctx, scope, cb.State) {
		// Drop any context stored under the presented state as well.
		_, _ = c.flows.Take(ctx, scope, cb.State)
		return Result{}, fl.fail(ErrStateMismatch)
	}
	fc, err := c.flows.Take(ctx, scope, cb.State)
	if err != nil {
		return Result{}, fl.fail(err)
	}

	tokens, err := c.deps.Tokens.Exchange(ctx, fc.Registration(), cb.Code, fc.Nonce)
	if err != nil {
		if errors.Is(err, id4me.ErrClientRejected) {
			c.invalidate(ctx, fc.Authority)
		}
		return Result{}, fl.fail(err)
	}
	fl.advance(StateTokenExchanged, "authority", fc.Authority)

	info, err := c.deps.UserInfo.Fetch(ctx, fc.Config, tokens, fc.Agent)
	if err != nil {
		return Result{}, fl.fail(err)
	}

	res, err := c.resolveAccount(ctx, sess.AccountID(), fc, info)
	if err != nil {
		return Result{}, fl.fail(err)
	}
	fl.advance(StateResolved, "account", res.Account.ID, "created", res.Created, "linked", res.Linked)

	if err := sess.Finalize(ctx, res.Account.ID); err != nil {
		return Result{}, fl.fail(fmt.Errorf("finalize session: %w", err))
	}
	fl.advance(StateComplete)
	res.State = fl.state

	c.logger.Info("id4me login complete",
		"authority", res.Authority,
		"account", res.Account.ID,
		"created", res.Created,
		"linked", res.Linked,
	)
	return res, nil
}

// authorizationError classifies an error callback. The state token and flow
// context are consumed so the callback cannot be replayed.
func (c *Coordinator) authorizationError(ctx context.Context, scope kv.Store, cb Callback) error {
	var fc FlowContext
	valid := c.states.ValidateAndConsume(ctx, scope, cb.State)
	if valid {
		fc, _ = c.flows.Take(ctx, scope, cb.State)
	}

	switch cb.Error {
	case "interaction_required", "login_required", "account_selection_required", "consent_required":
		c.logger.Info("id4me login cancelled", "reason", cb.Error)
		return fmt.Errorf("%w: %s", ErrUserCancelled, cb.Error)
	case "invalid_client", "unauthorized_client":
		if valid && fc.Authority != "" {
			c.invalidate(ctx, fc.Authority)
		}
	}
	c.logger.Warn("id4me authorization failed",
		"error_code", cb.Error,
		"error_description", cb.ErrorDescription,
		"authority", fc.Authority,
	)
	return fmt.Errorf("%w: %s", ErrAuthorizationFailed, cb.Error)
}

// resolveAccount maps the remote identity to a local account, linking or
// provisioning as needed. An authenticated caller presenting an identity
// linked to another account gets ErrLinkageConflict instead of a switch to
// that account, so a link is never silently taken over.
func (c *Coordinator) resolveAccount(ctx context.Context, current string, fc FlowContext, info id4me.UserInfo) (Result, error) {
	res := Result{Authority: fc.Authority, Subject: info.Subject}

	owner, found, err := c.deps.Authmap.FindAccountByIdentity(ctx, fc.Authority, info.Subject)
	if err != nil {
		return Result{}, err
	}

	switch {
	case found && current != "" && owner != current:
		return Result{}, fmt.Errorf("%w: issuer %s", store.ErrLinkageConflict, fc.Authority)

	case found:
		acct, err := c.deps.Accounts.Account(ctx, owner)
		if err != nil {
			return Result{}, fmt.Errorf("load linked account: %w", err)
		}
		res.Account = acct

	case current != "":
		acct, err := c.deps.Accounts.Account(ctx, current)
		if err != nil {
			return Result{}, fmt.Errorf("load current account: %w", err)
		}
		if err := c.deps.Authmap.Link(ctx, acct.ID, fc.Authority, info.Subject); err != nil {
			return Result{}, err
		}
		res.Account, res.Linked = acct, true

	default:
		acct, err := provision(ctx, c.deps.Accounts, info, fc.Identifier)
		if err != nil {
			return Result{}, fmt.Errorf("provision account: %w", err)
		}
		if err := c.deps.Authmap.Link(ctx, acct.ID, fc.Authority, info.Subject); err != nil {
			if !errors.Is(err, store.ErrLinkageConflict) {
				return Result{}, err
			}
			// A concurrent login linked the identity first; use that account.
			owner, found, ferr := c.deps.Authmap.FindAccountByIdentity(ctx, fc.Authority, info.Subject)
			if ferr != nil || !found {
				return Result{}, err
			}
			c.logger.Warn("identity linked concurrently, provisioned account left unlinked",
				"authority", fc.Authority, "orphan", acct.ID, "account", owner)
			if acct, err = c.deps.Accounts.Account(ctx, owner); err != nil {
				return Result{}, fmt.Errorf("load linked account: %w", err)
			}
			res.Account = acct
			return res, nil
		}
		res.Account, res.Created, res.Linked = acct, true, true
	}
	return res, nil
}

func (c *Coordinator) invalidate(ctx context.Context, authority string) {
	if err := c.deps.Registry.Invalidate(ctx, authority); err != nil {
		c.logger.Error("drop rejected registration", "authority", authority, "error", err)
	}
}

func (c *Coordinator) observe(err error) {
	if c.outcome == nil {
		return
	}
	switch {
	case err == nil:
		c.outcome(OutcomeSuccess)
	case errors.Is(err, ErrUserCancelled):
		c.outcome(OutcomeCancelled)
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrFlowContextExpired), errors.Is(err, id4me.ErrInvalidIDToken):
		c.outcome(OutcomeRejected)
	default:
		c.outcome(OutcomeFailed)
	}
}

// tracker walks one flow through its states.
type tracker struct {
	state  FlowState
	logger *slog.Logger
}

func (c *Coordinator) track(start FlowState) *tracker {
	return &tracker{state: start, logger: c.logger}
}

func (t *tracker) advance(next FlowState, attrs ...any) {
	if !t.state.CanTransition(next) {
		t.logger.Error("invalid login flow transition", "from", t.state, "to", next)
	}
	t.state = next
	t.logger.Debug("login flow", append([]any{"state", next}, attrs...)...)
}

func (t *tracker) fail(err error) error {
	at := t.state
	t.advance(StateFailed)
	return &FlowError{At: at, Err: err}
}
