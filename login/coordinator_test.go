package login

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"id4meauth/id4me"
	"id4meauth/id4me/id4metest"
	"id4meauth/kv"
	"id4meauth/store"
	"id4meauth/store/sqlite"
)

const testRedirect = "https://rp.example/id4me/authorize"

type testSession struct {
	scope   kv.Store
	account string
}

func newSession() *testSession { return &testSession{scope: kv.NewMemory()} }

func (s *testSession) Scope() kv.Store   { return s.scope }
func (s *testSession) AccountID() string { return s.account }

func (s *testSession) Finalize(_ context.Context, accountID string) error {
	s.account = accountID
	return nil
}

type env struct {
	authority *id4metest.Authority
	db        *sqlite.Store
	coord     *Coordinator
	outcomes  []Outcome
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := discardLogger()

	a := id4metest.NewHostedAuthority(t, "id.alice.example", "sub-123")
	a.SetUserInfo(map[string]any{
		"preferred_username": "alice",
		"email":              "alice@example.com",
	})

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tr := id4me.NewHTTPTransport(id4me.TransportConfig{HTTPClient: a.Client()}, logger)
	keys := id4me.NewKeySets(a.Client())
	dns := id4metest.StaticTXT{"_openid.alice.example": {id4metest.Record("id.alice.example")}}

	e := &env{authority: a, db: db}
	e.coord = NewCoordinator(Config{SiteName: "Example Site", RedirectURI: testRedirect}, Deps{
		Resolver: id4me.NewResolver(dns, time.Second, id4me.RetryPolicy{}, logger),
		Registry: id4me.NewClientRegistry(kv.NewMemory(), tr, 0, logger),
		Tokens:   id4me.NewTokenClient(a.Client(), keys, logger),
		UserInfo: id4me.NewUserInfoClient(tr, keys, logger),
		Accounts: db,
		Authmap:  db,
	}, logger)
	e.coord.OnOutcome(func(o Outcome) { e.outcomes = append(e.outcomes, o) })
	return e
}

// begin runs the outbound phase and lets the authority consent.
func (e *env) begin(t *testing.T, sess *testSession) Callback {
	t.Helper()
	target, err := e.coord.Begin(context.Background(), sess, "alice.example")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if target.State != StateAuthorizing {
		t.Fatalf("state after Begin = %s", target.State)
	}
	code, state, err := e.authority.Authorize(target.URL)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return Callback{Code: code, State: state}
}

func (e *env) login(t *testing.T, sess *testSession) Result {
	t.Helper()
	res, err := e.coord.Complete(context.Background(), sess, e.begin(t, sess))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return res
}

func TestBeginBuildsAuthorizationRedirect(t *testing.T) {
	e := newEnv(t)
	target, err := e.coord.Begin(context.Background(), newSession(), "alice.example")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if target.Authority.Name != "id.alice.example" {
		t.Fatalf("authority = %q", target.Authority.Name)
	}
	u, err := url.Parse(target.URL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if u.Host != "id.alice.example" || u.Path != "/authorize" {
		t.Fatalf("redirect = %s", target.URL)
	}
	q := u.Query()
	for _, p := range []string{"client_id", "redirect_uri", "scope", "state", "claims", "nonce"} {
		if q.Get(p) == "" {
			t.Fatalf("redirect missing %s: %s", p, target.URL)
		}
	}
}

func TestBeginRejectsUnknownIdentifier(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Begin(context.Background(), newSession(), "bob.example")
	if !errors.Is(err, id4me.ErrAuthorityNotFound) {
		t.Fatalf("err = %v, want ErrAuthorityNotFound", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.At != StateInit {
		t.Fatalf("flow error = %#v", err)
	}
}

func TestFirstLoginProvisionsThenReuses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess := newSession()
	first := e.login(t, sess)
	if !first.Created || !first.Linked {
		t.Fatalf("first login created=%v linked=%v", first.Created, first.Linked)
	}
	if first.Account.Username != "alice" || first.Account.Email != "alice@example.com" {
		t.Fatalf("account = %+v", first.Account)
	}
	if first.State != StateComplete {
		t.Fatalf("state = %s", first.State)
	}
	if sess.account != first.Account.ID {
		t.Fatal("session not finalized")
	}

	owner, found, err := e.db.FindAccountByIdentity(ctx, "id.alice.example", "sub-123")
	if err != nil || !found || owner != first.Account.ID {
		t.Fatalf("authmap lookup = %q %v %v", owner, found, err)
	}

	second := e.login(t, newSession())
	if second.Created || second.Linked {
		t.Fatalf("second login created=%v linked=%v", second.Created, second.Linked)
	}
	if second.Account.ID != first.Account.ID {
		t.Fatalf("second login account %s, want %s", second.Account.ID, first.Account.ID)
	}
	if n := e.authority.Registrations(); n != 1 {
		t.Fatalf("registrations = %d, want 1", n)
	}
	links, err := e.db.ListLinks(ctx, first.Account.ID)
	if err != nil || len(links) != 1 {
		t.Fatalf("links = %v %v", links, err)
	}
}

func TestConsentRequiredCancels(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	cb := e.begin(t, sess)

	_, err := e.coord.Complete(context.Background(), sess, Callback{Error: "consent_required", State: cb.State})
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("err = %v, want ErrUserCancelled", err)
	}
	if _, found, _ := e.db.FindAccountByIdentity(context.Background(), "id.alice.example", "sub-123"); found {
		t.Fatal("link created on cancellation")
	}
	if sess.account != "" {
		t.Fatal("session authenticated on cancellation")
	}

	// The state was consumed by the error callback.
	if _, err := e.coord.Complete(context.Background(), sess, cb); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("replay err = %v, want ErrStateMismatch", err)
	}
	if len(e.outcomes) == 0 || e.outcomes[0] != OutcomeCancelled {
		t.Fatalf("outcomes = %v", e.outcomes)
	}
}

func TestOtherErrorIsAuthorizationFailure(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	cb := e.begin(t, sess)

	_, err := e.coord.Complete(context.Background(), sess, Callback{Error: "access_denied", ErrorDescription: "nope", State: cb.State})
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("err = %v, want ErrAuthorizationFailed", err)
	}
}

func TestUnknownStateIsRejected(t *testing.T) {
	e := newEnv(t)
	sess := newSession()

	_, err := e.coord.Complete(context.Background(), sess, Callback{Code: "abc", State: "X"})
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.At != StateCallbackPending {
		t.Fatalf("flow error = %#v", err)
	}
	if sess.account != "" {
		t.Fatal("session authenticated")
	}
	if len(e.outcomes) != 1 || e.outcomes[0] != OutcomeRejected {
		t.Fatalf("outcomes = %v", e.outcomes)
	}
}

func TestCallbackWithoutCodeOrError(t *testing.T) {
	e := newEnv(t)
	if _, err := e.coord.Complete(context.Background(), newSession(), Callback{State: "x"}); !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("err = %v, want ErrInvalidCallback", err)
	}
}

func TestOnlyLatestFlowValidates(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	stale := e.begin(t, sess)
	fresh := e.begin(t, sess)

	if _, err := e.coord.Complete(context.Background(), sess, stale); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("stale err = %v, want ErrStateMismatch", err)
	}
	// The mismatch consumed the outstanding token too.
	if _, err := e.coord.Complete(context.Background(), sess, fresh); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("fresh err = %v, want ErrStateMismatch", err)
	}
}

func TestCallbackReplayIsRejected(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	cb := e.begin(t, sess)

	if _, err := e.coord.Complete(context.Background(), sess, cb); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := e.coord.Complete(context.Background(), sess, cb); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("replay err = %v, want ErrStateMismatch", err)
	}
}

func TestAccountConnectLinksCurrentAccount(t *testing.T) {
	e := newEnv(t)
	bob, err := e.db.CreateAccount(context.Background(), store.NewAccount{Username: "bob"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess := newSession()
	sess.account = bob.ID

	res := e.login(t, sess)
	if res.Account.ID != bob.ID || res.Created || !res.Linked {
		t.Fatalf("result = %+v", res)
	}
	links, err := e.db.ListLinks(context.Background(), bob.ID)
	if err != nil || links["id.alice.example"] != "sub-123" {
		t.Fatalf("links = %v %v", links, err)
	}
}

func TestAccountConnectConflict(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, newSession())

	bob, err := e.db.CreateAccount(context.Background(), store.NewAccount{Username: "bob"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess := newSession()
	sess.account = bob.ID

	_, err = e.coord.Complete(context.Background(), sess, e.begin(t, sess))
	if !errors.Is(err, store.ErrLinkageConflict) {
		t.Fatalf("err = %v, want ErrLinkageConflict", err)
	}
	owner, _, _ := e.db.FindAccountByIdentity(context.Background(), "id.alice.example", "sub-123")
	if owner != alice.Account.ID {
		t.Fatalf("link moved to %s", owner)
	}
	if sess.account != bob.ID {
		t.Fatal("session switched accounts")
	}
}

func TestAccountConnectSecondSubjectAtIssuer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bob, err := e.db.CreateAccount(ctx, store.NewAccount{Username: "bob"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := e.db.Link(ctx, bob.ID, "id.alice.example", "sub-999"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	sess := newSession()
	sess.account = bob.ID

	_, err = e.coord.Complete(ctx, sess, e.begin(t, sess))
	if !errors.Is(err, store.ErrIssuerLinked) || errors.Is(err, store.ErrLinkageConflict) {
		t.Fatalf("err = %v, want ErrIssuerLinked", err)
	}
	if _, found, _ := e.db.FindAccountByIdentity(ctx, "id.alice.example", "sub-123"); found {
		t.Fatal("second subject linked")
	}
}

func TestProvisionSuffixesTakenUsername(t *testing.T) {
	e := newEnv(t)
	if _, err := e.db.CreateAccount(context.Background(), store.NewAccount{Username: "alice"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	res := e.login(t, newSession())
	if res.Account.Username != "alice-2" {
		t.Fatalf("username = %q, want alice-2", res.Account.Username)
	}
}

func TestRejectedClientIsReregistered(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	cb := e.begin(t, sess)
	e.authority.ForgetClients()

	_, err := e.coord.Complete(context.Background(), sess, cb)
	if !errors.Is(err, id4me.ErrClientRejected) {
		t.Fatalf("err = %v, want ErrClientRejected", err)
	}

	e.login(t, newSession())
	if n := e.authority.Registrations(); n != 2 {
		t.Fatalf("registrations = %d, want 2", n)
	}
}

func TestUnauthorizedClientCallbackInvalidatesRegistration(t *testing.T) {
	e := newEnv(t)
	sess := newSession()
	cb := e.begin(t, sess)

	_, err := e.coord.Complete(context.Background(), sess, Callback{Error: "unauthorized_client", State: cb.State})
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("err = %v, want ErrAuthorizationFailed", err)
	}
	e.begin(t, newSession())
	if n := e.authority.Registrations(); n != 2 {
		t.Fatalf("registrations = %d, want 2", n)
	}
}

func TestBaseUsername(t *testing.T) {
	cases := []struct {
		info       id4me.UserInfo
		identifier string
		want       string
	}{
		{id4me.UserInfo{PreferredUsername: "Alice"}, "alice.example", "alice"},
		{id4me.UserInfo{Email: "carol.smith@example.org"}, "carol.example", "carol.smith"},
		{id4me.UserInfo{PreferredUsername: "  "}, "dave.example", "dave.example"},
		{id4me.UserInfo{PreferredUsername: "émile!"}, "x.example", "mile"},
	}
	for _, tc := range cases {
		if got := baseUsername(tc.info, tc.identifier); got != tc.want {
			t.Fatalf("baseUsername(%+v, %q) = %q, want %q", tc.info, tc.identifier, got, tc.want)
		}
	}
}

type agentRecorder struct {
	next  UserInfoFetcher
	agent string
}

func (r *agentRecorder) Fetch(ctx context.Context, cfg id4me.OpenIDConfig, tokens id4me.AuthorizationTokens, agent string) (id4me.UserInfo, error) {
	r.agent = agent
	return r.next.Fetch(ctx, cfg, tokens, agent)
}

func TestIdentityAgentReachesUserInfo(t *testing.T) {
	e := newEnv(t)
	e.coord.deps.Resolver = id4me.NewResolver(id4metest.StaticTXT{
		"_openid.alice.example": {"v=OID1;iss=id.alice.example;clp=agent.alice.example"},
	}, time.Second, id4me.RetryPolicy{}, discardLogger())
	rec := &agentRecorder{next: e.coord.deps.UserInfo}
	e.coord.deps.UserInfo = rec

	e.login(t, newSession())
	if rec.agent != "agent.alice.example" {
		t.Fatalf("agent = %q, want agent.alice.example", rec.agent)
	}
}
