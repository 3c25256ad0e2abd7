// Package id4metest provides an in-process ID4me identity authority and a
// static DNS table for tests.
package id4metest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// StaticTXT answers TXT lookups from a fixed table. Missing names report
// NXDOMAIN.
type StaticTXT map[string][]string

// LookupTXT implements id4me.TXTLookup.
func (s StaticTXT) LookupTXT(_ context.Context, name string) ([]string, error) {
	if recs, ok := s[strings.TrimSuffix(name, ".")]; ok {
		return recs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// Record formats an `_openid` TXT record delegating to authority.
func Record(authority string) string {
	return "v=OID1;iss=" + authority
}

type grant struct {
	clientID    string
	redirectURI string
	nonce       string
}

// Authority serves discovery, registration, token, userinfo and JWKS
// endpoints. Authorization is performed in-process with Authorize.
type Authority struct {
	Server *httptest.Server

	name   string
	issuer string
	client *http.Client
	key    *rsa.PrivateKey
	keyID  string

	hits atomic.Int64

	mu            sync.Mutex
	registrations int
	clients       map[string][]string
	codes         map[string]grant
	tokens        map[string]string
	subject       string
	userinfo      map[string]any
	tokenError    string
	signUserInfo  bool
	mutateIDToken func(jwt.MapClaims)
	lastAuthorize url.Values
}

// NewAuthority starts a TLS authority asserting subject. Its name and issuer
// are the https server URL. The server is closed when the test ends.
func NewAuthority(t testing.TB, subject string) *Authority {
	t.Helper()
	a := newAuthority(t, subject)
	a.Server = httptest.NewUnstartedServer(a.routes())
	base := "https://" + a.Server.Listener.Addr().String()
	a.name, a.issuer = base, base
	a.Server.StartTLS()
	t.Cleanup(a.Server.Close)
	a.client = a.Server.Client()
	return a
}

// NewInsecureAuthority starts a plain HTTP authority, for exercising the
// development switch that admits http issuers.
func NewInsecureAuthority(t testing.TB, subject string) *Authority {
	t.Helper()
	a := newAuthority(t, subject)
	a.Server = httptest.NewUnstartedServer(a.routes())
	base := "http://" + a.Server.Listener.Addr().String()
	a.name, a.issuer = base, base
	a.Server.Start()
	t.Cleanup(a.Server.Close)
	a.client = a.Server.Client()
	return a
}

// NewHostedAuthority starts a TLS authority published as host, with issuer
// https://host. Client routes every request to the test server.
func NewHostedAuthority(t testing.TB, host, subject string) *Authority {
	t.Helper()
	a := newAuthority(t, subject)
	a.name, a.issuer = host, "https://"+host
	a.Server = httptest.NewUnstartedServer(a.routes())
	a.Server.StartTLS()
	t.Cleanup(a.Server.Close)

	tr := a.Server.Client().Transport.(*http.Transport).Clone()
	addr := a.Server.Listener.Addr().String()
	var d net.Dialer
	tr.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	}
	// httptest certificates are issued for example.com.
	tr.TLSClientConfig.ServerName = "example.com"

	a.client = &http.Client{Transport: tr}
	return a
}

func newAuthority(t testing.TB, subject string) *Authority {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Authority{
		key:     key,
		keyID:   "test-key",
		clients: make(map[string][]string),
		codes:   make(map[string]grant),
		tokens:  make(map[string]string),
		subject: subject,
		userinfo: map[string]any{
			"sub": subject,
		},
	}
}

func (a *Authority) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", a.handleConfig)
	mux.HandleFunc("POST /register", a.handleRegister)
	mux.HandleFunc("POST /token", a.handleToken)
	mux.HandleFunc("GET /userinfo", a.handleUserInfo)
	mux.HandleFunc("GET /jwks", a.handleJWKS)
	mux.HandleFunc("GET /claims", a.handleClaims)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.hits.Add(1)
		mux.ServeHTTP(w, r)
	})
}

// Hits counts every request the authority has served.
func (a *Authority) Hits() int64 { return a.hits.Load() }

// Name is the authority name to publish in DNS.
func (a *Authority) Name() string { return a.name }

// Issuer is the issuer the authority asserts.
func (a *Authority) Issuer() string { return a.issuer }

// Client returns an HTTP client that reaches the authority.
func (a *Authority) Client() *http.Client { return a.client }

// ClaimsURL serves a distributed claims JWT for the subject.
func (a *Authority) ClaimsURL() string { return a.issuer + "/claims" }

// Registrations counts calls to the registration endpoint.
func (a *Authority) Registrations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrations
}

// SetUserInfo replaces the userinfo claims. sub is always added.
func (a *Authority) SetUserInfo(claims map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userinfo = map[string]any{"sub": a.subject}
	for k, v := range claims {
		a.userinfo[k] = v
	}
}

// SetTokenError makes the token endpoint answer with the OAuth error code.
func (a *Authority) SetTokenError(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenError = code
}

// SignUserInfo makes the userinfo endpoint answer with a signed JWT.
func (a *Authority) SignUserInfo(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signUserInfo = on
}

// MutateIDToken installs fn to alter ID token claims before signing.
func (a *Authority) MutateIDToken(fn func(jwt.MapClaims)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutateIDToken = fn
}

// ForgetClients drops every registered client so later requests using them
// fail with invalid_client.
func (a *Authority) ForgetClients() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients = make(map[string][]string)
}

// LastAuthorization returns the query of the last Authorize call.
func (a *Authority) LastAuthorization() url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuthorize
}

// Authorize plays the user consenting at the authorization endpoint and
// returns the code and state the authority would redirect back with.
func (a *Authority) Authorize(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAuthorize = q

	uris, ok := a.clients[q.Get("client_id")]
	if !ok {
		return "", "", fmt.Errorf("unknown client %q", q.Get("client_id"))
	}
	if !slices.Contains(uris, q.Get("redirect_uri")) {
		return "", "", fmt.Errorf("redirect uri %q not registered", q.Get("redirect_uri"))
	}
	code = randomHex()
	a.codes[code] = grant{clientID: q.Get("client_id"), redirectURI: q.Get("redirect_uri"), nonce: q.Get("nonce")}
	return code, q.Get("state"), nil
}

// Sign signs claims with the authority key.
func (a *Authority) Sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = a.keyID
	s, err := tok.SignedString(a.key)
	if err != nil {
		panic(err)
	}
	return s
}

func (a *Authority) handleConfig(w http.ResponseWriter, r *http.Request) {
	base := a.issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"registration_endpoint":                 base + "/register",
		"jwks_uri":                              base + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (a *Authority) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}

	a.mu.Lock()
	a.registrations++
	id := fmt.Sprintf("client-%d", a.registrations)
	a.clients[id] = req.RedirectURIs
	a.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                id,
		"client_secret":            "secret-" + id,
		"redirect_uris":            req.RedirectURIs,
		"client_id_issued_at":      time.Now().Unix(),
		"client_secret_expires_at": 0,
	})
}

func (a *Authority) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	clientID, _, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
	} else {
		clientID = r.PostForm.Get("client_id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": a.tokenError})
		return
	}
	if _, known := a.clients[clientID]; !known {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	code := r.PostForm.Get("code")
	g, found := a.codes[code]
	delete(a.codes, code)
	if !found || g.clientID != clientID || g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.issuer,
		"sub": a.subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	if g.nonce != "" {
		claims["nonce"] = g.nonce
	}
	if a.mutateIDToken != nil {
		a.mutateIDToken(claims)
	}
	access := "at-" + randomHex()
	a.tokens[access] = clientID

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     a.Sign(claims),
	})
}

func (a *Authority) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	a.mu.Lock()
	_, ok := a.tokens[token]
	claims := make(map[string]any, len(a.userinfo))
	for k, v := range a.userinfo {
		claims[k] = v
	}
	signed := a.signUserInfo
	a.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	if signed {
		claims["iss"] = a.issuer
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(a.Sign(jwt.MapClaims(claims))))
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// handleClaims serves a distributed claims JWT for the authority subject.
func (a *Authority) handleClaims(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jwt")
	_, _ = w.Write([]byte(a.Sign(jwt.MapClaims{
		"iss":   a.issuer,
		"sub":   a.subject,
		"email": "agent-verified@example.org",
	})))
}

func (a *Authority) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       a.key.Public(),
		KeyID:     a.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
