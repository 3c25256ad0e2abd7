package id4me

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"id4meauth/id4me/id4metest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "alice.example", want: "alice.example"},
		{in: "  Alice.Example. ", want: "alice.example"},
		{in: "alice@example.org", want: "alice.example.org"},
		{in: "a_b.example", want: "a_b.example"},
		{in: "", wantErr: true},
		{in: "localhost", wantErr: true},
		{in: "a@b@example.org", wantErr: true},
		{in: "-bad.example", wantErr: true},
		{in: "bad..example", wantErr: true},
		{in: "sp ace.example", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeIdentifier(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidIdentifier) {
				t.Fatalf("NormalizeIdentifier(%q) err = %v, want ErrInvalidIdentifier", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeIdentifier(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRecord(t *testing.T) {
	iss, clp, ok := parseRecord("v=OID1;iss=id.example.org;clp=agent.example.net")
	if !ok || iss != "id.example.org" || clp != "agent.example.net" {
		t.Fatalf("parseRecord = %q %q %v", iss, clp, ok)
	}
	if _, _, ok := parseRecord("v=spf1 -all"); ok {
		t.Fatal("spf record accepted")
	}
	if _, _, ok := parseRecord("v=OID1;clp=agent.example.net"); ok {
		t.Fatal("record without iss accepted")
	}
}

func TestResolveFindsRecord(t *testing.T) {
	dns := id4metest.StaticTXT{
		"_openid.alice.example": {"v=spf1 -all", "v=OID1;iss=id.alice.example;clp=agent.alice.example"},
	}
	r := NewResolver(dns, time.Second, RetryPolicy{}, discardLogger())

	auth, err := r.Resolve(context.Background(), "Alice.Example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if auth.Name != "id.alice.example" || auth.Agent != "agent.alice.example" || auth.Identifier != "alice.example" {
		t.Fatalf("unexpected authority %+v", auth)
	}
}

func TestResolveWalksParentDomains(t *testing.T) {
	dns := id4metest.StaticTXT{
		"_openid.example.org": {"v=OID1;iss=id.example.org"},
	}
	r := NewResolver(dns, time.Second, RetryPolicy{}, discardLogger())

	auth, err := r.Resolve(context.Background(), "bob@mail.example.org")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if auth.Name != "id.example.org" {
		t.Fatalf("authority = %q", auth.Name)
	}
	if auth.Identifier != "bob.mail.example.org" {
		t.Fatalf("identifier = %q", auth.Identifier)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := NewResolver(id4metest.StaticTXT{}, time.Second, RetryPolicy{}, discardLogger())
	if _, err := r.Resolve(context.Background(), "nobody.example"); !errors.Is(err, ErrAuthorityNotFound) {
		t.Fatalf("err = %v, want ErrAuthorityNotFound", err)
	}
}

type flakyTXT struct {
	calls atomic.Int32
	next  id4metest.StaticTXT
}

func (f *flakyTXT) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if f.calls.Add(1) == 1 {
		return nil, &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
	}
	return f.next.LookupTXT(ctx, name)
}

func TestResolveRetriesTemporaryFailures(t *testing.T) {
	dns := &flakyTXT{next: id4metest.StaticTXT{"_openid.alice.example": {"v=OID1;iss=id.alice.example"}}}
	r := NewResolver(dns, time.Second, RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond}, discardLogger())

	auth, err := r.Resolve(context.Background(), "alice.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if auth.Name != "id.alice.example" {
		t.Fatalf("authority = %q", auth.Name)
	}
	if got := dns.calls.Load(); got != 2 {
		t.Fatalf("lookups = %d, want 2", got)
	}
}

func TestHTTPTransportRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond},
	}, discardLogger())
	body, err := tr.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %s", body)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPTransportDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond},
	}, discardLogger())
	_, err := tr.Get(context.Background(), srv.URL, nil)
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchConfigIssuerMismatch(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"https://elsewhere.example","authorization_endpoint":"a","token_endpoint":"t","jwks_uri":"j"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{HTTPClient: srv.Client()}, discardLogger())
	if _, err := FetchConfig(context.Background(), tr, srv.URL); !errors.Is(err, ErrConfigUnavailable) {
		t.Fatalf("err = %v, want ErrConfigUnavailable", err)
	}
}

func TestIssuerURL(t *testing.T) {
	if got, err := IssuerURL("id.example.org"); err != nil || got != "https://id.example.org" {
		t.Fatalf("IssuerURL bare host = %q, %v", got, err)
	}
	if got, err := IssuerURL("https://id.example.org:8443/"); err != nil || got != "https://id.example.org:8443" {
		t.Fatalf("IssuerURL https url = %q, %v", got, err)
	}
	for _, bad := range []string{"http://10.0.0.5:8080", "ftp://id.example.org", "https://", "https://u:p@id.example.org", ""} {
		if _, err := IssuerURL(bad); !errors.Is(err, ErrInsecureURL) {
			t.Fatalf("IssuerURL(%q) err = %v, want ErrInsecureURL", bad, err)
		}
	}
	if got, err := issuerURL("http://127.0.0.1:8080/", true); err != nil || got != "http://127.0.0.1:8080" {
		t.Fatalf("issuerURL with http allowed = %q, %v", got, err)
	}
}

func TestResolveSkipsInsecureIssuer(t *testing.T) {
	dns := id4metest.StaticTXT{
		"_openid.alice.example": {"v=OID1;iss=http://10.0.0.5:8080"},
	}
	r := NewResolver(dns, time.Second, RetryPolicy{}, discardLogger())
	if auth, err := r.Resolve(context.Background(), "alice.example"); !errors.Is(err, ErrAuthorityNotFound) {
		t.Fatalf("Resolve = %+v, %v, want ErrAuthorityNotFound", auth, err)
	}

	r.AllowInsecureIssuers(true)
	auth, err := r.Resolve(context.Background(), "alice.example")
	if err != nil {
		t.Fatalf("Resolve with insecure issuers allowed: %v", err)
	}
	if auth.Name != "http://10.0.0.5:8080" {
		t.Fatalf("authority = %q", auth.Name)
	}
}

func TestResolveDropsInsecureAgent(t *testing.T) {
	dns := id4metest.StaticTXT{
		"_openid.alice.example": {"v=OID1;iss=id.alice.example;clp=http://agent.alice.example"},
	}
	r := NewResolver(dns, time.Second, RetryPolicy{}, discardLogger())
	auth, err := r.Resolve(context.Background(), "alice.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if auth.Name != "id.alice.example" || auth.Agent != "" {
		t.Fatalf("unexpected authority %+v", auth)
	}
}

func TestHTTPTransportRefusesPlainHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond},
	}, discardLogger())
	if _, err := tr.Get(context.Background(), srv.URL, nil); !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("Get err = %v, want ErrInsecureURL", err)
	}
	resp, err := tr.Client().Get(srv.URL)
	if err == nil {
		resp.Body.Close()
	}
	if !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("Client().Get err = %v, want ErrInsecureURL", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}

	dev := NewHTTPTransport(TransportConfig{HTTPClient: srv.Client(), AllowInsecure: true}, discardLogger())
	if _, err := dev.Get(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("Get with insecure allowed: %v", err)
	}
}

func TestHTTPTransportRefusesRedirectToPlainHTTP(t *testing.T) {
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer plain.Close()
	srv := httptest.NewTLSServer(http.RedirectHandler(plain.URL, http.StatusFound))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{HTTPClient: srv.Client()}, discardLogger())
	if _, err := tr.Get(context.Background(), srv.URL, nil); !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("err = %v, want ErrInsecureURL", err)
	}
}

func TestFetchConfigInsecureAuthority(t *testing.T) {
	a := id4metest.NewInsecureAuthority(t, "sub-123")

	strict := NewHTTPTransport(TransportConfig{HTTPClient: a.Client()}, discardLogger())
	if _, err := FetchConfig(context.Background(), strict, a.Name()); !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("err = %v, want ErrInsecureURL", err)
	}

	dev := NewHTTPTransport(TransportConfig{HTTPClient: a.Client(), AllowInsecure: true}, discardLogger())
	cfg, err := FetchConfig(context.Background(), dev, a.Name())
	if err != nil {
		t.Fatalf("FetchConfig with insecure allowed: %v", err)
	}
	if cfg.Issuer != a.Issuer() {
		t.Fatalf("issuer = %q", cfg.Issuer)
	}
}
