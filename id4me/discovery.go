package id4me

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	recordPrefix  = "_openid."
	recordVersion = "v=OID1"
)

// Authority is the result of discovery for one identifier.
type Authority struct {
	// Name is the issuer host (or URL) delegated by the DNS record.
	Name string
	// Agent is the optional identity agent (claims provider) host.
	Agent string
	// Identifier is the normalized identifier the record was found for.
	Identifier string
}

// IssuerURL returns the https issuer URL for the authority name. Bare hosts
// are served over https; any other scheme fails with ErrInsecureURL.
func IssuerURL(authority string) (string, error) {
	return issuerURL(authority, false)
}

// issuerURL additionally admits http issuers when allowHTTP is set.
func issuerURL(authority string, allowHTTP bool) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(authority), "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty issuer", ErrInsecureURL)
	}
	if !strings.Contains(name, "://") {
		name = "https://" + name
	}
	u, err := url.Parse(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInsecureURL, authority, err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && allowHTTP:
	default:
		return "", fmt.Errorf("%w: %q", ErrInsecureURL, authority)
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: malformed issuer %q", ErrInsecureURL, authority)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// TXTLookup is satisfied by *net.Resolver.
type TXTLookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver turns identifiers into authorities via `_openid` TXT records.
type Resolver struct {
	dns           TXTLookup
	timeout       time.Duration
	retry         RetryPolicy
	logger        *slog.Logger
	allowInsecure bool
}

// NewResolver constructs a Resolver. A nil lookup uses net.DefaultResolver.
func NewResolver(lookup TXTLookup, timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dns: lookup, timeout: timeout, retry: retry, logger: logger}
}

// AllowInsecureIssuers accepts records delegating to http:// issuers. It is
// meant for local development against a plain HTTP authority.
func (r *Resolver) AllowInsecureIssuers(on bool) {
	r.allowInsecure = on
}

// Resolve finds the authority for identifier. The lookup starts at
// `_openid.<identifier>` and walks up parent domains until a record is found.
// Records naming a non-https issuer are skipped.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (Authority, error) {
	host, err := NormalizeIdentifier(identifier)
	if err != nil {
		return Authority{}, err
	}

	for name := host; strings.Count(name, ".") >= 1; name = parentDomain(name) {
		records, err := r.lookup(ctx, recordPrefix+name)
		if err != nil {
			return Authority{}, err
		}
		for _, rec := range records {
			iss, clp, ok := parseRecord(rec)
			if !ok {
				continue
			}
			if _, err := issuerURL(iss, r.allowInsecure); err != nil {
				r.logger.Warn("ignoring id4me record with unusable issuer", "record", name, "issuer", iss, "error", err)
				continue
			}
			if clp != "" {
				if _, err := issuerURL(clp, r.allowInsecure); err != nil {
					r.logger.Warn("ignoring unusable identity agent", "record", name, "agent", clp, "error", err)
					clp = ""
				}
			}
			r.logger.Debug("id4me authority discovered", "identifier", host, "record", name, "authority", iss)
			return Authority{Name: iss, Agent: clp, Identifier: host}, nil
		}
	}
	return Authority{}, fmt.Errorf("%w: %s", ErrAuthorityNotFound, host)
}

func (r *Resolver) lookup(ctx context.Context, name string) ([]string, error) {
	var records []string
	op := func() error {
		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		txt, err := r.dns.LookupTXT(lctx, name)
		if err == nil {
			records = txt
			return nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				records = nil
				return nil
			}
			if dnsErr.IsTemporary || dnsErr.IsTimeout {
				return err
			}
		}
		return backoff.Permanent(err)
	}
	if err := r.retry.Do(ctx, r.logger, "dns "+name, op); err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrAuthorityNotFound, name, err)
	}
	return records, nil
}

// NormalizeIdentifier validates identifier and returns the DNS name it maps
// to. Email-shaped identifiers map `@` to `.`.
func NormalizeIdentifier(identifier string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	id = strings.TrimSuffix(id, ".")
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.Count(id, "@") > 1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	id = strings.Replace(id, "@", ".", 1)

	if len(id) > 253 || !strings.Contains(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	for _, label := range strings.Split(id, ".") {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
		}
	}
	return id, nil
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func parentDomain(name string) string {
	idx := strings.Index(name, ".")
	if idx == -1 {
		return ""
	}
	return name[idx+1:]
}

// parseRecord reads `v=OID1;iss=<issuer>;clp=<agent>`.
func parseRecord(rec string) (iss, clp string, ok bool) {
	fields := strings.Split(rec, ";")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) != recordVersion {
		return "", "", false
	}
	for _, f := range fields[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(f), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "iss":
			iss = strings.TrimSpace(v)
		case "clp":
			clp = strings.TrimSpace(v)
		}
	}
	return iss, clp, iss != ""
}
