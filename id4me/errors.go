package id4me

import (
	"errors"
	"fmt"
	"net/http"
)

// Discovery errors.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrAuthorityNotFound = errors.New("no id4me authority delegated for identifier")
	ErrConfigUnavailable = errors.New("openid configuration unavailable")
	ErrRegistration      = errors.New("client registration failed")
	ErrInsecureURL       = errors.New("authority url is not https")
)

// Token and claim errors.
var (
	ErrTokenExchange  = errors.New("token exchange failed")
	ErrInvalidIDToken = errors.New("invalid id_token")
	ErrUserInfoFetch  = errors.New("userinfo fetch failed")
)

// ErrClientRejected marks an upstream rejection of our client credentials
// (invalid_client, unauthorized_client). Cached registrations should be dropped.
var ErrClientRejected = errors.New("authority rejected client")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the request may succeed on retry.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
