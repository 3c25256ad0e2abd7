// Package store defines the local account and authmap contracts used by the
// login flow.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrUsernameTaken   = errors.New("store: username taken")
	ErrLinkageConflict = errors.New("store: identity already linked to a different account")
	// ErrIssuerLinked reports that the account already holds a different
	// subject at the same issuer.
	ErrIssuerLinked = errors.New("store: account already linked at issuer")
)

// Account is a local account.
type Account struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
}

// NewAccount holds the fields used to provision an account.
type NewAccount struct {
	Username string
	Email    string
}

// Link is one authmap row.
type Link struct {
	AccountID string
	Issuer    string
	Subject   string
	CreatedAt time.Time
}

// Accounts provisions and loads local accounts.
type Accounts interface {
	// CreateAccount returns ErrUsernameTaken when the username is in use.
	CreateAccount(ctx context.Context, acct NewAccount) (Account, error)
	// Account returns ErrNotFound for unknown ids.
	Account(ctx context.Context, id string) (Account, error)
}

// Authmap maps (issuer, subject) pairs to local accounts. Each pair belongs to
// at most one account and an account holds at most one link per issuer.
type Authmap interface {
	// Link records the pair for accountID. Linking a pair already held by
	// accountID is a no-op. A pair held by another account returns
	// ErrLinkageConflict; a second subject for an issuer the account is
	// already linked at returns ErrIssuerLinked.
	Link(ctx context.Context, accountID, issuer, subject string) error
	// Unlink removes the account's links, only the one for issuer when it is
	// non-empty. It reports the number of removed links.
	Unlink(ctx context.Context, accountID, issuer string) (int, error)
	// FindAccountByIdentity reports the linked account, found is false when
	// the pair is not linked.
	FindAccountByIdentity(ctx context.Context, issuer, subject string) (accountID string, found bool, err error)
	// ListLinks returns issuer -> subject for the account.
	ListLinks(ctx context.Context, accountID string) (map[string]string, error)
}

// Store bundles both contracts.
type Store interface {
	Accounts
	Authmap
	Ping(ctx context.Context) error
	Close() error
}
