package login

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"id4meauth/id4me"
	"id4meauth/store"
)

const maxUsernameAttempts = 20

// baseUsername picks the first usable of preferred_username, the email local
// part and the identifier.
func baseUsername(info id4me.UserInfo, identifier string) string {
	candidates := []string{info.PreferredUsername}
	if local, _, ok := strings.Cut(info.Email, "@"); ok {
		candidates = append(candidates, local)
	}
	candidates = append(candidates, identifier)

	for _, c := range candidates {
		if name := sanitizeUsername(c); name != "" {
			return name
		}
	}
	return ""
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	name := strings.Trim(b.String(), ".-_")
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

// provision creates an account for a first-time identity. Taken usernames
// get a numeric suffix.
func provision(ctx context.Context, accounts store.Accounts, info id4me.UserInfo, identifier string) (store.Account, error) {
	base := baseUsername(info, identifier)
	if base == "" {
		return store.Account{}, fmt.Errorf("no usable username for subject")
	}

	for i := 1; i <= maxUsernameAttempts; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		acct, err := accounts.CreateAccount(ctx, store.NewAccount{Username: name, Email: info.Email})
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, store.ErrUsernameTaken) {
			return store.Account{}, err
		}
	}
	return store.Account{}, fmt.Errorf("%w: %s and %d variants", store.ErrUsernameTaken, base, maxUsernameAttempts-1)
}
