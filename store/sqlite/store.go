// Package sqlite provides the SQLite-backed account and authmap store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/oklog/ulid/v2"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"id4meauth/store"
	"id4meauth/store/sqlite/migrations"
)

// Store persists accounts and authmap rows in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := "file:" + clean + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps pragmas consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// ApplyMigrations applies pending embedded migrations.
func (s *Store) ApplyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateAccount(ctx context.Context, acct store.NewAccount) (store.Account, error) {
	username := strings.TrimSpace(acct.Username)
	if username == "" {
		return store.Account{}, fmt.Errorf("username is required")
	}
	out := store.Account{
		ID:        ulid.Make().String(),
		Username:  username,
		Email:     strings.TrimSpace(acct.Email),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, email, created_at) VALUES (?, ?, ?, ?)`,
		out.ID, out.Username, out.Email, out.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, "accounts.username") {
			return store.Account{}, fmt.Errorf("%w: %s", store.ErrUsernameTaken, username)
		}
		return store.Account{}, fmt.Errorf("create account: %w", err)
	}
	return out, nil
}

func (s *Store) Account(ctx context.Context, id string) (store.Account, error) {
	var (
		acct    store.Account
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&acct.ID, &acct.Username, &acct.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("load account: %w", err)
	}
	acct.CreatedAt = time.UnixMilli(created).UTC()
	return acct, nil
}

func (s *Store) Link(ctx context.Context, accountID, issuer, subject string) error {
	if accountID == "" || issuer == "" || subject == "" {
		return fmt.Errorf("link requires account, issuer and subject")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authmap (issuer, subject, account_id, created_at) VALUES (?, ?, ?, ?)`,
		issuer, subject, accountID, s.now().UTC().UnixMilli())
	if err == nil {
		return nil
	}
	if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY, "FOREIGN KEY") {
		return fmt.Errorf("link identity: account %s: %w", accountID, store.ErrNotFound)
	}
	if !isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, "authmap.") &&
		!isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, "authmap.") {
		return fmt.Errorf("link identity: %w", err)
	}

	owner, found, ferr := s.FindAccountByIdentity(ctx, issuer, subject)
	switch {
	case ferr != nil:
		return ferr
	case found && owner == accountID:
		return nil
	case found:
		return fmt.Errorf("%w: issuer %s", store.ErrLinkageConflict, issuer)
	default:
		// The pair is free, so the (account_id, issuer) index fired.
		return fmt.Errorf("%w: issuer %s", store.ErrIssuerLinked, issuer)
	}
}

func (s *Store) Unlink(ctx context.Context, accountID, issuer string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if issuer == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM authmap WHERE account_id = ?`, accountID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM authmap WHERE account_id = ? AND issuer = ?`, accountID, issuer)
	}
	if err != nil {
		return 0, fmt.Errorf("unlink identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unlink identity: %w", err)
	}
	return int(n), nil
}

func (s *Store) FindAccountByIdentity(ctx context.Context, issuer, subject string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM authmap WHERE issuer = ? AND subject = ?`, issuer, subject,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find linked account: %w", err)
	}
	return id, true, nil
}

func (s *Store) ListLinks(ctx context.Context, accountID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT issuer, subject FROM authmap WHERE account_id = ? ORDER BY issuer`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]string)
	for rows.Next() {
		var issuer, subject string
		if err := rows.Scan(&issuer, &subject); err != nil {
			return nil, fmt.Errorf("list links: %w", err)
		}
		links[issuer] = subject
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

// isConstraint matches a SQLite constraint violation by extended code, or by
// message when the driver reports only the primary code.
func isConstraint(err error, code int, marker string) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() != code && sqliteErr.Code() != sqlite3lib.SQLITE_CONSTRAINT {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") && strings.Contains(msg, marker)
}
