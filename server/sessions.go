package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"id4meauth/kv"
)

const (
	sessionCookieName = "id4me_session"
	sessionKeyPrefix  = "session:"
)

// Notice is a one-shot message shown to the user after a redirect.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Session is the server-side record behind the session cookie.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id,omitempty"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"expires_at"`
	Notices   []Notice  `json:"notices,omitempty"`
}

// Authenticated reports whether an account is bound to the session.
func (s *Session) Authenticated() bool {
	return s != nil && s.AccountID != ""
}

// Notify queues a notice for the next page view.
func (s *Session) Notify(level, message string) {
	s.Notices = append(s.Notices, Notice{Level: level, Message: message})
}

// SessionManager handles cookie-backed sessions stored in kv.
type SessionManager struct {
	store        kv.Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store kv.Store, logger *slog.Logger) *SessionManager {
	// Lax so the top-level redirect back from the authority carries the cookie.
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Scope is the storage private to session id.
func (sm *SessionManager) Scope(id string) kv.Store {
	return kv.Prefixed(sm.store, sessionKeyPrefix+id+":")
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	raw, err := sm.store.Get(r.Context(), sessionKeyPrefix+cookie.Value)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		sm.logger.Warn("discarding unreadable session", "error", err)
		_ = sm.store.Delete(r.Context(), sessionKeyPrefix+cookie.Value)
		return nil, nil
	}
	if sm.now().After(sess.ExpiresAt) {
		_ = sm.store.Delete(r.Context(), sessionKeyPrefix+sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	if err := sm.Save(r.Context(), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Ensure returns the current session, creating an anonymous one when the
// request has none.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (*Session, error) {
	sess, err := sm.Fetch(r)
	if err != nil || sess != nil {
		return sess, err
	}
	sess = &Session{ID: rand.Text()}
	if err := sm.Save(r.Context(), sess); err != nil {
		return nil, err
	}
	sm.setCookie(w, sess.ID)
	return sess, nil
}

// Save persists sess and pushes its expiry forward.
func (sm *SessionManager) Save(ctx context.Context, sess *Session) error {
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := sm.store.Set(ctx, sessionKeyPrefix+sess.ID, raw, sm.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Rotate moves sess to a fresh identifier and reissues the cookie. The old
// identifier stops resolving.
func (sm *SessionManager) Rotate(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	old := sess.ID
	sess.ID = rand.Text()
	if err := sm.Save(ctx, sess); err != nil {
		sess.ID = old
		return err
	}
	if err := sm.store.Delete(ctx, sessionKeyPrefix+old); err != nil {
		sm.logger.Warn("failed to delete rotated session", "error", err)
	}
	sm.setCookie(w, sess.ID)
	return nil
}

// Destroy deletes the session record and clears the cookie.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) {
	if sess != nil {
		if err := sm.store.Delete(ctx, sessionKeyPrefix+sess.ID); err != nil {
			sm.logger.Warn("failed to delete session", "error", err)
		}
	}
	sm.Clear(w)
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// flowSession presents a browser session to the login coordinator.
type flowSession struct {
	sm   *SessionManager
	w    http.ResponseWriter
	sess *Session
}

func (f *flowSession) Scope() kv.Store { return f.sm.Scope(f.sess.ID) }

func (f *flowSession) AccountID() string { return f.sess.AccountID }

// Finalize binds the account and rotates the session identifier. On failure
// the session is left as it was, still anonymous.
func (f *flowSession) Finalize(ctx context.Context, accountID string) error {
	prevAccount, prevAuth := f.sess.AccountID, f.sess.AuthTime
	f.sess.AccountID = accountID
	f.sess.AuthTime = f.sm.now()
	if err := f.sm.Rotate(ctx, f.w, f.sess); err != nil {
		f.sess.AccountID, f.sess.AuthTime = prevAccount, prevAuth
		return err
	}
	return nil
}
