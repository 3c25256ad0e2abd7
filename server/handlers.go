package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"id4meauth/id4me"
	"id4meauth/login"
	"id4meauth/store"
)

// User-visible notices. Security failures share one generic message.
const (
	noticeGeneric     = "Could not authenticate."
	noticeCancelled   = "Login canceled."
	noticeUnreachable = "Cannot connect to identity provider."
	noticeConflict    = "This identity is already linked to a different account."
	noticeIssuerTaken = "Your account is already linked to another identity at this provider."
	noticeBadID       = "Please enter a valid ID4me identifier."
	noticeSignedIn    = "Signed in."
	noticeLinked      = "Identity linked to your account."
)

const (
	levelInfo    = "info"
	levelError   = "error"
	levelSuccess = "success"
)

// DNS names are at most 253 bytes.
const maxIdentifierBytes = 253

type accountView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionView struct {
	Authenticated bool         `json:"authenticated"`
	Account       *accountView `json:"account,omitempty"`
	Notices       []Notice     `json:"notices"`
}

type linkView struct {
	Issuer  string `json:"issuer"`
	Subject string `json:"subject"`
}

// handleLogin starts a login for the posted identifier.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	identifier := strings.TrimSpace(r.PostFormValue("identifier"))

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session unavailable", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	setLoggedAccount(r.Context(), sess.AccountID)

	if len(identifier) > maxIdentifierBytes {
		a.notifyAndGoHome(w, r, sess, levelError, noticeBadID)
		return
	}

	target, err := a.Coordinator.Begin(r.Context(), &flowSession{sm: a.Sessions, w: w, sess: sess}, identifier)
	if err != nil {
		level, msg := noticeFor(err)
		a.Logger.Warn("id4me login not started", "error", err)
		a.notifyAndGoHome(w, r, sess, level, msg)
		return
	}

	http.Redirect(w, r, target.URL, http.StatusFound)
}

// handleAuthorize is the callback the authority redirects the browser to.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := login.Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if cb.Code == "" && cb.Error == "" {
		http.NotFound(w, r)
		return
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session unavailable", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	// Access gate: the token is checked here and consumed by the flow.
	if sess == nil || cb.State == "" || !a.Coordinator.States().Confirm(r.Context(), a.Sessions.Scope(sess.ID), cb.State) {
		a.Logger.Warn("callback rejected", "reason", "state not outstanding for session", "has_session", sess != nil)
		a.Metrics.LoginOutcome(login.OutcomeRejected)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	setLoggedAccount(r.Context(), sess.AccountID)

	connecting := sess.Authenticated()
	res, err := a.Coordinator.Complete(r.Context(), &flowSession{sm: a.Sessions, w: w, sess: sess}, cb)
	if err != nil {
		level, msg := noticeFor(err)
		a.notifyAndGoHome(w, r, sess, level, msg)
		return
	}
	setLoggedAccount(r.Context(), res.Account.ID)

	msg := noticeSignedIn
	if connecting && res.Linked {
		msg = noticeLinked
	}
	a.notifyAndGoHome(w, r, sess, levelSuccess, msg)
}

// handleSession reports the session state and drains pending notices.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	view := sessionView{Notices: []Notice{}}
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session unavailable", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		writeJSON(w, view)
		return
	}

	if sess.Authenticated() {
		setLoggedAccount(r.Context(), sess.AccountID)
		acct, err := a.Store.Account(r.Context(), sess.AccountID)
		switch {
		case err == nil:
			view.Authenticated = true
			view.Account = &accountView{ID: acct.ID, Username: acct.Username, Email: acct.Email, CreatedAt: acct.CreatedAt}
		case errors.Is(err, store.ErrNotFound):
			a.Logger.Warn("session bound to missing account", "account_id", sess.AccountID)
			sess.AccountID = ""
		default:
			a.Logger.Error("load account failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	if len(sess.Notices) > 0 {
		view.Notices = sess.Notices
		sess.Notices = nil
	}
	if err := a.Sessions.Save(r.Context(), sess); err != nil {
		a.Logger.Error("save session failed", "error", err)
	}
	writeJSON(w, view)
}

// handleListLinks lists the identities linked to the current account.
func (a *App) handleListLinks(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.requireAccount(w, r)
	if !ok {
		return
	}
	links, err := a.Store.ListLinks(r.Context(), sess.AccountID)
	if err != nil {
		a.Logger.Error("list links failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	out := make([]linkView, 0, len(links))
	for issuer, subject := range links {
		out = append(out, linkView{Issuer: issuer, Subject: subject})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issuer < out[j].Issuer })
	writeJSON(w, map[string]any{"links": out})
}

// handleUnlink removes one link, or all of them without an issuer.
func (a *App) handleUnlink(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.requireAccount(w, r)
	if !ok {
		return
	}
	issuer := chi.URLParam(r, "issuer")
	n, err := a.Store.Unlink(r.Context(), sess.AccountID, issuer)
	if err != nil {
		a.Logger.Error("unlink failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if issuer != "" && n == 0 {
		http.NotFound(w, r)
		return
	}
	a.Logger.Info("identities unlinked", "account_id", sess.AccountID, "issuer", issuer, "count", n)
	writeJSON(w, map[string]int{"removed": n})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session unavailable on logout", "error", err)
	}
	a.Sessions.Destroy(r.Context(), w, sess)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Error("health check failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) requireAccount(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session unavailable", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, false
	}
	if !sess.Authenticated() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
		return nil, false
	}
	setLoggedAccount(r.Context(), sess.AccountID)
	return sess, true
}

func (a *App) notifyAndGoHome(w http.ResponseWriter, r *http.Request, sess *Session, level, msg string) {
	sess.Notify(level, msg)
	if err := a.Sessions.Save(r.Context(), sess); err != nil {
		a.Logger.Error("save session failed", "error", err)
	}
	http.Redirect(w, r, a.Config.Site.HomePath, http.StatusFound)
}

// noticeFor maps a flow error to what the user is told.
func noticeFor(err error) (level, msg string) {
	switch {
	case errors.Is(err, login.ErrUserCancelled):
		return levelInfo, noticeCancelled
	case errors.Is(err, store.ErrLinkageConflict):
		return levelError, noticeConflict
	case errors.Is(err, store.ErrIssuerLinked):
		return levelError, noticeIssuerTaken
	case errors.Is(err, id4me.ErrInvalidIdentifier):
		return levelError, noticeBadID
	case errors.Is(err, id4me.ErrAuthorityNotFound),
		errors.Is(err, id4me.ErrConfigUnavailable),
		errors.Is(err, id4me.ErrRegistration):
		return levelError, noticeUnreachable
	default:
		return levelError, noticeGeneric
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
