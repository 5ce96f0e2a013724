package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/users"
)

type contextKey int

const principalKey contextKey = iota

// Principal is the authenticated caller attached to the request context by
// Authenticate.
type Principal struct {
	User    *users.User
	Session *session.Session
}

// PrincipalFromContext returns the caller set by Authenticate.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Guard rejection reasons, also used as metric labels.
const (
	rejectMissingToken   = "missing_token"
	rejectInvalidToken   = "invalid_token"
	rejectSessionExpired = "session_expired"
	rejectUserNotFound   = "user_not_found"
	rejectNotApproved    = "not_approved"
	rejectForbidden      = "forbidden"
)

var guardResponses = map[string]struct {
	status int
	msg    string
}{
	rejectMissingToken:   {http.StatusUnauthorized, "access token required"},
	rejectInvalidToken:   {http.StatusForbidden, "invalid or expired token"},
	rejectSessionExpired: {http.StatusUnauthorized, "session expired or revoked, please log in again"},
	rejectUserNotFound:   {http.StatusNotFound, "user not found"},
	rejectNotApproved:    {http.StatusForbidden, "account pending approval"},
	rejectForbidden:      {http.StatusForbidden, "admin access required"},
}

// Authenticate verifies the bearer token, requires a live session for it,
// loads the user and requires approval. Each check short-circuits.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, ok := bearerToken(r)
		if !ok {
			a.reject(w, rejectMissingToken)
			return
		}
		ident, err := a.tokens.Verify(raw)
		if err != nil {
			a.reject(w, rejectInvalidToken)
			return
		}
		sess, err := a.sessions.FindActiveByToken(ctx, raw)
		if errors.Is(err, session.ErrNotFound) {
			a.reject(w, rejectSessionExpired)
			return
		}
		if err != nil {
			a.writeInternalError(w, r, "session lookup failed", err)
			return
		}
		if sess.UserID != ident.UserID {
			a.reject(w, rejectSessionExpired)
			return
		}
		u, err := a.users.Get(ctx, ident.UserID)
		if errors.Is(err, users.ErrNotFound) {
			a.reject(w, rejectUserNotFound)
			return
		}
		if err != nil {
			a.writeInternalError(w, r, "user lookup failed", err)
			return
		}
		if !u.Approved {
			a.reject(w, rejectNotApproved)
			return
		}

		ctx = context.WithValue(ctx, principalKey, &Principal{User: u, Session: sess})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after Authenticate.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.User.Role != users.RoleAdmin {
			a.reject(w, rejectForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) reject(w http.ResponseWriter, reason string) {
	a.metrics.guardRejections.WithLabelValues(reason).Inc()
	resp := guardResponses[reason]
	writeError(w, resp.status, resp.msg)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// principal returns the caller; routes using it are behind Authenticate.
func principal(r *http.Request) *Principal {
	p, _ := PrincipalFromContext(r.Context())
	return p
}

// touch refreshes the caller's session activity. Failures only affect the
// displayed last-activity time and are logged.
func (a *API) touch(r *http.Request) {
	p := principal(r)
	if err := a.sessions.Touch(r.Context(), p.Session.ID); err != nil {
		a.logger.Warn("touching session failed", "error", err, "session_id", p.Session.ID)
	}
}

func (a *API) origin(r *http.Request) activity.Origin {
	return activity.Origin{IPAddress: a.extractClientIP(r), UserAgent: r.UserAgent()}
}
