package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/internal/util"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/users"
)

const (
	// generatedPasswordLen is used for placeholder and admin-generated
	// passwords.
	generatedPasswordLen = 12
	// maxTokenAttempts bounds retries on a session token collision.
	maxTokenAttempts = 3

	msgInvalidCredentials = "invalid credentials"
)

var errWrongPassword = errors.New("current password is incorrect")

// RequestAccount handles POST /auth/request-account. The account is created
// unapproved with an unusable random password; an admin sets the real one
// on approval.
func (a *API) RequestAccount(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.requestGlobal.check(); blocked {
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	if blocked, retryAfter := a.requestIPLimiter.check(clientIP); blocked {
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[RequestAccountRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	a.requestIPLimiter.recordFailure(clientIP)
	a.requestGlobal.record()

	placeholder, err := util.RandomChars(generatedPasswordLen)
	if err != nil {
		a.writeInternalError(w, r, "generating placeholder password", err)
		return
	}
	u, err := a.users.Create(r.Context(), users.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: placeholder,
		Role:     users.RoleEmployee,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.recorder.Record(r.Context(), u.ID, activity.AccountRequestDetails{Username: u.Username, Email: u.Email}, a.origin(r))
	writeMessage(w, http.StatusCreated, "Account request submitted. Please wait for admin approval.")
}

// Login handles POST /auth/login.
//
// Unknown usernames and wrong passwords get the same 401. The approval
// check runs after the password check so that the 403 does not reveal
// that an unapproved username exists.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	accountKey := strings.ToLower(users.NormalizeUsername(req.Username))
	clientIP := a.extractClientIP(r)

	// Global, then IP, then per-account.
	if blocked, retryAfter := a.loginGlobal.check(); blocked {
		a.loginRateLimited(w, r, retryAfter, "global")
		return
	}
	if blocked, retryAfter := a.loginIPLimiter.check(clientIP); blocked {
		a.loginRateLimited(w, r, retryAfter, "ip")
		return
	}
	if blocked, retryAfter := a.loginLimiter.check(accountKey); blocked {
		a.loginRateLimited(w, r, retryAfter, "account")
		return
	}

	fail := func() {
		a.loginGlobal.record()
		a.loginIPLimiter.recordFailure(clientIP)
		a.loginLimiter.recordFailure(accountKey)
		a.alerts.recordLoginFailure()
		a.metrics.logins.WithLabelValues("invalid_credentials").Inc()
		writeError(w, http.StatusUnauthorized, msgInvalidCredentials)
	}

	u, err := a.users.GetByUsername(r.Context(), req.Username)
	if errors.Is(err, users.ErrNotFound) {
		fail()
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "loading user for login", err)
		return
	}
	if !users.CheckPassword(u, req.Password) {
		fail()
		return
	}
	a.loginLimiter.recordSuccess(accountKey)
	a.loginIPLimiter.recordSuccess(clientIP)

	if !u.Approved {
		a.metrics.logins.WithLabelValues("not_approved").Inc()
		writeError(w, http.StatusForbidden, "account pending approval")
		return
	}

	device := session.ParseUserAgent(r.UserAgent())
	device.IPAddress = clientIP

	var (
		tok  string
		sess *session.Session
	)
	for attempt := 0; ; attempt++ {
		tok, err = a.tokens.Issue(u.ID, string(u.Role), u.Username)
		if err != nil {
			a.writeInternalError(w, r, "issuing token", err)
			return
		}
		sess, err = a.sessions.Create(r.Context(), u.ID, tok, device, a.tokens.TTL())
		if errors.Is(err, session.ErrDuplicateToken) && attempt+1 < maxTokenAttempts {
			a.logger.Warn("session token collision, reissuing", "user_id", u.ID)
			continue
		}
		break
	}
	if err != nil {
		a.writeInternalError(w, r, "creating session", err)
		return
	}

	a.metrics.logins.WithLabelValues("success").Inc()
	a.recorder.Record(r.Context(), u.ID, activity.LoginDetails{
		SessionID:  sess.ID,
		DeviceType: device.Type,
		Browser:    device.Browser,
		OS:         device.OS,
	}, a.origin(r))

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     tok,
		User:      newUserResponse(u),
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) loginRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, scope string) {
	a.metrics.logins.WithLabelValues("rate_limited").Inc()
	a.logger.LogAttrs(r.Context(), slog.LevelWarn, "login rate limited",
		slog.String("scope", scope),
		slog.String("client_ip", a.extractClientIP(r)),
	)
	writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	writeJSON(w, http.StatusOK, newUserResponse(principal(r).User))
}

// ChangePassword handles POST /auth/change-password.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}
	p := principal(r)
	_, err := a.users.Mutate(r.Context(), p.User.ID, func(u *users.User) error {
		if !users.CheckPassword(u, req.CurrentPassword) {
			return errWrongPassword
		}
		return a.users.SetPassword(u, req.NewPassword)
	})
	if errors.Is(err, errWrongPassword) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.recorder.Record(r.Context(), p.User.ID, activity.PasswordChangeDetails{}, a.origin(r))
	writeMessage(w, http.StatusOK, "Password changed successfully")
}

// Logout handles POST /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := a.sessions.Deactivate(r.Context(), p.Session.ID); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.recorder.Record(r.Context(), p.User.ID, activity.LogoutDetails{SessionID: p.Session.ID}, a.origin(r))
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

// LogoutAll handles POST /auth/logout-all.
func (a *API) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	n, err := a.sessions.DeactivateAll(r.Context(), p.User.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.recorder.Record(r.Context(), p.User.ID, activity.LogoutAllDetails{SessionsEnded: n}, a.origin(r))
	writeJSON(w, http.StatusOK, LogoutAllResponse{Message: "Logged out from all devices", SessionsEnded: n})
}

// ListSessions handles GET /auth/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	p := principal(r)
	list, err := a.sessions.ListActive(r.Context(), p.User.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	out := make([]SessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, newSessionResponse(s, p.Session.ID))
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeSession handles DELETE /auth/sessions/{sessionID}. Sessions of
// other users are reported as not found.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	s, err := a.sessions.GetForUser(r.Context(), p.User.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if err := a.sessions.Deactivate(r.Context(), s.ID); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.recorder.Record(r.Context(), p.User.ID, activity.SessionRevokedDetails{SessionID: s.ID}, a.origin(r))
	writeMessage(w, http.StatusOK, "Session revoked successfully")
}
