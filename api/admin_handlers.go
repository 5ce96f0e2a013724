package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/internal/util"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// ListPendingUsers handles GET /admin/pending-users.
func (a *API) ListPendingUsers(w http.ResponseWriter, r *http.Request) {
	approved := false
	list, err := a.users.List(r.Context(), users.Filter{Approved: &approved})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponses(list))
}

// ListUsers handles GET /admin/users?limit&offset.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := a.users.List(r.Context(), users.Filter{})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(list), limit, offset)
	writeJSON(w, http.StatusOK, UserListResponse{
		Users:      newUserResponses(list[start:end]),
		Pagination: meta,
	})
}

// CreateUser handles POST /admin/users. The account is approved at once.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	password, generated, err := passwordOrGenerate(req.Password)
	if err != nil {
		a.writeInternalError(w, r, "generating password", err)
		return
	}
	u, err := a.users.Create(r.Context(), users.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: password,
		Role:     req.Role,
		Approved: true,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.recorder.Record(r.Context(), principal(r).User.ID, activity.AccountApprovedDetails{
		TargetUserID:      u.ID,
		TargetUsername:    u.Username,
		PasswordGenerated: generated,
	}, a.origin(r))

	resp := AccountResponse{Message: "User created successfully", User: newUserResponse(u)}
	if generated {
		resp.GeneratedPassword = password
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ApproveUser handles POST /admin/approve-user/{userID}. The body may set
// the password; otherwise one is generated and returned.
func (a *API) ApproveUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[ApproveUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	password, generated, err := passwordOrGenerate(req.Password)
	if err != nil {
		a.writeInternalError(w, r, "generating password", err)
		return
	}
	u, err := a.users.Mutate(r.Context(), chi.URLParam(r, "userID"), func(u *users.User) error {
		u.Approved = true
		return a.users.SetPassword(u, password)
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.recorder.Record(r.Context(), principal(r).User.ID, activity.AccountApprovedDetails{
		TargetUserID:      u.ID,
		TargetUsername:    u.Username,
		PasswordGenerated: generated,
	}, a.origin(r))

	resp := AccountResponse{Message: "User approved successfully", User: newUserResponse(u)}
	if generated {
		resp.GeneratedPassword = password
	}
	writeJSON(w, http.StatusOK, resp)
}

func passwordOrGenerate(password string) (string, bool, error) {
	if password != "" {
		return password, false, nil
	}
	generated, err := util.RandomChars(generatedPasswordLen)
	if err != nil {
		return "", false, err
	}
	return generated, true, nil
}

// UpdateUser handles PUT /admin/users/{userID}.
func (a *API) UpdateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.XP != nil && *req.XP < 0 {
		writeError(w, http.StatusBadRequest, "xp must not be negative")
		return
	}
	actor := principal(r).User
	targetID := chi.URLParam(r, "userID")
	if targetID == actor.ID && ((req.Role != nil && *req.Role != users.RoleAdmin) || (req.Approved != nil && !*req.Approved)) {
		writeError(w, http.StatusBadRequest, "you cannot demote or unapprove your own account")
		return
	}

	var changed []string
	u, err := a.users.Mutate(r.Context(), targetID, func(u *users.User) error {
		changed = changed[:0]
		if req.Username != nil && *req.Username != u.Username {
			u.Username = *req.Username
			changed = append(changed, "username")
		}
		if req.Email != nil && !strings.EqualFold(*req.Email, u.Email) {
			u.Email = *req.Email
			changed = append(changed, "email")
		}
		if req.Role != nil && *req.Role != u.Role {
			u.Role = *req.Role
			changed = append(changed, "role")
		}
		if req.Approved != nil && *req.Approved != u.Approved {
			u.Approved = *req.Approved
			changed = append(changed, "isApproved")
		}
		if req.XP != nil && *req.XP != u.XP {
			u.SetXP(*req.XP)
			changed = append(changed, "xp")
		}
		return nil
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	if len(changed) > 0 {
		a.recorder.Record(r.Context(), actor.ID, activity.ProfileUpdatedDetails{
			TargetUserID:  u.ID,
			FieldsChanged: changed,
		}, a.origin(r))
	}
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// DeleteUser handles DELETE /admin/users/{userID}. The user's sessions are
// deactivated first so outstanding tokens stop working at once.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := principal(r).User
	targetID := chi.URLParam(r, "userID")
	if targetID == actor.ID {
		writeError(w, http.StatusBadRequest, "you cannot delete your own account")
		return
	}
	u, err := a.users.Get(r.Context(), targetID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	ended, err := a.sessions.DeactivateAll(r.Context(), u.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if err := a.users.Delete(r.Context(), u.ID); err != nil {
		a.mapError(w, r, err)
		return
	}

	a.recorder.Record(r.Context(), actor.ID, activity.AccountDeletedDetails{
		TargetUserID:   u.ID,
		TargetUsername: u.Username,
		SessionsEnded:  ended,
	}, a.origin(r))
	writeMessage(w, http.StatusOK, "User deleted successfully")
}

// ResetUserProgress handles POST /admin/users/{userID}/reset-progress.
func (a *API) ResetUserProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[ResetProgressRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	u, err := a.training.ResetUserProgress(r.Context(), chi.URLParam(r, "userID"), req.Year, principal(r).User.ID, a.origin(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// ---------------------------------------------------------------------------
// Statistics and the training year
// ---------------------------------------------------------------------------

// Statistics handles GET /admin/statistics.
func (a *API) Statistics(w http.ResponseWriter, r *http.Request) {
	st, err := a.training.Statistics(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TrainingYear handles GET /admin/training-year.
func (a *API) TrainingYear(w http.ResponseWriter, r *http.Request) {
	st, err := a.training.Stats(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetTrainingYear handles POST /admin/reset-training-year.
func (a *API) ResetTrainingYear(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetTrainingYearRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.NewYear <= 0 {
		writeError(w, http.StatusBadRequest, "newYear is required")
		return
	}
	res, err := a.training.Reset(r.Context(), req.NewYear, principal(r).User.ID, a.origin(r))
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, training.ErrInvalidYearTransition):
			result = "invalid"
		case errors.Is(err, training.ErrResetInProgress):
			result = "in_progress"
		}
		a.metrics.resets.WithLabelValues(result).Inc()
		a.mapError(w, r, err)
		return
	}
	a.metrics.resets.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, ResetTrainingYearResponse{
		Message:     "Training year reset successfully",
		ResetResult: *res,
	})
}
