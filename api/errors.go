package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/storage"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

const (
	maxAuthBodySize  = 8 << 10
	maxAdminBodySize = 256 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageResponse{Message: msg})
}

// decodeJSON reads a JSON body of at most maxSize bytes into a T. On
// failure it writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	return decodeBody[T](w, r, maxSize, false)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	return decodeBody[T](w, r, maxSize, true)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request, maxSize int64, optional bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return v, true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: ")))
		return v, false
	}
	return v, true
}

// mapError translates service errors into HTTP responses. Unknown errors
// are logged and answered with a generic 500.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var userValidation *users.ValidationError
	var trainingValidation *training.ValidationError
	switch {
	case errors.As(err, &userValidation), errors.As(err, &trainingValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrDuplicate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, training.ErrTopicNotFound),
		errors.Is(err, training.ErrBadgeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, training.ErrVideoNotWatched),
		errors.Is(err, training.ErrAlreadyCompleted),
		errors.Is(err, training.ErrInvalidYearTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, training.ErrMaintenance):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, training.ErrResetInProgress),
		errors.Is(err, training.ErrDuplicateBadge),
		errors.Is(err, training.ErrConflict),
		errors.Is(err, users.ErrConflict),
		errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.writeInternalError(w, r, "request failed", err)
	}
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.LogAttrs(r.Context(), slog.LevelError, msg,
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
