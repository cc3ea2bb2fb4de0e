package common

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/graph"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/tracking"
)

type ApiContextKeyType string

const principalKey ApiContextKeyType = "principal"

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StringResponse struct {
	Value string `json:"value"`
}

func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller attached by the dispatcher.
func PrincipalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(principalKey).(identity.Principal)
	return p, ok
}

// StatusOf maps a domain error to an HTTP status.
func StatusOf(err error) int {
	var verr validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, tracking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, location.ErrNotFound), errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, graph.ErrInvalidRole),
		errors.Is(err, graph.ErrAlreadyFollowing),
		errors.Is(err, graph.ErrNotFollowing),
		errors.Is(err, location.ErrInvalidCoordinate),
		errors.Is(err, location.ErrNotTrackable),
		errors.Is(err, identity.ErrInvalidID),
		errors.Is(err, identity.ErrInvalidRole),
		errors.Is(err, auth.ErrRoleNotAllowed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err with its mapped status. Internal errors are not echoed.
func Error(w http.ResponseWriter, err error) int {
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
	return status
}
