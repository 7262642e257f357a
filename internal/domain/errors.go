package domain

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	ErrValidation          = errors.New("validation error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrInvalidExpiration   = errors.New("expiration must be in the future")
	ErrInvalidTicker       = errors.New("no reference price for ticker")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrFeedUnavailable     = errors.New("upstream price feed unavailable")
	ErrSchedulerTeardown   = errors.New("scheduled job teardown failed")
	ErrProtocol            = errors.New("malformed frame")
	ErrAlreadySettled      = errors.New("order already evaluated")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAccountSuspended):
		return "account_suspended"
	case errors.Is(err, ErrInvalidExpiration):
		return "invalid_expiration"
	case errors.Is(err, ErrInvalidTicker):
		return "invalid_ticker"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the HTTP status used by the REST handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidExpiration),
		errors.Is(err, ErrInvalidTicker),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccountSuspended):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
