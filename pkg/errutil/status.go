package errutil

import (
	"errors"
	"net/http"
)

// CoreStatus is the closed set of error codes the API layer may surface.
type CoreStatus string

const (
	StatusBadRequest             CoreStatus = "bad_request"
	StatusValidationFailed       CoreStatus = "validation_failed"
	StatusUnauthorized           CoreStatus = "unauthorized"
	StatusNotFound               CoreStatus = "not_found"
	StatusConflict               CoreStatus = "conflict"
	StatusTimeout                CoreStatus = "timeout"
	StatusExternalUnavailable    CoreStatus = "external_unavailable"
	StatusReconciliationMismatch CoreStatus = "reconciliation_mismatch"
	StatusTerminalFailure        CoreStatus = "terminal_failure"
	StatusInternal               CoreStatus = "internal"
)

// HTTPCode converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPCode() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusExternalUnavailable:
		return http.StatusBadGateway
	case StatusReconciliationMismatch, StatusTerminalFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP normalises a domain error into a (status code, body) pair so handlers
// never leak raw internal state.
func ToHTTP(err error) (int, interface{}) {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code.HTTPCode(), base.JSON()
	}

	internal := BaseError{Code: StatusInternal, Message: "internal error"}
	return http.StatusInternalServerError, internal.JSON()
}

// IsRetriable reports whether the error may be retried by the caller.
// Invariant violations are never retriable: they indicate a caller or state
// bug and must propagate.
func IsRetriable(err error) bool {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code == StatusExternalUnavailable || base.Code == StatusTimeout
	}
	return false
}
