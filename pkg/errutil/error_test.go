package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPCodeMapping(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusBadRequest:             http.StatusBadRequest,
		StatusValidationFailed:       http.StatusBadRequest,
		StatusUnauthorized:           http.StatusUnauthorized,
		StatusNotFound:               http.StatusNotFound,
		StatusConflict:               http.StatusConflict,
		StatusTimeout:                http.StatusGatewayTimeout,
		StatusExternalUnavailable:    http.StatusBadGateway,
		StatusReconciliationMismatch: http.StatusUnprocessableEntity,
		StatusTerminalFailure:        http.StatusUnprocessableEntity,
		StatusInternal:               http.StatusInternalServerError,
	}
	for status, want := range cases {
		require.Equal(t, want, status.HTTPCode(), "status %s", status)
	}
}

func TestToHTTPHidesUnknownErrors(t *testing.T) {
	code, body := ToHTTP(fmt.Errorf("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, code)

	m := body.(map[string]interface{})["error"].(map[string]interface{})
	require.Equal(t, StatusInternal, m["code"])
	require.NotContains(t, m["message"], "connection refused")
}

func TestToHTTPUnwrapsDomainError(t *testing.T) {
	err := fmt.Errorf("completing task: %w", NotFound("task not found", nil))
	code, _ := ToHTTP(err)
	require.Equal(t, http.StatusNotFound, code)
}

func TestIsRetriable(t *testing.T) {
	require.True(t, IsRetriable(ExternalUnavailable("rpc down", nil)))
	require.True(t, IsRetriable(Timeout("deadline", nil)))

	require.False(t, IsRetriable(Conflict("state machine violation", nil)))
	require.False(t, IsRetriable(ValidationFailed("bad amount", nil)))
	require.False(t, IsRetriable(ReconciliationMismatch("drift", nil)))
	require.False(t, IsRetriable(errors.New("plain")))
	require.False(t, IsRetriable(nil))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("row not found")
	err := NotFound("worker not found", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "worker not found")
}
