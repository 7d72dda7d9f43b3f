package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsStatusFromKind(t *testing.T) {
	err := New(KindNotFound, "collection not found")
	require.Equal(t, http.StatusNotFound, err.HTTPStatus())
	require.False(t, err.Retryable())
}

func TestWithStatusOverridesDefault(t *testing.T) {
	err := New(KindValidation, "bad org id").WithStatus(http.StatusTeapot)
	require.Equal(t, http.StatusTeapot, err.HTTPStatus())
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindRemoteProvider, cause, "embedding provider unreachable")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
}

func TestAsRetryableMarksRetry(t *testing.T) {
	err := Wrap(KindRemoteProvider, errors.New("timeout"), "embed call timed out").AsRetryable()
	require.True(t, IsRetryable(err))
	require.False(t, IsRetryable(errors.New("plain error")))
}

func TestKindOf(t *testing.T) {
	err := New(KindConflict, "session already completed")
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConflict, kind)

	_, ok = KindOf(errors.New("not ours"))
	require.False(t, ok)
}

func TestSanitizeNeverLeaksCause(t *testing.T) {
	err := Wrap(KindInvariant, errors.New("secret token abc123"), "dimension mismatch")
	msg := Sanitize(err)
	require.NotContains(t, msg, "abc123")
	require.Contains(t, msg, "dimension mismatch")
}

func TestUsageLimitExceededDetails(t *testing.T) {
	err := UsageLimitExceeded(500, 500)
	require.Equal(t, int64(500), err.Details["limit"])
	require.Equal(t, http.StatusTooManyRequests, err.HTTPStatus())
}
