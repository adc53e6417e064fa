package feishugw

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		httpStatus int
		apiCode    int
		msg        string
		want       ErrorClass
	}{
		{"unauthorized status", http.StatusUnauthorized, 0, "", ClassAuthFailed},
		{"token message", 200, 0, "invalid token supplied", ClassAuthFailed},
		{"forbidden status", http.StatusForbidden, 0, "", ClassPermissionDenied},
		{"permission message", 200, 0, "permission denied", ClassPermissionDenied},
		{"too many requests", http.StatusTooManyRequests, 0, "", ClassRateLimited},
		{"rate limit api code a", 200, 99991663, "", ClassRateLimited},
		{"rate limit api code b", 200, 90013, "", ClassRateLimited},
		{"frequency message", 200, 0, "request frequency exceeded", ClassRateLimited},
		{"bad param", http.StatusBadRequest, 0, "invalid param: chat_id", ClassInvalidRequest},
		{"other 4xx", http.StatusNotFound, 0, "not found", ClassInvalidRequest},
		{"server error", http.StatusInternalServerError, 0, "", ClassServerTransient},
		{"unknown", 0, 0, "something else entirely", ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.httpStatus, tc.apiCode, tc.msg)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestErrorClassRetryable(t *testing.T) {
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassServerTransient.Retryable())
	assert.False(t, ClassAuthFailed.Retryable())
	assert.False(t, ClassPermissionDenied.Retryable())
	assert.False(t, ClassInvalidRequest.Retryable())
	assert.False(t, ClassUnknown.Retryable())
}

func TestIsClass(t *testing.T) {
	err := newAPIError(http.StatusTooManyRequests, 0, "rate limited")
	assert.True(t, IsClass(err, ClassRateLimited))
	assert.False(t, IsClass(err, ClassAuthFailed))
	assert.False(t, IsClass(assertPlainError{}, ClassRateLimited))
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain" }
