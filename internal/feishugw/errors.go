// Package feishugw wraps the Feishu (Lark) Open Platform SDK behind a
// typed, classified-error gateway. It is the only package that
// imports github.com/larksuite/oapi-sdk-go/v3 directly.
package feishugw

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass classifies a Feishu API failure so callers — chiefly the
// Matrix→Feishu dispatcher — can decide whether to retry, dead-letter, or
// degrade without parsing API strings themselves.
type ErrorClass string

const (
	ClassAuthFailed       ErrorClass = "auth_failed"
	ClassPermissionDenied ErrorClass = "permission_denied"
	ClassRateLimited      ErrorClass = "rate_limited"
	ClassInvalidRequest   ErrorClass = "invalid_request"
	ClassServerTransient  ErrorClass = "server_transient"
	ClassUnknown          ErrorClass = "unknown"
)

// Retryable reports whether a gateway error of this class should be retried
// by the internal backoff loop.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimited || c == ClassServerTransient
}

// rate-limit API codes the Open Platform uses alongside HTTP 429.
const (
	apiCodeRateLimitA = 99991663
	apiCodeRateLimitB = 90013
)

// APIError wraps a classified Feishu API failure, carrying the HTTP status
// and API error code the classifier used.
type APIError struct {
	Class      ErrorClass
	HTTPStatus int
	APICode    int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error [%s] status=%d code=%d: %s", e.Class, e.HTTPStatus, e.APICode, e.Msg)
}

// IsClass reports whether err is an *APIError of the given class.
func IsClass(err error, class ErrorClass) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class == class
	}
	return false
}

// classify derives an ErrorClass from a Feishu SDK response's HTTP status,
// API code and message.
func classify(httpStatus, apiCode int, msg string) ErrorClass {
	lower := strings.ToLower(msg)

	switch {
	case httpStatus == http.StatusUnauthorized || strings.Contains(lower, "token") || strings.Contains(lower, "unauthorized"):
		return ClassAuthFailed
	case httpStatus == http.StatusForbidden || strings.Contains(lower, "permission") || strings.Contains(lower, "forbidden"):
		return ClassPermissionDenied
	case httpStatus == http.StatusTooManyRequests, apiCode == apiCodeRateLimitA, apiCode == apiCodeRateLimitB,
		strings.Contains(lower, "rate"), strings.Contains(lower, "frequency"):
		return ClassRateLimited
	case httpStatus >= 400 && httpStatus < 500:
		return ClassInvalidRequest
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "param"):
		return ClassInvalidRequest
	case httpStatus >= 500 && httpStatus < 600:
		return ClassServerTransient
	default:
		return ClassUnknown
	}
}

func newAPIError(httpStatus, apiCode int, msg string) *APIError {
	return &APIError{
		Class:      classify(httpStatus, apiCode, msg),
		HTTPStatus: httpStatus,
		APICode:    apiCode,
		Msg:        msg,
	}
}
