// Package errmap provides wire protocol mappers for domain errors.
// Every domain error gets an explicit HTTP status and machine-readable code.
package errmap

import (
	"errors"
	"net/http"

	"github.com/renov-easy/auth-core/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMappings maps domain errors to HTTP status codes and response codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []struct {
	err  error
	code int
	name string
}{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrUserNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{domain.ErrUserAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

	// Authorization errors
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrForbidden, http.StatusForbidden, "PERMISSION_DENIED"},
	{domain.ErrInsufficientPermissions, http.StatusForbidden, "PERMISSION_DENIED"},

	// OTP verification errors (§4.8)
	{domain.ErrInvalidOTP, http.StatusUnauthorized, "INVALID_OTP"},
	{domain.ErrOTPExpired, http.StatusUnauthorized, "OTP_EXPIRED"},
	{domain.ErrMaxAttemptsExceeded, http.StatusUnauthorized, "MAX_ATTEMPTS_EXCEEDED"},
	{domain.ErrSmsServiceFailure, http.StatusServiceUnavailable, "SMS_SERVICE_FAILURE"},
	{domain.ErrAccountLocked, http.StatusUnauthorized, "ACCOUNT_LOCKED"},

	// Auth / user errors
	{domain.ErrUserBlocked, http.StatusForbidden, "USER_BLOCKED"},
	{domain.ErrAuthenticationFailed, http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
	{domain.ErrRegistrationDisabled, http.StatusForbidden, "REGISTRATION_DISABLED"},
	{domain.ErrSessionExpired, http.StatusUnauthorized, "SESSION_EXPIRED"},

	// Token errors (§4.9)
	{domain.ErrDeviceMismatch, http.StatusUnauthorized, "DEVICE_MISMATCH"},
	{domain.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},
	{domain.ErrRefreshTokenExpired, http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED"},
	{domain.ErrRefreshTokenReuse, http.StatusUnauthorized, "REFRESH_TOKEN_REUSE"},
	{domain.ErrTokenRevoked, http.StatusUnauthorized, "TOKEN_REVOKED"},
	{domain.ErrTokenNotYetValid, http.StatusUnauthorized, "TOKEN_NOT_YET_VALID"},
	{domain.ErrInvalidClaims, http.StatusUnauthorized, "INVALID_CLAIMS"},
	{domain.ErrMissingClaim, http.StatusUnauthorized, "INVALID_CLAIMS"},

	// Validation errors
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Rate limiting
	{domain.ErrPhoneRateLimited, http.StatusTooManyRequests, "PHONE_RATE_LIMITED"},
	{domain.ErrIPRateLimited, http.StatusTooManyRequests, "IP_RATE_LIMITED"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	// Availability
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{domain.ErrKeyLoadError, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{domain.ErrTokenGenerationFailed, http.StatusInternalServerError, "INTERNAL"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}

	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.code, Code: m.name, Message: err.Error()}
		}
	}

	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
