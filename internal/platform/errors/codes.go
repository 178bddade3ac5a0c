// Package errors provides structured error handling for the auth service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidation           Code = "VALIDATION"
	CodeUserEmptyEmail       Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail     Code = "USER_INVALID_EMAIL"
	CodeUserPasswordTooShort Code = "USER_PASSWORD_TOO_SHORT"

	// Authentication errors
	CodeInvalidCredentials    Code = "INVALID_CREDENTIALS"
	CodeTwoFactorRequired     Code = "TWO_FACTOR_REQUIRED"
	CodeTwoFactorCodeInvalid  Code = "TWO_FACTOR_CODE_INVALID"
	CodeTwoFactorNotEnabled   Code = "TWO_FACTOR_NOT_ENABLED"
	CodeTwoFactorNotConfirmed Code = "TWO_FACTOR_NOT_CONFIRMED"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeSessionExpired        Code = "SESSION_EXPIRED"

	// Authorization / freshness errors
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"

	// Passkey ceremony errors
	CodePasskeyCeremonyFailed   Code = "PASSKEY_CEREMONY_FAILED"
	CodePasskeyChallengeExpired Code = "PASSKEY_CHALLENGE_EXPIRED"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeEmailTaken      Code = "EMAIL_TAKEN"
	CodeVersionConflict Code = "VERSION_CONFLICT"

	// Throttling
	CodeRateLimited Code = "RATE_LIMITED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation,
		CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodeUserPasswordTooShort,
		CodeTwoFactorNotEnabled,
		CodeTwoFactorNotConfirmed,
		CodeTwoFactorCodeInvalid,
		CodePasskeyCeremonyFailed,
		CodePasskeyChallengeExpired:
		return http.StatusUnprocessableEntity

	case CodeInvalidCredentials,
		CodeUnauthenticated,
		CodeSessionExpired,
		CodeTwoFactorRequired:
		return http.StatusUnauthorized

	case CodeConfirmationRequired:
		return http.StatusLocked

	case CodeNotFound:
		return http.StatusNotFound

	case CodeEmailTaken,
		CodeVersionConflict:
		return http.StatusConflict

	case CodeRateLimited:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
