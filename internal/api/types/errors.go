package types

import (
	"net/http"

	appErr "github.com/iac-studio/portal/pkg/errors"
)

// StatusFor maps an error code to its HTTP status.
func StatusFor(err error) int {
	switch appErr.CodeOf(err) {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeForbidden:
		return http.StatusForbidden
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict:
		return http.StatusConflict
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromAppError builds the client-facing error. Causes of forbidden and
// internal errors stay server-side.
func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	ae, ok := appErr.As(err)
	if !ok {
		return &APIError{Code: string(appErr.CodeInternal), Message: "internal server error"}
	}
	switch ae.Code {
	case appErr.CodeInternal, appErr.CodeUnknown:
		return &APIError{Code: string(appErr.CodeInternal), Message: "internal server error"}
	case appErr.CodeForbidden:
		return &APIError{Code: string(ae.Code), Message: ae.Message}
	}
	out := &APIError{Code: string(ae.Code), Message: ae.Message}
	if fields := appErr.FieldErrors(err); len(fields) > 0 {
		out.Details = fields
	}
	return out
}
