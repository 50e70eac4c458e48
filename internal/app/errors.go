package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/archive"
	"cellucid/annotation/internal/auth"
	"cellucid/annotation/internal/export"
	"cellucid/annotation/internal/gitrepo"
	"cellucid/annotation/internal/store"
)

// DomainError carries an HTTP status and a stable error code out of the
// service layer. Handlers return it unchanged.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

// mapError translates errors from every layer into the response envelope.
// Anything unrecognised is a 500 with no detail.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *annotation.ValidationError
	if errors.As(err, &validationErr) {
		if validationErr.NotFound {
			return http.StatusNotFound, "NOT_FOUND", validationErr.Error(), nil
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Error(), map[string]any{"field": validationErr.Field}
	}
	if errors.Is(err, annotation.ErrForbidden) {
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, gitrepo.ErrNotFound) || errors.Is(err, archive.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, export.ErrNothingToExport) {
		return http.StatusNotFound, "NOTHING_TO_EXPORT", "Field has no suggestions", nil
	}
	if errors.Is(err, export.ErrUnsupportedFormat) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "format"}
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
