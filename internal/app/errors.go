package app

import (
	"errors"
	"fmt"
	"net/http"

	"stash/api/internal/auth"
	"stash/api/internal/query"
	"stash/api/internal/session"
	"stash/api/internal/store"
)

// Wire-level error codes.
const (
	codeValidation   = "validation_error"
	codeDuplicate    = "duplicate_entry"
	codePermission   = "insufficient_permission"
	codeNotFound     = "not_found"
	codeUnauthorized = "unauthorized"
	codeInternal     = "internal_error"
	codeInvalidBody  = "invalid_body"
)

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
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errPermission() *DomainError {
	return domainError(http.StatusForbidden, codePermission, "Insufficient permission", nil)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, "Not found", nil)
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
}

// mapError is the single place domain errors become wire responses.
// Anything unclassified is a 500 with no internal detail leaked.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, codeValidation, "Validation failed", validationErr.Fields
	}

	var duplicateErr *store.DuplicateError
	if errors.As(err, &duplicateErr) {
		return http.StatusBadRequest, codeDuplicate, "Duplicate entry", nil
	}

	if store.IsNotFound(err) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}

	var paramErr *query.ParamError
	if errors.As(err, &paramErr) {
		return http.StatusBadRequest, paramErr.Code(), "Invalid query parameter", paramErr.Issues
	}

	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, session.ErrSessionNotFound) {
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	}

	return http.StatusInternalServerError, codeInternal, "Internal error", nil
}
