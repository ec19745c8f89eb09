// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/validation"
)

// Error codes for API responses.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeForbidden        = "FORBIDDEN"
	CodeValidation       = "VALIDATION_ERROR"
	CodeCANotInitialized = "CA_NOT_INITIALIZED"
	CodeToolchain        = "TOOLCHAIN_ERROR"
	CodeConfiguration    = "CONFIGURATION_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// MapError maps an internal error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	switch {
	case errors.Is(err, ca.ErrNotExist):
		return http.StatusNotFound, &dto.APIError{
			Code:    CodeNotFound,
			Message: err.Error(),
		}
	case errors.Is(err, ca.ErrExists):
		return http.StatusConflict, &dto.APIError{
			Code:    CodeAlreadyExists,
			Message: err.Error(),
		}
	case errors.Is(err, ca.ErrNotActive):
		return http.StatusPreconditionFailed, &dto.APIError{
			Code:    CodeCANotInitialized,
			Message: err.Error(),
		}
	}

	var caErr *ca.Error
	if errors.As(err, &caErr) {
		details := map[string]string{"operation": caErr.Op}
		switch caErr.Kind {
		case ca.KindValidation:
			return http.StatusBadRequest, &dto.APIError{Code: CodeValidation, Message: caErr.Error(), Details: details}
		case ca.KindPrecondition:
			return http.StatusPreconditionFailed, &dto.APIError{Code: CodeCANotInitialized, Message: caErr.Error(), Details: details}
		case ca.KindExternalTool:
			return http.StatusInternalServerError, &dto.APIError{Code: CodeToolchain, Message: "toolchain failure", Details: details}
		case ca.KindConfiguration:
			return http.StatusInternalServerError, &dto.APIError{Code: CodeConfiguration, Message: "configuration error", Details: details}
		}
	}

	return http.StatusInternalServerError, &dto.APIError{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}

// MapAutosignError maps errors of the autosign and token routes. Every
// failure is answered with 403; the rejecting stage is reported when
// there is one.
func MapAutosignError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}
	apiErr := &dto.APIError{
		Code:    CodeForbidden,
		Message: "request refused",
	}
	var r *validation.Rejection
	if errors.As(err, &r) {
		apiErr.Details = map[string]string{"stage": string(r.Stage)}
	}
	return http.StatusForbidden, apiErr
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewNotFound creates a not found error.
func NewNotFound(resource, id string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeNotFound,
		Message: resource + " not found",
		Details: map[string]string{"id": id},
	}
}
