package errors

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation-specific error with field-level details
type ValidationError struct {
	*AppError
	Field    string      `json:"field,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Expected interface{} `json:"expected,omitempty"`
	Index    int         `json:"index,omitempty"` // Offending example index, -1 when not applicable
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Cause:      ErrInvalidInputData,
		HTTPStatus: 400,
	}
}

// NewFieldValidationError creates a field-specific validation error
func NewFieldValidationError(code, field string, value, expected interface{}) *ValidationError {
	return &ValidationError{
		AppError: &AppError{
			Type:       ErrorTypeValidation,
			Code:       code,
			Message:    fmt.Sprintf("field '%s' is invalid", field),
			Details:    fmt.Sprintf("got %v, expected %v", value, expected),
			Cause:      ErrInvalidInputData,
			HTTPStatus: 400,
		},
		Field:    field,
		Value:    value,
		Expected: expected,
		Index:    -1,
	}
}

// NewExampleValidationError creates an error pointing at one example of a dataset
func NewExampleValidationError(code string, index int, message string) *ValidationError {
	return &ValidationError{
		AppError: &AppError{
			Type:       ErrorTypeValidation,
			Code:       code,
			Message:    message,
			Details:    fmt.Sprintf("example %d", index),
			Cause:      ErrInvalidInputData,
			HTTPStatus: 400,
		},
		Index: index,
	}
}

// Unwrap exposes the embedded AppError so errors.As finds it
func (ve *ValidationError) Unwrap() error {
	return ve.AppError
}

// ValidationErrors collects several configuration or validation problems at once
type ValidationErrors struct {
	Type   ErrorType   `json:"type"`
	Errors []*AppError `json:"errors"`
}

// NewValidationErrors creates an empty collector for the given error type
func NewValidationErrors(errType ErrorType) *ValidationErrors {
	return &ValidationErrors{Type: errType}
}

// Add records a problem
func (ve *ValidationErrors) Add(err *AppError) {
	ve.Errors = append(ve.Errors, err)
}

// HasErrors checks if there are any errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// Err returns the first error wrapped with the rest as details, or nil.
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	if len(ve.Errors) == 1 {
		return ve.Errors[0]
	}
	msgs := make([]string, 0, len(ve.Errors)-1)
	for _, e := range ve.Errors[1:] {
		msgs = append(msgs, e.Error())
	}
	first := *ve.Errors[0]
	first.Details = strings.Join(msgs, "; ")
	return &first
}
