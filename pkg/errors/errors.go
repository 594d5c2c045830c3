package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrConfigurationLoad    = errors.New("failed to load configuration")

	// Validation errors
	ErrInvalidInputData  = errors.New("invalid input data")
	ErrEmptyDataset      = errors.New("dataset is empty")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")

	// Training errors
	ErrModelNotTrained      = errors.New("model not trained")
	ErrTrainingFailed       = errors.New("model training failed")
	ErrNumericalInstability = errors.New("numerical instability in gradient computation")
	ErrTrainingCancelled    = errors.New("training cancelled")

	// Privacy errors
	ErrInsufficientPrivacy   = errors.New("insufficient privacy protection")
	ErrPrivacyBudgetExceeded = errors.New("privacy budget exceeded")

	// Job/Model errors
	ErrJobNotFound      = errors.New("job not found")
	ErrModelNotFound    = errors.New("model not found")
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNumerical     ErrorType = "numerical"
	ErrorTypePrivacy       ErrorType = "privacy"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause attaches the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewConfigurationError creates a configuration error. Configuration errors
// are raised before any privacy loss is incurred.
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message).WithCause(ErrInvalidConfiguration)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(code, message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, code, message).WithCause(cause)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      ErrInternal,
		HTTPStatus: 500,
	}
}

// IsConfigurationError reports whether err carries a configuration AppError.
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfiguration)
}

// IsValidationError reports whether err carries a validation AppError.
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError reports whether err carries a not-found AppError.
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// HTTPStatusOf returns the HTTP status attached to err, or 500.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return 500
}

// GetErrorCode returns the code of the AppError carried by err, or "".
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func hasType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation, ErrorTypeConfiguration:
		return 400
	case ErrorTypePrivacy:
		return 403
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeResource:
		return 429
	case ErrorTypeNumerical:
		return 422
	case ErrorTypeStorage:
		return 503
	default:
		return 500
	}
}

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// Error codes for different error scenarios
const (
	// Configuration error codes
	CodeInvalidEpsilon      = "INVALID_EPSILON"
	CodeInvalidDelta        = "INVALID_DELTA"
	CodeInvalidClipNorm     = "INVALID_CLIP_NORM"
	CodeInvalidStrategy     = "INVALID_STRATEGY"
	CodeInvalidBudget       = "INVALID_BUDGET"
	CodeInvalidSamplingRate = "INVALID_SAMPLING_RATE"
	CodeInvalidSteps        = "INVALID_STEPS"
	CodeInvalidLearningRate = "INVALID_LEARNING_RATE"
	CodeInvalidNoiseCap     = "INVALID_NOISE_CAP"
	CodeInvalidWorkers      = "INVALID_WORKERS"
	CodeInvalidStorage      = "INVALID_STORAGE_CONFIG"
	CodeSeedNotAllowed      = "SEED_NOT_ALLOWED"

	// Validation error codes
	CodeInvalidInput      = "INVALID_INPUT"
	CodeEmptyDataset      = "EMPTY_DATASET"
	CodeBatchSizeInvalid  = "BATCH_SIZE_INVALID"
	CodeEpochsInvalid     = "EPOCHS_INVALID"
	CodeDimensionMismatch = "DIMENSION_MISMATCH"
	CodeLabelInvalid      = "LABEL_INVALID"
	CodeNonFiniteFeature  = "NON_FINITE_FEATURE"
	CodeInvalidState      = "INVALID_STATE"
	CodeRequestTooLarge   = "REQUEST_TOO_LARGE"
	CodeRouteNotFound     = "ROUTE_NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"

	// Training error codes
	CodeNumericalInstability = "NUMERICAL_INSTABILITY"
	CodeModelNotTrained      = "MODEL_NOT_TRAINED"

	// Privacy error codes
	CodePrivacyBudgetExceeded = "PRIVACY_BUDGET_EXCEEDED"

	// Lookup error codes
	CodeJobNotFound   = "JOB_NOT_FOUND"
	CodeModelNotFound = "MODEL_NOT_FOUND"

	// Resource error codes
	CodeConcurrencyLimit = "CONCURRENCY_LIMIT"

	// Storage error codes
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
