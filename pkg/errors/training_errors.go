package errors

import "fmt"

// NumericalInstabilityError is returned when NaN or overflow persists in a
// training step past the retry limit. It is fatal for the run.
type NumericalInstabilityError struct {
	*AppError
	Step         int     `json:"step"`
	Attempts     int     `json:"attempts"`
	EpsilonSpent float64 `json:"epsilon_spent"`
	DeltaSpent   float64 `json:"delta_spent"`
}

// NewNumericalInstabilityError creates a numerical instability error carrying
// the step index and the privacy expenditure at the time of failure.
func NewNumericalInstabilityError(step, attempts int, epsilonSpent, deltaSpent float64) *NumericalInstabilityError {
	appErr := NewAppError(ErrorTypeNumerical, CodeNumericalInstability,
		"non-finite values in gradient computation").
		WithDetails(fmt.Sprintf("step %d failed after %d attempts (epsilon spent %.6g, delta spent %.3g)",
			step, attempts, epsilonSpent, deltaSpent)).
		WithCause(ErrNumericalInstability).
		WithContext("step", step).
		WithContext("attempts", attempts).
		WithContext("epsilon_spent", epsilonSpent).
		WithContext("delta_spent", deltaSpent)

	return &NumericalInstabilityError{
		AppError:     appErr,
		Step:         step,
		Attempts:     attempts,
		EpsilonSpent: epsilonSpent,
		DeltaSpent:   deltaSpent,
	}
}

// Unwrap exposes the embedded AppError
func (e *NumericalInstabilityError) Unwrap() error {
	return e.AppError
}

// NewBudgetExceededError describes a refused privacy expenditure
func NewBudgetExceededError(epsilonTarget, deltaTarget, epsilonNext, deltaNext float64) *AppError {
	return NewAppError(ErrorTypePrivacy, CodePrivacyBudgetExceeded, "privacy budget exceeded").
		WithDetails(fmt.Sprintf("next step would spend (%.6g, %.3g) of (%.6g, %.3g)",
			epsilonNext, deltaNext, epsilonTarget, deltaTarget)).
		WithCause(ErrPrivacyBudgetExceeded)
}

// NewInvalidStateError reports an operation issued in the wrong lifecycle state
func NewInvalidStateError(operation, state string) *AppError {
	return NewValidationError(CodeInvalidState,
		fmt.Sprintf("%s is not allowed in state %s", operation, state))
}
