package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNonRetryable marks queue jobs that must not be redelivered.
	ErrNonRetryable = errors.New("non-retryable error")

	ErrCapture           = errors.New("capture failed")
	ErrComposition       = errors.New("composition failed")
	ErrExport            = errors.New("export failed")
	ErrCompression       = errors.New("compression failed")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid recorder transition")
)

// ValidationError reports a duration over the tier budget.
type ValidationError struct {
	Limit  float64
	Actual float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("video is %.1fs, the limit for this account is %.0fs", e.Actual, e.Limit)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// checkBudget fails when duration exceeds limit. Unlimited tiers pass.
func checkBudget(duration, limit float64, limited bool) error {
	if !limited || duration <= limit+budgetTolerance {
		return nil
	}
	return &ValidationError{Limit: limit, Actual: duration}
}

// budgetTolerance absorbs container timestamp rounding.
const budgetTolerance = 0.05
