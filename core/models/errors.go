package models

import "emperror.dev/errors"

// Error classes shared by the orchestrator. Callers match them with errors.Is.
const (
	ErrValidation      = errors.Sentinel("validation failed")
	ErrNameTaken       = errors.Sentinel("model name already in use")
	ErrNotFound        = errors.Sentinel("not found")
	ErrModelNotReady   = errors.Sentinel("model is not ready")
	ErrUpstream        = errors.Sentinel("upstream request failed")
	ErrTimeout         = errors.Sentinel("upstream request timed out")
	ErrPartialPipeline = errors.Sentinel("submission partially applied")
)

// Retryable reports whether the failure is transient and the same request may be retried
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a validation error carrying a message fit to show the caller
func Invalid(msg string) error {
	return errors.WithStack(validationError{msg: msg})
}

// IsValidation reports whether err was caused by bad caller input
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ValidationMessage returns the caller-facing message of a validation error
func ValidationMessage(err error) (string, bool) {
	var v validationError
	if errors.As(err, &v) {
		return v.msg, true
	}
	return "", false
}
