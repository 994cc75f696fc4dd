package relaysync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrValidation       = errors.New("validation error")
	ErrStorage          = errors.New("storage error")
	ErrConflict         = errors.New("conflict")
	ErrNotImplemented   = errors.New("not implemented")
	// ErrTooLarge is always reported together with ErrValidation.
	ErrTooLarge = errors.New("payload too large")
)

// DeniedError carries the evaluator's reason for a veto.
type DeniedError struct {
	Action Action
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied: %s", e.Action)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Action, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
