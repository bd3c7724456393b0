package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrConstraintViolation is returned when a write breaks a foreign key,
	// unique or not-null constraint, e.g. an execution referencing a missing run.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrValidation is returned when input is rejected before reaching the
	// database.
	ErrValidation = errors.New("validation error")

	// ErrStorage is returned for any other failure of the underlying engine.
	ErrStorage = errors.New("storage error")
)

// constraintMarkers are substrings of engine messages that identify
// constraint failures when the dialector did not translate the error.
var constraintMarkers = []string{
	"FOREIGN KEY constraint failed",
	"UNIQUE constraint failed",
	"NOT NULL constraint failed",
	"CHECK constraint failed",
	"violates foreign key constraint",
	"violates unique constraint",
	"violates not-null constraint",
	"duplicate key value",
	"SQLSTATE 23",
}

// classify tags an engine error with one of the package sentinels so callers
// can branch with errors.Is. Context errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}

	msg := err.Error()
	for _, marker := range constraintMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Classify exposes the error taxonomy to packages that talk to gorm directly.
func Classify(err error) error {
	return classify(err)
}

// Validationf returns an ErrValidation carrying a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
