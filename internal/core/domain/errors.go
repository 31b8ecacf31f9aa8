package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrItemNotFound         = errors.New("item not found")
	ErrAdvisoryInsufficient = errors.New("insufficient stock (advisory)")
	ErrDuplicateOrder       = errors.New("order already processed")
	ErrTransient            = errors.New("transient infrastructure failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransientError marks a failure of the bus or a store that may succeed on
// retry. It is never a business decision.
type TransientError struct {
	Op  string
	Err error
}

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
