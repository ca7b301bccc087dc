package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCannotCancel      = errors.New("order cannot be cancelled")
	ErrOrderNotFound     = errors.New("order not found")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrForbidden         = errors.New("forbidden")
	ErrPersistence       = errors.New("persistence failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		key := s.SKU
		if key == "" {
			key = s.ProductID
		}
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", key, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type CannotCancelError struct {
	Status OrderStatus
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("order cannot be cancelled in status %s", e.Status)
}

func (e *CannotCancelError) Is(target error) bool { return target == ErrCannotCancel }

// NotFoundError matches ErrOrderNotFound for orders and ErrEntityNotFound for
// everything else.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	if e.Entity == "order" {
		return target == ErrOrderNotFound
	}
	return target == ErrEntityNotFound
}

// PersistenceError wraps a store or transport failure. Nothing partial was
// committed, so the whole operation is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsBusiness reports whether err is one of the named business-rule kinds that
// callers map to 4xx outcomes.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrInsufficientStock, ErrInvalidTransition, ErrCannotCancel,
		ErrOrderNotFound, ErrEntityNotFound, ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
