package services

import (
	"errors"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

type ErrorCode string

const (
	ErrorInvalid          ErrorCode = "invalid"
	ErrorForbidden        ErrorCode = "forbidden"
	ErrorNotFound         ErrorCode = "not_found"
	ErrorConflict         ErrorCode = "conflict"
	ErrorRetryExhausted   ErrorCode = "retry_exhausted"
	ErrorDuplicate        ErrorCode = "duplicate"
	ErrorTargetConflict   ErrorCode = "target_conflict"
	ErrorStoreUnavailable ErrorCode = "store_unavailable"
	ErrorInvariant        ErrorCode = "invariant"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	// Err is the sentinel this error stands for, if any.
	Err error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }

func NewInvariantError(msg string) error {
	return &ServiceError{Code: ErrorInvariant, Message: msg}
}

var (
	// ErrDuplicateMessage marks an inbound message id already handled for the pair.
	ErrDuplicateMessage = &ServiceError{Code: ErrorDuplicate, Message: "message already processed"}
	// ErrRetryExhausted is reported when a question is skipped after MaxRetryAttempts failures.
	ErrRetryExhausted = &ServiceError{Code: ErrorRetryExhausted, Message: "retry attempts exhausted"}
	ErrTargetConflict = &ServiceError{Code: ErrorTargetConflict, Message: models.ErrTargetConflict.Error(), Err: models.ErrTargetConflict}
	ErrSelfValidation = &ServiceError{Code: ErrorForbidden, Message: "validators cannot review their own material"}
	ErrFollowUpExists = &ServiceError{Code: ErrorConflict, Message: "response already has a follow-up"}
	// ErrStoreUnavailable wraps transient store failures; the transition may be retried.
	ErrStoreUnavailable = &ServiceError{Code: ErrorStoreUnavailable, Message: "progress store unavailable", Err: store.ErrUnavailable}
)

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// storeError maps adapter sentinels onto service errors. Other errors pass through.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return NewNotFoundError(what + " not found")
	case errors.Is(err, store.ErrUnavailable):
		return ErrStoreUnavailable
	case errors.Is(err, models.ErrTargetConflict):
		return ErrTargetConflict
	}
	return err
}
