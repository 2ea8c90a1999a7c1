package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the entity is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrClaimLost indicates the job was reclaimed or re-enqueued while a worker held it.
	ErrClaimLost = errors.New("job claim lost")

	// ErrAlreadyQueued is returned by triggers for documents that already have active work.
	ErrAlreadyQueued = errors.New("already queued")
)

// ErrorKind classifies pipeline failures for retry decisions.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindTransient   ErrorKind = "transient"
	KindPersistence ErrorKind = "persistence"
)

// PipelineError carries the failing operation and its classification.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Validation wraps a non-retryable input error.
func Validation(op string, err error) error {
	return &PipelineError{Kind: KindValidation, Op: op, Err: err}
}

// Transient wraps an external failure worth retrying.
func Transient(op string, err error) error {
	return &PipelineError{Kind: KindTransient, Op: op, Err: err}
}

// Persistence wraps a storage failure. Retried like transient errors.
func Persistence(op string, err error) error {
	return &PipelineError{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the classification of err, defaulting to transient.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether a failed job should be scheduled again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindValidation
}
