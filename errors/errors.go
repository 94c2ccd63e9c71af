// Package errors provides error types and utilities for the storage layer.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeCache represents facade and read cache errors
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypeStore represents backing store errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeValidation represents encoding and validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeOperation represents operation-specific errors
	ErrorTypeOperation ErrorType = "operation"
)

// Common error types
var (
	// Facade errors
	ErrClosed      = errors.New("storage manager is closed")
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidKey  = errors.New("invalid key")

	// TTL errors
	ErrInvalidTTL = errors.New("invalid TTL value")

	// Store errors
	ErrUnavailable   = errors.New("persistent storage unavailable")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrStoreError    = errors.New("store operation failed")

	// Data errors
	ErrCorruptData   = errors.New("corrupt stored data")
	ErrSerialization = errors.New("serialization error")
	ErrCompression   = errors.New("compression error")

	// Operation errors
	ErrInvalidOption = errors.New("invalid option")
)

// Error represents a storage operation error
type Error struct {
	Op      string
	Key     any
	Err     error
	ErrType ErrorType
}

// determineErrorType determines the error type based on the error
func determineErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, ErrClosed) || errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrInvalidKey):
		return ErrorTypeCache
	case errors.Is(err, ErrUnavailable) || errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrStoreError):
		return ErrorTypeStore
	case errors.Is(err, ErrCorruptData) || errors.Is(err, ErrSerialization) ||
		errors.Is(err, ErrCompression) || errors.Is(err, ErrInvalidTTL):
		return ErrorTypeValidation
	default:
		return ErrorTypeOperation
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("%s: %s: key=%v: %v", e.ErrType, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.ErrType, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error is of the same type as the receiver
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.ErrType == t.ErrType && e.Op == t.Op && errors.Is(e.Err, t.Err)
}

// WrapError wraps an error with the operation and key it occurred on.
// A nil key is omitted from the message.
func WrapError(op string, key any, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		ErrType: determineErrorType(err),
		Op:      op,
		Key:     key,
		Err:     err,
	}
}

// CorruptDataError reports a stored value that could not be decoded.
type CorruptDataError struct {
	Key   string
	Cause error
}

// Error implements the error interface
func (e *CorruptDataError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("corrupt stored data: key=%s: %v", e.Key, e.Cause)
	}
	return fmt.Sprintf("corrupt stored data: %v", e.Cause)
}

// Unwrap returns the decoding failure
func (e *CorruptDataError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCorruptData so callers can use errors.Is.
func (e *CorruptDataError) Is(target error) bool {
	return target == ErrCorruptData
}

// Corrupt builds a CorruptDataError.
func Corrupt(key string, cause error) error {
	return &CorruptDataError{Key: key, Cause: cause}
}

// IsStorageError checks if an error is an *Error
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.ErrType == errType
	}
	return false
}

// IsQuotaExceeded checks if the error reports quota exhaustion
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsUnavailable checks if the error reports unusable storage
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCorrupt checks if the error reports undecodable data
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptData)
}

// IsClosed checks if the error reports a closed manager
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
