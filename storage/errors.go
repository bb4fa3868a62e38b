package storage

import (
	"errors"
	"fmt"
)

// classError is a sentinel that also reports whether it may be retried.
type classError struct {
	msg       string
	retryable bool
}

func (e *classError) Error() string   { return e.msg }
func (e *classError) Retryable() bool { return e.retryable }

var (
	ErrNotFound     error = &classError{msg: "not found"}
	ErrInvalidInput error = &classError{msg: "invalid input"}
	ErrReadonly     error = &classError{msg: "storage is readonly"}
	ErrClosed       error = &classError{msg: "connection closed"}
	// ErrSerialization marks payloads a backend returned that cannot be
	// decoded.
	ErrSerialization error = &classError{msg: "serialization error"}
	ErrQuotaExceeded error = &classError{msg: "quota exceeded"}
	// ErrNetwork marks transient transport failures.
	ErrNetwork error = &classError{msg: "network error", retryable: true}
)

// OverSizeError reports a single blob larger than the server accepts.
type OverSizeError struct {
	Key   string
	Size  int64
	Limit int64
}

func (e *OverSizeError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("blob %s is over size: %d > %d bytes", e.Key, e.Size, e.Limit)
	}
	return fmt.Sprintf("blob %s is over size", e.Key)
}

func (e *OverSizeError) Is(target error) bool { return target == ErrQuotaExceeded }
func (e *OverSizeError) Retryable() bool      { return false }

// OverCapacityError reports a workspace whose total blob storage is full.
type OverCapacityError struct {
	Message string
}

func (e *OverCapacityError) Error() string {
	if e.Message != "" {
		return "workspace over capacity: " + e.Message
	}
	return "workspace over capacity"
}

func (e *OverCapacityError) Is(target error) bool { return target == ErrQuotaExceeded }
func (e *OverCapacityError) Retryable() bool      { return false }

func IsOverSize(err error) bool {
	var e *OverSizeError
	return errors.As(err, &e)
}

func IsOverCapacity(err error) bool {
	var e *OverCapacityError
	return errors.As(err, &e)
}
