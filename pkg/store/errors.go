package store

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLarge means a write exceeded the backend's size limit. Retrying
// the same records in smaller batches may succeed.
var ErrPayloadTooLarge = errors.New("payload too large")

// WriteError is any other failed write. It is not retried.
type WriteError struct {
	Table string
	Rows  int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write of %d rows to %s failed: %v", e.Rows, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PayloadTooLargeError carries the backend error behind ErrPayloadTooLarge.
type PayloadTooLargeError struct {
	Table string
	Rows  int
	// Bytes is the estimated payload size, zero when the backend rejected the
	// write on its own.
	Bytes int
	Err   error
}

func (e *PayloadTooLargeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %d rows (~%d bytes) to %s", ErrPayloadTooLarge, e.Rows, e.Bytes, e.Table)
	}
	return fmt.Sprintf("%s: %d rows to %s: %v", ErrPayloadTooLarge, e.Rows, e.Table, e.Err)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

func (e *PayloadTooLargeError) Unwrap() error {
	return e.Err
}
