package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates ClickHouse could not be reached.
	ErrConnectionFailed = errors.New("storage: connection failed")
	// ErrQueryFailed indicates a statement failed.
	ErrQueryFailed = errors.New("storage: query failed")
	// ErrBatchInsertFailed indicates a batch could not be written.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("storage: writer closed")
)

// StorageError adds the failing operation and table to a storage failure.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
	if e.Table != "" {
		msg = fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" (after %d retries)", e.Retries)
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapConnectionError marks err as a connection failure.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapQueryError marks err as a failed statement against table.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsRetryable reports whether retrying the operation may succeed.
func IsRetryable(err error) bool {
	return IsConnectionError(err) || errors.Is(err, ErrBatchInsertFailed)
}
