package workflow

import (
	"errors"
	"fmt"
)

// ErrUnknownThread reports a notification for a thread with no workflow row.
var ErrUnknownThread = errors.New("unknown thread")

// ErrThreadNotFailed reports a resume request for a thread that is not in
// the failed state.
var ErrThreadNotFailed = errors.New("thread is not failed")

// AdapterError wraps a composer or extractor failure after the retry budget
// is exhausted.
type AdapterError struct {
	Op  string // compose or extract
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter failed: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// SendError wraps a mail delivery failure after the retry budget is
// exhausted.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// StoreError wraps a durable-store failure. Store errors are the one class
// the listener must not acknowledge: the delivery system will retry the
// notification once the store recovers.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether redelivering the notification could succeed
// later. Adapter and send exhaustion already moved the thread to FAILED, so
// redelivery would be a no-op; only store failures are worth a retry.
func Retryable(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}
