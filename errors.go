package quotagate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidCount        = errors.New("quotagate: request count must be positive")
	ErrNoOperations        = errors.New("quotagate: at least one operation is required")
	ErrUnknownOperation    = errors.New("quotagate: unknown operation kind")
	ErrReservationNotFound = errors.New("quotagate: reservation not found")
	ErrReservationExpired  = errors.New("quotagate: reservation expired")
	ErrGateBusy            = errors.New("quotagate: concurrency gate unavailable")
	ErrNoStore             = errors.New("quotagate: persistence enabled but no store configured")
)

// IsCallerError returns true if the error is an invalid-input error that
// will not succeed without changing the request.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInvalidCount) ||
		errors.Is(err, ErrNoOperations) ||
		errors.Is(err, ErrUnknownOperation)
}

// IsRetryable returns true if the error describes a transient condition that
// may clear on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGateBusy) || errors.Is(err, ErrReservationExpired)
}

// OperationError wraps an error with the operation that caused it.
type OperationError struct {
	Err       error
	Operation Operation
	Count     int
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("quotagate: operation=%s count=%d: %v", e.Operation, e.Count, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
