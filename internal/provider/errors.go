package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound indicates the referenced service, domain or checkpoint does not
// exist on the provider side. Deletes treat it as success; other callers
// treat it as instance-gone.
var ErrNotFound = errors.New("provider: not found")

// TransientError wraps failures worth retrying with bounded attempts:
// network faults, provider 5xx, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("provider: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retriable. Context cancellation is never
// transient: the caller gave up.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsNotFound reports whether err means the target is absent on the provider.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
