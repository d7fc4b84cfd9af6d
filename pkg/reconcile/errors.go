package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransientError marks a failure where retrying the same call may succeed,
// such as a network blip or a rate limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError marks a mutating call the remote side rejected because the
// desired state already holds ("already exists", "already bound"). The
// reconciler treats it as success, never as a unit failure.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return fmt.Sprintf("already satisfied: %v", e.Err) }
func (e *ConflictError) Unwrap() error { return e.Err }

// PermissionError marks a failure the credential cannot retry its way out
// of; it requires operator action.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string { return fmt.Sprintf("permission denied: %v", e.Err) }
func (e *PermissionError) Unwrap() error { return e.Err }

// ValidationError marks malformed desired state. Fatal to the unit.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid desired state: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned by WithRetry once the attempt budget is
// consumed. LastErr is the final transient failure.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}
func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// IsTransient reports whether err should consume retry budget rather than
// abort immediately.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConflict reports whether err is a conflict the reconciler treats as
// success.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsPermission reports whether err is a non-retryable permission failure.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// Classify translates a raw remote error into the taxonomy. It understands
// gRPC status codes (the cloud.google.com clients) and googleapi HTTP
// errors (the REST clients). Errors it cannot place are returned unchanged
// and treated as permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gapi *googleapi.Error
	if errors.As(err, &gapi) {
		switch {
		case gapi.Code == http.StatusConflict:
			return &ConflictError{Err: err}
		case gapi.Code == http.StatusTooManyRequests || gapi.Code >= 500:
			return &TransientError{Err: err}
		case gapi.Code == http.StatusForbidden:
			return &PermissionError{Err: err}
		case gapi.Code == http.StatusBadRequest:
			return &ValidationError{Err: err}
		}
		return err
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.AlreadyExists, codes.Aborted:
			return &ConflictError{Err: err}
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return &TransientError{Err: err}
		case codes.PermissionDenied, codes.Unauthenticated:
			return &PermissionError{Err: err}
		case codes.InvalidArgument, codes.FailedPrecondition:
			return &ValidationError{Err: err}
		}
	}
	return err
}
