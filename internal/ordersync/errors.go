package ordersync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrValidation   = errors.New("validation rejected")
	ErrPermission   = errors.New("permission denied")
	ErrDuplicate    = errors.New("duplicate record")
	ErrNetwork      = errors.New("network failure")
)

// ErrorKind is the retry-policy taxonomy for remote API failures.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindPermission ErrorKind = "PERMISSION"
	KindDuplicate  ErrorKind = "DUPLICATE"
	KindNetwork    ErrorKind = "NETWORK"
	KindUnknown    ErrorKind = "UNKNOWN"
)

// RemoteError carries a classified remote API failure. VALIDATION and
// PERMISSION are terminal for the current event; DUPLICATE is resolved
// internally by the reconciler; NETWORK and UNKNOWN are retryable.
type RemoteError struct {
	Kind    ErrorKind
	Message string
	Code    string
	Details map[string]any
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s error (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrDuplicate:
		return e.Kind == KindDuplicate
	case ErrNetwork:
		return e.Kind == KindNetwork
	}
	return false
}

// Retryable reports whether the error may succeed on a later attempt.
func (e *RemoteError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindUnknown
}
