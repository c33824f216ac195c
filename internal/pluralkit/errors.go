package pluralkit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures. Callers treat every kind as "no value".
type ErrorKind int

const (
	ErrorKindNetwork ErrorKind = iota + 1
	ErrorKindDecode
	ErrorKindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNetwork:
		return "network"
	case ErrorKindDecode:
		return "decode"
	case ErrorKindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ProviderError describes a failed identity service call.
type ProviderError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pluralkit %s: %s (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("pluralkit %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err (or any wrapped error) is a ProviderError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind == kind
	}
	return false
}

func newProviderError(kind ErrorKind, op string, statusCode int, cause error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, StatusCode: statusCode, Err: cause}
}
