package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid items, arguments and configuration.
	ErrValidation = errors.New("queue validation error")
	// ErrDuplicateItem is returned by Store.Insert when the item id already exists.
	ErrDuplicateItem = errors.New("queue duplicate item")
	// ErrStoreUnavailable classifies store failures that persisted after bounded retries.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrUnknownQueue is returned when no binding exists for a queue name.
	ErrUnknownQueue = errors.New("queue unknown")
	// ErrClosed classifies operations on a closed store.
	ErrClosed = errors.New("queue closed")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// IsRetryable reports whether a store error may succeed when the call is repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrDuplicateItem),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnknownQueue),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}
