package diskcache

import "errors"

var (
	// ErrNoSpace is returned when a reservation cannot be satisfied
	ErrNoSpace = errors.New("disk cache: not enough space")

	// ErrExceedsReservation is returned when a writer receives more bytes than it reserved
	ErrExceedsReservation = errors.New("disk cache: write exceeds reservation")

	// ErrWriterClosed is returned when a committed or aborted writer is used
	ErrWriterClosed = errors.New("disk cache: writer closed")

	// ErrInvalidSize is returned when the cache is opened without a positive capacity
	ErrInvalidSize = errors.New("disk cache: max size must be positive")
)
