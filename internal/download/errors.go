package download

import "errors"

var (
	// ErrMissingContentLength is returned when the response does not declare a positive length
	ErrMissingContentLength = errors.New("missing or invalid content length")

	// ErrShortBody is returned when the body ends before the declared length
	ErrShortBody = errors.New("response body shorter than content length")

	// ErrUnexpectedStatus is returned for non-2xx responses
	ErrUnexpectedStatus = errors.New("unexpected response status")

	// ErrBodyTooLarge is returned when a body that does not fit the disk cache
	// is also larger than the in-memory limit
	ErrBodyTooLarge = errors.New("response body too large to buffer")

	// ErrForbiddenAddress is returned when a public-only client is asked to
	// connect to an internal address
	ErrForbiddenAddress = errors.New("connection to internal address refused")
)
