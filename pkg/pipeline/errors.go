package pipeline

import "errors"

var (
	// ErrDownloadFailed is wrapped by every download stage failure
	ErrDownloadFailed = errors.New("download failed")

	// ErrDecodeFailed is wrapped by decode and processing failures
	ErrDecodeFailed = errors.New("decode failed")

	// ErrSourceUnavailable is returned when no usable source could be produced for a local URI
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrCanceled is returned by blocking helpers when the request was canceled
	ErrCanceled = errors.New("request canceled")

	// ErrUnsupportedURI is returned when the URI scheme cannot be classified
	ErrUnsupportedURI = errors.New("unsupported uri")
)
