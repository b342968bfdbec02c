package pipeline

// ProcessRequest represents a request to run a queued image job
type ProcessRequest struct {
	URI       string            `json:"uri"`
	Job       string            `json:"job"` // prefetch, thumbnail
	ContentID string            `json:"content_id,omitempty"`
	Width     int               `json:"width,omitempty"`
	Height    int               `json:"height,omitempty"`
	Versions  map[string]int    `json:"versions,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProcessResponse represents the response from triggering a job
type ProcessResponse struct {
	RunID      string `json:"run_id"`
	FetchCount int    `json:"fetch_count"`
}

// JobType constants
const (
	JobPrefetch  = "prefetch"
	JobThumbnail = "thumbnail"
)

// DerivedType constants (match simple-content conventions)
const (
	DerivedTypeThumbnail = "thumbnail"
)

// Status is the lifecycle state of a request.
type Status int32

const (
	StatusNew Status = iota
	StatusDispatching
	StatusDownloading
	StatusDownloaded
	StatusLoading
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusDispatching:
		return "DISPATCHING"
	case StatusDownloading:
		return "DOWNLOADING"
	case StatusDownloaded:
		return "DOWNLOADED"
	case StatusLoading:
		return "LOADING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further phase may run in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ImageFrom tags where a result came from.
type ImageFrom int

const (
	FromNetwork ImageFrom = iota
	FromDiskCache
	FromMemoryCache
	FromLocal
)

func (f ImageFrom) String() string {
	switch f {
	case FromNetwork:
		return "network"
	case FromDiskCache:
		return "disk_cache"
	case FromMemoryCache:
		return "memory_cache"
	case FromLocal:
		return "local"
	default:
		return "unknown"
	}
}

// UriScheme classifies a URI into the kind of source that serves it.
type UriScheme int

const (
	SchemeUnknown UriScheme = iota
	SchemeNet
	SchemeFile
	SchemeAsset
	SchemeContent
	SchemeDrawable
)

func (s UriScheme) String() string {
	switch s {
	case SchemeNet:
		return "net"
	case SchemeFile:
		return "file"
	case SchemeAsset:
		return "asset"
	case SchemeContent:
		return "content"
	case SchemeDrawable:
		return "drawable"
	default:
		return "unknown"
	}
}

// FailedCause is the closed set of reasons a request can fail.
type FailedCause int

const (
	FailedDownload FailedCause = iota
	FailedDecode
	FailedSourceUnavailable
)

func (c FailedCause) String() string {
	switch c {
	case FailedDownload:
		return "DOWNLOAD_FAILED"
	case FailedDecode:
		return "DECODE_FAILED"
	case FailedSourceUnavailable:
		return "SOURCE_UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Err returns the sentinel error matching the cause.
func (c FailedCause) Err() error {
	switch c {
	case FailedDownload:
		return ErrDownloadFailed
	case FailedDecode:
		return ErrDecodeFailed
	default:
		return ErrSourceUnavailable
	}
}

// CancelCause records why a request was canceled.
type CancelCause int

const (
	// CancelNormal is a cancellation requested by the caller.
	CancelNormal CancelCause = iota
	// CancelPauseDownload means the request level forbids network access
	// and the resource is not available locally.
	CancelPauseDownload
	// CancelShutdown means the loader was closed with the request in flight.
	CancelShutdown
)

func (c CancelCause) String() string {
	switch c {
	case CancelNormal:
		return "NORMAL"
	case CancelPauseDownload:
		return "PAUSE_DOWNLOAD"
	case CancelShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// RequestLevel limits how far a request may go to find its resource.
type RequestLevel int

const (
	// LevelNet allows network downloads.
	LevelNet RequestLevel = iota
	// LevelLocal only serves from caches and local sources.
	LevelLocal
)
