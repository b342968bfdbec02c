package imageloader

import (
	"net/http"

	"github.com/go-git/go-billy/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/download"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Recorder is told about every successful network fetch
type Recorder = download.Recorder

// FetchRecord describes one completed network fetch
type FetchRecord = download.Fetch

type settings struct {
	decoder      pipeline.Decoder
	processor    pipeline.Processor
	preprocessor pipeline.Preprocessor
	classifier   pipeline.Classifier
	client       *http.Client
	fs           billy.Filesystem
	logger       *zap.Logger
	registerer   prometheus.Registerer
	recorder     Recorder
	content      simplecontent.Service
}

// Option customizes a Loader
type Option func(*settings)

// WithDecoder replaces the default decoder
func WithDecoder(d pipeline.Decoder) Option {
	return func(s *settings) { s.decoder = d }
}

// WithProcessor replaces the default resize processor
func WithProcessor(p pipeline.Processor) Option {
	return func(s *settings) { s.processor = p }
}

// WithPreprocessor replaces the default local source preprocessor
func WithPreprocessor(p pipeline.Preprocessor) Option {
	return func(s *settings) { s.preprocessor = p }
}

// WithClassifier replaces the default URI classifier
func WithClassifier(c pipeline.Classifier) Option {
	return func(s *settings) { s.classifier = c }
}

// WithHTTPClient sets the client used for downloads and the content API
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithFilesystem stores the disk cache on fs instead of CacheDir
func WithFilesystem(fs billy.Filesystem) Option {
	return func(s *settings) { s.fs = fs }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRegisterer registers metrics on r instead of the default registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = r }
}

// WithRecorder reports network fetches to r, e.g. the fetch ledger
func WithRecorder(r Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithContentService serves content:// URIs from an embedded simple-content service
func WithContentService(svc simplecontent.Service) Option {
	return func(s *settings) { s.content = svc }
}
