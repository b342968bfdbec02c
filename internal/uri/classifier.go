// Package uri maps request URIs to the source that can serve them.
package uri

import (
	"net/url"
	"strings"

	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Classifier recognises http(s), file, asset, content and drawable URIs.
// Bare absolute paths are treated as files.
type Classifier struct{}

// Classify implements pipeline.Classifier
func (Classifier) Classify(raw string) pipeline.UriScheme {
	if raw == "" {
		return pipeline.SchemeUnknown
	}
	if strings.HasPrefix(raw, "/") {
		return pipeline.SchemeFile
	}
	u, err := url.Parse(raw)
	if err != nil {
		return pipeline.SchemeUnknown
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return pipeline.SchemeUnknown
		}
		return pipeline.SchemeNet
	case "file":
		return pipeline.SchemeFile
	case "asset":
		return pipeline.SchemeAsset
	case "content":
		return pipeline.SchemeContent
	case "drawable":
		return pipeline.SchemeDrawable
	default:
		return pipeline.SchemeUnknown
	}
}

// Crop strips the scheme prefix, returning the path, asset name or content ID
func Crop(raw string, scheme pipeline.UriScheme) string {
	switch scheme {
	case pipeline.SchemeFile:
		if strings.HasPrefix(raw, "/") {
			return raw
		}
		if u, err := url.Parse(raw); err == nil {
			return u.Path
		}
	case pipeline.SchemeAsset, pipeline.SchemeContent, pipeline.SchemeDrawable:
		if i := strings.Index(raw, "://"); i >= 0 {
			return raw[i+3:]
		}
	}
	return raw
}

var _ pipeline.Classifier = Classifier{}
