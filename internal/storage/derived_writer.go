package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/tendant/simple-content/pkg/simplecontent"
)

// DerivedWriter stores generated thumbnails as derived content of the
// original they were loaded from.
type DerivedWriter struct {
	svc simplecontent.Service
}

func NewDerivedWriter(svc simplecontent.Service) *DerivedWriter {
	return &DerivedWriter{svc: svc}
}

// VariantName is the simple-content variant for a derived type and version,
// e.g. "thumbnail_v1"
func VariantName(derivedType string, version int) string {
	return fmt.Sprintf("%s_v%d", derivedType, version)
}

// HasDerived reports whether parent already has this variant
func (w *DerivedWriter) HasDerived(ctx context.Context, parent, derivedType string, version int) (bool, error) {
	id, err := contentID(parent)
	if err != nil {
		return false, err
	}
	existing, err := w.svc.ListDerivedContent(ctx,
		simplecontent.WithParentID(id),
		simplecontent.WithDerivationType(derivedType),
	)
	if err != nil {
		return false, fmt.Errorf("list derived of %s: %w", parent, err)
	}
	variant := VariantName(derivedType, version)
	for _, d := range existing {
		if d.DerivationType == derivedType && d.Variant == variant {
			return true, nil
		}
	}
	return false, nil
}

// PutDerived uploads r as a variant of parent and returns the new content
// ID. meta may carry file_name and mime_type.
func (w *DerivedWriter) PutDerived(ctx context.Context, parent, derivedType string, version int, r io.Reader, meta map[string]string) (string, error) {
	id, err := contentID(parent)
	if err != nil {
		return "", err
	}
	variant := VariantName(derivedType, version)
	name := meta["file_name"]
	if name == "" {
		name = variant + extensionFor(meta["mime_type"])
	}

	created, err := w.svc.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       id,
		DerivationType: derivedType,
		Variant:        variant,
		Reader:         r,
		FileName:       name,
		Tags:           []string{derivedType, variant},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s of %s: %w", variant, parent, err)
	}
	return created.ID.String(), nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
