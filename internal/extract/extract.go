// Package extract defines the text-extraction boundary consumed by the
// ingestor. Extraction from rich formats (PDF parsing and friends) lives
// behind the Extractor interface; this package ships the plain-text
// implementation used for text-like uploads.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat indicates the file type cannot be extracted.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyExtraction indicates extraction produced no usable text.
	ErrEmptyExtraction = errors.New("empty extraction result")
)

// Extractor turns an uploaded blob into plain text.
type Extractor interface {
	Extract(ctx context.Context, blob []byte, displayName, mimeHint string) (string, error)
}

// textExtensions are the file extensions the plain-text extractor accepts
// when no usable mime hint is given.
var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".text": true,
	".log":  true,
	".csv":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".html": true,
	".xml":  true,
}

// PlainText extracts UTF-8 text from text-like uploads. Other formats fail
// with ErrUnsupportedFormat so callers can record the ingestion error.
type PlainText struct{}

// NewPlainText creates the plain-text extractor.
func NewPlainText() *PlainText { return &PlainText{} }

// Extract implements Extractor.
func (*PlainText) Extract(_ context.Context, blob []byte, displayName, mimeHint string) (string, error) {
	if !isTextLike(displayName, mimeHint) {
		return "", fmt.Errorf("%w: %q (mime %q)", ErrUnsupportedFormat, displayName, mimeHint)
	}

	if !utf8.Valid(blob) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrUnsupportedFormat, displayName)
	}

	text := strings.TrimSpace(string(blob))
	if text == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyExtraction, displayName)
	}

	return text, nil
}

// isTextLike accepts text/* mime hints and known text extensions.
func isTextLike(displayName, mimeHint string) bool {
	if strings.HasPrefix(mimeHint, "text/") {
		return true
	}
	switch mimeHint {
	case "application/json", "application/xml", "application/x-yaml":
		return true
	}
	if mimeHint != "" {
		return false
	}
	return textExtensions[strings.ToLower(filepath.Ext(displayName))]
}
