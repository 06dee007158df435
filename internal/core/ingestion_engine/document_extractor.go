package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/contexta-rag/internal/core"
)

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrEmptyContent         = errors.New("no text content")
)

const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeJSON = "application/json"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor decodes text formats directly and uses docconv for PDF
// and DOCX.
type DocconvExtractor struct{}

func NewDocconvExtractor() *DocconvExtractor {
	return &DocconvExtractor{}
}

// NormalizeMediaType lowercases mediaType and drops any parameters.
func NormalizeMediaType(mediaType string) string {
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsExtractable reports whether ExtractText understands mediaType.
func IsExtractable(mediaType string) bool {
	mt := NormalizeMediaType(mediaType)
	return isText(mt) || mt == MediaTypePDF || mt == MediaTypeDOCX
}

func isText(mt string) bool {
	return strings.HasPrefix(mt, "text/") || mt == MediaTypeJSON
}

func (e *DocconvExtractor) ExtractText(ctx context.Context, data []byte, mediaType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mt := NormalizeMediaType(mediaType)

	var (
		text string
		err  error
	)
	switch {
	case isText(mt):
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrExtractionFailed, mt)
		}
		text = strings.TrimPrefix(string(data), "\ufeff")
	case mt == MediaTypePDF:
		text, _, err = docconv.ConvertPDF(bytes.NewReader(data))
	case mt == MediaTypeDOCX:
		text, _, err = docconv.ConvertDocx(bytes.NewReader(data))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}
