package core

import "context"

// DocumentExtractor defines the interface for extracting text from various document types.
type DocumentExtractor interface {
	// ExtractText returns the plain text of data. The mediaType selects the
	// parsing strategy.
	ExtractText(ctx context.Context, data []byte, mediaType string) (string, error)
}
