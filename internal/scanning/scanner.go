package scanning

import "context"

// Transcriber reads the printed text of a scanned bill
type Transcriber interface {
	// Transcribe returns the text of an image or image-only PDF, one
	// line of output per printed line, pages separated by form feeds
	Transcribe(ctx context.Context, data []byte, contentType string) (string, error)
	// Close releases resources held by the transcriber
	Close() error
}
