package document

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/scanning"
)

const mimePDF = "application/pdf"

// Loader reads bill source files from storage. Scanned documents are
// read by the transcriber when one is configured.
type Loader struct {
	storage     bill.Storage
	transcriber scanning.Transcriber
}

// NewLoader creates a Loader. transcriber may be nil.
func NewLoader(storage bill.Storage, transcriber scanning.Transcriber) *Loader {
	return &Loader{storage: storage, transcriber: transcriber}
}

func contentType(b *bill.Bill) string {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(b.ContentType, ";")[0]))
	if ct == "" && strings.HasSuffix(strings.ToLower(b.Filename), ".pdf") {
		return mimePDF
	}
	return ct
}

func (l *Loader) read(b *bill.Bill) ([]byte, error) {
	if b.Filename == "" {
		return nil, fmt.Errorf("bill %s has no source file", b.ID)
	}
	data, err := l.storage.Get(b.Filename)
	if err != nil {
		return nil, fmt.Errorf("reading source of bill %s: %w", b.ID, err)
	}
	return data, nil
}

// Text returns the plain-text dump of the bill's source file, pages
// separated by form feeds
func (l *Loader) Text(ctx context.Context, b *bill.Bill) (string, error) {
	data, err := l.read(b)
	if err != nil {
		return "", err
	}

	ct := contentType(b)
	switch {
	case ct == mimePDF:
		text, err := pdfText(data)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
		slog.Debug("PDF has no text layer", "bill_id", b.ID)
	case strings.HasPrefix(ct, "image/"):
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ct)
	}

	if l.transcriber == nil {
		return "", ErrNoText
	}
	text, err := l.transcriber.Transcribe(ctx, data, ct)
	if err != nil {
		return "", fmt.Errorf("transcribing bill %s: %w", b.ID, err)
	}
	return text, nil
}

// Layout returns the positioned text of every page of the bill's source
// file. Only PDFs with a text layer have a layout.
func (l *Loader) Layout(_ context.Context, b *bill.Bill) ([]Page, error) {
	if ct := contentType(b); ct != mimePDF {
		return nil, fmt.Errorf("%w for layout: %q", ErrUnsupportedType, ct)
	}
	data, err := l.read(b)
	if err != nil {
		return nil, err
	}
	pages, err := readLayout(data)
	if err != nil {
		return nil, fmt.Errorf("reading layout of bill %s: %w", b.ID, err)
	}
	return pages, nil
}

func pdfText(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("reading text of page %d: %w", i+1, err)
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, "\f"), nil
}
