package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Glyph is one positioned string as drawn by the PDF content stream
type Glyph struct {
	X, Y, W  float64
	FontSize float64
	S        string
}

// readLayout returns the text boxes of every page of a PDF
func readLayout(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		texts := p.Content().Text
		glyphs := make([]Glyph, 0, len(texts))
		for _, t := range texts {
			glyphs = append(glyphs, Glyph{X: t.X, Y: t.Y, W: t.W, FontSize: t.FontSize, S: t.S})
		}
		pages = append(pages, Page{Number: i, Boxes: GroupGlyphs(glyphs)})
	}
	return pages, nil
}

// GroupGlyphs merges glyphs drawn next to each other on the same baseline
// into text boxes. A horizontal gap wider than a third of the font size
// starts a new box.
func GroupGlyphs(glyphs []Glyph) []TextBox {
	var (
		boxes []TextBox
		cur   *TextBox
		sb    strings.Builder
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSpace(sb.String())
		if cur.Text != "" {
			boxes = append(boxes, *cur)
		}
		cur = nil
		sb.Reset()
	}

	for _, g := range glyphs {
		if cur != nil && sameLine(cur.Y0, g.Y) {
			gap := g.X - cur.X1
			if gap >= -g.FontSize/3 && gap <= g.FontSize/3 {
				sb.WriteString(g.S)
				cur.X1 = g.X + g.W
				if top := g.Y + g.FontSize; top > cur.Y1 {
					cur.Y1 = top
				}
				continue
			}
		}
		flush()
		if strings.TrimSpace(g.S) == "" {
			continue
		}
		cur = &TextBox{BBox: BBox{X0: g.X, Y0: g.Y, X1: g.X + g.W, Y1: g.Y + g.FontSize}}
		sb.WriteString(g.S)
	}
	flush()
	return boxes
}
