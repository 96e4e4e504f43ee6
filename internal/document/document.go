// Package document reads the source files bills were uploaded as: a
// plain-text dump for text extractors, positioned text fragments for
// layout extractors.
package document

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedType is returned for content types no reader handles
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrNoText is returned when a document has no text layer and there
	// is no transcriber to read it
	ErrNoText = errors.New("document has no text layer")
)

// BBox is a rectangle in PDF user space, origin at the lower left
type BBox struct {
	X0 float64 `json:"x0" yaml:"x0"`
	Y0 float64 `json:"y0" yaml:"y0"`
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
}

// ContainsPoint reports whether (x, y) lies inside the box, edges included
func (b BBox) ContainsPoint(x, y float64) bool {
	return x >= b.X0 && x <= b.X1 && y >= b.Y0 && y <= b.Y1
}

// Offset returns the box moved by (dx, dy)
func (b BBox) Offset(dx, dy float64) BBox {
	return BBox{X0: b.X0 + dx, Y0: b.Y0 + dy, X1: b.X1 + dx, Y1: b.Y1 + dy}
}

// TextBox is a run of text at a position on a page
type TextBox struct {
	BBox
	Text string
}

// Page holds the text boxes of one page, 1-indexed
type Page struct {
	Number int
	Boxes  []TextBox
}

// TextIn joins the text of every box whose lower-left corner lies inside
// bbox, top to bottom and left to right, one line per distinct baseline
func (p Page) TextIn(bbox BBox) string {
	var inside []TextBox
	for _, box := range p.Boxes {
		if bbox.ContainsPoint(box.X0, box.Y0) {
			inside = append(inside, box)
		}
	}
	sortReadingOrder(inside)

	var (
		sb       strings.Builder
		baseline float64
	)
	for i, box := range inside {
		switch {
		case i == 0:
		case sameLine(baseline, box.Y0):
			sb.WriteByte(' ')
		default:
			sb.WriteByte('\n')
		}
		baseline = box.Y0
		sb.WriteString(box.Text)
	}
	return sb.String()
}

// Find returns the first box in reading order whose text satisfies match
func (p Page) Find(match func(string) bool) (TextBox, bool) {
	boxes := append([]TextBox(nil), p.Boxes...)
	sortReadingOrder(boxes)
	for _, box := range boxes {
		if match(box.Text) {
			return box, true
		}
	}
	return TextBox{}, false
}

const lineTolerance = 2.0

func sameLine(y1, y2 float64) bool {
	d := y1 - y2
	return d < lineTolerance && d > -lineTolerance
}

func sortReadingOrder(boxes []TextBox) {
	sort.SliceStable(boxes, func(i, j int) bool {
		if !sameLine(boxes[i].Y0, boxes[j].Y0) {
			return boxes[i].Y0 > boxes[j].Y0
		}
		return boxes[i].X0 < boxes[j].X0
	})
}
