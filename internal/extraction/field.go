package extraction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zombor/bill-engine/internal/conversion"
	"github.com/zombor/bill-engine/internal/document"
)

// Input is the prepared form of a bill's source document. Text
// extractors fill Text, layout extractors fill Pages.
type Input struct {
	Text  string
	Pages []document.Page
}

func sameInput(a, b *Input) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Pages == nil && b.Pages == nil && a.Text == b.Text
}

// rawExtractor pulls the raw string of one field out of prepared input
type rawExtractor interface {
	extractRaw(in *Input) (string, error)
}

// Field extracts and converts a single value
type Field struct {
	ID          string
	ExtractorID string
	Type        conversion.Type
	Key         Key

	raw     rawExtractor
	convert conversion.Func
}

// Value extracts the raw string from in and converts it. With a non-nil
// cache, a repeated call with the same input returns the cached value
// without extracting again.
func (f *Field) Value(cache *Cache, in *Input) (any, error) {
	if v, ok := cache.get(f, in); ok {
		return v, nil
	}

	raw, err := f.raw.extractRaw(in)
	if err != nil {
		return nil, &FieldError{FieldID: f.ID, Key: f.Key, Err: err}
	}
	v, err := f.convert(raw)
	if err != nil {
		return nil, &FieldError{FieldID: f.ID, Key: f.Key, Err: err}
	}

	cache.put(f, in, v)
	return v, nil
}

// Cache holds the last input and value of each field for one extraction
// pass. Entries belong to a Field, not its ID, so fields of different
// extractors never share one. It is not safe for concurrent use;
// concurrent passes each need their own.
type Cache struct {
	entries map[*Field]cacheEntry
}

type cacheEntry struct {
	input *Input
	value any
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[*Field]cacheEntry)}
}

func (c *Cache) get(f *Field, in *Input) (any, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.entries[f]
	if !ok || !sameInput(e.input, in) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) put(f *Field, in *Input, v any) {
	if c == nil {
		return
	}
	c.entries[f] = cacheEntry{input: in, value: v}
}

// matchOne returns the single capture group of re in text
func matchOne(re *regexp.Regexp, text string) (string, error) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", &NoMatchError{Pattern: re.String(), Reason: "no match"}
	}
	if len(m) != 2 {
		return "", &NoMatchError{Pattern: re.String(), Reason: "expected exactly one capture group"}
	}
	return m[1], nil
}

// textField finds its value with a regular expression over the text dump
type textField struct {
	re *regexp.Regexp
}

func (t textField) extractRaw(in *Input) (string, error) {
	return matchOne(t.re, in.Text)
}

// layoutField reads the text inside a bounding box on one page,
// optionally relative to an anchor, and optionally narrows it with a
// regular expression
type layoutField struct {
	page   int
	bbox   document.BBox
	re     *regexp.Regexp
	anchor *regexp.Regexp
}

func (l layoutField) extractRaw(in *Input) (string, error) {
	var page *document.Page
	for i := range in.Pages {
		if in.Pages[i].Number == l.page {
			page = &in.Pages[i]
			break
		}
	}
	if page == nil {
		return "", &NoMatchError{Reason: fmt.Sprintf("page %d not in document", l.page)}
	}

	bbox := l.bbox
	if l.anchor != nil {
		box, ok := page.Find(l.anchor.MatchString)
		if !ok {
			return "", &NoMatchError{Pattern: l.anchor.String(), Reason: "anchor not found"}
		}
		bbox = bbox.Offset(box.X0, box.Y0)
	}

	text := page.TextIn(bbox)
	if l.re != nil {
		return matchOne(l.re, text)
	}
	if strings.TrimSpace(text) == "" {
		return "", &NoMatchError{Reason: "no text in bounding box"}
	}
	return text, nil
}
