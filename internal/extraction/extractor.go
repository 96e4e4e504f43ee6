// Package extraction finds bill attributes in source documents and
// writes them into bills.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/document"
)

// Kind selects how an extractor prepares its input
type Kind string

const (
	// KindText extractors run regular expressions over the text dump
	KindText Kind = "text"
	// KindLayout extractors read text at positions on a page
	KindLayout Kind = "layout"
)

// DocumentSource reads the source document of a bill
type DocumentSource interface {
	Text(ctx context.Context, b *bill.Bill) (string, error)
	Layout(ctx context.Context, b *bill.Bill) ([]document.Page, error)
}

// Extractor is an ordered set of fields evaluated against one prepared
// input. Applier keys are unique within an extractor.
type Extractor struct {
	ID     string
	Name   string
	Kind   Kind
	Fields []*Field
}

// Session is one extraction pass. It prepares each bill's input once per
// extractor kind and owns the field cache, so repeated evaluations
// within the session reuse converted values. A Session is not safe for
// concurrent use.
type Session struct {
	source DocumentSource
	cache  *Cache
	inputs map[inputKey]*Input
}

type inputKey struct {
	billID string
	kind   Kind
}

// NewSession creates a session reading documents from source
func NewSession(source DocumentSource) *Session {
	return &Session{
		source: source,
		cache:  NewCache(),
		inputs: make(map[inputKey]*Input),
	}
}

func (s *Session) prepare(ctx context.Context, e *Extractor, b *bill.Bill) (*Input, error) {
	k := inputKey{billID: b.ID, kind: e.Kind}
	if in, ok := s.inputs[k]; ok {
		return in, nil
	}

	var in *Input
	switch e.Kind {
	case KindText:
		text, err := s.source.Text(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("reading text of bill %s: %w", b.ID, err)
		}
		in = &Input{Text: text}
	case KindLayout:
		pages, err := s.source.Layout(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("reading layout of bill %s: %w", b.ID, err)
		}
		in = &Input{Pages: pages}
	default:
		return nil, fmt.Errorf("extractor %s: unknown kind %q", e.ID, e.Kind)
	}

	s.inputs[k] = in
	return in, nil
}

// Values evaluates every field of e against the bill's document. Field
// failures are collected and never stop the remaining fields; the
// returned error is set only when the document could not be prepared.
func (s *Session) Values(ctx context.Context, e *Extractor, b *bill.Bill) (map[Key]any, []error, error) {
	in, err := s.prepare(ctx, e, b)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[Key]any, len(e.Fields))
	var errs []error
	for _, f := range e.Fields {
		v, err := f.Value(s.cache, in)
		if err != nil {
			slog.Debug("Field failed", "extractor_id", e.ID, "field_id", f.ID, "key", f.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		values[f.Key] = v
	}
	return values, errs, nil
}

// SuccessCount returns how many fields of e extract from the bill
func (s *Session) SuccessCount(ctx context.Context, e *Extractor, b *bill.Bill) (int, error) {
	values, _, err := s.Values(ctx, e, b)
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// ApplyValues writes every extracted value into the bill in application
// order and returns how many were applied. Field and application
// failures are collected. An unknown applier key aborts with
// ErrUnknownKey.
func (s *Session) ApplyValues(ctx context.Context, e *Extractor, b *bill.Bill, applier *Applier) (int, []error, error) {
	values, errs, err := s.Values(ctx, e, b)
	if err != nil {
		return 0, nil, err
	}

	applied := 0
	for _, key := range orderedKeys(values) {
		if err := applier.Apply(key, values[key], b); err != nil {
			if errors.Is(err, ErrUnknownKey) {
				return applied, errs, err
			}
			slog.Warn("Failed to apply value", "extractor_id", e.ID, "bill_id", b.ID, "key", key, "error", err)
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errs, nil
}

// orderedKeys sorts keys by application order. Keys without a position
// sort last so Apply can reject them.
func orderedKeys(values map[Key]any) []Key {
	rank := make(map[Key]int, len(keyOrder))
	for i, k := range keyOrder {
		rank[k] = i
	}
	keys := make([]Key, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, ok := rank[keys[i]]
		if !ok {
			ri = len(keyOrder)
		}
		rj, ok := rank[keys[j]]
		if !ok {
			rj = len(keyOrder)
		}
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	return keys
}
