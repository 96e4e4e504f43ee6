package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/bill-engine/internal/bill"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service picks the best extractor for a bill and applies it
type Service struct {
	registry   Registry
	source     DocumentSource
	applier    *Applier
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(registry Registry, source DocumentSource, applier *Applier) *Service {
	return NewServiceWithDeps(registry, source, applier, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(registry Registry, source DocumentSource, applier *Applier, timeSrc TimeSource) *Service {
	return &Service{
		registry:   registry,
		source:     source,
		applier:    applier,
		timeSource: timeSrc,
	}
}

// Outcome describes one extraction
type Outcome struct {
	ExtractorID string
	Applied     int
	Errors      []error
}

// Extract applies the extractor that extracts the most fields from the
// bill and records the extraction time on it. Ties go to the extractor
// listed first. With no extractors registered Extract does nothing.
func (s *Service) Extract(ctx context.Context, b *bill.Bill) (Outcome, error) {
	extractors, err := s.registry.ListExtractors()
	if err != nil {
		return Outcome{}, fmt.Errorf("listing extractors: %w", err)
	}
	if len(extractors) == 0 {
		return Outcome{}, nil
	}

	session := NewSession(s.source)
	var (
		best      *Extractor
		bestCount = -1
		lastErr   error
	)
	for _, e := range extractors {
		count, err := session.SuccessCount(ctx, e, b)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			slog.Warn("Extractor could not read bill", "extractor_id", e.ID, "bill_id", b.ID, "error", err)
			lastErr = err
			continue
		}
		if count > bestCount {
			best, bestCount = e, count
		}
	}
	if best == nil {
		return Outcome{}, fmt.Errorf("no extractor could read bill %s: %w", b.ID, lastErr)
	}

	slog.Info("Selected extractor", "bill_id", b.ID, "extractor_id", best.ID, "success_count", bestCount)

	applied, errs, err := session.ApplyValues(ctx, best, b, s.applier)
	if err != nil {
		return Outcome{}, fmt.Errorf("applying extractor %s: %w", best.ID, err)
	}
	now := s.timeSource.Now()
	b.DateExtracted = &now

	return Outcome{ExtractorID: best.ID, Applied: applied, Errors: errs}, nil
}

// FieldStats counts extraction results for one applier key. Correct and
// Incorrect only count bills that already hold a verified value.
type FieldStats struct {
	Extracted int `json:"extracted"`
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
}

// Result summarises an extractor over a set of bills
type Result struct {
	// AllCount is the number of bills every field extracted from
	AllCount int `json:"all_count"`
	// AnyCount is the number of bills at least one field extracted from
	AnyCount   int                `json:"any_count"`
	TotalCount int                `json:"total_count"`
	Fields     map[Key]FieldStats `json:"fields"`
}

// Add merges other into r
func (r *Result) Add(other Result) {
	r.AllCount += other.AllCount
	r.AnyCount += other.AnyCount
	r.TotalCount += other.TotalCount
	if r.Fields == nil {
		r.Fields = make(map[Key]FieldStats, len(other.Fields))
	}
	for k, o := range other.Fields {
		f := r.Fields[k]
		f.Extracted += o.Extracted
		f.Correct += o.Correct
		f.Incorrect += o.Incorrect
		r.Fields[k] = f
	}
}

// TestExtractor evaluates e over bills without modifying them
func (s *Service) TestExtractor(ctx context.Context, e *Extractor, bills []*bill.Bill) Result {
	result := Result{Fields: make(map[Key]FieldStats)}
	session := NewSession(s.source)
	for _, b := range bills {
		result.Add(s.testBill(ctx, session, e, b))
	}
	return result
}

// TestBill evaluates e over a single bill without modifying it
func (s *Service) TestBill(ctx context.Context, e *Extractor, b *bill.Bill) Result {
	return s.testBill(ctx, NewSession(s.source), e, b)
}

func (s *Service) testBill(ctx context.Context, session *Session, e *Extractor, b *bill.Bill) Result {
	result := Result{TotalCount: 1, Fields: make(map[Key]FieldStats)}

	values, _, err := session.Values(ctx, e, b)
	if err != nil {
		slog.Warn("Extractor could not read bill", "extractor_id", e.ID, "bill_id", b.ID, "error", err)
		return result
	}

	if len(values) > 0 {
		result.AnyCount = 1
		if len(values) == len(e.Fields) {
			result.AllCount = 1
		}
	}

	for key, v := range values {
		stats := FieldStats{Extracted: 1}
		if b.Processed {
			if matches, known := s.applier.Matches(key, v, b); known {
				if matches {
					stats.Correct = 1
				} else {
					stats.Incorrect = 1
				}
			}
		}
		result.Fields[key] = stats
	}
	return result
}
