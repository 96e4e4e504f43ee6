// Package jobs runs extraction and benchmarks over many bills at once.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/extraction"
)

// BillStore loads and saves the bills jobs work on
type BillStore interface {
	GetBill(id string) (*bill.Bill, error)
	SaveBill(b *bill.Bill) error
}

// Extractor extracts and evaluates single bills. Each call must use its
// own field cache so calls can run concurrently.
type Extractor interface {
	Extract(ctx context.Context, b *bill.Bill) (extraction.Outcome, error)
	TestBill(ctx context.Context, e *extraction.Extractor, b *bill.Bill) extraction.Result
}

// Outcome is the result of extracting one bill. Err is set when the
// bill could not be loaded, read or saved.
type Outcome struct {
	BillID string
	extraction.Outcome
	Err error
}

// Runner runs jobs with a bounded number of workers
type Runner struct {
	store       BillStore
	extractor   Extractor
	concurrency int
	timeout     time.Duration
}

// Option configures a Runner
type Option func(*Runner)

// WithConcurrency sets the number of bills processed at once
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBillTimeout bounds the time spent on a single bill
func WithBillTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner creates a Runner with four workers and a three minute
// timeout per bill
func NewRunner(store BillStore, extractor Extractor, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		extractor:   extractor,
		concurrency: 4,
		timeout:     3 * time.Minute,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ExtractAll extracts and saves every bill. A failing bill is reported
// in its outcome and does not stop the others. Outcomes are in the
// order of ids. The error is set only when ctx ends first.
func (r *Runner) ExtractAll(ctx context.Context, ids []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = r.extractOne(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	slog.Info("Extracted bills", "total", len(ids), "failed", failed)
	return outcomes, nil
}

func (r *Runner) extractOne(ctx context.Context, id string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	outcome := Outcome{BillID: id}
	b, err := r.store.GetBill(id)
	if err != nil {
		outcome.Err = fmt.Errorf("loading bill: %w", err)
		return outcome
	}

	result, err := r.extractor.Extract(ctx, b)
	if err != nil {
		slog.Error("Extraction failed", "bill_id", id, "error", err)
		outcome.Err = err
		return outcome
	}
	outcome.Outcome = result

	if err := r.store.SaveBill(b); err != nil {
		outcome.Err = fmt.Errorf("saving bill: %w", err)
	}
	return outcome
}

// Benchmark evaluates e over the bills without modifying them and sums
// the per-bill results. A bill that cannot be loaded counts toward the
// total only, like a bill whose document cannot be read. The error is
// set only when ctx ends first.
func (r *Runner) Benchmark(ctx context.Context, e *extraction.Extractor, ids []string) (extraction.Result, error) {
	results := make([]extraction.Result, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := r.store.GetBill(id)
			if err != nil {
				slog.Warn("Failed to load bill for benchmark", "bill_id", id, "error", err)
				results[i] = extraction.Result{TotalCount: 1}
				return nil
			}
			billCtx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()
			results[i] = r.extractor.TestBill(billCtx, e, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return extraction.Result{}, err
	}

	total := extraction.Result{Fields: make(map[extraction.Key]extraction.FieldStats)}
	for _, res := range results {
		total.Add(res)
	}
	return total, nil
}
