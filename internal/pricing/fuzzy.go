// Package pricing predicts the charges a bill should carry from the
// charges on comparable processed bills.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/zombor/bill-engine/internal/bill"
)

// DefaultThreshold is the share of weighted comparison bills a shared
// charge must appear on to be predicted
const DefaultThreshold = 0.5

// Model predicts the charges of a bill
type Model interface {
	PredictedCharges(ctx context.Context, b *bill.Bill) ([]bill.Charge, error)
}

// BillStore provides the processed bills predictions are drawn from
type BillStore interface {
	ProcessedBillsForRateClass(utility, rateClassID string) ([]*bill.Bill, error)
	ProcessedBillsForSupplier(supplier string) ([]*bill.Bill, error)
	LatestProcessedBefore(b *bill.Bill, before time.Time) (*bill.Bill, error)
}

// FuzzyModel predicts shared charges by weighting comparison bills by how
// close their periods are to the bill's, and carries un-shared charges
// forward from the bill's predecessor
type FuzzyModel struct {
	store     BillStore
	threshold float64
}

// NewFuzzyModel creates a FuzzyModel. A threshold outside (0, 1] uses
// DefaultThreshold.
func NewFuzzyModel(store BillStore, threshold float64) *FuzzyModel {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &FuzzyModel{store: store, threshold: threshold}
}

// Weight decays exponentially with the distance in days between two
// periods. It never reaches zero.
func Weight(distance float64) float64 {
	return math.Max(math.Pow(0.5, distance*7), math.SmallestNonzeroFloat64)
}

// PredictedCharges returns the shared charges likely to appear on b,
// sorted by rsi_binding, followed by the un-shared charges of its
// predecessor. A bill without period dates gets no predictions. Target
// totals are never predicted. The bill is not modified.
func (m *FuzzyModel) PredictedCharges(ctx context.Context, b *bill.Bill) ([]bill.Charge, error) {
	start, end, ok := b.ComparisonPeriod()
	if !ok {
		return []bill.Charge{}, nil
	}

	var distribution, supply []*bill.Bill
	if b.RateClass != nil {
		bills, err := m.store.ProcessedBillsForRateClass(b.Utility, b.RateClass.ID)
		if err != nil {
			return nil, fmt.Errorf("loading rate class comparison bills: %w", err)
		}
		distribution = bills
	}
	if b.Supplier != "" {
		bills, err := m.store.ProcessedBillsForSupplier(b.Supplier)
		if err != nil {
			return nil, fmt.Errorf("loading supplier comparison bills: %w", err)
		}
		supply = bills
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	predicted := m.predict(b, start, end, distribution, bill.Distribution)
	for rsi, c := range m.predict(b, start, end, supply, bill.Supply) {
		predicted[rsi] = c
	}

	bindings := make([]string, 0, len(predicted))
	for rsi := range predicted {
		bindings = append(bindings, rsi)
	}
	sort.Strings(bindings)

	charges := make([]bill.Charge, 0, len(bindings))
	for _, rsi := range bindings {
		charges = append(charges, predicted[rsi])
	}

	predecessor, err := m.store.LatestProcessedBefore(b, start)
	if err != nil {
		return nil, fmt.Errorf("loading predecessor: %w", err)
	}
	if predecessor != nil {
		for _, c := range predecessor.Charges {
			if c.Shared {
				continue
			}
			if _, ok := predicted[c.RSIBinding]; ok {
				continue
			}
			c = c.Clone()
			c.TargetTotal = nil
			predicted[c.RSIBinding] = c
			charges = append(charges, c)
		}
	}

	slog.Info("Predicted charges",
		"bill_id", b.ID,
		"distribution_bills", len(distribution),
		"supply_bills", len(supply),
		"predicted", len(charges))

	return charges, nil
}

// presence accumulates the evidence for one rsi_binding
type presence struct {
	score       float64
	closest     bill.Charge
	closestDist float64
}

// predict scores every shared charge of the given type found on the
// comparison bills and returns those at or above the threshold, keyed
// by rsi_binding
func (m *FuzzyModel) predict(b *bill.Bill, start, end time.Time, comparisons []*bill.Bill, chargeType bill.ChargeType) map[string]bill.Charge {
	var (
		total   float64
		found   = make(map[string]*presence)
		ordered []string
	)
	for _, other := range comparisons {
		if other.ID == b.ID {
			continue
		}
		otherStart, otherEnd, ok := other.ComparisonPeriod()
		if !ok {
			continue
		}
		dist := bill.Distance(start, end, otherStart, otherEnd)
		w := Weight(dist)
		total += w

		seen := make(map[string]bool)
		for _, c := range other.Charges {
			if !c.Shared || c.Type != chargeType || seen[c.RSIBinding] {
				continue
			}
			seen[c.RSIBinding] = true

			p, ok := found[c.RSIBinding]
			if !ok {
				p = &presence{closestDist: math.Inf(1)}
				found[c.RSIBinding] = p
				ordered = append(ordered, c.RSIBinding)
			}
			p.score += w
			if dist < p.closestDist {
				p.closest, p.closestDist = c, dist
			}
		}
	}

	predicted := make(map[string]bill.Charge)
	if total == 0 {
		return predicted
	}
	for _, rsi := range ordered {
		p := found[rsi]
		if p.score/total < m.threshold {
			continue
		}
		c := p.closest.Clone()
		c.TargetTotal = nil
		predicted[rsi] = c
	}
	return predicted
}
