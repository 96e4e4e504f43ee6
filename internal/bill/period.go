package bill

import (
	"math"
	"time"
)

// EstimatedPeriodDays is used to fill in a missing period boundary
const EstimatedPeriodDays = 30

const day = 24 * time.Hour

// ComparisonPeriod returns the bill's period boundaries for comparison
// purposes. When only one boundary is known the other is estimated
// EstimatedPeriodDays away. ok is false when neither is known. The bill
// is never modified.
func (b *Bill) ComparisonPeriod() (start, end time.Time, ok bool) {
	switch {
	case b.PeriodStart != nil && b.PeriodEnd != nil:
		return *b.PeriodStart, *b.PeriodEnd, true
	case b.PeriodStart != nil:
		return *b.PeriodStart, b.PeriodStart.Add(EstimatedPeriodDays * day), true
	case b.PeriodEnd != nil:
		return b.PeriodEnd.Add(-EstimatedPeriodDays * day), *b.PeriodEnd, true
	}
	return time.Time{}, time.Time{}, false
}

// Distance is the Manhattan distance in days between two periods:
// |Δstart| + |Δend|
func Distance(start1, end1, start2, end2 time.Time) float64 {
	return math.Abs(start1.Sub(start2).Hours()/24) + math.Abs(end1.Sub(end2).Hours()/24)
}

// DistanceTo returns the distance between the periods of two bills.
// ok is false if either bill has no usable period.
func (b *Bill) DistanceTo(other *Bill) (float64, bool) {
	s1, e1, ok := b.ComparisonPeriod()
	if !ok {
		return 0, false
	}
	s2, e2, ok := other.ComparisonPeriod()
	if !ok {
		return 0, false
	}
	return Distance(s1, e1, s2, e2), true
}

// ChargeByBinding returns the first charge with the given rsi_binding
func (b *Bill) ChargeByBinding(rsiBinding string) (Charge, bool) {
	for _, c := range b.Charges {
		if c.RSIBinding == rsiBinding {
			return c, true
		}
	}
	return Charge{}, false
}

// ClosestOccurrence finds the charge with the given rsi_binding on the
// candidate bill closest in time to target. If target has no period,
// the occurrence on the latest-ending candidate wins. The target itself
// is skipped.
func ClosestOccurrence(target *Bill, candidates []*Bill, rsiBinding string) (Charge, bool) {
	var (
		best      Charge
		found     bool
		bestDist  = math.Inf(1)
		bestEnd   time.Time
		_, _, has = target.ComparisonPeriod()
	)
	for _, candidate := range candidates {
		if candidate.ID == target.ID {
			continue
		}
		charge, ok := candidate.ChargeByBinding(rsiBinding)
		if !ok {
			continue
		}
		if has {
			dist, ok := target.DistanceTo(candidate)
			if !ok || dist >= bestDist {
				continue
			}
			best, bestDist, found = charge, dist, true
			continue
		}
		_, end, ok := candidate.ComparisonPeriod()
		if !ok {
			if !found {
				best, found = charge, true
			}
			continue
		}
		if !found || end.After(bestEnd) {
			best, bestEnd, found = charge, end, true
		}
	}
	return best, found
}
