package extraction

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zombor/bill-engine/internal/bill"
)

// Key names the bill attribute an extracted value is written to
type Key string

const (
	KeyRateClass      Key = "RATE_CLASS"
	KeyStart          Key = "START"
	KeyEnd            Key = "END"
	KeyNextRead       Key = "NEXT_READ"
	KeyEnergy         Key = "ENERGY"
	KeyCharges        Key = "CHARGES"
	KeyBillingAddress Key = "BILLING_ADDRESS"
	KeyServiceAddress Key = "SERVICE_ADDRESS"
)

// keyOrder is the order values are applied in. RATE_CLASS comes first
// because the energy unit of ENERGY and CHARGES depends on it.
var keyOrder = []Key{
	KeyRateClass,
	KeyStart,
	KeyEnd,
	KeyNextRead,
	KeyEnergy,
	KeyCharges,
	KeyBillingAddress,
	KeyServiceAddress,
}

// Keys returns every applier key in application order
func Keys() []Key {
	return append([]Key(nil), keyOrder...)
}

// ValidKey reports whether k has an applier target
func ValidKey(k Key) bool {
	for _, known := range keyOrder {
		if k == known {
			return true
		}
	}
	return false
}

// RateClassFinder resolves rate class names to rate classes, creating
// them on first sight
type RateClassFinder interface {
	FindOrCreateRateClass(name, utility string) (*bill.RateClass, error)
}

// ChargeHistory provides the processed bills charges are enriched from
type ChargeHistory interface {
	ProcessedBillsForRateClass(utility, rateClassID string) ([]*bill.Bill, error)
}

// target is what an applier key writes to. set validates and writes the
// value, read returns the value the bill currently holds and same
// compares an extracted value against it.
type target struct {
	set  func(value any, b *bill.Bill) error
	read func(b *bill.Bill) (any, bool)
	same func(extracted, current any) bool
}

// plain builds the target of a single attribute of type T
func plain[T any](assign func(b *bill.Bill, v T), read func(b *bill.Bill) (any, bool), same func(a, b T) bool) target {
	return target{
		set: func(value any, b *bill.Bill) error {
			v, ok := value.(T)
			if !ok {
				var zero T
				return &TypeMismatchError{Want: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", value)}
			}
			assign(b, v)
			return nil
		},
		read: read,
		same: func(extracted, current any) bool {
			x, ok1 := extracted.(T)
			y, ok2 := current.(T)
			return ok1 && ok2 && same(x, y)
		},
	}
}

// Applier writes extracted values into bills
type Applier struct {
	rateClasses RateClassFinder
	history     ChargeHistory
	defaultUnit string
	targets     map[Key]target
}

// NewApplier creates an Applier. defaultUnit is the energy unit used
// when the rate class does not imply one.
func NewApplier(rateClasses RateClassFinder, history ChargeHistory, defaultUnit string) *Applier {
	a := &Applier{
		rateClasses: rateClasses,
		history:     history,
		defaultUnit: defaultUnit,
	}
	a.targets = map[Key]target{
		KeyRateClass: {
			set:  a.setRateClass,
			read: readRateClass,
			same: func(x, y any) bool { return sameString(x, y) },
		},
		KeyStart: plain(func(b *bill.Bill, v time.Time) { b.PeriodStart = &v },
			func(b *bill.Bill) (any, bool) { return deref(b.PeriodStart) }, sameDay),
		KeyEnd: plain(func(b *bill.Bill, v time.Time) { b.PeriodEnd = &v },
			func(b *bill.Bill) (any, bool) { return deref(b.PeriodEnd) }, sameDay),
		KeyNextRead: plain(func(b *bill.Bill, v time.Time) { b.NextMeterRead = &v },
			func(b *bill.Bill) (any, bool) { return deref(b.NextMeterRead) }, sameDay),
		KeyEnergy: plain(func(b *bill.Bill, v float64) {
			b.Energy = &v
			b.EnergyUnit = a.unit(b)
		}, func(b *bill.Bill) (any, bool) { return deref(b.Energy) }, sameAmount),
		KeyCharges: {
			set:  a.setCharges,
			read: readCharges,
			same: sameCharges,
		},
		KeyBillingAddress: plain(func(b *bill.Bill, v bill.Address) { b.BillingAddress = v },
			func(b *bill.Bill) (any, bool) { return address(b.BillingAddress) }, sameAddress),
		KeyServiceAddress: plain(func(b *bill.Bill, v bill.Address) { b.ServiceAddress = v },
			func(b *bill.Bill) (any, bool) { return address(b.ServiceAddress) }, sameAddress),
	}
	return a
}

// Apply writes value to the attribute key targets. An unknown key
// returns ErrUnknownKey; every other failure is an *ApplicationError.
func (a *Applier) Apply(key Key, value any, b *bill.Bill) (err error) {
	t, ok := a.targets[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	defer func() {
		if r := recover(); r != nil {
			err = newApplicationError(key, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := t.set(value, b); err != nil {
		return newApplicationError(key, err)
	}
	return nil
}

// Matches reports whether an extracted value agrees with the value the
// bill holds for key. It is false when the bill holds nothing.
func (a *Applier) Matches(key Key, extracted any, b *bill.Bill) (matches, known bool) {
	t, ok := a.targets[key]
	if !ok {
		return false, false
	}
	current, ok := t.read(b)
	if !ok {
		return false, false
	}
	return t.same(extracted, current), true
}

// unit is the bill's energy unit: the rate class service decides, then
// the configured default
func (a *Applier) unit(b *bill.Bill) string {
	return bill.UnitFor(b.RateClass, a.defaultUnit)
}

func (a *Applier) setRateClass(value any, b *bill.Bill) error {
	name, ok := value.(string)
	if !ok {
		return &TypeMismatchError{Want: "string", Got: fmt.Sprintf("%T", value)}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty rate class name")
	}
	rc, err := a.rateClasses.FindOrCreateRateClass(name, b.Utility)
	if err != nil {
		return fmt.Errorf("finding rate class %q: %w", name, err)
	}
	b.RateClass = rc
	return nil
}

// setCharges stamps the energy unit on every charge and copies the
// formula, and the rate when none was extracted, from the closest
// occurrence of the same charge on a processed bill
func (a *Applier) setCharges(value any, b *bill.Bill) error {
	extracted, ok := value.([]bill.Charge)
	if !ok {
		return &TypeMismatchError{Want: "[]bill.Charge", Got: fmt.Sprintf("%T", value)}
	}

	unit := b.EnergyUnit
	if b.RateClass != nil || unit == "" {
		unit = a.unit(b)
	}

	var history []*bill.Bill
	if b.RateClass != nil && a.history != nil {
		var err error
		history, err = a.history.ProcessedBillsForRateClass(b.Utility, b.RateClass.ID)
		if err != nil {
			return fmt.Errorf("loading charge history: %w", err)
		}
	}

	charges := make([]bill.Charge, 0, len(extracted))
	for _, c := range extracted {
		c = c.Clone()
		c.Unit = unit
		if prior, ok := bill.ClosestOccurrence(b, history, c.RSIBinding); ok {
			c.QuantityFormula = prior.QuantityFormula
			if c.Rate == nil && prior.Rate != nil {
				c.Rate = bill.Float(*prior.Rate)
			}
		}
		charges = append(charges, c)
	}
	b.Charges = charges
	return nil
}

func deref[T any](p *T) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

func readRateClass(b *bill.Bill) (any, bool) {
	if b.RateClass == nil {
		return nil, false
	}
	return b.RateClass.Name, true
}

func readCharges(b *bill.Bill) (any, bool) {
	if len(b.Charges) == 0 {
		return nil, false
	}
	return b.Charges, true
}

func address(a bill.Address) (any, bool) {
	if a == (bill.Address{}) {
		return nil, false
	}
	return a, true
}

func sameString(x, y any) bool {
	a, ok1 := x.(string)
	b, ok2 := y.(string)
	return ok1 && ok2 && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

const amountTolerance = 0.005

func sameAmount(a, b float64) bool {
	return math.Abs(a-b) < amountTolerance
}

func sameAddress(a, b bill.Address) bool {
	eq := func(x, y string) bool { return strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y)) }
	return eq(a.Addressee, b.Addressee) && eq(a.Street, b.Street) &&
		eq(a.City, b.City) && eq(a.State, b.State) && eq(a.PostalCode, b.PostalCode)
}

// sameCharges compares charges by rsi_binding and target total,
// ignoring order
func sameCharges(x, y any) bool {
	a, ok1 := x.([]bill.Charge)
	b, ok2 := y.([]bill.Charge)
	if !ok1 || !ok2 || len(a) != len(b) {
		return false
	}
	totals := make(map[string]*float64, len(b))
	for _, c := range b {
		totals[c.RSIBinding] = c.TargetTotal
	}
	for _, c := range a {
		t, ok := totals[c.RSIBinding]
		if !ok {
			return false
		}
		switch {
		case t == nil && c.TargetTotal == nil:
		case t == nil || c.TargetTotal == nil:
			return false
		case !sameAmount(*t, *c.TargetTotal):
			return false
		}
	}
	return true
}
