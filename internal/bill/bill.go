package bill

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a bill or rate class does not exist
var ErrNotFound = errors.New("not found")

// ChargeType is the category a charge belongs to
type ChargeType string

const (
	Distribution ChargeType = "distribution"
	Supply       ChargeType = "supply"
)

// Service values for rate classes
const (
	ServiceGas      = "gas"
	ServiceElectric = "electric"
)

// Charge is one line item on a bill
type Charge struct {
	RSIBinding      string     `json:"rsi_binding"`
	Description     string     `json:"description"`
	Type            ChargeType `json:"type"`
	Unit            string     `json:"unit,omitempty"`
	Rate            *float64   `json:"rate,omitempty"`
	QuantityFormula string     `json:"quantity_formula,omitempty"`
	TargetTotal     *float64   `json:"target_total,omitempty"`
	Shared          bool       `json:"shared"`
}

// RateClass is a utility tariff that bills are charged under
type RateClass struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Utility string `json:"utility"`
	Service string `json:"service,omitempty"`
}

// Address is a postal address printed on a bill
type Address struct {
	Addressee  string `json:"addressee,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Bill is a utility bill and the attributes extraction and prediction work on
type Bill struct {
	ID             string     `json:"id"`
	CustomerID     string     `json:"customer_id"`
	Utility        string     `json:"utility"`
	Supplier       string     `json:"supplier,omitempty"`
	RateClass      *RateClass `json:"rate_class,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	NextMeterRead  *time.Time `json:"next_meter_read,omitempty"`
	Energy         *float64   `json:"energy,omitempty"`
	EnergyUnit     string     `json:"energy_unit,omitempty"`
	BillingAddress Address    `json:"billing_address"`
	ServiceAddress Address    `json:"service_address"`
	Charges        []Charge   `json:"charges,omitempty"`
	Processed      bool       `json:"processed"`
	Filename       string     `json:"filename,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	DateExtracted  *time.Time `json:"date_extracted,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RateClassID returns the ID of the bill's rate class, or "" if it has none
func (b *Bill) RateClassID() string {
	if b.RateClass == nil {
		return ""
	}
	return b.RateClass.ID
}

// UnitFor returns the energy unit implied by the rate class service,
// or fallback when the service is unknown
func UnitFor(rc *RateClass, fallback string) string {
	if rc == nil {
		return fallback
	}
	switch rc.Service {
	case ServiceGas:
		return "therms"
	case ServiceElectric:
		return "kWh"
	}
	return fallback
}

var nonIdentifier = regexp.MustCompile(`[^A-Z0-9]+`)

// DefaultRSIBinding derives a charge identifier from its printed name:
// upper case, runs of other characters collapsed into one underscore.
func DefaultRSIBinding(name string) string {
	s := nonIdentifier.ReplaceAllString(strings.ToUpper(strings.TrimSpace(name)), "_")
	return strings.Trim(s, "_")
}

// Clone returns a copy of the charge with its pointer fields detached
func (c Charge) Clone() Charge {
	out := c
	if c.Rate != nil {
		r := *c.Rate
		out.Rate = &r
	}
	if c.TargetTotal != nil {
		t := *c.TargetTotal
		out.TargetTotal = &t
	}
	return out
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

// Date returns a pointer to the UTC midnight of the given day
func Date(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}
