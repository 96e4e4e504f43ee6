package conversion

import (
	"regexp"
	"strings"

	"github.com/zombor/bill-engine/internal/bill"
)

// NameMap maps printed charge names to rsi_bindings for one utility.
// Names match case-insensitively with whitespace collapsed.
type NameMap map[string]string

// NewNameMap indexes a printed-name to rsi_binding table
func NewNameMap(names map[string]string) NameMap {
	m := make(NameMap, len(names))
	for name, binding := range names {
		m[nameKey(name)] = binding
	}
	return m
}

func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(normalize(name)), " "))
}

// Binding returns the rsi_binding for a printed charge name, falling back
// to bill.DefaultRSIBinding for names the map does not know
func (m NameMap) Binding(name string) string {
	if binding, ok := m[nameKey(name)]; ok {
		return binding
	}
	return bill.DefaultRSIBinding(name)
}

const amountPattern = `-?\$?\s*-?[\d,]*\.\d{2}`

var (
	// Customer Charge                       $14.50
	// Distribution Charge 94.7 therms x $0.3279   31.05
	wgRow = regexp.MustCompile(`^(.*?[A-Za-z].*?)\s+` +
		`(?:(-?[\d,]*\.?\d+)\s*([A-Za-z]+)\s*[x@]\s*\$?\s*(-?[\d,]*\.?\d+)\s+)?` +
		`(` + amountPattern + `)$`)
	amountLine = regexp.MustCompile(`^` + amountPattern + `$`)
	totalLine  = regexp.MustCompile(`(?i)^(sub)?total\b`)
)

// headingType reports whether a heading switches the charge category
func headingType(line string) (bill.ChargeType, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "supply") || strings.Contains(lower, "generation"):
		return bill.Supply, true
	case strings.Contains(lower, "distribution") || strings.Contains(lower, "delivery"):
		return bill.Distribution, true
	}
	return "", false
}

// ParseWGCharges parses a charge block with one charge per row. Rows are a
// name followed by the amount, optionally with "quantity unit x rate" in
// between. Rows without an amount are headings; a heading mentioning
// supply or generation switches to supply charges, one mentioning
// distribution or delivery switches back. Total rows are skipped.
func ParseWGCharges(raw string, names NameMap) ([]bill.Charge, error) {
	var (
		charges []bill.Charge
		current = bill.Distribution
	)
	for _, line := range lines(raw) {
		if totalLine.MatchString(line) {
			continue
		}
		m := wgRow.FindStringSubmatch(line)
		if m == nil {
			if t, ok := headingType(line); ok {
				current = t
			}
			continue
		}
		total, err := ParseFloat(m[5])
		if err != nil {
			return nil, fail(WGCharges, raw, "bad amount %q", m[5])
		}
		name := strings.TrimRight(strings.TrimSpace(m[1]), ":")
		charge := bill.Charge{
			RSIBinding:  names.Binding(name),
			Description: name,
			Type:        current,
			TargetTotal: bill.Float(total),
			Shared:      true,
		}
		if m[4] != "" {
			rate, err := ParseFloat(m[4])
			if err != nil {
				return nil, fail(WGCharges, raw, "bad rate %q", m[4])
			}
			charge.Rate = bill.Float(rate)
			charge.Unit = m[3]
		}
		charges = append(charges, charge)
	}
	if len(charges) == 0 {
		return nil, fail(WGCharges, raw, "no charges found")
	}
	return charges, nil
}

// ParsePepcoCharges parses a two-column charge table whose text dump
// lists every charge name first and the amounts afterwards, in the same
// order. Headings end with a colon and set the category of the names
// that follow them. Total rows take part in the pairing but are dropped.
func ParsePepcoCharges(raw string, names NameMap) ([]bill.Charge, error) {
	type pending struct {
		name  string
		t     bill.ChargeType
		total bool
	}
	var (
		rows    []pending
		amounts []float64
		current = bill.Distribution
	)
	for _, line := range lines(raw) {
		switch {
		case totalLine.MatchString(line):
			rows = append(rows, pending{name: line, total: true})
		case amountLine.MatchString(line):
			v, err := ParseFloat(line)
			if err != nil {
				return nil, fail(PepcoCharges, raw, "bad amount %q", line)
			}
			amounts = append(amounts, v)
		case strings.HasSuffix(line, ":"):
			if t, ok := headingType(line); ok {
				current = t
			}
		default:
			rows = append(rows, pending{name: line, t: current})
		}
	}
	if len(rows) != len(amounts) {
		return nil, fail(PepcoCharges, raw, "%d charge names but %d amounts", len(rows), len(amounts))
	}

	charges := make([]bill.Charge, 0, len(rows))
	for i, row := range rows {
		if row.total {
			continue
		}
		charges = append(charges, bill.Charge{
			RSIBinding:  names.Binding(row.name),
			Description: row.name,
			Type:        row.t,
			TargetTotal: bill.Float(amounts[i]),
			Shared:      true,
		})
	}
	if len(charges) == 0 {
		return nil, fail(PepcoCharges, raw, "no charges found")
	}
	return charges, nil
}
