package conversion

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/bill-engine/internal/bill"
)

var dateLayouts = []string{
	"1/2/2006",
	"1/2/06",
	"2006-01-02",
	"1-2-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2-Jan-2006",
	"2-Jan-06",
	"2 January 2006",
	"2 Jan 2006",
}

// ParseDate accepts the date formats printed on US utility bills
func ParseDate(raw string) (time.Time, error) {
	s := strings.Join(lines(raw), " ")
	// "Jan. 5, 2024" -> "Jan 5, 2024"
	s = strings.ReplaceAll(s, ". ", " ")
	s = strings.TrimSuffix(s, ".")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fail(Date, raw, "no known date format")
}

var negativeParens = regexp.MustCompile(`^\((.*)\)$`)

// ParseFloat parses a number, stripping currency symbols and thousands
// separators. "(1.50)" and "1.50CR" are negative.
func ParseFloat(raw string) (float64, error) {
	s := strings.Join(lines(raw), "")
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	negative := false
	if m := negativeParens.FindStringSubmatch(s); m != nil {
		s, negative = m[1], true
	}
	if upper := strings.ToUpper(s); strings.HasSuffix(upper, "CR") {
		s, negative = s[:len(s)-2], true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fail(Float, raw, "not a number")
	}
	if negative {
		d = d.Neg()
	}
	return d.InexactFloat64(), nil
}

var (
	cityStateZip = regexp.MustCompile(`^(.+?),?\s+([A-Z]{2})\.?,?\s+(\d{5}(?:-?\d{4})?)$`)
	cityState    = regexp.MustCompile(`^(.+?),\s*([A-Z]{2})$`)
	streetLine   = regexp.MustCompile(`(?i)^(\d+[A-Z]?\s+\S+|P\.?\s*O\.?\s*Box\b)`)
)

// ParseAddress classifies the lines of a printed address block into
// addressee, street and city/state/zip. The last line must be a city
// line; the street is the last line before it that looks like one.
func ParseAddress(raw string) (bill.Address, error) {
	ls := lines(raw)
	if len(ls) == 0 {
		return bill.Address{}, fail(Address, raw, "empty value")
	}

	var addr bill.Address
	last := ls[len(ls)-1]
	if m := cityStateZip.FindStringSubmatch(last); m != nil {
		addr.City, addr.State, addr.PostalCode = strings.TrimSuffix(m[1], ","), m[2], m[3]
	} else if m := cityState.FindStringSubmatch(last); m != nil {
		addr.City, addr.State = m[1], m[2]
	} else {
		return bill.Address{}, fail(Address, raw, "no city, state and zip line")
	}

	rest := ls[:len(ls)-1]
	if len(rest) == 0 {
		return addr, nil
	}
	street := len(rest) - 1
	for i := len(rest) - 1; i >= 0; i-- {
		if streetLine.MatchString(rest[i]) {
			street = i
			break
		}
	}
	addr.Street = strings.Join(rest[street:], ", ")
	addr.Addressee = strings.Join(rest[:street], " ")
	return addr, nil
}
