// Package conversion turns raw strings pulled off a bill into typed values.
package conversion

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrConversion is matched by every ConversionError
var ErrConversion = errors.New("conversion failed")

// ConversionError reports a raw string that does not have the shape its
// declared type expects
type ConversionError struct {
	Type   Type
	Input  string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting %q to %s: %s", truncate(e.Input, 60), e.Type, e.Reason)
}

// Is makes errors.Is(err, ErrConversion) true
func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

func fail(t Type, input, format string, args ...any) error {
	return &ConversionError{Type: t, Input: input, Reason: fmt.Sprintf(format, args...)}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Type names a conversion function
type Type string

const (
	String       Type = "string"
	Date         Type = "date"
	Float        Type = "float"
	Address      Type = "address"
	WGCharges    Type = "wg_charges"
	PepcoCharges Type = "pepco_charges"
)

// Func converts a raw extracted string
type Func func(raw string) (any, error)

// Lookup returns the conversion function for t. Charge table conversions
// name their charges through names.
func Lookup(t Type, names NameMap) (Func, error) {
	switch t {
	case String:
		return func(raw string) (any, error) { return ParseString(raw) }, nil
	case Date:
		return func(raw string) (any, error) { return ParseDate(raw) }, nil
	case Float:
		return func(raw string) (any, error) { return ParseFloat(raw) }, nil
	case Address:
		return func(raw string) (any, error) { return ParseAddress(raw) }, nil
	case WGCharges:
		return func(raw string) (any, error) { return ParseWGCharges(raw, names) }, nil
	case PepcoCharges:
		return func(raw string) (any, error) { return ParsePepcoCharges(raw, names) }, nil
	}
	return nil, fmt.Errorf("unknown conversion type %q", t)
}

var spaces = regexp.MustCompile(`[ \t\f\v]+`)

// normalize folds PDF ligatures and non-breaking spaces into plain text
// and collapses runs of horizontal whitespace
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// lines returns the non-empty, normalized lines of s
func lines(s string) []string {
	var out []string
	for _, line := range strings.Split(normalize(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseString returns the trimmed text with whitespace collapsed
func ParseString(raw string) (string, error) {
	s := strings.Join(lines(raw), " ")
	if s == "" {
		return "", fail(String, raw, "empty value")
	}
	return s, nil
}
