package extraction

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction is matched by every per-field failure, whether the raw
	// text could not be found or could not be converted
	ErrExtraction = errors.New("extraction failed")

	// ErrUnknownKey means an applier key has no target. It is a
	// configuration error, not a document problem, and is never collected.
	ErrUnknownKey = errors.New("unknown applier key")
)

// NoMatchError reports a pattern that did not locate exactly one value
type NoMatchError struct {
	Pattern string
	Reason  string
}

func (e *NoMatchError) Error() string {
	if e.Pattern == "" {
		return "match failed: " + e.Reason
	}
	return fmt.Sprintf("match failed for %q: %s", e.Pattern, e.Reason)
}

// FieldError wraps the NoMatchError or conversion.ConversionError of one field
type FieldError struct {
	FieldID string
	Key     Key
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s (%s): %v", e.FieldID, e.Key, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrExtraction) true
func (e *FieldError) Is(target error) bool {
	return target == ErrExtraction
}

// TypeMismatchError reports a value whose type differs from the type of
// the bill attribute it targets
type TypeMismatchError struct {
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Want, e.Got)
}

// ApplicationError reports a value that could not be written to a bill.
// Kind is the dynamic type of the underlying error.
type ApplicationError struct {
	Key  Key
	Kind string
	Err  error
}

func newApplicationError(key Key, err error) *ApplicationError {
	return &ApplicationError{Key: key, Kind: fmt.Sprintf("%T", err), Err: err}
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("applying %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
