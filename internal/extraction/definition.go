package extraction

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/zombor/bill-engine/internal/conversion"
	"github.com/zombor/bill-engine/internal/document"
)

// FieldDefinition is the stored form of a field. Text fields need Regex.
// Layout fields need Page and BBox; Regex narrows the text found in the
// box and OffsetRegex anchors the box to the first matching fragment.
type FieldDefinition struct {
	ID          string          `json:"id,omitempty" yaml:"id,omitempty"`
	Key         Key             `json:"applier_key" yaml:"applier_key"`
	Type        conversion.Type `json:"type" yaml:"type"`
	Regex       string          `json:"regex,omitempty" yaml:"regex,omitempty"`
	Page        int             `json:"page,omitempty" yaml:"page,omitempty"`
	BBox        *document.BBox  `json:"bbox,omitempty" yaml:"bbox,omitempty"`
	OffsetRegex string          `json:"offset_regex,omitempty" yaml:"offset_regex,omitempty"`
}

// Definition is the stored form of an extractor
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Kind        Kind              `json:"kind" yaml:"kind"`
	ChargeNames map[string]string `json:"charge_names,omitempty" yaml:"charge_names,omitempty"`
	Fields      []FieldDefinition `json:"fields" yaml:"fields"`
}

type definitionFile struct {
	Extractors []Definition `yaml:"extractors"`
}

// LoadDefinitions decodes a YAML document with a top-level extractors
// list and checks that every definition builds
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var file definitionFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding extractor definitions: %w", err)
	}

	seen := make(map[string]bool, len(file.Extractors))
	for _, def := range file.Extractors {
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate extractor id %q", def.ID)
		}
		seen[def.ID] = true
		if _, err := Build(def); err != nil {
			return nil, err
		}
	}
	return file.Extractors, nil
}

// Build compiles a definition into an extractor. Field regular
// expressions are case-insensitive and let . match newlines.
func Build(def Definition) (*Extractor, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("extractor has no id")
	}
	if def.Kind != KindText && def.Kind != KindLayout {
		return nil, fmt.Errorf("extractor %s: unknown kind %q", def.ID, def.Kind)
	}

	names := conversion.NewNameMap(def.ChargeNames)
	e := &Extractor{ID: def.ID, Name: def.Name, Kind: def.Kind}
	keys := make(map[Key]bool, len(def.Fields))

	for i, fd := range def.Fields {
		id := fd.ID
		if id == "" {
			id = fmt.Sprintf("%s/%d", def.ID, i)
		}
		if !ValidKey(fd.Key) {
			return nil, fmt.Errorf("extractor %s field %s: %w: %q", def.ID, id, ErrUnknownKey, fd.Key)
		}
		if keys[fd.Key] {
			return nil, fmt.Errorf("extractor %s: applier key %s used twice", def.ID, fd.Key)
		}
		keys[fd.Key] = true

		convert, err := conversion.Lookup(fd.Type, names)
		if err != nil {
			return nil, fmt.Errorf("extractor %s field %s: %w", def.ID, id, err)
		}

		var raw rawExtractor
		switch def.Kind {
		case KindText:
			raw, err = buildTextField(fd)
		case KindLayout:
			raw, err = buildLayoutField(fd)
		}
		if err != nil {
			return nil, fmt.Errorf("extractor %s field %s: %w", def.ID, id, err)
		}

		e.Fields = append(e.Fields, &Field{
			ID:          id,
			ExtractorID: def.ID,
			Type:        fd.Type,
			Key:         fd.Key,
			raw:         raw,
			convert:     convert,
		})
	}
	return e, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?is)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", pattern, err)
	}
	return re, nil
}

func buildTextField(fd FieldDefinition) (rawExtractor, error) {
	if fd.Regex == "" {
		return nil, fmt.Errorf("text field needs a regex")
	}
	re, err := compile(fd.Regex)
	if err != nil {
		return nil, err
	}
	return textField{re: re}, nil
}

func buildLayoutField(fd FieldDefinition) (rawExtractor, error) {
	if fd.Page < 1 {
		return nil, fmt.Errorf("layout field needs a page number starting at 1")
	}
	if fd.BBox == nil {
		return nil, fmt.Errorf("layout field needs a bbox")
	}
	if fd.BBox.X0 > fd.BBox.X1 || fd.BBox.Y0 > fd.BBox.Y1 {
		return nil, fmt.Errorf("bbox corners are reversed")
	}

	l := layoutField{page: fd.Page, bbox: *fd.BBox}
	if fd.Regex != "" {
		re, err := compile(fd.Regex)
		if err != nil {
			return nil, err
		}
		l.re = re
	}
	if fd.OffsetRegex != "" {
		re, err := compile(fd.OffsetRegex)
		if err != nil {
			return nil, err
		}
		l.anchor = re
	}
	return l, nil
}
