package extraction

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/zombor/bill-engine/internal/bill"
)

const extractorBucketName = "extractors"

// Registry lists the extractors available to Service
type Registry interface {
	// ListExtractors returns every extractor ordered by ID
	ListExtractors() ([]*Extractor, error)

	// GetExtractor returns the extractor with the given ID
	GetExtractor(id string) (*Extractor, error)
}

// BoltRegistry stores extractor definitions in a bbolt bucket and builds
// extractors from them on read
type BoltRegistry struct {
	db *bbolt.DB
}

// NewBoltRegistry creates the extractor bucket in db
func NewBoltRegistry(db *bbolt.DB) (*BoltRegistry, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(extractorBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating extractor bucket: %w", err)
	}
	return &BoltRegistry{db: db}, nil
}

// SaveDefinition stores a definition after checking that it builds
func (r *BoltRegistry) SaveDefinition(def Definition) error {
	if _, err := Build(def); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshaling extractor definition: %w", err)
		}
		return tx.Bucket([]byte(extractorBucketName)).Put([]byte(def.ID), data)
	})
}

// DeleteDefinition removes a definition
func (r *BoltRegistry) DeleteDefinition(id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(extractorBucketName)).Delete([]byte(id))
	})
}

// ListDefinitions returns every stored definition ordered by ID
func (r *BoltRegistry) ListDefinitions() ([]Definition, error) {
	defs := make([]Definition, 0)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(extractorBucketName)).ForEach(func(k, v []byte) error {
			var def Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("unmarshaling extractor %s: %w", k, err)
			}
			defs = append(defs, def)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// ListExtractors builds every stored definition, ordered by ID
func (r *BoltRegistry) ListExtractors() ([]*Extractor, error) {
	defs, err := r.ListDefinitions()
	if err != nil {
		return nil, err
	}
	extractors := make([]*Extractor, 0, len(defs))
	for _, def := range defs {
		e, err := Build(def)
		if err != nil {
			return nil, err
		}
		extractors = append(extractors, e)
	}
	return extractors, nil
}

// GetExtractor builds the stored definition with the given ID
func (r *BoltRegistry) GetExtractor(id string) (*Extractor, error) {
	var def *Definition
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(extractorBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("extractor %w: %s", bill.ErrNotFound, id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return Build(*def)
}
