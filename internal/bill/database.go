package bill

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	billBucketName           = "bills"
	rateClassBucketName      = "rate_classes"
	rateClassIndexBucketName = "rate_class_index"
)

// DB defines the interface for bill and rate class storage
type DB interface {
	// SaveBill saves a bill to the database
	SaveBill(bill *Bill) error

	// GetBill retrieves a bill by ID
	GetBill(id string) (*Bill, error)

	// ListBills returns all bills ordered by ID
	ListBills() ([]*Bill, error)

	// DeleteBill removes a bill from the database
	DeleteBill(id string) error

	// ProcessedBillsForRateClass returns processed bills of a utility's rate class
	ProcessedBillsForRateClass(utility, rateClassID string) ([]*Bill, error)

	// ProcessedBillsForSupplier returns processed bills of a supplier
	ProcessedBillsForSupplier(supplier string) ([]*Bill, error)

	// LatestProcessedBefore returns the latest-ending processed bill of the
	// same customer, utility and rate class as b whose period ends on or
	// before the given time. It returns nil when there is none.
	LatestProcessedBefore(b *Bill, before time.Time) (*Bill, error)

	// GetRateClass retrieves a rate class by ID
	GetRateClass(id string) (*RateClass, error)

	// FindOrCreateRateClass returns the rate class with the given name for a
	// utility, creating it if it does not exist
	FindOrCreateRateClass(name, utility string) (*RateClass, error)

	// SaveRateClass saves a rate class
	SaveRateClass(rc *RateClass) error

	// ListRateClasses returns all rate classes ordered by ID
	ListRateClasses() ([]*RateClass, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db    *bbolt.DB
	owned bool
	newID func() string
}

// NewBoltDB opens the database file at path and creates the bill buckets
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	b, err := NewBoltDBFrom(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewBoltDBFrom uses an already open database shared with other stores.
// Close does not close a shared database.
func NewBoltDBFrom(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{billBucketName, rateClassBucketName, rateClassIndexBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltDB{db: db, newID: uuid.NewString}, nil
}

// SaveBill saves a bill to the database
func (b *BoltDB) SaveBill(bill *Bill) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(billBucketName))
		data, err := json.Marshal(bill)
		if err != nil {
			return fmt.Errorf("marshaling bill: %w", err)
		}
		return bucket.Put([]byte(bill.ID), data)
	})
}

// GetBill retrieves a bill by ID
func (b *BoltDB) GetBill(id string) (*Bill, error) {
	var bill *Bill
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(billBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("bill %w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// ListBills returns all bills ordered by ID
func (b *BoltDB) ListBills() ([]*Bill, error) {
	return b.filterBills(func(*Bill) bool { return true })
}

// DeleteBill removes a bill from the database
func (b *BoltDB) DeleteBill(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(billBucketName)).Delete([]byte(id))
	})
}

// ProcessedBillsForRateClass returns processed bills of a utility's rate
// class ordered by period start
func (b *BoltDB) ProcessedBillsForRateClass(utility, rateClassID string) ([]*Bill, error) {
	bills, err := b.filterBills(func(bill *Bill) bool {
		return bill.Processed && bill.Utility == utility && bill.RateClassID() == rateClassID
	})
	if err != nil {
		return nil, err
	}
	sortByPeriod(bills)
	return bills, nil
}

// ProcessedBillsForSupplier returns processed bills of a supplier ordered
// by period start
func (b *BoltDB) ProcessedBillsForSupplier(supplier string) ([]*Bill, error) {
	bills, err := b.filterBills(func(bill *Bill) bool {
		return bill.Processed && bill.Supplier == supplier
	})
	if err != nil {
		return nil, err
	}
	sortByPeriod(bills)
	return bills, nil
}

// LatestProcessedBefore returns the predecessor of b, or nil if it has none
func (b *BoltDB) LatestProcessedBefore(target *Bill, before time.Time) (*Bill, error) {
	bills, err := b.filterBills(func(bill *Bill) bool {
		return bill.Processed &&
			bill.ID != target.ID &&
			bill.CustomerID == target.CustomerID &&
			bill.Utility == target.Utility &&
			bill.RateClassID() == target.RateClassID() &&
			bill.PeriodEnd != nil &&
			!bill.PeriodEnd.After(before)
	})
	if err != nil {
		return nil, err
	}
	var latest *Bill
	for _, bill := range bills {
		if latest == nil || bill.PeriodEnd.After(*latest.PeriodEnd) {
			latest = bill
		}
	}
	return latest, nil
}

func (b *BoltDB) filterBills(keep func(*Bill) bool) ([]*Bill, error) {
	bills := make([]*Bill, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(billBucketName)).ForEach(func(k, v []byte) error {
			var bill Bill
			if err := json.Unmarshal(v, &bill); err != nil {
				return fmt.Errorf("unmarshaling bill: %w", err)
			}
			if keep(&bill) {
				bills = append(bills, &bill)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bills, nil
}

// sortByPeriod orders bills by period start; bills without one go last
func sortByPeriod(bills []*Bill) {
	sort.SliceStable(bills, func(i, j int) bool {
		a, b := bills[i].PeriodStart, bills[j].PeriodStart
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
}

// GetRateClass retrieves a rate class by ID
func (b *BoltDB) GetRateClass(id string) (*RateClass, error) {
	var rc *RateClass
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(rateClassBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rate class %w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rc)
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// rateClassKey matches utilities exactly and names ignoring case and
// surrounding space
func rateClassKey(name, utility string) []byte {
	return []byte(utility + "\x00" + strings.ToLower(strings.TrimSpace(name)))
}

// FindOrCreateRateClass returns the rate class named name for utility,
// creating it in the same transaction if it does not exist. Rate classes
// with the same name under different utilities stay distinct.
func (b *BoltDB) FindOrCreateRateClass(name, utility string) (*RateClass, error) {
	var rc *RateClass
	err := b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(rateClassIndexBucketName))
		classes := tx.Bucket([]byte(rateClassBucketName))
		key := rateClassKey(name, utility)
		if id := index.Get(key); id != nil {
			data := classes.Get(id)
			if data == nil {
				return fmt.Errorf("rate class index points to missing rate class %s", id)
			}
			return json.Unmarshal(data, &rc)
		}

		rc = &RateClass{
			ID:      b.newID(),
			Name:    strings.TrimSpace(name),
			Utility: utility,
		}
		data, err := json.Marshal(rc)
		if err != nil {
			return fmt.Errorf("marshaling rate class: %w", err)
		}
		if err := classes.Put([]byte(rc.ID), data); err != nil {
			return err
		}
		return index.Put(key, []byte(rc.ID))
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// SaveRateClass saves a rate class and indexes it by name and utility
func (b *BoltDB) SaveRateClass(rc *RateClass) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rc)
		if err != nil {
			return fmt.Errorf("marshaling rate class: %w", err)
		}
		if err := tx.Bucket([]byte(rateClassBucketName)).Put([]byte(rc.ID), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(rateClassIndexBucketName)).Put(rateClassKey(rc.Name, rc.Utility), []byte(rc.ID))
	})
}

// ListRateClasses returns all rate classes ordered by ID
func (b *BoltDB) ListRateClasses() ([]*RateClass, error) {
	classes := make([]*RateClass, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(rateClassBucketName)).ForEach(func(k, v []byte) error {
			var rc RateClass
			if err := json.Unmarshal(v, &rc); err != nil {
				return fmt.Errorf("unmarshaling rate class: %w", err)
			}
			classes = append(classes, &rc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return classes, nil
}

// Close closes the database connection if this store opened it
func (b *BoltDB) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
