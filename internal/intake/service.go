// Package intake handles bill uploads and the bill lifecycle around
// extraction and charge prediction.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/extraction"
	"github.com/zombor/bill-engine/internal/pricing"
)

// IDGenerator generates unique IDs for bills
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Extractor fills in bill attributes from the bill's source document
type Extractor interface {
	Extract(ctx context.Context, b *bill.Bill) (extraction.Outcome, error)
}

// Upload is what the uploader tells us about a bill
type Upload struct {
	CustomerID string
	Utility    string
	Supplier   string
}

// Service handles bill operations
type Service struct {
	db          bill.DB
	storage     bill.Storage
	extractor   Extractor
	model       pricing.Model
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db bill.DB, storage bill.Storage, extractor Extractor, model pricing.Model) *Service {
	return NewServiceWithDeps(db, storage, extractor, model, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db bill.DB, storage bill.Storage, extractor Extractor, model pricing.Model, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		extractor:   extractor,
		model:       model,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// sanitizeFilename keeps letters, digits, spaces, hyphens and
// underscores of the base name and truncates it to 50 characters
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaceRuns.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "bill"
	}
	return base + strings.ToLower(ext)
}

// ProcessBill stores an uploaded bill, extracts what it can and predicts
// the charges when none were extracted. Extraction and prediction
// failures are logged; the bill is saved either way.
func (s *Service) ProcessBill(ctx context.Context, filename string, data []byte, contentType string, upload Upload) (*bill.Bill, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	b := &bill.Bill{
		ID:          id,
		CustomerID:  upload.CustomerID,
		Utility:     upload.Utility,
		Supplier:    upload.Supplier,
		Filename:    savedPath,
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	outcome, err := s.extractor.Extract(ctx, b)
	if err != nil {
		slog.Warn("Failed to extract bill",
			"bill_id", id,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
	} else {
		slog.Info("Extracted bill", "bill_id", id, "extractor_id", outcome.ExtractorID, "applied", outcome.Applied, "errors", len(outcome.Errors))
	}

	if len(b.Charges) == 0 {
		if err := s.predict(ctx, b); err != nil {
			slog.Warn("Failed to predict charges", "bill_id", id, "error", err)
		}
	}

	if err := s.db.SaveBill(b); err != nil {
		// Clean up file if database save fails
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving bill to database: %w", err)
	}

	return b, nil
}

func (s *Service) predict(ctx context.Context, b *bill.Bill) error {
	charges, err := s.model.PredictedCharges(ctx, b)
	if err != nil {
		return err
	}
	b.Charges = charges
	return nil
}

// GetBill retrieves a bill by ID
func (s *Service) GetBill(id string) (*bill.Bill, error) {
	b, err := s.db.GetBill(id)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	return b, nil
}

// ListBills returns all bills
func (s *Service) ListBills() ([]*bill.Bill, error) {
	bills, err := s.db.ListBills()
	if err != nil {
		return nil, fmt.Errorf("listing bills: %w", err)
	}
	return bills, nil
}

// DeleteBill removes a bill and its file
func (s *Service) DeleteBill(id string) error {
	b, err := s.db.GetBill(id)
	if err != nil {
		return fmt.Errorf("getting bill for deletion: %w", err)
	}

	if b.Filename != "" {
		if err := s.storage.Delete(b.Filename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete file", "filename", b.Filename, "error", err)
		}
	}

	if err := s.db.DeleteBill(id); err != nil {
		return fmt.Errorf("deleting bill from database: %w", err)
	}
	return nil
}

// GetBillFile retrieves the source file of a bill
func (s *Service) GetBillFile(id string) ([]byte, string, error) {
	b, err := s.db.GetBill(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill: %w", err)
	}

	data, err := s.storage.Get(b.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill file: %w", err)
	}

	return data, b.ContentType, nil
}

// MarkProcessed records that a person has verified the bill, making it
// evidence for extraction checks and predictions
func (s *Service) MarkProcessed(id string) (*bill.Bill, error) {
	b, err := s.db.GetBill(id)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	b.Processed = true
	b.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveBill(b); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}
	return b, nil
}

// PredictCharges returns the predicted charges of a bill without
// changing it
func (s *Service) PredictCharges(ctx context.Context, id string) ([]bill.Charge, error) {
	b, err := s.db.GetBill(id)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	charges, err := s.model.PredictedCharges(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("predicting charges: %w", err)
	}
	return charges, nil
}

// SetRateClassService records whether a rate class is gas or electric,
// which decides the energy unit of its bills
func (s *Service) SetRateClassService(rateClassID, service string) (*bill.RateClass, error) {
	switch service {
	case bill.ServiceGas, bill.ServiceElectric, "":
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
	rc, err := s.db.GetRateClass(rateClassID)
	if err != nil {
		return nil, fmt.Errorf("getting rate class: %w", err)
	}
	rc.Service = service
	if err := s.db.SaveRateClass(rc); err != nil {
		return nil, fmt.Errorf("saving rate class: %w", err)
	}
	return rc, nil
}
