package extraction

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/conversion"
)

var _ = Describe("Service", func() {
	var (
		ctx         context.Context
		registry    *mockRegistry
		source      *mockSource
		rateClasses *mockRateClasses
		applier     *Applier
		now         time.Time
		service     *Service
		b           *bill.Bill
	)

	// partial extracts only the rate class and start date
	partial := func(id string) *Extractor {
		return mustBuild(Definition{ID: id, Kind: KindText, Fields: []FieldDefinition{
			{Key: KeyRateClass, Type: conversion.String, Regex: `Rate Class:\s*([^\n]+)`},
			{Key: KeyStart, Type: conversion.Date, Regex: `Billing Period:\s*(\S+)`},
			{Key: KeyEnergy, Type: conversion.Float, Regex: `kWh Used\s+([\d.]+)`},
		}})
	}

	BeforeEach(func() {
		ctx = context.Background()
		registry = &mockRegistry{}
		source = &mockSource{text: wgBillText}
		rateClasses = newMockRateClasses()
		applier = NewApplier(rateClasses, &mockHistory{}, "therms")
		now = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
		b = &bill.Bill{ID: "bill-1", Utility: "washington gas"}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(registry, source, applier, &fixedTimeSource{t: now})
	})

	Describe("Extract", func() {
		When("no extractors are registered", func() {
			It("does nothing", func() {
				outcome, err := service.Extract(ctx, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.ExtractorID).To(BeEmpty())
				Expect(b.DateExtracted).To(BeNil())
				Expect(source.textCalls).To(Equal(0))
			})
		})

		When("several extractors are registered", func() {
			BeforeEach(func() {
				registry.extractors = []*Extractor{partial("a-partial"), mustBuild(wgDefinition())}
			})

			It("applies the extractor with the most extracted fields", func() {
				outcome, err := service.Extract(ctx, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.ExtractorID).To(Equal("wg-text"))
				Expect(outcome.Applied).To(Equal(6))
				Expect(b.Charges).To(HaveLen(2))
			})

			It("records when extraction happened", func() {
				_, err := service.Extract(ctx, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(*b.DateExtracted).To(Equal(now))
			})

			It("reads the document once", func() {
				_, _ = service.Extract(ctx, b)
				Expect(source.textCalls).To(Equal(1))
			})
		})

		When("extractors tie", func() {
			BeforeEach(func() {
				registry.extractors = []*Extractor{partial("a-first"), partial("b-second")}
			})

			It("applies the first one", func() {
				outcome, err := service.Extract(ctx, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.ExtractorID).To(Equal("a-first"))
				Expect(outcome.Applied).To(Equal(2))
				Expect(outcome.Errors).To(HaveLen(1))
			})
		})

		When("nothing extracts", func() {
			BeforeEach(func() {
				source.text = "illegible"
				registry.extractors = []*Extractor{partial("a")}
			})

			It("still records the extraction", func() {
				outcome, err := service.Extract(ctx, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Applied).To(Equal(0))
				Expect(b.DateExtracted).NotTo(BeNil())
			})
		})

		When("the document cannot be read", func() {
			BeforeEach(func() {
				source.textErr = errors.New("file missing")
				registry.extractors = []*Extractor{partial("a")}
			})

			It("returns an error", func() {
				_, err := service.Extract(ctx, b)
				Expect(err).To(MatchError(ContainSubstring("file missing")))
				Expect(b.DateExtracted).To(BeNil())
			})
		})

		When("the registry fails", func() {
			BeforeEach(func() {
				registry.err = errors.New("database locked")
			})

			It("returns an error", func() {
				_, err := service.Extract(ctx, b)
				Expect(err).To(MatchError(ContainSubstring("listing extractors")))
			})
		})
	})

	Describe("TestExtractor", func() {
		var bills []*bill.Bill

		BeforeEach(func() {
			source.texts = map[string]string{
				"full":    wgBillText,
				"partial": "Rate Class: Residential Heating/Cooling\nBilling Period: 01/03/2024 to 02/01/2024",
				"none":    "illegible",
			}
			bills = []*bill.Bill{
				{
					ID: "full", Processed: true,
					RateClass:   &bill.RateClass{Name: "Residential Heating/Cooling"},
					PeriodStart: bill.Date(2024, 1, 3),
					Energy:      bill.Float(90),
				},
				{ID: "partial"},
				{ID: "none"},
			}
		})

		It("counts bills with all, any and no fields extracted", func() {
			result := service.TestExtractor(ctx, mustBuild(wgDefinition()), bills)
			Expect(result.AllCount).To(Equal(1))
			Expect(result.AnyCount).To(Equal(2))
			Expect(result.TotalCount).To(Equal(3))
		})

		It("verifies extracted values against processed bills", func() {
			result := service.TestExtractor(ctx, mustBuild(wgDefinition()), bills)
			Expect(result.Fields[KeyRateClass]).To(Equal(FieldStats{Extracted: 2, Correct: 1}))
			Expect(result.Fields[KeyStart]).To(Equal(FieldStats{Extracted: 2, Correct: 1}))
			Expect(result.Fields[KeyEnergy]).To(Equal(FieldStats{Extracted: 1, Incorrect: 1}))
			Expect(result.Fields[KeyEnd]).To(Equal(FieldStats{Extracted: 2}))
		})

		It("does not modify the bills", func() {
			_ = service.TestExtractor(ctx, mustBuild(wgDefinition()), bills)
			Expect(bills[1]).To(Equal(&bill.Bill{ID: "partial"}))
			Expect(*bills[0].Energy).To(Equal(90.0))
		})

		It("counts unreadable bills in the total only", func() {
			source.textErr = errors.New("file missing")
			result := service.TestExtractor(ctx, mustBuild(wgDefinition()), bills)
			Expect(result.TotalCount).To(Equal(3))
			Expect(result.AnyCount).To(Equal(0))
		})
	})
})

var _ = Describe("Result", func() {
	It("adds counts field by field", func() {
		var r Result
		r.Add(Result{AllCount: 1, AnyCount: 1, TotalCount: 1, Fields: map[Key]FieldStats{KeyStart: {Extracted: 1, Correct: 1}}})
		r.Add(Result{AnyCount: 1, TotalCount: 2, Fields: map[Key]FieldStats{KeyStart: {Extracted: 1, Incorrect: 1}}})

		Expect(r.AllCount).To(Equal(1))
		Expect(r.AnyCount).To(Equal(2))
		Expect(r.TotalCount).To(Equal(3))
		Expect(r.Fields[KeyStart]).To(Equal(FieldStats{Extracted: 2, Correct: 1, Incorrect: 1}))
	})
})
