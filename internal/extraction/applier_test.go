package extraction

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bill-engine/internal/bill"
)

var _ = Describe("Applier", func() {
	var (
		rateClasses *mockRateClasses
		history     *mockHistory
		applier     *Applier
		b           *bill.Bill
	)

	BeforeEach(func() {
		rateClasses = newMockRateClasses()
		history = &mockHistory{}
		applier = NewApplier(rateClasses, history, "kWh")
		b = &bill.Bill{ID: "bill-1", Utility: "pepco"}
	})

	It("writes plain attributes", func() {
		start := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
		Expect(applier.Apply(KeyStart, start, b)).To(Succeed())
		Expect(applier.Apply(KeyBillingAddress, bill.Address{Street: "1 Main St"}, b)).To(Succeed())
		Expect(*b.PeriodStart).To(Equal(start))
		Expect(b.BillingAddress.Street).To(Equal("1 Main St"))
	})

	It("rejects a value of the wrong type", func() {
		err := applier.Apply(KeyEnergy, "812", b)

		var appErr *ApplicationError
		Expect(errors.As(err, &appErr)).To(BeTrue())
		Expect(appErr.Key).To(Equal(KeyEnergy))
		Expect(appErr.Kind).To(Equal("*extraction.TypeMismatchError"))
		Expect(appErr.Error()).To(ContainSubstring("expected float64, got string"))
		Expect(b.Energy).To(BeNil())
	})

	It("fails hard on an unknown key", func() {
		err := applier.Apply("DUE_DATE", "soon", b)
		Expect(errors.Is(err, ErrUnknownKey)).To(BeTrue())
	})

	Describe("RATE_CLASS", func() {
		It("finds or creates the rate class under the bill's utility", func() {
			Expect(applier.Apply(KeyRateClass, " R ", b)).To(Succeed())
			Expect(rateClasses.calls).To(Equal([]string{"pepco/R"}))
			Expect(b.RateClass.Utility).To(Equal("pepco"))
		})

		It("wraps store failures", func() {
			rateClasses.err = errors.New("database locked")
			err := applier.Apply(KeyRateClass, "R", b)

			var appErr *ApplicationError
			Expect(errors.As(err, &appErr)).To(BeTrue())
			Expect(appErr.Kind).To(Equal("*fmt.wrapError"))
			Expect(b.RateClass).To(BeNil())
		})
	})

	Describe("ENERGY", func() {
		It("uses the default unit without a rate class", func() {
			Expect(applier.Apply(KeyEnergy, 812.0, b)).To(Succeed())
			Expect(b.EnergyUnit).To(Equal("kWh"))
		})

		It("uses the unit of the rate class service", func() {
			b.RateClass = &bill.RateClass{ID: "rc", Service: bill.ServiceGas}
			Expect(applier.Apply(KeyEnergy, 94.7, b)).To(Succeed())
			Expect(b.EnergyUnit).To(Equal("therms"))
		})
	})

	Describe("CHARGES", func() {
		var extracted []bill.Charge

		BeforeEach(func() {
			b.RateClass = &bill.RateClass{ID: "rc-r", Name: "R", Utility: "pepco"}
			b.PeriodStart = bill.Date(2024, 3, 1)
			b.PeriodEnd = bill.Date(2024, 3, 31)

			extracted = []bill.Charge{
				{RSIBinding: "CUSTOMER_CHARGE", Type: bill.Distribution, TargetTotal: bill.Float(7.94), Shared: true},
				{RSIBinding: "ENERGY_CHARGE", Type: bill.Distribution, Rate: bill.Float(0.05), TargetTotal: bill.Float(40.60), Shared: true},
				{RSIBinding: "NEW_FEE", Type: bill.Distribution, TargetTotal: bill.Float(1.00), Shared: true},
			}

			history.bills = []*bill.Bill{
				{
					ID: "old", Utility: "pepco", RateClass: b.RateClass, Processed: true,
					PeriodStart: bill.Date(2023, 3, 1), PeriodEnd: bill.Date(2023, 3, 31),
					Charges: []bill.Charge{
						{RSIBinding: "CUSTOMER_CHARGE", QuantityFormula: "1", Rate: bill.Float(7.00)},
					},
				},
				{
					ID: "recent", Utility: "pepco", RateClass: b.RateClass, Processed: true,
					PeriodStart: bill.Date(2024, 2, 1), PeriodEnd: bill.Date(2024, 3, 1),
					Charges: []bill.Charge{
						{RSIBinding: "CUSTOMER_CHARGE", QuantityFormula: "1", Rate: bill.Float(7.94)},
						{RSIBinding: "ENERGY_CHARGE", QuantityFormula: "REG_TOTAL.quantity", Rate: bill.Float(0.04)},
					},
				},
			}
		})

		It("stamps the unit and enriches charges from the closest occurrence", func() {
			Expect(applier.Apply(KeyCharges, extracted, b)).To(Succeed())
			Expect(b.Charges).To(HaveLen(3))

			Expect(b.Charges[0].Unit).To(Equal("kWh"))
			Expect(b.Charges[0].QuantityFormula).To(Equal("1"))
			Expect(*b.Charges[0].Rate).To(Equal(7.94))

			Expect(b.Charges[1].QuantityFormula).To(Equal("REG_TOTAL.quantity"))
			Expect(*b.Charges[1].Rate).To(Equal(0.05))

			Expect(b.Charges[2].QuantityFormula).To(BeEmpty())
			Expect(b.Charges[2].Rate).To(BeNil())
		})

		It("does not modify the extracted value", func() {
			Expect(applier.Apply(KeyCharges, extracted, b)).To(Succeed())
			Expect(extracted[0].Unit).To(BeEmpty())
			Expect(extracted[0].Rate).To(BeNil())
		})

		It("takes the unit from the rate class over the one already on the bill", func() {
			b.EnergyUnit = "kWh"
			b.RateClass.Service = bill.ServiceGas
			Expect(applier.Apply(KeyCharges, extracted, b)).To(Succeed())
			Expect(b.Charges[0].Unit).To(Equal("therms"))
		})

		It("keeps the unit already on the bill without a rate class", func() {
			b.RateClass = nil
			b.EnergyUnit = "therms"
			Expect(applier.Apply(KeyCharges, extracted, b)).To(Succeed())
			Expect(b.Charges[0].Unit).To(Equal("therms"))
		})

		It("skips history without a rate class", func() {
			b.RateClass = nil
			Expect(applier.Apply(KeyCharges, extracted, b)).To(Succeed())
			Expect(history.calls).To(Equal(0))
			Expect(b.Charges[0].QuantityFormula).To(BeEmpty())
		})

		It("wraps history failures", func() {
			history.err = errors.New("database locked")
			err := applier.Apply(KeyCharges, extracted, b)

			var appErr *ApplicationError
			Expect(errors.As(err, &appErr)).To(BeTrue())
			Expect(b.Charges).To(BeEmpty())
		})
	})

	Describe("Matches", func() {
		BeforeEach(func() {
			b.PeriodStart = bill.Date(2024, 1, 3)
			b.Energy = bill.Float(812)
			b.RateClass = &bill.RateClass{Name: "Residential R"}
		})

		It("compares extracted values with the bill", func() {
			matches, known := applier.Matches(KeyStart, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), b)
			Expect(known).To(BeTrue())
			Expect(matches).To(BeTrue())

			matches, known = applier.Matches(KeyEnergy, 811.0, b)
			Expect(known).To(BeTrue())
			Expect(matches).To(BeFalse())

			matches, _ = applier.Matches(KeyRateClass, "residential r", b)
			Expect(matches).To(BeTrue())
		})

		It("reports unknown when the bill holds nothing", func() {
			_, known := applier.Matches(KeyEnd, time.Now(), b)
			Expect(known).To(BeFalse())
		})
	})
})
