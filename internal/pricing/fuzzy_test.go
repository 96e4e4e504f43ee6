package pricing

import (
	"context"
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bill-engine/internal/bill"
)

func shared(rsi string, t bill.ChargeType, rate float64) bill.Charge {
	return bill.Charge{RSIBinding: rsi, Type: t, Rate: bill.Float(rate), TargetTotal: bill.Float(10), Shared: true}
}

func comparison(id string, start, end *time.Time, charges ...bill.Charge) *bill.Bill {
	return &bill.Bill{ID: id, Processed: true, PeriodStart: start, PeriodEnd: end, Charges: charges}
}

func bindings(charges []bill.Charge) []string {
	out := make([]string, 0, len(charges))
	for _, c := range charges {
		out = append(out, c.RSIBinding)
	}
	return out
}

var _ = Describe("Weight", func() {
	It("is one for identical periods", func() {
		Expect(Weight(0)).To(Equal(1.0))
	})

	It("halves for every seventh of a day", func() {
		Expect(Weight(1.0 / 7)).To(BeNumerically("~", 0.5, 1e-12))
	})

	It("never reaches zero", func() {
		Expect(Weight(10000)).To(Equal(math.SmallestNonzeroFloat64))
	})
})

var _ = Describe("FuzzyModel", func() {
	var (
		store   *mockStore
		model   *FuzzyModel
		target  *bill.Bill
		charges []bill.Charge
		err     error
	)

	BeforeEach(func() {
		store = &mockStore{}
		target = &bill.Bill{
			ID:          "target",
			CustomerID:  "customer-1",
			Utility:     "pepco",
			RateClass:   &bill.RateClass{ID: "rc-r", Name: "R"},
			PeriodStart: bill.Date(2024, 3, 1),
			PeriodEnd:   bill.Date(2024, 3, 31),
		}
	})

	JustBeforeEach(func() {
		model = NewFuzzyModel(store, DefaultThreshold)
		charges, err = model.PredictedCharges(context.Background(), target)
	})

	When("comparison bills are equally close", func() {
		BeforeEach(func() {
			start, end := bill.Date(2024, 2, 1), bill.Date(2024, 3, 1)
			store.rateClassBills = []*bill.Bill{
				comparison("c1", start, end,
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.94),
					shared("ENERGY_CHARGE", bill.Distribution, 0.05),
					shared("ADMIN_FEE", bill.Distribution, 1)),
				comparison("c2", start, end,
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.94),
					shared("ENERGY_CHARGE", bill.Distribution, 0.05)),
				comparison("c3", start, end,
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.94)),
			}
		})

		It("predicts charges on at least half of them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE", "ENERGY_CHARGE"}))
		})

		It("does not predict target totals", func() {
			for _, c := range charges {
				Expect(c.TargetTotal).To(BeNil())
			}
		})

		It("does not modify the comparison bills", func() {
			Expect(store.rateClassBills[0].Charges[0].TargetTotal).NotTo(BeNil())
		})
	})

	When("a charge is on exactly half of the comparison bills", func() {
		BeforeEach(func() {
			start, end := bill.Date(2024, 2, 1), bill.Date(2024, 3, 1)
			store.rateClassBills = []*bill.Bill{
				comparison("c1", start, end, shared("ENERGY_CHARGE", bill.Distribution, 0.05)),
				comparison("c2", start, end),
			}
		})

		It("predicts it", func() {
			Expect(bindings(charges)).To(Equal([]string{"ENERGY_CHARGE"}))
		})
	})

	When("comparison bills are at different distances", func() {
		BeforeEach(func() {
			store.rateClassBills = []*bill.Bill{
				comparison("far", bill.Date(2023, 3, 1), bill.Date(2023, 3, 31),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.00)),
				comparison("near", bill.Date(2024, 3, 1), bill.Date(2024, 3, 30),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.94)),
			}
		})

		It("copies the closest occurrence", func() {
			Expect(charges).To(HaveLen(1))
			Expect(*charges[0].Rate).To(Equal(7.94))
		})
	})

	When("a charge is present on a close bill but missing from a distant one", func() {
		BeforeEach(func() {
			store.rateClassBills = []*bill.Bill{
				comparison("near", bill.Date(2024, 3, 1), bill.Date(2024, 3, 31),
					shared("NEW_RIDER", bill.Distribution, 0.01)),
				comparison("far1", bill.Date(2023, 3, 1), bill.Date(2023, 3, 31)),
				comparison("far2", bill.Date(2022, 3, 1), bill.Date(2022, 3, 31)),
			}
		})

		It("weights the close bill more", func() {
			Expect(bindings(charges)).To(Equal([]string{"NEW_RIDER"}))
		})
	})

	When("every comparison bill is far away", func() {
		BeforeEach(func() {
			store.rateClassBills = []*bill.Bill{
				comparison("y1", bill.Date(2020, 3, 1), bill.Date(2020, 3, 31),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7), shared("ADMIN_FEE", bill.Distribution, 1)),
				comparison("y2", bill.Date(2021, 3, 1), bill.Date(2021, 3, 31),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7)),
				comparison("y3", bill.Date(2022, 3, 1), bill.Date(2022, 3, 31),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7)),
			}
		})

		It("still scores them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE"}))
		})
	})

	When("the bill has no period dates", func() {
		BeforeEach(func() {
			target.PeriodStart, target.PeriodEnd = nil, nil
			store.rateClassBills = []*bill.Bill{
				comparison("c1", bill.Date(2024, 2, 1), bill.Date(2024, 3, 1), shared("CUSTOMER_CHARGE", bill.Distribution, 7)),
			}
		})

		It("predicts nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(charges).NotTo(BeNil())
			Expect(charges).To(BeEmpty())
			Expect(store.calls).To(Equal(0))
		})
	})

	When("the bill only has a start date", func() {
		BeforeEach(func() {
			target.PeriodEnd = nil
			store.rateClassBills = []*bill.Bill{
				comparison("c1", bill.Date(2024, 2, 1), bill.Date(2024, 3, 1), shared("CUSTOMER_CHARGE", bill.Distribution, 7)),
			}
		})

		It("estimates the end date for comparison only", func() {
			Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE"}))
			Expect(target.PeriodEnd).To(BeNil())
		})
	})

	When("there are no comparison bills", func() {
		It("predicts nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(charges).To(BeEmpty())
		})
	})

	When("the comparison bills include the bill itself", func() {
		BeforeEach(func() {
			store.rateClassBills = []*bill.Bill{
				comparison("target", target.PeriodStart, target.PeriodEnd, shared("SELF_FEE", bill.Distribution, 1)),
				comparison("c1", bill.Date(2024, 2, 1), bill.Date(2024, 3, 1)),
			}
		})

		It("ignores it", func() {
			Expect(charges).To(BeEmpty())
		})
	})

	When("rate class bills carry supply charges", func() {
		BeforeEach(func() {
			store.rateClassBills = []*bill.Bill{
				comparison("c1", bill.Date(2024, 2, 1), bill.Date(2024, 3, 1), shared("GENERATION", bill.Supply, 0.1)),
			}
		})

		It("does not predict them from the rate class", func() {
			Expect(charges).To(BeEmpty())
		})
	})

	When("the bill has a supplier", func() {
		BeforeEach(func() {
			target.Supplier = "WGL Energy"
			start, end := bill.Date(2024, 2, 1), bill.Date(2024, 3, 1)
			store.rateClassBills = []*bill.Bill{
				comparison("c1", start, end,
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.94),
					shared("SALES_TAX", bill.Distribution, 0.06)),
			}
			store.supplierBills = []*bill.Bill{
				comparison("s1", start, end,
					shared("GENERATION", bill.Supply, 0.1),
					shared("SALES_TAX", bill.Supply, 0.07)),
			}
		})

		It("merges supply predictions sorted by rsi_binding", func() {
			Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE", "GENERATION", "SALES_TAX"}))
		})

		It("prefers the supply charge on a collision", func() {
			tax := charges[2]
			Expect(tax.Type).To(Equal(bill.Supply))
			Expect(*tax.Rate).To(Equal(0.07))
		})
	})

	Describe("un-shared charges", func() {
		BeforeEach(func() {
			start, end := bill.Date(2024, 2, 1), bill.Date(2024, 3, 1)
			lateFee := bill.Charge{RSIBinding: "LATE_FEE", Type: bill.Distribution, TargetTotal: bill.Float(5)}
			store.rateClassBills = []*bill.Bill{
				comparison("c1", start, end, shared("CUSTOMER_CHARGE", bill.Distribution, 7.94), lateFee),
				comparison("c2", start, end, lateFee),
			}
		})

		When("the bill has a predecessor", func() {
			BeforeEach(func() {
				store.predecessor = comparison("prev", bill.Date(2024, 2, 1), bill.Date(2024, 3, 1),
					shared("CUSTOMER_CHARGE", bill.Distribution, 7.00),
					shared("OLD_RIDER", bill.Distribution, 0.02),
					bill.Charge{RSIBinding: "PAYMENT_PLAN", Type: bill.Distribution, Rate: bill.Float(20), TargetTotal: bill.Float(20)},
				)
			})

			It("copies them from the predecessor after the shared predictions", func() {
				Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE", "PAYMENT_PLAN"}))
				Expect(*charges[0].Rate).To(Equal(7.94))
				Expect(charges[1].TargetTotal).To(BeNil())
			})

			It("looks for a predecessor ending by the bill's start", func() {
				Expect(store.before).To(Equal(*target.PeriodStart))
			})
		})

		When("the bill has no predecessor", func() {
			It("predicts only shared charges", func() {
				Expect(bindings(charges)).To(Equal([]string{"CUSTOMER_CHARGE"}))
			})
		})
	})

	When("the store fails", func() {
		BeforeEach(func() {
			store.rateClassErr = errors.New("database locked")
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("database locked")))
		})
	})

	When("the predecessor lookup fails", func() {
		BeforeEach(func() {
			store.predecessorErr = errors.New("database locked")
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("loading predecessor")))
		})
	})
})

var _ = Describe("NewFuzzyModel", func() {
	It("falls back to the default threshold", func() {
		Expect(NewFuzzyModel(&mockStore{}, 0).threshold).To(Equal(DefaultThreshold))
		Expect(NewFuzzyModel(&mockStore{}, 1.5).threshold).To(Equal(DefaultThreshold))
		Expect(NewFuzzyModel(&mockStore{}, 0.8).threshold).To(Equal(0.8))
	})
})
