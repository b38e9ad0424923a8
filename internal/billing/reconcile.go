package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// plotCategory keys the reconciliation working set.
type plotCategory struct {
	plotID   int64
	category Category
}

// BuildReconciliation computes accrued/paid/debt per plot and category for
// one period from its accrual ledger and the non-voided payments attributed
// to it. It is a pure function: same inputs always yield the same result, so
// re-running it any number of times is safe.
//
// paid is the maximum of (a) the summed payment ledger and (b) the running
// AmountPaid recorded on the accrual item. In healthy data the two agree;
// divergence is flagged on the row rather than silently averaged away. Debt
// clamps at zero per category so an overpayment in one category never nets
// against another's debt.
// Plots with neither an accrual nor an attributed payment do not appear;
// the service layer appends zero rows from the plot directory when a caller
// asks for all-clear reporting.
func BuildReconciliation(periodID int64, accruals []AccrualItem, payments []Payment) ReconcileResult {
	type cell struct {
		accrued      decimal.Decimal
		recordedPaid decimal.Decimal
		ledgerPaid   decimal.Decimal
		hasAccrual   bool
		hasPayment   bool
	}
	cells := make(map[plotCategory]*cell)
	get := func(plotID int64, cat Category) *cell {
		key := plotCategory{plotID: plotID, category: cat}
		c, ok := cells[key]
		if !ok {
			c = &cell{}
			cells[key] = c
		}
		return c
	}

	for _, a := range accruals {
		c := get(a.PlotID, a.Category)
		c.accrued = c.accrued.Add(a.AmountAccrued)
		c.recordedPaid = c.recordedPaid.Add(a.AmountPaid)
		c.hasAccrual = true
	}

	// Categorised payments land directly; uncategorised ones are allocated
	// per plot afterwards so allocation can see the accrued amounts.
	uncategorised := make(map[int64]decimal.Decimal)
	plotsWithPayments := make(map[int64]bool)
	for _, p := range payments {
		if p.Voided || p.PlotID == nil {
			continue
		}
		plotsWithPayments[*p.PlotID] = true
		if p.Category.Valid() {
			c := get(*p.PlotID, p.Category)
			c.ledgerPaid = c.ledgerPaid.Add(p.Amount)
			c.hasPayment = true
			continue
		}
		uncategorised[*p.PlotID] = uncategorised[*p.PlotID].Add(p.Amount)
	}

	// Uncategorised money fills categories in fixed order up to what each
	// category accrued; any remainder sticks to membership. Deterministic,
	// so repeated reconciliation cannot drift.
	for plotID, remaining := range uncategorised {
		for _, cat := range Categories {
			if !remaining.IsPositive() {
				break
			}
			c := get(plotID, cat)
			room := c.accrued.Sub(c.ledgerPaid)
			if !room.IsPositive() {
				continue
			}
			take := decimal.Min(room, remaining)
			c.ledgerPaid = c.ledgerPaid.Add(take)
			c.hasPayment = true
			remaining = remaining.Sub(take)
		}
		if remaining.IsPositive() {
			c := get(plotID, CategoryMembership)
			c.ledgerPaid = c.ledgerPaid.Add(remaining)
			c.hasPayment = true
		}
	}

	result := ReconcileResult{
		PeriodID:     periodID,
		TotalsByType: make(map[Category]ReconcileTotals, len(Categories)),
	}
	for key, c := range cells {
		if !c.hasAccrual && !c.hasPayment {
			continue
		}
		paid := decimal.Max(c.ledgerPaid, c.recordedPaid)
		divergent := c.hasPayment && c.recordedPaid.IsPositive() && !c.ledgerPaid.Equal(c.recordedPaid)
		debt := c.accrued.Sub(paid)
		if debt.IsNegative() {
			debt = decimal.Zero
		}
		result.Rows = append(result.Rows, ReconcileRow{
			PlotID:              key.plotID,
			Category:            key.category,
			Accrued:             c.accrued,
			Paid:                paid,
			Debt:                debt,
			PaidSourceDivergent: divergent,
		})
	}
	sort.Slice(result.Rows, func(i, j int) bool {
		if result.Rows[i].PlotID != result.Rows[j].PlotID {
			return result.Rows[i].PlotID < result.Rows[j].PlotID
		}
		return categoryRank(result.Rows[i].Category) < categoryRank(result.Rows[j].Category)
	})

	for _, row := range result.Rows {
		result.Totals.Accrued = result.Totals.Accrued.Add(row.Accrued)
		result.Totals.Paid = result.Totals.Paid.Add(row.Paid)
		result.Totals.Debt = result.Totals.Debt.Add(row.Debt)
		t := result.TotalsByType[row.Category]
		t.Accrued = t.Accrued.Add(row.Accrued)
		t.Paid = t.Paid.Add(row.Paid)
		t.Debt = t.Debt.Add(row.Debt)
		result.TotalsByType[row.Category] = t
	}
	return result
}

func categoryRank(c Category) int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return len(Categories)
}

// PlotDebt sums the clamped per-category debts of one plot in a result.
func (r ReconcileResult) PlotDebt(plotID int64) decimal.Decimal {
	total := decimal.Zero
	for _, row := range r.Rows {
		if row.PlotID == plotID {
			total = total.Add(row.Debt)
		}
	}
	return total
}
