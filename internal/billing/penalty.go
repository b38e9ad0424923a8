package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const daysPerYear = 365

// DebtLine is one plot's outstanding debt from a single billing period,
// anchored to that period's due date. The penalty engine consumes these.
type DebtLine struct {
	PlotID  int64
	Debt    decimal.Decimal
	DueDate time.Time
}

// PenaltyPeriodKey derives the month-granularity penalty period for a run.
func PenaltyPeriodKey(asOf time.Time) string {
	return asOf.UTC().Format("2006-01")
}

// DaysOverdue counts whole days between the due date and asOf, floored at 0.
func DaysOverdue(due, asOf time.Time) int {
	days := int(asOf.UTC().Truncate(24*time.Hour).Sub(due.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ComputeCharges turns outstanding debt lines into per-plot penalty charges:
// debt x annualRate x daysOverdue/365, rounded to 2 decimal places. Lines
// whose penalty falls below minPenalty are discarded before grouping, then
// surviving lines are summed per plot. The computation is absolute: it never
// looks at previously accrued penalties, which is what makes recalculation
// drift-free.
func ComputeCharges(lines []DebtLine, asOf time.Time, annualRate, minPenalty decimal.Decimal) []PenaltyCharge {
	perPlot := make(map[int64]*PenaltyCharge)
	for _, line := range lines {
		if !line.Debt.IsPositive() {
			continue
		}
		days := DaysOverdue(line.DueDate, asOf)
		if days == 0 {
			continue
		}
		amount := line.Debt.
			Mul(annualRate).
			Mul(decimal.NewFromInt(int64(days))).
			Div(decimal.NewFromInt(daysPerYear)).
			Round(2)
		if amount.LessThan(minPenalty) || !amount.IsPositive() {
			continue
		}
		c, ok := perPlot[line.PlotID]
		if !ok {
			c = &PenaltyCharge{PlotID: line.PlotID}
			perPlot[line.PlotID] = c
		}
		c.Amount = c.Amount.Add(amount)
		c.BaseDebt = c.BaseDebt.Add(line.Debt)
		if days > c.DaysOverdue {
			c.DaysOverdue = days
		}
	}

	charges := make([]PenaltyCharge, 0, len(perPlot))
	for _, c := range perPlot {
		charges = append(charges, *c)
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].PlotID < charges[j].PlotID })
	return charges
}
