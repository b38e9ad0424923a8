package billing

import (
	"sort"
	"strconv"
	"time"

	"github.com/arbor-portal/arbor-portal/internal/registry"
)

// PeriodReconciliation pairs a reconciliation result with the end date of
// the period it covers, which anchors person-level overdue age.
type PeriodReconciliation struct {
	PeriodEnd time.Time
	Result    ReconcileResult
}

// PersonKey identifies the legal person owning a plot. When a canonical
// owner record exists its id is authoritative; otherwise a synthetic key is
// derived from the normalised owner name plus digits-only phone. The
// synthetic key is a pure function of its inputs, so repeated aggregation
// runs cannot fragment one person's history.
func PersonKey(p registry.Plot) string {
	if p.OwnerID != nil {
		return "person:" + strconv.FormatInt(*p.OwnerID, 10)
	}
	return "synth:" + foldName(p.OwnerName) + ":" + digitsOnly(p.OwnerPhone)
}

// AggregateDebtors rolls per-plot debt up to the owning person across the
// given reconciled periods. Output is sorted by total debt descending for
// collections triage.
func AggregateDebtors(plots []registry.Plot, runs []PeriodReconciliation, asOf time.Time) []DebtorRow {
	plotByID := make(map[int64]registry.Plot, len(plots))
	for _, p := range plots {
		plotByID[p.ID] = p
	}

	type acc struct {
		row         DebtorRow
		plotIDs     map[int64]bool
		earliestDue time.Time
	}
	byPerson := make(map[string]*acc)

	for _, run := range runs {
		for _, row := range run.Result.Rows {
			if !row.Debt.IsPositive() {
				continue
			}
			plot, ok := plotByID[row.PlotID]
			if !ok {
				continue
			}
			key := PersonKey(plot)
			a, ok := byPerson[key]
			if !ok {
				a = &acc{
					row: DebtorRow{
						PersonKey: key,
						FullName:  plot.OwnerName,
						Phone:     plot.OwnerPhone,
						Email:     plot.OwnerEmail,
					},
					plotIDs: make(map[int64]bool),
				}
				byPerson[key] = a
			}
			a.row.DebtTotal = a.row.DebtTotal.Add(row.Debt)
			a.plotIDs[row.PlotID] = true
			if a.earliestDue.IsZero() || run.PeriodEnd.Before(a.earliestDue) {
				a.earliestDue = run.PeriodEnd
			}
		}
	}

	rows := make([]DebtorRow, 0, len(byPerson))
	for _, a := range byPerson {
		a.row.PlotCount = len(a.plotIDs)
		a.row.OverdueDays = DaysOverdue(a.earliestDue, asOf)
		rows = append(rows, a.row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].DebtTotal.Equal(rows[j].DebtTotal) {
			return rows[i].DebtTotal.GreaterThan(rows[j].DebtTotal)
		}
		return rows[i].PersonKey < rows[j].PersonKey
	})
	return rows
}
