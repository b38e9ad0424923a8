package billing

import (
	"context"
	"errors"

	"github.com/arbor-portal/arbor-portal/internal/periods"
)

// AggregateDebtByPerson rolls per-plot debt up to the owning legal person.
// With a period id the roll-up covers just that period; otherwise it spans
// every eligible period. Output is sorted by debt descending.
func (s *Service) AggregateDebtByPerson(ctx context.Context, periodID *int64) ([]DebtorRow, error) {
	var eligible []periods.Period
	if periodID != nil {
		period, err := s.periods.GetPeriod(ctx, *periodID)
		if err != nil {
			if errors.Is(err, periods.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		eligible = []periods.Period{period}
	} else {
		var err error
		eligible, err = s.periods.ListEligible(ctx)
		if err != nil {
			return nil, err
		}
	}

	runs := make([]PeriodReconciliation, 0, len(eligible))
	for _, period := range eligible {
		accruals, err := s.repo.ListAccruals(ctx, period.ID)
		if err != nil {
			return nil, err
		}
		payments, err := s.repo.ListPayments(ctx, PaymentFilter{PeriodID: &period.ID})
		if err != nil {
			return nil, err
		}
		runs = append(runs, PeriodReconciliation{
			PeriodEnd: period.To,
			Result:    BuildReconciliation(period.ID, accruals, payments),
		})
	}

	plots, err := s.plots.ListPlots(ctx)
	if err != nil {
		return nil, err
	}
	return AggregateDebtors(plots, runs, s.now()), nil
}
