package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDaysOverdue(t *testing.T) {
	require.Equal(t, 90, DaysOverdue(date("2025-01-01"), date("2025-04-01")))
	require.Equal(t, 0, DaysOverdue(date("2025-04-01"), date("2025-04-01")))
	require.Equal(t, 0, DaysOverdue(date("2025-05-01"), date("2025-04-01")), "future due date floors at zero")
}

func TestPenaltyPeriodKey(t *testing.T) {
	require.Equal(t, "2025-04", PenaltyPeriodKey(date("2025-04-17")))
	require.Equal(t, "2025-12", PenaltyPeriodKey(date("2025-12-31")))
}

func TestComputeChargesProration(t *testing.T) {
	lines := []DebtLine{{PlotID: 1, Debt: mustDec("1000"), DueDate: date("2025-01-01")}}

	charges := ComputeCharges(lines, date("2025-04-01"), mustDec("0.1"), decimal.Zero)
	require.Len(t, charges, 1)
	// 1000 * 0.1 * 90 / 365 = 24.657… -> 24.66
	require.True(t, charges[0].Amount.Equal(mustDec("24.66")), charges[0].Amount.String())
	require.Equal(t, 90, charges[0].DaysOverdue)
	require.True(t, charges[0].BaseDebt.Equal(mustDec("1000")))
}

func TestComputeChargesGroupsPerPlot(t *testing.T) {
	lines := []DebtLine{
		{PlotID: 2, Debt: mustDec("1000"), DueDate: date("2025-01-01")}, // 90 days -> 24.66
		{PlotID: 2, Debt: mustDec("500"), DueDate: date("2025-03-02")},  // 30 days -> 4.11
		{PlotID: 1, Debt: mustDec("200"), DueDate: date("2025-03-02")},  // 30 days -> 1.64
	}
	charges := ComputeCharges(lines, date("2025-04-01"), mustDec("0.1"), decimal.Zero)
	require.Len(t, charges, 2)

	// Sorted by plot id.
	require.Equal(t, int64(1), charges[0].PlotID)
	require.True(t, charges[0].Amount.Equal(mustDec("1.64")), charges[0].Amount.String())

	require.Equal(t, int64(2), charges[1].PlotID)
	require.True(t, charges[1].Amount.Equal(mustDec("28.77")), charges[1].Amount.String())
	require.True(t, charges[1].BaseDebt.Equal(mustDec("1500")))
	require.Equal(t, 90, charges[1].DaysOverdue, "grouped charge keeps the oldest line's age")
}

func TestComputeChargesMinPenaltyPerLine(t *testing.T) {
	lines := []DebtLine{
		{PlotID: 1, Debt: mustDec("1000"), DueDate: date("2025-01-01")}, // 24.66
		{PlotID: 1, Debt: mustDec("10"), DueDate: date("2025-03-02")},   // 0.08, below floor
	}
	charges := ComputeCharges(lines, date("2025-04-01"), mustDec("0.1"), mustDec("1"))
	require.Len(t, charges, 1)
	require.True(t, charges[0].Amount.Equal(mustDec("24.66")), "small line is discarded before grouping")
	require.True(t, charges[0].BaseDebt.Equal(mustDec("1000")))
}

func TestComputeChargesSkipsNonAccruing(t *testing.T) {
	lines := []DebtLine{
		{PlotID: 1, Debt: mustDec("0"), DueDate: date("2025-01-01")},
		{PlotID: 2, Debt: mustDec("-50"), DueDate: date("2025-01-01")},
		{PlotID: 3, Debt: mustDec("1000"), DueDate: date("2025-04-01")}, // zero days overdue
	}
	charges := ComputeCharges(lines, date("2025-04-01"), mustDec("0.1"), decimal.Zero)
	require.Empty(t, charges)
}
