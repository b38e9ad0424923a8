package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies what a charge or payment is for.
type Category string

const (
	CategoryMembership  Category = "MEMBERSHIP"
	CategoryTarget      Category = "TARGET"
	CategoryElectricity Category = "ELECTRICITY"
)

// Categories lists every debt category in reporting order.
var Categories = []Category{CategoryMembership, CategoryTarget, CategoryElectricity}

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryMembership, CategoryTarget, CategoryElectricity:
		return true
	}
	return false
}

// PaymentSource records how a payment entered the ledger.
type PaymentSource string

const (
	SourceManual PaymentSource = "MANUAL"
	SourceImport PaymentSource = "IMPORT"
)

// MatchType tags which matcher strategy resolved a payment to a plot.
type MatchType string

const (
	MatchByPlotNumber MatchType = "PLOT_NUMBER"
	MatchByPhone      MatchType = "PHONE"
	MatchByOwnerName  MatchType = "OWNER_NAME"
	MatchNone         MatchType = ""
)

// PenaltyStatus enumerates penalty accrual lifecycle states.
type PenaltyStatus string

const (
	PenaltyActive PenaltyStatus = "ACTIVE"
	PenaltyFrozen PenaltyStatus = "FROZEN"
	PenaltyVoided PenaltyStatus = "VOIDED"
)

// AccrualItem is a charge placed on a plot for a period and category.
// AmountPaid is a denormalised running total maintained exclusively by
// reconciliation write-back; rows are superseded, never deleted.
type AccrualItem struct {
	ID            int64
	PeriodID      int64
	PlotID        int64
	Category      Category
	AmountAccrued decimal.Decimal
	AmountPaid    decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is a single money movement. Immutable after insert except for the
// void flag; amounts are never edited in place.
type Payment struct {
	ID          int64
	Amount      decimal.Decimal
	PaidAt      time.Time
	PlotID      *int64
	PeriodID    *int64
	Category    Category // empty until categorised
	Fingerprint string
	ExternalID  string
	PayerName   string
	PayerPhone  string
	Comment     string
	MatchType   MatchType
	Source      PaymentSource
	Voided      bool
	VoidReason  string
	CreatedBy   int64
	CreatedAt   time.Time
}

// PaymentInput carries the fields needed to insert a payment.
type PaymentInput struct {
	Amount      decimal.Decimal
	PaidAt      time.Time
	PlotID      *int64
	PeriodID    *int64
	Category    Category
	Fingerprint string
	ExternalID  string
	PayerName   string
	PayerPhone  string
	Comment     string
	MatchType   MatchType
	Source      PaymentSource
	CreatedBy   int64
}

// PenaltyAccrual is a computed interest charge for a (plot, month) pair.
// At most one ACTIVE row exists per key; recalculation overwrites it.
type PenaltyAccrual struct {
	ID          int64
	PlotID      int64
	Period      string // YYYY-MM, derived from the run's asOf month
	Amount      decimal.Decimal
	Status      PenaltyStatus
	AsOf        time.Time
	AnnualRate  decimal.Decimal
	BaseDebt    decimal.Decimal
	DaysOverdue int
	Policy      string
	CreatedBy   int64
	UpdatedBy   *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PenaltyPolicyVersion stamps every penalty row so that a future change to
// the proration formula is distinguishable from drift.
const PenaltyPolicyVersion = "penalty/v1:annual-rate-365"

// ImportRow is the canonical shape of one statement row at the ingestion
// boundary. Loose source formats are normalised into this before anything
// downstream sees them.
type ImportRow struct {
	Date       time.Time       `validate:"required"`
	Amount     decimal.Decimal `validate:"required"`
	PlotRef    string
	PayerName  string
	Phone      string
	Comment    string
	ExternalID string
}

// ReconcileRow is the per plot, per category reconciliation outcome.
type ReconcileRow struct {
	PlotID   int64           `json:"plotId"`
	Category Category        `json:"category"`
	Accrued  decimal.Decimal `json:"accrued"`
	Paid     decimal.Decimal `json:"paid"`
	Debt     decimal.Decimal `json:"debt"`
	// PaidSourceDivergent flags disagreement between the summed payment
	// ledger and the recorded AccrualItem.AmountPaid. The max of the two is
	// used either way; divergence is a data-integrity signal to surface.
	PaidSourceDivergent bool `json:"paidSourceDivergent,omitempty"`
}

// ReconcileTotals aggregates a reconciliation run.
type ReconcileTotals struct {
	Accrued decimal.Decimal `json:"accrued"`
	Paid    decimal.Decimal `json:"paid"`
	Debt    decimal.Decimal `json:"debt"`
}

// ReconcileResult is the output of reconciling one billing period.
type ReconcileResult struct {
	PeriodID     int64                        `json:"periodId"`
	Rows         []ReconcileRow               `json:"rows"`
	Totals       ReconcileTotals              `json:"totals"`
	TotalsByType map[Category]ReconcileTotals `json:"totalsByType"`
}

// InsertSummary reports exact per-row outcomes of an import batch. Partial
// success is the expected common case for financial imports.
type InsertSummary struct {
	Inserted  int        `json:"inserted"`
	Skipped   int        `json:"skipped"`
	Matched   int        `json:"matched"`
	Unmatched int        `json:"unmatched"`
	Errors    []RowError `json:"errors,omitempty"`
}

// RowError pairs a failed row index with the reason it was rejected.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// PenaltyCharge is one plot's share of an apply-penalty run.
type PenaltyCharge struct {
	PlotID      int64           `json:"plotId"`
	PlotLabel   string          `json:"plotLabel"`
	Amount      decimal.Decimal `json:"amount"`
	BaseDebt    decimal.Decimal `json:"baseDebt"`
	DaysOverdue int             `json:"daysOverdue"`
}

// ApplyPenaltyResult summarises an apply run.
type ApplyPenaltyResult struct {
	CreatedCount int             `json:"createdCount"`
	TotalPenalty decimal.Decimal `json:"totalPenalty"`
	Charges      []PenaltyCharge `json:"charges"`
}

// RecalcOutcome classifies one plot's fate in a recalc run.
type RecalcOutcome string

const (
	RecalcCreated         RecalcOutcome = "CREATED"
	RecalcUpdated         RecalcOutcome = "UPDATED"
	RecalcSkippedFrozen   RecalcOutcome = "SKIPPED_FROZEN"
	RecalcSkippedVoided   RecalcOutcome = "SKIPPED_VOIDED"
	RecalcSkippedZeroDebt RecalcOutcome = "SKIPPED_ZERO_DEBT"
	// RecalcSkippedStale means the row was rewritten by a newer run after
	// this run read its debt inputs; the stale amount is discarded rather
	// than allowed to overwrite the fresher one.
	RecalcSkippedStale RecalcOutcome = "SKIPPED_STALE"
)

// RecalcSample shows a before/after pair for operator review.
type RecalcSample struct {
	PlotID  int64           `json:"plotId"`
	Before  decimal.Decimal `json:"before"`
	After   decimal.Decimal `json:"after"`
	Outcome RecalcOutcome   `json:"outcome"`
}

// RecalcResult counts outcomes of a recalc run. A second run with identical
// inputs and no intervening payments must report zero created and updated;
// rows whose recomputed amount matches the stored one count as unchanged.
type RecalcResult struct {
	Created         int            `json:"created"`
	Updated         int            `json:"updated"`
	Unchanged       int            `json:"unchanged"`
	SkippedFrozen   int            `json:"skippedFrozen"`
	SkippedVoided   int            `json:"skippedVoided"`
	SkippedZeroDebt int            `json:"skippedZeroDebt"`
	SkippedStale    int            `json:"skippedStale"`
	Sample          []RecalcSample `json:"sample"`
}

// DebtorRow is the person-level roll-up used for collections triage.
type DebtorRow struct {
	PersonKey   string          `json:"personKey"`
	FullName    string          `json:"fullName"`
	PlotCount   int             `json:"plotCount"`
	DebtTotal   decimal.Decimal `json:"debtTotal"`
	OverdueDays int             `json:"overdueDays"`
	Phone       string          `json:"phone"`
	Email       string          `json:"email"`
}
