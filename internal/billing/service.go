package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbor-portal/arbor-portal/internal/audit"
	"github.com/arbor-portal/arbor-portal/internal/periods"
	"github.com/arbor-portal/arbor-portal/internal/registry"
)

// PaymentFilter narrows payment ledger reads.
type PaymentFilter struct {
	PeriodID      *int64
	PlotID        *int64
	IncludeVoided bool
	OnlyUnmatched bool
}

// PenaltyUpsert carries one plot's recomputed penalty into storage. The
// repository applies it atomically against the current active row.
type PenaltyUpsert struct {
	PlotID        int64
	Period        string
	Amount        decimal.Decimal
	AsOf          time.Time
	AnnualRate    decimal.Decimal
	BaseDebt      decimal.Decimal
	DaysOverdue   int
	Policy        string
	ActorID       int64
	IncludeVoided bool
	// ReadAt is when this run read the debt the amount was derived from.
	// The repository rejects the write if the row was rewritten after this
	// instant, so a slow run can never overwrite a fresher computation.
	ReadAt time.Time
}

// PenaltyUpsertResult reports what the upsert did.
type PenaltyUpsertResult struct {
	Outcome RecalcOutcome
	Before  decimal.Decimal
	After   decimal.Decimal
	// Changed is false when an active row already carried this exact
	// amount; such rows are not counted as updated, which is what lets a
	// repeated recalculation reach a fixed point.
	Changed bool
}

// RepositoryPort defines data access for the billing ledgers.
type RepositoryPort interface {
	InsertPayment(ctx context.Context, input PaymentInput) (*Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	VoidPayment(ctx context.Context, id int64, reason string, actorID int64) error

	ListAccruals(ctx context.Context, periodID int64) ([]AccrualItem, error)
	UpdateAccrualPaid(ctx context.Context, accrualID int64, paid decimal.Decimal) error
	EnsureAccrual(ctx context.Context, periodID, plotID int64, category Category) (*AccrualItem, error)

	ListPenalties(ctx context.Context, period string, plotIDs []int64) ([]PenaltyAccrual, error)
	UpsertActivePenalty(ctx context.Context, up PenaltyUpsert) (PenaltyUpsertResult, error)
	SetPenaltyStatus(ctx context.Context, id int64, status PenaltyStatus, actorID int64) (*PenaltyAccrual, error)
}

// PeriodDirectory is the period registry surface billing consumes.
type PeriodDirectory interface {
	GetPeriod(ctx context.Context, id int64) (periods.Period, error)
	ListEligible(ctx context.Context) ([]periods.Period, error)
	ResolveForDate(ctx context.Context, d time.Time) (periods.Period, error)
}

// CacheInvalidator is bumped after every financial write so cached
// reconciliation reads cannot serve stale money.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// Service orchestrates imports, reconciliation, penalties and debt rollups.
type Service struct {
	logger  *slog.Logger
	repo    RepositoryPort
	periods PeriodDirectory
	plots   registry.Directory
	audit   audit.Recorder
	cache   CacheInvalidator
	now     func() time.Time
}

// NewService builds a Service instance.
func NewService(logger *slog.Logger, repo RepositoryPort, periodDir PeriodDirectory, plots registry.Directory, auditor audit.Recorder, cache CacheInvalidator) *Service {
	return &Service{
		logger:  logger,
		repo:    repo,
		periods: periodDir,
		plots:   plots,
		audit:   auditor,
		cache:   cache,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("cache bump failed", slog.Any("error", err))
	}
}

// InsertPaymentsRequest is a batch of import rows plus actor context.
type InsertPaymentsRequest struct {
	Rows           []ImportRow
	Source         PaymentSource
	ActorID        int64
	RequestID      string
	OverrideReason string
}

// InsertPayments applies a batch of statement rows at-most-once. Rows are
// processed strictly in order: each row's fingerprint is checked against both
// storage and the rows already committed earlier in this batch, so re-running
// the same file, or two files sharing rows, never creates duplicate money.
// Row failures are collected, not fatal; the caller gets exact counts.
func (s *Service) InsertPayments(ctx context.Context, req InsertPaymentsRequest) (InsertSummary, error) {
	if req.Source == "" {
		req.Source = SourceImport
	}
	plots, err := s.plots.ListPlots(ctx)
	if err != nil {
		return InsertSummary{}, err
	}
	matcher := NewMatcher(plots)

	var summary InsertSummary
	seen := make(map[string]bool, len(req.Rows))
	for i, row := range req.Rows {
		if row.Date.IsZero() || !row.Amount.IsPositive() {
			summary.Errors = append(summary.Errors, RowError{Row: i, Reason: "missing date or non-positive amount"})
			continue
		}
		fp := Fingerprint(row)
		if seen[fp] {
			summary.Skipped++
			continue
		}

		input := PaymentInput{
			Amount:      row.Amount,
			PaidAt:      row.Date,
			Fingerprint: fp,
			ExternalID:  row.ExternalID,
			PayerName:   row.PayerName,
			PayerPhone:  row.Phone,
			Comment:     row.Comment,
			Source:      req.Source,
			CreatedBy:   req.ActorID,
		}

		if match, ok := matcher.Match(row); ok {
			input.PlotID = &match.PlotID
			input.MatchType = match.Type
		}

		periodErr := s.attributePeriod(ctx, &input, row.Date, req.OverrideReason)
		if periodErr != nil {
			// The payment is still recorded, just not attributed to the
			// closed period; money is never dropped on the floor.
			summary.Errors = append(summary.Errors, RowError{Row: i, Reason: periodErr.Error()})
		}

		if _, err := s.repo.InsertPayment(ctx, input); err != nil {
			if errors.Is(err, ErrDuplicatePayment) {
				summary.Skipped++
				seen[fp] = true
				continue
			}
			summary.Errors = append(summary.Errors, RowError{Row: i, Reason: err.Error()})
			continue
		}
		seen[fp] = true
		summary.Inserted++
		if input.PlotID != nil {
			summary.Matched++
		} else {
			summary.Unmatched++
		}
	}

	if summary.Inserted > 0 {
		s.bumpCache(ctx)
	}
	if req.OverrideReason != "" && s.audit != nil {
		_ = s.audit.Record(ctx, audit.Event{
			Action:    "billing.import.override",
			ActorID:   req.ActorID,
			RequestID: req.RequestID,
			Entity:    "payment_batch",
			Meta: map[string]any{
				"overrideReason": req.OverrideReason,
				"inserted":       summary.Inserted,
				"skipped":        summary.Skipped,
			},
		})
	}
	return summary, nil
}

// attributePeriod resolves the billing period containing the payment date.
// Attribution into a closed period requires an override reason; without one
// the payment stays period-unattributed and the caller is told why.
func (s *Service) attributePeriod(ctx context.Context, input *PaymentInput, paidAt time.Time, overrideReason string) error {
	period, err := s.periods.ResolveForDate(ctx, paidAt)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := periods.CheckWritable(period, overrideReason); err != nil {
		return fmt.Errorf("%w: period %s", ErrPeriodClosed, period.Name)
	}
	input.PeriodID = &period.ID
	return nil
}

// ManualPaymentInput is an operator-entered payment.
type ManualPaymentInput struct {
	PlotID         int64
	Amount         decimal.Decimal
	PaidAt         time.Time
	Category       Category
	Comment        string
	ExternalID     string
	ActorID        int64
	OverrideReason string
}

// RecordManualPayment inserts a single operator-entered payment. Unlike
// imports, a closed period is fatal here: the operator must supply an
// override reason to book into it.
func (s *Service) RecordManualPayment(ctx context.Context, in ManualPaymentInput) (*Payment, error) {
	if !in.Amount.IsPositive() || in.PaidAt.IsZero() {
		return nil, fmt.Errorf("%w: amount and paid-at required", ErrValidation)
	}
	if in.Category != "" && !in.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, in.Category)
	}
	plot, err := s.plots.GetPlot(ctx, in.PlotID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrPlotNotFound
		}
		return nil, err
	}

	input := PaymentInput{
		Amount:     in.Amount,
		PaidAt:     in.PaidAt,
		PlotID:     &plot.ID,
		Category:   in.Category,
		ExternalID: in.ExternalID,
		Comment:    in.Comment,
		MatchType:  MatchByPlotNumber,
		Source:     SourceManual,
		CreatedBy:  in.ActorID,
	}
	input.Fingerprint = Fingerprint(ImportRow{
		Date:       in.PaidAt,
		Amount:     in.Amount,
		PlotRef:    plot.Number,
		PayerName:  plot.OwnerName,
		Comment:    in.Comment,
		ExternalID: in.ExternalID,
	})

	period, err := s.periods.ResolveForDate(ctx, in.PaidAt)
	switch {
	case err == nil:
		if err := periods.CheckWritable(period, in.OverrideReason); err != nil {
			return nil, ErrPeriodClosed
		}
		input.PeriodID = &period.ID
	case errors.Is(err, periods.ErrNotFound):
		// Payment outside any billing period stays unattributed.
	default:
		return nil, err
	}

	payment, err := s.repo.InsertPayment(ctx, input)
	if err != nil {
		return nil, err
	}
	s.bumpCache(ctx)
	if in.OverrideReason != "" && s.audit != nil {
		_ = s.audit.Record(ctx, audit.Event{
			Action:    "billing.payment.closed_period_override",
			ActorID:   in.ActorID,
			Entity:    "payment",
			EntityIDs: []string{strconv.FormatInt(payment.ID, 10)},
			Meta:      map[string]any{"overrideReason": in.OverrideReason},
		})
	}
	return payment, nil
}

// VoidPayment soft-deletes a payment. Amounts are never edited in place;
// voiding is the only mutation the ledger allows, and it is audited.
func (s *Service) VoidPayment(ctx context.Context, id int64, reason string, actorID int64) error {
	if reason == "" {
		return fmt.Errorf("%w: void reason required", ErrValidation)
	}
	payment, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if payment.Voided {
		return ErrPaymentVoided
	}
	if err := s.repo.VoidPayment(ctx, id, reason, actorID); err != nil {
		return err
	}
	s.bumpCache(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.Event{
			Action:    "billing.payment.void",
			ActorID:   actorID,
			Entity:    "payment",
			EntityIDs: []string{strconv.FormatInt(id, 10)},
			Meta:      map[string]any{"reason": reason},
		})
	}
	return nil
}

// ReconcileOptions tune a reconciliation run.
type ReconcileOptions struct {
	// IncludeZero adds all-clear rows for plots with no activity.
	IncludeZero bool
	// UpdateAccrualPaid writes the recomputed paid totals back onto the
	// accrual items. This is the only code path that ever mutates
	// AccrualItem.AmountPaid.
	UpdateAccrualPaid bool
	OverrideReason    string
	ActorID           int64
}

// Reconcile computes accrued/paid/debt per plot and category for a period.
func (s *Service) Reconcile(ctx context.Context, periodID int64, opts ReconcileOptions) (ReconcileResult, error) {
	period, err := s.periods.GetPeriod(ctx, periodID)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return ReconcileResult{}, ErrNotFound
		}
		return ReconcileResult{}, err
	}
	if opts.UpdateAccrualPaid {
		if err := periods.CheckWritable(period, opts.OverrideReason); err != nil {
			return ReconcileResult{}, ErrPeriodClosed
		}
	}

	accruals, err := s.repo.ListAccruals(ctx, periodID)
	if err != nil {
		return ReconcileResult{}, err
	}
	payments, err := s.repo.ListPayments(ctx, PaymentFilter{PeriodID: &periodID})
	if err != nil {
		return ReconcileResult{}, err
	}

	result := BuildReconciliation(periodID, accruals, payments)
	for _, row := range result.Rows {
		if row.PaidSourceDivergent {
			s.logger.Warn("paid-amount sources diverge",
				slog.Int64("plotID", row.PlotID),
				slog.String("category", string(row.Category)),
				slog.String("paid", row.Paid.String()),
			)
		}
	}

	if opts.IncludeZero {
		result = s.withZeroRows(ctx, result)
	}

	if opts.UpdateAccrualPaid {
		if err := s.writeBackPaid(ctx, accruals, result); err != nil {
			return ReconcileResult{}, err
		}
	}
	return result, nil
}

// withZeroRows appends all-clear rows for plots that had no activity.
func (s *Service) withZeroRows(ctx context.Context, result ReconcileResult) ReconcileResult {
	plots, err := s.plots.ListPlots(ctx)
	if err != nil {
		s.logger.Warn("zero-row expansion skipped", slog.Any("error", err))
		return result
	}
	present := make(map[int64]bool, len(result.Rows))
	for _, row := range result.Rows {
		present[row.PlotID] = true
	}
	for _, p := range plots {
		if present[p.ID] {
			continue
		}
		result.Rows = append(result.Rows, ReconcileRow{
			PlotID:   p.ID,
			Category: CategoryMembership,
			Accrued:  decimal.Zero,
			Paid:     decimal.Zero,
			Debt:     decimal.Zero,
		})
	}
	return result
}

// writeBackPaid persists recomputed paid totals onto accrual items. Writing
// only changed values keeps the operation idempotent at the storage level.
func (s *Service) writeBackPaid(ctx context.Context, accruals []AccrualItem, result ReconcileResult) error {
	paidByCell := make(map[plotCategory]decimal.Decimal, len(result.Rows))
	for _, row := range result.Rows {
		paidByCell[plotCategory{plotID: row.PlotID, category: row.Category}] = row.Paid
	}
	for _, a := range accruals {
		paid, ok := paidByCell[plotCategory{plotID: a.PlotID, category: a.Category}]
		if !ok || paid.Equal(a.AmountPaid) {
			continue
		}
		if err := s.repo.UpdateAccrualPaid(ctx, a.ID, paid); err != nil {
			return err
		}
	}
	return nil
}
