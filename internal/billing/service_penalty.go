package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbor-portal/arbor-portal/internal/audit"
	"github.com/arbor-portal/arbor-portal/internal/periods"
	"github.com/arbor-portal/arbor-portal/internal/registry"
)

const recalcSampleSize = 5

// ApplyPenaltyRequest parameterises a penalty apply run.
type ApplyPenaltyRequest struct {
	AsOf           time.Time
	AnnualRate     decimal.Decimal
	DateFrom       *time.Time
	DateTo         *time.Time
	MinPenalty     decimal.Decimal
	OverrideReason string
	ActorID        int64
	RequestID      string
}

// RecalcPenaltiesRequest parameterises the idempotent recalculation twin.
type RecalcPenaltiesRequest struct {
	AsOf           time.Time
	AnnualRate     decimal.Decimal
	PlotIDs        []int64
	Limit          int
	IncludeVoided  bool
	OverrideReason string
	ActorID        int64
	RequestID      string
}

// guardPenaltyWrite enforces the all-or-nothing closed-period check before
// any penalty row is touched.
func (s *Service) guardPenaltyWrite(ctx context.Context, asOf time.Time, overrideReason string) (overridden bool, err error) {
	period, err := s.periods.ResolveForDate(ctx, asOf)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := periods.CheckWritable(period, overrideReason); err != nil {
		return false, ErrPeriodClosed
	}
	return period.Status == periods.StatusClosed, nil
}

// collectDebtLines reconciles every eligible period (optionally bounded by
// the due-date range) and emits one debt line per plot per period. Debt is
// re-read from the ledgers on every call; penalty writes never reuse a
// cached snapshot.
func (s *Service) collectDebtLines(ctx context.Context, dateFrom, dateTo *time.Time) ([]DebtLine, error) {
	eligible, err := s.periods.ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	var lines []DebtLine
	for _, period := range eligible {
		if dateFrom != nil && period.To.Before(*dateFrom) {
			continue
		}
		if dateTo != nil && period.To.After(*dateTo) {
			continue
		}
		accruals, err := s.repo.ListAccruals(ctx, period.ID)
		if err != nil {
			return nil, err
		}
		payments, err := s.repo.ListPayments(ctx, PaymentFilter{PeriodID: &period.ID})
		if err != nil {
			return nil, err
		}
		result := BuildReconciliation(period.ID, accruals, payments)
		seen := make(map[int64]bool)
		for _, row := range result.Rows {
			if seen[row.PlotID] {
				continue
			}
			seen[row.PlotID] = true
			debt := result.PlotDebt(row.PlotID)
			if debt.IsPositive() {
				lines = append(lines, DebtLine{PlotID: row.PlotID, Debt: debt, DueDate: period.To})
			}
		}
	}
	return lines, nil
}

// ApplyPenalty computes and persists penalties on outstanding debt as of a
// date. Upserts are absolute: an existing active row is overwritten, never
// added to. Every successful run emits a mandatory audit record.
func (s *Service) ApplyPenalty(ctx context.Context, req ApplyPenaltyRequest) (ApplyPenaltyResult, error) {
	if req.AsOf.IsZero() || !req.AnnualRate.IsPositive() {
		return ApplyPenaltyResult{}, fmt.Errorf("%w: asOf and positive annual rate required", ErrValidation)
	}
	overridden, err := s.guardPenaltyWrite(ctx, req.AsOf, req.OverrideReason)
	if err != nil {
		return ApplyPenaltyResult{}, err
	}

	readAt := s.now()
	lines, err := s.collectDebtLines(ctx, req.DateFrom, req.DateTo)
	if err != nil {
		return ApplyPenaltyResult{}, err
	}
	charges := ComputeCharges(lines, req.AsOf, req.AnnualRate, req.MinPenalty)
	periodKey := PenaltyPeriodKey(req.AsOf)

	result := ApplyPenaltyResult{Charges: make([]PenaltyCharge, 0, len(charges))}
	affected := make([]string, 0, len(charges))
	for _, charge := range charges {
		up, err := s.repo.UpsertActivePenalty(ctx, PenaltyUpsert{
			PlotID:      charge.PlotID,
			Period:      periodKey,
			Amount:      charge.Amount,
			AsOf:        req.AsOf,
			AnnualRate:  req.AnnualRate,
			BaseDebt:    charge.BaseDebt,
			DaysOverdue: charge.DaysOverdue,
			Policy:      PenaltyPolicyVersion,
			ActorID:     req.ActorID,
			ReadAt:      readAt,
		})
		if err != nil {
			return ApplyPenaltyResult{}, err
		}
		switch up.Outcome {
		case RecalcSkippedFrozen, RecalcSkippedVoided, RecalcSkippedStale:
			continue
		case RecalcCreated:
			result.CreatedCount++
		}
		charge.PlotLabel = s.plotLabel(ctx, charge.PlotID)
		result.Charges = append(result.Charges, charge)
		result.TotalPenalty = result.TotalPenalty.Add(charge.Amount)
		affected = append(affected, strconv.FormatInt(charge.PlotID, 10)+":"+periodKey)
	}

	s.bumpCache(ctx)
	if err := s.recordPenaltyAudit(ctx, "billing.penalty.apply", req.ActorID, req.RequestID, affected, overridden, req.OverrideReason, map[string]any{
		"asOf":         req.AsOf.Format("2006-01-02"),
		"annualRate":   req.AnnualRate.String(),
		"minPenalty":   req.MinPenalty.String(),
		"totalPenalty": result.TotalPenalty.String(),
	}); err != nil {
		return ApplyPenaltyResult{}, err
	}
	return result, nil
}

// RecalcPenalties recomputes penalties and classifies every touched plot.
// Running it twice with identical inputs and no intervening payment activity
// reaches a fixed point: zero created, zero updated on the second run.
func (s *Service) RecalcPenalties(ctx context.Context, req RecalcPenaltiesRequest) (RecalcResult, error) {
	if req.AsOf.IsZero() || !req.AnnualRate.IsPositive() {
		return RecalcResult{}, fmt.Errorf("%w: asOf and positive annual rate required", ErrValidation)
	}
	overridden, err := s.guardPenaltyWrite(ctx, req.AsOf, req.OverrideReason)
	if err != nil {
		return RecalcResult{}, err
	}

	readAt := s.now()
	lines, err := s.collectDebtLines(ctx, nil, nil)
	if err != nil {
		return RecalcResult{}, err
	}
	charges := ComputeCharges(lines, req.AsOf, req.AnnualRate, decimal.Zero)
	chargeByPlot := make(map[int64]PenaltyCharge, len(charges))
	for _, c := range charges {
		chargeByPlot[c.PlotID] = c
	}
	periodKey := PenaltyPeriodKey(req.AsOf)

	plotIDs := req.PlotIDs
	if len(plotIDs) == 0 {
		existing, err := s.repo.ListPenalties(ctx, periodKey, nil)
		if err != nil {
			return RecalcResult{}, err
		}
		universe := make(map[int64]bool, len(charges)+len(existing))
		for _, c := range charges {
			universe[c.PlotID] = true
		}
		for _, p := range existing {
			universe[p.PlotID] = true
		}
		for id := range universe {
			plotIDs = append(plotIDs, id)
		}
		sort.Slice(plotIDs, func(i, j int) bool { return plotIDs[i] < plotIDs[j] })
	}
	if req.Limit > 0 && len(plotIDs) > req.Limit {
		plotIDs = plotIDs[:req.Limit]
	}

	var result RecalcResult
	affected := make([]string, 0, len(plotIDs))
	for _, plotID := range plotIDs {
		charge, hasCharge := chargeByPlot[plotID]
		if !hasCharge {
			result.SkippedZeroDebt++
			continue
		}
		up, err := s.repo.UpsertActivePenalty(ctx, PenaltyUpsert{
			PlotID:        plotID,
			Period:        periodKey,
			Amount:        charge.Amount,
			AsOf:          req.AsOf,
			AnnualRate:    req.AnnualRate,
			BaseDebt:      charge.BaseDebt,
			DaysOverdue:   charge.DaysOverdue,
			Policy:        PenaltyPolicyVersion,
			ActorID:       req.ActorID,
			IncludeVoided: req.IncludeVoided,
			ReadAt:        readAt,
		})
		if err != nil {
			return RecalcResult{}, err
		}
		outcome := up.Outcome
		switch outcome {
		case RecalcCreated:
			result.Created++
		case RecalcUpdated:
			if up.Changed {
				result.Updated++
			} else {
				result.Unchanged++
			}
		case RecalcSkippedFrozen:
			result.SkippedFrozen++
		case RecalcSkippedVoided:
			result.SkippedVoided++
		case RecalcSkippedStale:
			result.SkippedStale++
		}
		if outcome == RecalcCreated || outcome == RecalcUpdated {
			affected = append(affected, strconv.FormatInt(plotID, 10)+":"+periodKey)
		}
		if len(result.Sample) < recalcSampleSize {
			result.Sample = append(result.Sample, RecalcSample{
				PlotID:  plotID,
				Before:  up.Before,
				After:   up.After,
				Outcome: outcome,
			})
		}
	}

	s.bumpCache(ctx)
	if err := s.recordPenaltyAudit(ctx, "billing.penalty.recalc", req.ActorID, req.RequestID, affected, overridden, req.OverrideReason, map[string]any{
		"asOf":          req.AsOf.Format("2006-01-02"),
		"annualRate":    req.AnnualRate.String(),
		"includeVoided": req.IncludeVoided,
		"created":       result.Created,
		"updated":       result.Updated,
	}); err != nil {
		return RecalcResult{}, err
	}
	return result, nil
}

// recordPenaltyAudit emits the run's audit record. Failure to audit fails
// the run: penalty amounts directly affect money owed.
func (s *Service) recordPenaltyAudit(ctx context.Context, action string, actorID int64, requestID string, affected []string, overridden bool, overrideReason string, meta map[string]any) error {
	if s.audit == nil {
		return errors.New("billing: audit sink required for penalty runs")
	}
	meta["policyVersion"] = PenaltyPolicyVersion
	meta["postCloseOverride"] = overridden
	if overridden {
		meta["overrideReason"] = overrideReason
	}
	return s.audit.Record(ctx, audit.Event{
		Action:    action,
		ActorID:   actorID,
		RequestID: requestID,
		Entity:    "penalty_accrual",
		EntityIDs: affected,
		Meta:      meta,
	})
}

// FreezePenalty manually locks a penalty row against recalculation.
func (s *Service) FreezePenalty(ctx context.Context, id int64, actorID int64) (*PenaltyAccrual, error) {
	return s.setPenaltyStatus(ctx, id, PenaltyFrozen, actorID)
}

// VoidPenalty excludes a penalty row from reporting and recalculation.
func (s *Service) VoidPenalty(ctx context.Context, id int64, actorID int64) (*PenaltyAccrual, error) {
	return s.setPenaltyStatus(ctx, id, PenaltyVoided, actorID)
}

func (s *Service) setPenaltyStatus(ctx context.Context, id int64, status PenaltyStatus, actorID int64) (*PenaltyAccrual, error) {
	p, err := s.repo.SetPenaltyStatus(ctx, id, status, actorID)
	if err != nil {
		return nil, err
	}
	s.bumpCache(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.Event{
			Action:    "billing.penalty." + string(status),
			ActorID:   actorID,
			Entity:    "penalty_accrual",
			EntityIDs: []string{strconv.FormatInt(id, 10)},
		})
	}
	return p, nil
}

func (s *Service) plotLabel(ctx context.Context, plotID int64) string {
	plot, err := s.plots.GetPlot(ctx, plotID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("plot label lookup failed", slog.Int64("plotID", plotID), slog.Any("error", err))
		}
		return strconv.FormatInt(plotID, 10)
	}
	return plot.Label()
}
