package billing

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbor-portal/arbor-portal/internal/audit"
	"github.com/arbor-portal/arbor-portal/internal/periods"
	"github.com/arbor-portal/arbor-portal/internal/registry"
)

// memoryRepo is the in-memory RepositoryPort used across billing tests. It
// mirrors the storage semantics of the Postgres repository, including the
// fingerprint uniqueness rule and the penalty upsert state machine.
type memoryRepo struct {
	payments      []Payment
	accruals      []AccrualItem
	penalties     []PenaltyAccrual
	nextPaymentID int64
	nextAccrualID int64
	nextPenaltyID int64
	paidWrites    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{}
}

func (r *memoryRepo) addAccrual(periodID, plotID int64, cat Category, accrued, paid string) *AccrualItem {
	r.nextAccrualID++
	item := AccrualItem{
		ID:            r.nextAccrualID,
		PeriodID:      periodID,
		PlotID:        plotID,
		Category:      cat,
		AmountAccrued: mustDec(accrued),
		AmountPaid:    mustDec(paid),
	}
	r.accruals = append(r.accruals, item)
	return &r.accruals[len(r.accruals)-1]
}

func (r *memoryRepo) InsertPayment(ctx context.Context, input PaymentInput) (*Payment, error) {
	for _, p := range r.payments {
		if p.Fingerprint == input.Fingerprint {
			return nil, ErrDuplicatePayment
		}
	}
	r.nextPaymentID++
	payment := Payment{
		ID:          r.nextPaymentID,
		Amount:      input.Amount,
		PaidAt:      input.PaidAt,
		PlotID:      input.PlotID,
		PeriodID:    input.PeriodID,
		Category:    input.Category,
		Fingerprint: input.Fingerprint,
		ExternalID:  input.ExternalID,
		PayerName:   input.PayerName,
		PayerPhone:  input.PayerPhone,
		Comment:     input.Comment,
		MatchType:   input.MatchType,
		Source:      input.Source,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   time.Now(),
	}
	r.payments = append(r.payments, payment)
	return &payment, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if !filter.IncludeVoided && p.Voided {
			continue
		}
		if filter.PeriodID != nil && (p.PeriodID == nil || *p.PeriodID != *filter.PeriodID) {
			continue
		}
		if filter.PlotID != nil && (p.PlotID == nil || *p.PlotID != *filter.PlotID) {
			continue
		}
		if filter.OnlyUnmatched && p.PlotID != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	for i := range r.payments {
		if r.payments[i].ID == id {
			p := r.payments[i]
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) VoidPayment(ctx context.Context, id int64, reason string, actorID int64) error {
	for i := range r.payments {
		if r.payments[i].ID == id && !r.payments[i].Voided {
			r.payments[i].Voided = true
			r.payments[i].VoidReason = reason
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryRepo) ListAccruals(ctx context.Context, periodID int64) ([]AccrualItem, error) {
	var out []AccrualItem
	for _, a := range r.accruals {
		if a.PeriodID == periodID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateAccrualPaid(ctx context.Context, accrualID int64, paid decimal.Decimal) error {
	for i := range r.accruals {
		if r.accruals[i].ID == accrualID {
			r.accruals[i].AmountPaid = paid
			r.paidWrites++
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryRepo) EnsureAccrual(ctx context.Context, periodID, plotID int64, category Category) (*AccrualItem, error) {
	for i := range r.accruals {
		a := &r.accruals[i]
		if a.PeriodID == periodID && a.PlotID == plotID && a.Category == category {
			return a, nil
		}
	}
	return r.addAccrual(periodID, plotID, category, "0", "0"), nil
}

func (r *memoryRepo) ListPenalties(ctx context.Context, period string, plotIDs []int64) ([]PenaltyAccrual, error) {
	var out []PenaltyAccrual
	for _, p := range r.penalties {
		if p.Period != period {
			continue
		}
		if len(plotIDs) > 0 {
			found := false
			for _, id := range plotIDs {
				if id == p.PlotID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *memoryRepo) UpsertActivePenalty(ctx context.Context, up PenaltyUpsert) (PenaltyUpsertResult, error) {
	var active, frozen, voided *PenaltyAccrual
	for i := range r.penalties {
		p := &r.penalties[i]
		if p.PlotID != up.PlotID || p.Period != up.Period {
			continue
		}
		switch p.Status {
		case PenaltyActive:
			active = p
		case PenaltyFrozen:
			frozen = p
		case PenaltyVoided:
			voided = p
		}
	}

	stale := func(row *PenaltyAccrual) bool {
		return !up.ReadAt.IsZero() && row.UpdatedAt.After(up.ReadAt)
	}

	switch {
	case active != nil:
		if stale(active) {
			return PenaltyUpsertResult{Outcome: RecalcSkippedStale, Before: active.Amount, After: active.Amount}, nil
		}
		result := PenaltyUpsertResult{Outcome: RecalcUpdated, Before: active.Amount, After: up.Amount}
		if active.Amount.Equal(up.Amount) && active.DaysOverdue == up.DaysOverdue && active.BaseDebt.Equal(up.BaseDebt) {
			return result, nil
		}
		result.Changed = true
		active.Amount = up.Amount
		active.AsOf = up.AsOf
		active.AnnualRate = up.AnnualRate
		active.BaseDebt = up.BaseDebt
		active.DaysOverdue = up.DaysOverdue
		active.Policy = up.Policy
		active.UpdatedBy = ptr(up.ActorID)
		active.UpdatedAt = time.Now()
		return result, nil
	case frozen != nil:
		return PenaltyUpsertResult{Outcome: RecalcSkippedFrozen, Before: frozen.Amount, After: frozen.Amount}, nil
	case voided != nil && !up.IncludeVoided:
		return PenaltyUpsertResult{Outcome: RecalcSkippedVoided, Before: voided.Amount, After: voided.Amount}, nil
	case voided != nil:
		if stale(voided) {
			return PenaltyUpsertResult{Outcome: RecalcSkippedStale, Before: voided.Amount, After: voided.Amount}, nil
		}
		result := PenaltyUpsertResult{Outcome: RecalcUpdated, Changed: true, Before: voided.Amount, After: up.Amount}
		voided.Status = PenaltyActive
		voided.Amount = up.Amount
		voided.AsOf = up.AsOf
		voided.AnnualRate = up.AnnualRate
		voided.BaseDebt = up.BaseDebt
		voided.DaysOverdue = up.DaysOverdue
		voided.Policy = up.Policy
		voided.UpdatedBy = ptr(up.ActorID)
		voided.UpdatedAt = time.Now()
		return result, nil
	default:
		r.nextPenaltyID++
		r.penalties = append(r.penalties, PenaltyAccrual{
			ID:          r.nextPenaltyID,
			PlotID:      up.PlotID,
			Period:      up.Period,
			Amount:      up.Amount,
			Status:      PenaltyActive,
			AsOf:        up.AsOf,
			AnnualRate:  up.AnnualRate,
			BaseDebt:    up.BaseDebt,
			DaysOverdue: up.DaysOverdue,
			Policy:      up.Policy,
			CreatedBy:   up.ActorID,
			UpdatedBy:   ptr(up.ActorID),
			UpdatedAt:   time.Now(),
		})
		return PenaltyUpsertResult{Outcome: RecalcCreated, Changed: true, After: up.Amount}, nil
	}
}

func (r *memoryRepo) SetPenaltyStatus(ctx context.Context, id int64, status PenaltyStatus, actorID int64) (*PenaltyAccrual, error) {
	for i := range r.penalties {
		if r.penalties[i].ID == id {
			r.penalties[i].Status = status
			r.penalties[i].UpdatedBy = ptr(actorID)
			r.penalties[i].UpdatedAt = time.Now()
			p := r.penalties[i]
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

// memoryPeriods fakes the period directory.
type memoryPeriods struct {
	items []periods.Period
}

func (m *memoryPeriods) add(id int64, name string, from, to time.Time, status periods.Status) {
	m.items = append(m.items, periods.Period{ID: id, Name: name, From: from, To: to, Status: status})
}

func (m *memoryPeriods) setStatus(id int64, status periods.Status) {
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Status = status
		}
	}
}

func (m *memoryPeriods) GetPeriod(ctx context.Context, id int64) (periods.Period, error) {
	for _, p := range m.items {
		if p.ID == id {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrNotFound
}

func (m *memoryPeriods) ListEligible(ctx context.Context) ([]periods.Period, error) {
	out := make([]periods.Period, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *memoryPeriods) ResolveForDate(ctx context.Context, d time.Time) (periods.Period, error) {
	var candidates []periods.Period
	for _, p := range m.items {
		if p.Contains(d) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return periods.Period{}, periods.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Span() < candidates[j].Span() })
	return candidates[0], nil
}

// memoryPlots fakes the registry directory.
type memoryPlots struct {
	plots []registry.Plot
}

func (m *memoryPlots) GetPlot(ctx context.Context, id int64) (registry.Plot, error) {
	for _, p := range m.plots {
		if p.ID == id {
			return p, nil
		}
	}
	return registry.Plot{}, registry.ErrNotFound
}

func (m *memoryPlots) ListPlots(ctx context.Context) ([]registry.Plot, error) {
	out := make([]registry.Plot, len(m.plots))
	copy(out, m.plots)
	return out, nil
}

func (m *memoryPlots) FindByNumber(ctx context.Context, number string) (registry.Plot, error) {
	for _, p := range m.plots {
		if p.Number == number {
			return p, nil
		}
	}
	return registry.Plot{}, registry.ErrNotFound
}

// recordingAudit captures audit events for assertions.
type recordingAudit struct {
	events []audit.Event
}

func (a *recordingAudit) Record(ctx context.Context, ev audit.Event) error {
	a.events = append(a.events, ev)
	return nil
}

type fixture struct {
	repo    *memoryRepo
	periods *memoryPeriods
	plots   *memoryPlots
	audit   *recordingAudit
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		periods: &memoryPeriods{},
		plots:   &memoryPlots{},
		audit:   &recordingAudit{},
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	f.service = NewService(logger, f.repo, f.periods, f.plots, f.audit, nil)
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func date(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }
