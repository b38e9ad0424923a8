package periods

import (
	"context"
	"sort"
	"time"

	"github.com/arbor-portal/arbor-portal/internal/audit"
)

// RepositoryPort defines data access for billing periods.
type RepositoryPort interface {
	ListPeriods(ctx context.Context) ([]Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	InsertPeriod(ctx context.Context, in CreateInput, status Status) (Period, error)
	UpdateStatus(ctx context.Context, id int64, target Status, actorID int64, closedAt *time.Time) (Period, error)
}

// Service orchestrates the billing period lifecycle.
type Service struct {
	repo  RepositoryPort
	audit audit.Recorder
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo RepositoryPort, audit audit.Recorder) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListPeriods returns all periods ordered by start date.
func (s *Service) ListPeriods(ctx context.Context) ([]Period, error) {
	ps, err := s.repo.ListPeriods(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].From.Before(ps[j].From) })
	return ps, nil
}

// GetPeriod fetches a single period.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetPeriod(ctx, id)
}

// CreatePeriod inserts a new draft period after validating its range.
func (s *Service) CreatePeriod(ctx context.Context, in CreateInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	return s.repo.InsertPeriod(ctx, in, StatusDraft)
}

// ChangeStatus applies a lifecycle transition. Reopening a closed period
// requires an override reason, which is written to the audit trail.
func (s *Service) ChangeStatus(ctx context.Context, id int64, target Status, actorID int64, overrideReason string) (Period, error) {
	if !target.Valid() {
		return Period{}, ErrInvalidTransition
	}
	current, err := s.repo.GetPeriod(ctx, id)
	if err != nil {
		return Period{}, err
	}
	if err := ValidateTransition(current.Status, target, overrideReason != ""); err != nil {
		return Period{}, err
	}
	var closedAt *time.Time
	if target == StatusClosed {
		t := s.now()
		closedAt = &t
	}
	updated, err := s.repo.UpdateStatus(ctx, id, target, actorID, closedAt)
	if err != nil {
		return Period{}, err
	}
	if current.Status == StatusClosed && s.audit != nil {
		_ = s.audit.Record(ctx, audit.Event{
			Action:    "period.reopen",
			ActorID:   actorID,
			Entity:    "period",
			EntityIDs: []string{updated.Name},
			Meta: map[string]any{
				"from":           string(current.Status),
				"to":             string(target),
				"overrideReason": overrideReason,
			},
		})
	}
	return updated, nil
}

// ResolveForDate finds the period whose range contains d. When overlapping
// ranges both contain d, the narrowest range wins; ties break on the earliest
// start date, then the lowest id, so resolution is total and deterministic.
func (s *Service) ResolveForDate(ctx context.Context, d time.Time) (Period, error) {
	ps, err := s.repo.ListPeriods(ctx)
	if err != nil {
		return Period{}, err
	}
	var candidates []Period
	for _, p := range ps {
		if p.Contains(d) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Period{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Span() != candidates[j].Span() {
			return candidates[i].Span() < candidates[j].Span()
		}
		if !candidates[i].From.Equal(candidates[j].From) {
			return candidates[i].From.Before(candidates[j].From)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// ListEligible returns the periods included in debt aggregation by default:
// every period that reached the lifecycle (drafts included), since even a
// draft period's accruals represent recorded charges.
func (s *Service) ListEligible(ctx context.Context) ([]Period, error) {
	return s.ListPeriods(ctx)
}
