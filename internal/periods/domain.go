package periods

import (
	"errors"
	"strings"
	"time"
)

// Status enumerates the billing period lifecycle.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusLocked   Status = "LOCKED"
	StatusApproved Status = "APPROVED"
	StatusClosed   Status = "CLOSED"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusLocked, StatusApproved, StatusClosed:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition indicates a status change not allowed by policy.
	ErrInvalidTransition = errors.New("periods: transition invalid")
	// ErrPeriodOverlap indicates the new range conflicts with an existing
	// period of identical bounds.
	ErrPeriodOverlap = errors.New("periods: range conflict")
	// ErrNotFound indicates the period does not exist.
	ErrNotFound = errors.New("periods: not found")
	// ErrClosed indicates a financial write into a closed period without an
	// override reason.
	ErrClosed = errors.New("periods: period closed")
)

// Period is a dated range whose status gates all financial writes.
type Period struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Status    Status    `json:"status"`
	ClosedBy  *int64    `json:"closedBy,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contains reports whether d falls inside [From, To] at day granularity.
func (p Period) Contains(d time.Time) bool {
	day := d.Truncate(24 * time.Hour)
	return !day.Before(p.From.Truncate(24*time.Hour)) && !day.After(p.To.Truncate(24*time.Hour))
}

// Span returns the range length; used to pick the narrowest containing
// period when ranges overlap.
func (p Period) Span() time.Duration {
	return p.To.Sub(p.From)
}

// ValidateTransition checks a status change against lifecycle policy.
// Periods move forward draft -> locked -> approved -> closed; reopening a
// closed period back to approved requires an override reason.
func ValidateTransition(current, target Status, hasOverride bool) error {
	if current == target {
		return nil
	}
	switch current {
	case StatusDraft:
		if target == StatusLocked {
			return nil
		}
	case StatusLocked:
		if target == StatusApproved || target == StatusDraft {
			return nil
		}
	case StatusApproved:
		if target == StatusClosed || target == StatusLocked {
			return nil
		}
	case StatusClosed:
		if target == StatusApproved && hasOverride {
			return nil
		}
	}
	return ErrInvalidTransition
}

// CheckWritable enforces the closed-period guard: financial writes into a
// closed period fail unless an override reason is supplied. Callers must run
// this before touching any row, and must record the reason when overriding.
func CheckWritable(p Period, overrideReason string) error {
	if p.Status != StatusClosed {
		return nil
	}
	if strings.TrimSpace(overrideReason) == "" {
		return ErrClosed
	}
	return nil
}

// CreateInput captures validation rules for new periods.
type CreateInput struct {
	Name    string
	From    time.Time
	To      time.Time
	ActorID int64
}

// Validate ensures the input is coherent.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("periods: name required")
	}
	if in.From.IsZero() || in.To.IsZero() {
		return errors.New("periods: from and to required")
	}
	if in.From.After(in.To) {
		return errors.New("periods: from cannot be after to")
	}
	return nil
}
