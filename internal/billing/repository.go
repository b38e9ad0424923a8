package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arbor-portal/arbor-portal/internal/platform/db"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for the billing ledgers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- Payment ledger ---

const paymentColumns = `id, amount::text, paid_at, plot_id, period_id, category, fingerprint,
	external_id, payer_name, payer_phone, comment, match_type, source, voided, void_reason, created_by, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p        Payment
		amount   string
		category *string
	)
	err := row.Scan(&p.ID, &amount, &p.PaidAt, &p.PlotID, &p.PeriodID, &category, &p.Fingerprint,
		&p.ExternalID, &p.PayerName, &p.PayerPhone, &p.Comment, &p.MatchType, &p.Source,
		&p.Voided, &p.VoidReason, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("billing: parse amount: %w", err)
	}
	if category != nil {
		p.Category = Category(*category)
	}
	return &p, nil
}

// InsertPayment appends one payment. The unique index on fingerprint makes
// the insert at-most-once under concurrent imports and crash retries; a
// collision surfaces as ErrDuplicatePayment.
func (r *Repository) InsertPayment(ctx context.Context, input PaymentInput) (*Payment, error) {
	var category *string
	if input.Category != "" {
		c := string(input.Category)
		category = &c
	}
	payment, err := scanPayment(r.pool.QueryRow(ctx,
		`INSERT INTO payments (amount, paid_at, plot_id, period_id, category, fingerprint,
			external_id, payer_name, payer_phone, comment, match_type, source, voided, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13, NOW())
		 RETURNING `+paymentColumns,
		input.Amount.String(), input.PaidAt, input.PlotID, input.PeriodID, category, input.Fingerprint,
		input.ExternalID, input.PayerName, input.PayerPhone, input.Comment, string(input.MatchType),
		string(input.Source), input.CreatedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicatePayment
		}
		return nil, err
	}
	return payment, nil
}

// ListPayments reads the ledger with optional narrowing.
func (r *Repository) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeVoided {
		where = append(where, "voided = FALSE")
	}
	if filter.PeriodID != nil {
		where = append(where, "period_id = "+arg(*filter.PeriodID))
	}
	if filter.PlotID != nil {
		where = append(where, "plot_id = "+arg(*filter.PlotID))
	}
	if filter.OnlyUnmatched {
		where = append(where, "plot_id IS NULL")
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY paid_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetPayment fetches one payment by id.
func (r *Repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// VoidPayment flips the soft-delete flag. Amounts are never edited.
func (r *Repository) VoidPayment(ctx context.Context, id int64, reason string, actorID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET voided = TRUE, void_reason = $2, voided_by = $3, voided_at = NOW()
		 WHERE id = $1 AND voided = FALSE`,
		id, reason, actorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Accrual ledger ---

const accrualColumns = `id, period_id, plot_id, category, amount_accrued::text, amount_paid::text, created_at, updated_at`

func scanAccrual(row pgx.Row) (*AccrualItem, error) {
	var (
		a             AccrualItem
		accrued, paid string
	)
	err := row.Scan(&a.ID, &a.PeriodID, &a.PlotID, &a.Category, &accrued, &paid, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.AmountAccrued, err = decimal.NewFromString(accrued); err != nil {
		return nil, fmt.Errorf("billing: parse accrued: %w", err)
	}
	if a.AmountPaid, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("billing: parse paid: %w", err)
	}
	return &a, nil
}

// ListAccruals returns every accrual item of one period.
func (r *Repository) ListAccruals(ctx context.Context, periodID int64) ([]AccrualItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accrualColumns+` FROM accrual_items WHERE period_id = $1 ORDER BY plot_id, category`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccrualItem
	for rows.Next() {
		a, err := scanAccrual(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAccrualPaid writes the reconciled running total back. Reconciliation
// is the only caller; nothing else mutates amount_paid.
func (r *Repository) UpdateAccrualPaid(ctx context.Context, accrualID int64, paid decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accrual_items SET amount_paid = $2, updated_at = NOW() WHERE id = $1`,
		accrualID, paid.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAccrual returns the accrual item for (period, plot, category),
// creating a zero-amount one when missing.
func (r *Repository) EnsureAccrual(ctx context.Context, periodID, plotID int64, category Category) (*AccrualItem, error) {
	item, err := scanAccrual(r.pool.QueryRow(ctx,
		`SELECT `+accrualColumns+` FROM accrual_items WHERE period_id = $1 AND plot_id = $2 AND category = $3`,
		periodID, plotID, category))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	item, err = scanAccrual(r.pool.QueryRow(ctx,
		`INSERT INTO accrual_items (period_id, plot_id, category, amount_accrued, amount_paid, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, NOW(), NOW())
		 ON CONFLICT (period_id, plot_id, category) DO UPDATE SET updated_at = NOW()
		 RETURNING `+accrualColumns,
		periodID, plotID, category))
	return item, err
}

// --- Penalty ledger ---

const penaltyColumns = `id, plot_id, period, amount::text, status, as_of, annual_rate::text,
	base_debt::text, days_overdue, policy, created_by, updated_by, created_at, updated_at`

func scanPenalty(row pgx.Row) (*PenaltyAccrual, error) {
	var (
		p                      PenaltyAccrual
		amount, rate, baseDebt string
	)
	err := row.Scan(&p.ID, &p.PlotID, &p.Period, &amount, &p.Status, &p.AsOf, &rate,
		&baseDebt, &p.DaysOverdue, &p.Policy, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("billing: parse penalty amount: %w", err)
	}
	if p.AnnualRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("billing: parse rate: %w", err)
	}
	if p.BaseDebt, err = decimal.NewFromString(baseDebt); err != nil {
		return nil, fmt.Errorf("billing: parse base debt: %w", err)
	}
	return &p, nil
}

// ListPenalties returns penalty rows for a month, optionally per plot set.
func (r *Repository) ListPenalties(ctx context.Context, period string, plotIDs []int64) ([]PenaltyAccrual, error) {
	query := `SELECT ` + penaltyColumns + ` FROM penalty_accruals WHERE period = $1`
	args := []any{period}
	if len(plotIDs) > 0 {
		query += ` AND plot_id = ANY($2)`
		args = append(args, plotIDs)
	}
	query += ` ORDER BY plot_id, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PenaltyAccrual
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertActivePenalty applies one plot's recomputed penalty atomically. The
// row set for (plot, period) is locked for the duration, so concurrent
// recalculations serialise; the staleness check under the lock compares the
// row's updated_at against the caller's debt-read instant, so a run that
// read its inputs before a competing write discards its amount instead of
// overwriting the fresher one.
func (r *Repository) UpsertActivePenalty(ctx context.Context, up PenaltyUpsert) (PenaltyUpsertResult, error) {
	var result PenaltyUpsertResult
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+penaltyColumns+` FROM penalty_accruals WHERE plot_id = $1 AND period = $2 ORDER BY id FOR UPDATE`,
			up.PlotID, up.Period)
		if err != nil {
			return err
		}
		existing, err := collectPenalties(rows)
		if err != nil {
			return err
		}

		var active, frozen, voided *PenaltyAccrual
		for i := range existing {
			switch existing[i].Status {
			case PenaltyActive:
				active = &existing[i]
			case PenaltyFrozen:
				frozen = &existing[i]
			case PenaltyVoided:
				voided = &existing[i]
			}
		}
		stale := func(row *PenaltyAccrual) bool {
			return !up.ReadAt.IsZero() && row.UpdatedAt.After(up.ReadAt)
		}

		switch {
		case active != nil:
			result.Before = active.Amount
			if stale(active) {
				result.Outcome = RecalcSkippedStale
				result.After = active.Amount
				return nil
			}
			result.After = up.Amount
			result.Outcome = RecalcUpdated
			if active.Amount.Equal(up.Amount) && active.DaysOverdue == up.DaysOverdue && active.BaseDebt.Equal(up.BaseDebt) {
				result.Changed = false
				return nil
			}
			result.Changed = true
			_, err := tx.Exec(ctx,
				`UPDATE penalty_accruals SET amount = $2, as_of = $3, annual_rate = $4, base_debt = $5,
					days_overdue = $6, policy = $7, updated_by = $8, updated_at = NOW()
				 WHERE id = $1`,
				active.ID, up.Amount.String(), up.AsOf, up.AnnualRate.String(), up.BaseDebt.String(),
				up.DaysOverdue, up.Policy, up.ActorID)
			return err
		case frozen != nil:
			result.Outcome = RecalcSkippedFrozen
			result.Before = frozen.Amount
			result.After = frozen.Amount
			return nil
		case voided != nil && !up.IncludeVoided:
			result.Outcome = RecalcSkippedVoided
			result.Before = voided.Amount
			result.After = voided.Amount
			return nil
		case voided != nil:
			result.Before = voided.Amount
			if stale(voided) {
				result.Outcome = RecalcSkippedStale
				result.After = voided.Amount
				return nil
			}
			result.Outcome = RecalcUpdated
			result.Changed = true
			result.After = up.Amount
			_, err := tx.Exec(ctx,
				`UPDATE penalty_accruals SET status = $2, amount = $3, as_of = $4, annual_rate = $5,
					base_debt = $6, days_overdue = $7, policy = $8, updated_by = $9, updated_at = NOW()
				 WHERE id = $1`,
				voided.ID, PenaltyActive, up.Amount.String(), up.AsOf, up.AnnualRate.String(),
				up.BaseDebt.String(), up.DaysOverdue, up.Policy, up.ActorID)
			return err
		default:
			result.Outcome = RecalcCreated
			result.Changed = true
			result.After = up.Amount
			_, err := tx.Exec(ctx,
				`INSERT INTO penalty_accruals (plot_id, period, amount, status, as_of, annual_rate,
					base_debt, days_overdue, policy, created_by, updated_by, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, NOW(), NOW())`,
				up.PlotID, up.Period, up.Amount.String(), PenaltyActive, up.AsOf, up.AnnualRate.String(),
				up.BaseDebt.String(), up.DaysOverdue, up.Policy, up.ActorID)
			return err
		}
	})
	if err != nil {
		return PenaltyUpsertResult{}, err
	}
	return result, nil
}

func collectPenalties(rows pgx.Rows) ([]PenaltyAccrual, error) {
	defer rows.Close()
	var out []PenaltyAccrual
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetPenaltyStatus applies a manual lifecycle change to a penalty row. The
// actor lands on the row itself so a freeze or void stays attributable even
// without joining the audit trail.
func (r *Repository) SetPenaltyStatus(ctx context.Context, id int64, status PenaltyStatus, actorID int64) (*PenaltyAccrual, error) {
	return scanPenalty(r.pool.QueryRow(ctx,
		`UPDATE penalty_accruals SET status = $2, updated_by = $3, updated_at = NOW() WHERE id = $1 RETURNING `+penaltyColumns,
		id, status, actorID))
}

var _ RepositoryPort = (*Repository)(nil)
