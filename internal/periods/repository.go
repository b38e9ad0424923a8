package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for billing periods.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const periodColumns = `id, name, date_from, date_to, status, closed_by, closed_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Name, &p.From, &p.To, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNotFound
	}
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

// ListPeriods returns all periods.
func (r *Repository) ListPeriods(ctx context.Context) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM billing_periods ORDER BY date_from`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeriod fetches one period by id.
func (r *Repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM billing_periods WHERE id = $1`, id))
}

// InsertPeriod creates a period, rejecting exact duplicates of an existing
// range. Overlapping ranges are allowed by the data model; resolution picks
// the narrowest.
func (r *Repository) InsertPeriod(ctx context.Context, in CreateInput, status Status) (Period, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_periods WHERE date_from = $1 AND date_to = $2)`,
		in.From, in.To,
	).Scan(&exists)
	if err != nil {
		return Period{}, err
	}
	if exists {
		return Period{}, ErrPeriodOverlap
	}
	return scanPeriod(r.pool.QueryRow(ctx,
		`INSERT INTO billing_periods (name, date_from, date_to, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 RETURNING `+periodColumns,
		in.Name, in.From, in.To, status,
	))
}

// UpdateStatus applies a lifecycle transition.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, target Status, actorID int64, closedAt *time.Time) (Period, error) {
	if target == StatusClosed {
		return scanPeriod(r.pool.QueryRow(ctx,
			`UPDATE billing_periods SET status = $2, closed_by = $3, closed_at = $4, updated_at = NOW()
			 WHERE id = $1 RETURNING `+periodColumns,
			id, target, actorID, closedAt,
		))
	}
	return scanPeriod(r.pool.QueryRow(ctx,
		`UPDATE billing_periods SET status = $2, closed_by = NULL, closed_at = NULL, updated_at = NOW()
		 WHERE id = $1 RETURNING `+periodColumns,
		id, target,
	))
}
