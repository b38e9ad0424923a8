// Package registry exposes the plot/owner master data store to the billing
// engine. Billing consumes it strictly read-only; plot lifecycle lives in the
// wider portal.
package registry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the plot does not exist.
var ErrNotFound = errors.New("registry: plot not found")

// Plot is the read model the billing engine needs: location plus owner.
type Plot struct {
	ID         int64
	Street     string
	Number     string
	OwnerID    *int64
	OwnerName  string
	OwnerPhone string
	OwnerEmail string
}

// Label renders the human-readable plot reference used in reports.
func (p Plot) Label() string {
	if p.Street == "" {
		return p.Number
	}
	return p.Street + " " + p.Number
}

// Directory is the read-only lookup port billing depends on.
type Directory interface {
	GetPlot(ctx context.Context, id int64) (Plot, error)
	ListPlots(ctx context.Context) ([]Plot, error)
	// FindByNumber resolves an exact plot number reference.
	FindByNumber(ctx context.Context, number string) (Plot, error)
}

// Repository backs Directory with the portal's plots table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const plotColumns = `p.id, p.street, p.number, p.owner_id, COALESCE(o.full_name, p.owner_name), COALESCE(o.phone, ''), COALESCE(o.email, '')`
const plotFrom = ` FROM plots p LEFT JOIN owners o ON o.id = p.owner_id`

func scanPlot(row pgx.Row) (Plot, error) {
	var p Plot
	err := row.Scan(&p.ID, &p.Street, &p.Number, &p.OwnerID, &p.OwnerName, &p.OwnerPhone, &p.OwnerEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plot{}, ErrNotFound
	}
	if err != nil {
		return Plot{}, err
	}
	return p, nil
}

// GetPlot fetches one plot with its owner joined in.
func (r *Repository) GetPlot(ctx context.Context, id int64) (Plot, error) {
	return scanPlot(r.pool.QueryRow(ctx, `SELECT `+plotColumns+plotFrom+` WHERE p.id = $1`, id))
}

// ListPlots returns every plot; the matcher scans these for phone and name
// strategies, the debtor aggregator for ownership.
func (r *Repository) ListPlots(ctx context.Context) ([]Plot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+plotColumns+plotFrom+` ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plot
	for rows.Next() {
		p, err := scanPlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindByNumber resolves an exact plot number.
func (r *Repository) FindByNumber(ctx context.Context, number string) (Plot, error) {
	return scanPlot(r.pool.QueryRow(ctx, `SELECT `+plotColumns+plotFrom+` WHERE p.number = $1`, number))
}
