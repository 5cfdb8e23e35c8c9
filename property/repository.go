package property

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested property does not exist.
var ErrNotFound = errors.New("property: not found")

// Repository provides access to property listings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a property by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	const query = `
		SELECT id, seller_id, address, suburb, jurisdiction, price_guide, status::text, created_at, updated_at
		FROM properties
		WHERE id = $1
	`

	listing, err := scanListing(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("property: query by id: %w", err)
	}

	return listing, nil
}

// List fetches up to limit active properties ordered by creation time.
func (r *Repository) List(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, seller_id, address, suburb, jurisdiction, price_guide, status::text, created_at, updated_at
		FROM properties
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("property: list: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, limit)
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("property: scan listing: %w", err)
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("property: iterate listings: %w", err)
	}

	return listings, nil
}

// GetForUpdate locks the property row inside the caller's transaction.
// Callers take this lock to serialize transaction creation per property.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	const query = `
		SELECT id, seller_id, address, suburb, jurisdiction, price_guide, status::text, created_at, updated_at
		FROM properties
		WHERE id = $1
		FOR UPDATE
	`

	listing, err := scanListing(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("property: get for update: %w", err)
	}

	return listing, nil
}

// SetStatusTx updates the property status inside the caller's transaction.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE properties
		SET status = $2::property_status,
		    updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("property: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var listing Listing
	err := row.Scan(
		&listing.ID,
		&listing.SellerID,
		&listing.Address,
		&listing.Suburb,
		&listing.Jurisdiction,
		&listing.PriceGuide,
		&listing.Status,
		&listing.CreatedAt,
		&listing.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}
