package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeflow/outbox"
)

var (
	// ErrNotFound is returned when no offer row exists for the identifier.
	ErrNotFound = errors.New("offer: not found")
	// ErrConflict signals a concurrent transition moved the row between read and write.
	ErrConflict = errors.New("offer: concurrent transition detected")
)

// CreateParams carries the attributes of a new offer row. Counters reuse it
// with ParentOfferID and Status set by the service.
type CreateParams struct {
	PropertyID    string
	BuyerID       string
	BuyerEntityID *string
	ParentOfferID *string

	Amount         int64
	DepositAmount  int64
	FinanceType    FinanceType
	SettlementDays int

	SubjectToFinance            bool
	SubjectToBuildingInspection bool
	SubjectToPestInspection     bool

	Status      Status
	SubmittedAt *time.Time
}

// UpdateStatusParams describes a guarded status write. Timestamp pointers are
// applied only when non-nil so each transition stamps its own column.
type UpdateStatusParams struct {
	ID   string
	From Status
	To   Status

	SellerResponse *string
	SubmittedAt    *time.Time
	ViewedAt       *time.Time
	RespondedAt    *time.Time

	OutboxTopic string
	Payload     map[string]any
}

// PGRepository implements offer persistence backed by PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const offerColumns = `
	id, property_id, buyer_id, buyer_entity_id, parent_offer_id,
	amount, deposit_amount, finance_type::text, settlement_days,
	subject_to_finance, subject_to_building_inspection, subject_to_pest_inspection,
	status::text, seller_response, submitted_at, viewed_at, responded_at,
	created_at, updated_at
`

// Create inserts an offer row with the given status.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Offer, error) {
	const insertSQL = `
		INSERT INTO offers (
			property_id, buyer_id, buyer_entity_id, parent_offer_id,
			amount, deposit_amount, finance_type, settlement_days,
			subject_to_finance, subject_to_building_inspection, subject_to_pest_inspection,
			status, submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::offer_status, $13)
		RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, insertSQL,
		params.PropertyID,
		params.BuyerID,
		params.BuyerEntityID,
		params.ParentOfferID,
		params.Amount,
		params.DepositAmount,
		params.FinanceType,
		params.SettlementDays,
		params.SubjectToFinance,
		params.SubjectToBuildingInspection,
		params.SubjectToPestInspection,
		params.Status,
		params.SubmittedAt,
	))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return o, nil
}

// GetForUpdate locks the offer row inside the caller's transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	const query = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 FOR UPDATE`

	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get for update: %w", err)
	}
	return o, nil
}

// UpdateStatus performs the guarded status write plus the outbox append. The
// WHERE clause re-checks the source status so a concurrent transition surfaces
// as ErrConflict instead of a silent overwrite.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Offer, error) {
	const updateSQL = `
		UPDATE offers
		SET status = $3::offer_status,
		    seller_response = COALESCE($4, seller_response),
		    submitted_at = COALESCE($5, submitted_at),
		    viewed_at = COALESCE($6, viewed_at),
		    responded_at = COALESCE($7, responded_at),
		    updated_at = now()
		WHERE id = $1 AND status = $2::offer_status
		RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, updateSQL,
		params.ID,
		params.From,
		params.To,
		params.SellerResponse,
		params.SubmittedAt,
		params.ViewedAt,
		params.RespondedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrConflict
		}
		return Offer{}, fmt.Errorf("offer: update status: %w", err)
	}

	if params.OutboxTopic != "" {
		payload := map[string]any{
			"offer_id":    o.ID,
			"property_id": o.PropertyID,
			"previous":    string(params.From),
			"next":        string(params.To),
		}
		for k, v := range params.Payload {
			payload[k] = v
		}
		if err := outbox.Enqueue(ctx, tx, params.OutboxTopic, payload); err != nil {
			return Offer{}, err
		}
	}

	return o, nil
}

// ExpireDue bulk-expires open offers whose submission is older than the
// cutoff. Draft offers never expire: they have no submitted_at.
func (r *PGRepository) ExpireDue(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error) {
	const expireSQL = `
		UPDATE offers
		SET status = 'expired', updated_at = now()
		WHERE status IN ('submitted', 'viewed', 'countered')
		  AND submitted_at IS NOT NULL
		  AND submitted_at <= $1
		RETURNING id
	`

	rows, err := tx.Query(ctx, expireSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("offer: expire due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("offer: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate expired: %w", err)
	}

	for _, id := range ids {
		if err := outbox.Enqueue(ctx, tx, TopicExpired, map[string]any{"offer_id": id}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// GetByID fetches an offer without locking.
func (r *PGRepository) GetByID(ctx context.Context, pool *pgxpool.Pool, id string) (Offer, error) {
	const query = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`

	o, err := scanOffer(pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get by id: %w", err)
	}
	return o, nil
}

// ListForProperty returns every offer on a property, newest first.
func (r *PGRepository) ListForProperty(ctx context.Context, pool *pgxpool.Pool, propertyID string) ([]Offer, error) {
	const query = `SELECT ` + offerColumns + ` FROM offers WHERE property_id = $1 ORDER BY created_at DESC`

	rows, err := pool.Query(ctx, query, propertyID)
	if err != nil {
		return nil, fmt.Errorf("offer: list for property: %w", err)
	}
	defer rows.Close()

	offers := make([]Offer, 0, 8)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate offers: %w", err)
	}
	return offers, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID,
		&o.PropertyID,
		&o.BuyerID,
		&o.BuyerEntityID,
		&o.ParentOfferID,
		&o.Amount,
		&o.DepositAmount,
		&o.FinanceType,
		&o.SettlementDays,
		&o.SubjectToFinance,
		&o.SubjectToBuildingInspection,
		&o.SubjectToPestInspection,
		&o.Status,
		&o.SellerResponse,
		&o.SubmittedAt,
		&o.ViewedAt,
		&o.RespondedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Offer{}, err
	}
	return o, nil
}
