package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeflow/outbox"
)

var (
	// ErrNotFound is returned when no transaction row exists for the identifier.
	ErrNotFound = errors.New("transaction: not found")
	// ErrConflict signals a concurrent transition moved the row between read and write.
	ErrConflict = errors.New("transaction: concurrent transition detected")
	// ErrActiveExists signals the property already has a live transaction.
	ErrActiveExists = errors.New("transaction: property already has an active transaction")
)

// CreateFromOfferParams enumerates the writes executed when an accepted offer
// is projected into the transactions domain. It must run inside the caller's
// transaction so the offer status write and this insert commit together.
type CreateFromOfferParams struct {
	OfferID        string
	PropertyID     string
	BuyerID        string
	SellerID       string
	SalePrice      int64
	SettlementDate time.Time

	SubjectToFinance            bool
	SubjectToBuildingInspection bool
	SubjectToPestInspection     bool

	ActorID *string
}

// TransitionParams describes a single guarded status write plus the timeline
// and outbox rows appended alongside it.
type TransitionParams struct {
	ID               string
	From             Status
	To               Status
	Event            string
	ActorID          *string
	CoolingOffEndsAt *time.Time
	OutboxTopic      string
	Payload          map[string]any
}

// PGRepository implements transaction persistence backed by PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const recordColumns = `
	id, offer_id, property_id, buyer_id, seller_id, sale_price, settlement_date,
	cooling_off_ends_at, status::text,
	subject_to_finance, subject_to_building_inspection, subject_to_pest_inspection,
	finance_approved, building_inspection_passed, pest_inspection_passed,
	disputed, created_at, updated_at
`

// CreateFromOffer materialises a pending transaction for an accepted offer.
// The caller holds the property row lock; the partial unique index on
// (property_id) for non-cancelled transactions closes the remaining race.
func (r *PGRepository) CreateFromOffer(ctx context.Context, tx pgx.Tx, params CreateFromOfferParams) (Record, error) {
	if params.OfferID == "" {
		return Record{}, fmt.Errorf("transaction: missing offer id")
	}
	if params.PropertyID == "" {
		return Record{}, fmt.Errorf("transaction: missing property id")
	}
	if params.SalePrice <= 0 {
		return Record{}, fmt.Errorf("transaction: sale price must be positive")
	}

	var exists bool
	const activeSQL = `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE property_id = $1 AND status <> 'fallen_through'
		)
	`
	if err := tx.QueryRow(ctx, activeSQL, params.PropertyID).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("transaction: check active: %w", err)
	}
	if exists {
		return Record{}, ErrActiveExists
	}

	const insertSQL = `
		INSERT INTO transactions (
			offer_id, property_id, buyer_id, seller_id, sale_price, settlement_date,
			subject_to_finance, subject_to_building_inspection, subject_to_pest_inspection, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.OfferID,
		params.PropertyID,
		params.BuyerID,
		params.SellerID,
		params.SalePrice,
		params.SettlementDate,
		params.SubjectToFinance,
		params.SubjectToBuildingInspection,
		params.SubjectToPestInspection,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrActiveExists
		}
		return Record{}, fmt.Errorf("transaction: insert from offer: %w", err)
	}

	payload := map[string]any{
		"offer_id":   params.OfferID,
		"sale_price": params.SalePrice,
	}
	if err := appendTimelineEvent(ctx, tx, rec.ID, "TRANSACTION_CREATED", params.ActorID, payload); err != nil {
		return Record{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicCreated, map[string]any{
		"transaction_id": rec.ID,
		"property_id":    rec.PropertyID,
		"offer_id":       rec.OfferID,
		"sale_price":     rec.SalePrice,
	}); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// GetForUpdate locks the transaction row inside the caller's transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("transaction: get for update: %w", err)
	}
	return rec, nil
}

// ApplyTransition performs the guarded status write plus timeline and outbox
// appends. The WHERE clause re-checks the source status so a concurrent
// transition surfaces as ErrConflict instead of a silent overwrite.
func (r *PGRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, params TransitionParams) (Record, error) {
	const updateSQL = `
		UPDATE transactions
		SET status = $3::transaction_status,
		    cooling_off_ends_at = COALESCE($4, cooling_off_ends_at),
		    updated_at = now()
		WHERE id = $1 AND status = $2::transaction_status
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, params.ID, params.From, params.To, params.CoolingOffEndsAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("transaction: apply transition: %w", err)
	}

	payload := map[string]any{
		"previous_status": string(params.From),
		"next_status":     string(params.To),
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if err := appendTimelineEvent(ctx, tx, params.ID, params.Event, params.ActorID, payload); err != nil {
		return Record{}, err
	}

	if params.OutboxTopic != "" {
		outboxPayload := map[string]any{
			"transaction_id": params.ID,
			"previous":       string(params.From),
			"next":           string(params.To),
		}
		if err := outbox.Enqueue(ctx, tx, params.OutboxTopic, outboxPayload); err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}

// ApplyCondition records a satisfied contract condition without changing the
// primary status. Legal only while unconditional; the guard lives in the
// service, the WHERE clause re-checks it.
func (r *PGRepository) ApplyCondition(ctx context.Context, tx pgx.Tx, id string, cond Condition, actorID *string) (Record, error) {
	var column string
	switch cond {
	case ConditionFinance:
		column = "finance_approved"
	case ConditionBuildingInspection:
		column = "building_inspection_passed"
	case ConditionPestInspection:
		column = "pest_inspection_passed"
	default:
		return Record{}, fmt.Errorf("transaction: unknown condition %q", cond)
	}

	updateSQL := `
		UPDATE transactions
		SET ` + column + ` = TRUE,
		    updated_at = now()
		WHERE id = $1 AND status = 'unconditional'
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("transaction: apply condition: %w", err)
	}

	payload := map[string]any{"condition": string(cond)}
	if err := appendTimelineEvent(ctx, tx, id, "CONDITION_SATISFIED", actorID, payload); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// GetByID fetches a transaction without locking.
func (r *PGRepository) GetByID(ctx context.Context, pool *pgxpool.Pool, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM transactions WHERE id = $1`

	rec, err := scanRecord(pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("transaction: get by id: %w", err)
	}
	return rec, nil
}

// ListTimeline returns the ordered event log for a transaction.
func (r *PGRepository) ListTimeline(ctx context.Context, pool *pgxpool.Pool, transactionID string) ([]TimelineEvent, error) {
	const query = `
		SELECT id, transaction_id, seq, type, actor_id::text, payload, created_at
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY seq ASC
	`

	rows, err := pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction: list timeline: %w", err)
	}
	defer rows.Close()

	events := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("transaction: scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction: iterate timeline: %w", err)
	}
	return events, nil
}

func appendTimelineEvent(ctx context.Context, tx pgx.Tx, transactionID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transaction: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
		INSERT INTO transaction_events (transaction_id, seq, type, payload, actor_id)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb, $4::uuid
		FROM transaction_events
		WHERE transaction_id = $1
	`
	if _, err := tx.Exec(ctx, q, transactionID, eventType, body, actor); err != nil {
		return fmt.Errorf("transaction: insert timeline event: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.OfferID,
		&rec.PropertyID,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.SalePrice,
		&rec.SettlementDate,
		&rec.CoolingOffEndsAt,
		&rec.Status,
		&rec.SubjectToFinance,
		&rec.SubjectToBuildingInspection,
		&rec.SubjectToPestInspection,
		&rec.FinanceApproved,
		&rec.BuildingInspectionPassed,
		&rec.PestInspectionPassed,
		&rec.Disputed,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
