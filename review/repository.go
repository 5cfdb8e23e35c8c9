package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeflow/outbox"
)

var (
	// ErrNotFound is returned when no review row exists for the identifier.
	ErrNotFound = errors.New("review: not found")
	// ErrConflict signals a concurrent transition moved the row between read and write.
	ErrConflict = errors.New("review: concurrent transition detected")
	// ErrDisputeNotFound is returned when no dispute row exists for the identifier.
	ErrDisputeNotFound = errors.New("review: dispute not found")
	// ErrActiveDispute signals the review already has an unresolved dispute.
	ErrActiveDispute = errors.New("review: an active dispute already exists")
)

// CreateParams carries the attributes of a new review row with its
// creation-time moderation outcome already resolved.
type CreateParams struct {
	ReviewerID   string
	RevieweeID   string
	RevieweeRole Role

	OverallRating int
	Title         string
	Body          string

	Status    Status
	HoldUntil *time.Time
}

// UpdateStatusParams describes a guarded moderation write. From pins the
// expected source status so concurrent moderation surfaces as ErrConflict.
type UpdateStatusParams struct {
	ID   string
	From Status
	To   Status

	AdminNotes *string

	OutboxTopic string
	Payload     map[string]any
}

// PGRepository implements review persistence backed by PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const reviewColumns = `
	id, reviewer_id, reviewee_id, reviewee_role::text,
	overall_rating, title, body,
	status::text, hold_until, admin_notes, disputed,
	created_at, updated_at
`

// Create inserts a review with its creation-time status and enqueues the
// matching outbox message.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Review, error) {
	const insertSQL = `
		INSERT INTO reviews (
			reviewer_id, reviewee_id, reviewee_role,
			overall_rating, title, body, status, hold_until
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::review_status, $8)
		RETURNING ` + reviewColumns

	rev, err := scanReview(tx.QueryRow(ctx, insertSQL,
		params.ReviewerID,
		params.RevieweeID,
		params.RevieweeRole,
		params.OverallRating,
		params.Title,
		params.Body,
		params.Status,
		params.HoldUntil,
	))
	if err != nil {
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}

	topic := TopicCreated
	if params.Status == StatusPublished {
		topic = TopicPublished
	}
	if err := outbox.Enqueue(ctx, tx, topic, map[string]any{
		"review_id": rev.ID,
		"rating":    rev.OverallRating,
		"status":    string(rev.Status),
	}); err != nil {
		return Review{}, err
	}
	return rev, nil
}

// GetForUpdate locks the review row inside the caller's transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Review, error) {
	const query = `SELECT ` + reviewColumns + ` FROM reviews WHERE id = $1 FOR UPDATE`

	rev, err := scanReview(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Review{}, ErrNotFound
		}
		return Review{}, fmt.Errorf("review: get for update: %w", err)
	}
	return rev, nil
}

// UpdateStatus performs the guarded moderation write plus the outbox append.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Review, error) {
	const updateSQL = `
		UPDATE reviews
		SET status = $3::review_status,
		    admin_notes = COALESCE($4, admin_notes),
		    updated_at = now()
		WHERE id = $1 AND status = $2::review_status
		RETURNING ` + reviewColumns

	rev, err := scanReview(tx.QueryRow(ctx, updateSQL, params.ID, params.From, params.To, params.AdminNotes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Review{}, ErrConflict
		}
		return Review{}, fmt.Errorf("review: update status: %w", err)
	}

	if params.OutboxTopic != "" {
		payload := map[string]any{
			"review_id": rev.ID,
			"previous":  string(params.From),
			"next":      string(params.To),
		}
		for k, v := range params.Payload {
			payload[k] = v
		}
		if err := outbox.Enqueue(ctx, tx, params.OutboxTopic, payload); err != nil {
			return Review{}, err
		}
	}
	return rev, nil
}

// SetDisputed flips the dispute overlay flag on the review.
func (r *PGRepository) SetDisputed(ctx context.Context, tx pgx.Tx, id string, disputed bool) error {
	tag, err := tx.Exec(ctx, `UPDATE reviews SET disputed = $2, updated_at = now() WHERE id = $1`, id, disputed)
	if err != nil {
		return fmt.Errorf("review: set disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PublishDue bulk-publishes held reviews whose hold window has elapsed and
// enqueues an outbox message per row.
func (r *PGRepository) PublishDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]string, error) {
	const publishSQL = `
		UPDATE reviews
		SET status = 'published', updated_at = now()
		WHERE status = 'held' AND hold_until IS NOT NULL AND hold_until <= $1
		RETURNING id
	`

	rows, err := tx.Query(ctx, publishSQL, now)
	if err != nil {
		return nil, fmt.Errorf("review: publish due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("review: scan published id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate published: %w", err)
	}

	for _, id := range ids {
		if err := outbox.Enqueue(ctx, tx, TopicPublished, map[string]any{"review_id": id}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// HasSettledTransaction answers the review-eligibility question: a settled
// transaction must exist between the pair, in either direction.
func (r *PGRepository) HasSettledTransaction(ctx context.Context, pool *pgxpool.Pool, reviewerID, revieweeID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE status = 'settled'
			  AND ((buyer_id = $1 AND seller_id = $2) OR (buyer_id = $2 AND seller_id = $1))
		)
	`
	var ok bool
	if err := pool.QueryRow(ctx, query, reviewerID, revieweeID).Scan(&ok); err != nil {
		return false, fmt.Errorf("review: check settled transaction: %w", err)
	}
	return ok, nil
}

// GetByID fetches a review without locking.
func (r *PGRepository) GetByID(ctx context.Context, pool *pgxpool.Pool, id string) (Review, error) {
	const query = `SELECT ` + reviewColumns + ` FROM reviews WHERE id = $1`

	rev, err := scanReview(pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Review{}, ErrNotFound
		}
		return Review{}, fmt.Errorf("review: get by id: %w", err)
	}
	return rev, nil
}

const disputeColumns = `
	id, review_id, raised_by, reason,
	status::text, resolution_notes, reviewed_by, reviewed_at,
	created_at, updated_at
`

// CreateDispute inserts a pending dispute. The partial unique index on
// (review_id) for active disputes turns a duplicate into ErrActiveDispute.
func (r *PGRepository) CreateDispute(ctx context.Context, tx pgx.Tx, reviewID, raisedBy, reason string) (Dispute, error) {
	const insertSQL = `
		INSERT INTO review_disputes (review_id, raised_by, reason, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, insertSQL, reviewID, raisedBy, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrActiveDispute
		}
		return Dispute{}, fmt.Errorf("review: insert dispute: %w", err)
	}

	if err := outbox.Enqueue(ctx, tx, TopicDisputeOpened, map[string]any{
		"dispute_id": d.ID,
		"review_id":  d.ReviewID,
	}); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// GetDisputeForUpdate locks the dispute row inside the caller's transaction.
func (r *PGRepository) GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM review_disputes WHERE id = $1 FOR UPDATE`

	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("review: get dispute for update: %w", err)
	}
	return d, nil
}

// UpdateDisputeParams describes a guarded dispute write.
type UpdateDisputeParams struct {
	ID   string
	From DisputeStatus
	To   DisputeStatus

	ResolutionNotes *string
	ReviewedBy      *string
	ReviewedAt      *time.Time

	OutboxTopic string
}

// UpdateDispute performs the guarded dispute status write.
func (r *PGRepository) UpdateDispute(ctx context.Context, tx pgx.Tx, params UpdateDisputeParams) (Dispute, error) {
	const updateSQL = `
		UPDATE review_disputes
		SET status = $3::dispute_status,
		    resolution_notes = COALESCE($4, resolution_notes),
		    reviewed_by = COALESCE($5, reviewed_by),
		    reviewed_at = COALESCE($6, reviewed_at),
		    updated_at = now()
		WHERE id = $1 AND status = $2::dispute_status
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		params.ID, params.From, params.To,
		params.ResolutionNotes, params.ReviewedBy, params.ReviewedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrConflict
		}
		return Dispute{}, fmt.Errorf("review: update dispute: %w", err)
	}

	if params.OutboxTopic != "" {
		if err := outbox.Enqueue(ctx, tx, params.OutboxTopic, map[string]any{
			"dispute_id": d.ID,
			"review_id":  d.ReviewID,
			"status":     string(d.Status),
		}); err != nil {
			return Dispute{}, err
		}
	}
	return d, nil
}

func scanReview(row pgx.Row) (Review, error) {
	var rev Review
	err := row.Scan(
		&rev.ID,
		&rev.ReviewerID,
		&rev.RevieweeID,
		&rev.RevieweeRole,
		&rev.OverallRating,
		&rev.Title,
		&rev.Body,
		&rev.Status,
		&rev.HoldUntil,
		&rev.AdminNotes,
		&rev.Disputed,
		&rev.CreatedAt,
		&rev.UpdatedAt,
	)
	if err != nil {
		return Review{}, err
	}
	return rev, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.ReviewID,
		&d.RaisedBy,
		&d.Reason,
		&d.Status,
		&d.ResolutionNotes,
		&d.ReviewedBy,
		&d.ReviewedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
