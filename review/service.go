package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvalidRating rejects ratings outside 1..5.
	ErrInvalidRating = errors.New("review: rating must be between 1 and 5")
	// ErrNotEligible blocks reviews between parties with no settled transaction.
	ErrNotEligible = errors.New("review: no settled transaction between the parties")
	// ErrForbidden signals the caller is not the party allowed to perform the action.
	ErrForbidden = errors.New("review: actor not permitted")
)

// InvalidTransitionError reports a moderation or dispute guard failure.
type InvalidTransitionError struct {
	Current string
	Action  string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("review: cannot %s while %s: %s", e.Action, e.Current, e.Reason)
	}
	return fmt.Sprintf("review: cannot %s while %s", e.Action, e.Current)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Review, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Review, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Review, error)
	SetDisputed(ctx context.Context, tx pgx.Tx, id string, disputed bool) error
	PublishDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]string, error)
	CreateDispute(ctx context.Context, tx pgx.Tx, reviewID, raisedBy, reason string) (Dispute, error)
	GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	UpdateDispute(ctx context.Context, tx pgx.Tx, params UpdateDisputeParams) (Dispute, error)
}

// Eligibility answers whether a settled transaction links the two parties.
type Eligibility interface {
	HasSettledTransaction(ctx context.Context, reviewerID, revieweeID string) (bool, error)
}

// PGEligibility adapts the repository's settled-transaction query to the
// Eligibility interface.
type PGEligibility struct {
	pool *pgxpool.Pool
	repo *PGRepository
}

func NewEligibility(pool *pgxpool.Pool) *PGEligibility {
	return &PGEligibility{pool: pool, repo: NewRepository()}
}

func (e *PGEligibility) HasSettledTransaction(ctx context.Context, reviewerID, revieweeID string) (bool, error) {
	return e.repo.HasSettledTransaction(ctx, e.pool, reviewerID, revieweeID)
}

// CreateInput carries a reviewer's submission.
type CreateInput struct {
	ReviewerID   string
	RevieweeID   string
	RevieweeRole Role

	OverallRating int
	Title         string
	Body          string
}

// Service drives review moderation: the hold/publish window and the dispute
// sub-workflow.
type Service struct {
	pool        TxBeginner
	repo        Repository
	eligibility Eligibility
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, eligibility Eligibility) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		eligibility: eligibility,
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a review. Negative ratings land in held with a 48 hour
// deadline; everything else publishes immediately. Eligibility requires a
// settled transaction between reviewer and reviewee.
func (s *Service) Create(ctx context.Context, input CreateInput) (Review, error) {
	if input.OverallRating < 1 || input.OverallRating > 5 {
		return Review{}, ErrInvalidRating
	}
	if input.ReviewerID == input.RevieweeID {
		return Review{}, fmt.Errorf("review: cannot review yourself")
	}

	eligible, err := s.eligibility.HasSettledTransaction(ctx, input.ReviewerID, input.RevieweeID)
	if err != nil {
		return Review{}, fmt.Errorf("review: check eligibility: %w", err)
	}
	if !eligible {
		return Review{}, ErrNotEligible
	}

	status, holdUntil := InitialStatus(input.OverallRating, s.now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rev, err := s.repo.Create(ctx, tx, CreateParams{
		ReviewerID:    input.ReviewerID,
		RevieweeID:    input.RevieweeID,
		RevieweeRole:  input.RevieweeRole,
		OverallRating: input.OverallRating,
		Title:         input.Title,
		Body:          input.Body,
		Status:        status,
		HoldUntil:     holdUntil,
	})
	if err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit create: %w", err)
	}
	return rev, nil
}

// Publish attempts to move a held review to published. Before the hold
// deadline, without force, it reports (false, nil): "not yet" is an expected
// outcome for sweep-style callers, not an error. Publishing a removed review
// is a hard failure.
func (s *Service) Publish(ctx context.Context, id string, force bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rev, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}

	switch rev.Status {
	case StatusPublished:
		return false, nil
	case StatusRemoved:
		return false, &InvalidTransitionError{Current: string(rev.Status), Action: "publish"}
	}

	if !force && rev.HoldUntil != nil && s.now().Before(*rev.HoldUntil) {
		return false, nil
	}

	if _, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        StatusHeld,
		To:          StatusPublished,
		OutboxTopic: TopicPublished,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("review: commit publish: %w", err)
	}
	return true, nil
}

// Hold is the admin re-hold action: it pulls a published review back into
// held (or annotates an already-held one) and records the reason.
func (s *Service) Hold(ctx context.Context, id, adminID, reason string) (Review, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rev, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	if rev.Status == StatusRemoved {
		return Review{}, &InvalidTransitionError{Current: string(rev.Status), Action: "hold"}
	}

	note := fmt.Sprintf("held by %s: %s", adminID, reason)
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        rev.Status,
		To:          StatusHeld,
		AdminNotes:  &note,
		OutboxTopic: TopicHeld,
	})
	if err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit hold: %w", err)
	}
	return updated, nil
}

// Remove is the admin removal action. Removed is terminal; removing an
// already-removed review is a no-op.
func (s *Service) Remove(ctx context.Context, id, adminID, notes string) (Review, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rev, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	if rev.Status == StatusRemoved {
		return rev, nil
	}

	note := fmt.Sprintf("removed by %s: %s", adminID, notes)
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        rev.Status,
		To:          StatusRemoved,
		AdminNotes:  &note,
		OutboxTopic: TopicRemoved,
	})
	if err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit remove: %w", err)
	}
	return updated, nil
}

// PublishDue is the sweep entry point: it publishes every held review whose
// hold window has elapsed and reports how many rows moved.
func (s *Service) PublishDue(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := s.repo.PublishDue(ctx, tx, s.now())
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("review: commit publish sweep: %w", err)
	}
	return len(ids), nil
}

// OpenDispute raises a dispute on a published review. Only the reviewee may
// open one, and only one active dispute exists per review.
func (s *Service) OpenDispute(ctx context.Context, reviewID, raisedBy, reason string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rev, err := s.repo.GetForUpdate(ctx, tx, reviewID)
	if err != nil {
		return Dispute{}, err
	}
	if rev.Status != StatusPublished {
		return Dispute{}, &InvalidTransitionError{Current: string(rev.Status), Action: "dispute", Reason: "only published reviews can be disputed"}
	}
	if rev.RevieweeID != raisedBy {
		return Dispute{}, ErrForbidden
	}

	d, err := s.repo.CreateDispute(ctx, tx, reviewID, raisedBy, reason)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.repo.SetDisputed(ctx, tx, reviewID, true); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("review: commit open dispute: %w", err)
	}
	return d, nil
}

// StartDisputeReview records the admin taking the dispute on.
func (s *Service) StartDisputeReview(ctx context.Context, disputeID, adminID string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != DisputePending {
		return Dispute{}, &InvalidTransitionError{Current: string(d.Status), Action: "start_review"}
	}

	now := s.now()
	updated, err := s.repo.UpdateDispute(ctx, tx, UpdateDisputeParams{
		ID:         disputeID,
		From:       DisputePending,
		To:         DisputeUnderReview,
		ReviewedBy: &adminID,
		ReviewedAt: &now,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("review: commit start dispute review: %w", err)
	}
	return updated, nil
}

// UpholdDispute resolves the dispute in the reviewee's favour and forces the
// review to removed in the same database transaction.
func (s *Service) UpholdDispute(ctx context.Context, disputeID, adminID, notes string) (Dispute, error) {
	return s.resolveDispute(ctx, disputeID, adminID, notes, DisputeUpheld)
}

// RejectDispute resolves the dispute against the reviewee; the review stays
// published.
func (s *Service) RejectDispute(ctx context.Context, disputeID, adminID, notes string) (Dispute, error) {
	return s.resolveDispute(ctx, disputeID, adminID, notes, DisputeRejected)
}

func (s *Service) resolveDispute(ctx context.Context, disputeID, adminID, notes string, outcome DisputeStatus) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != DisputeUnderReview {
		return Dispute{}, &InvalidTransitionError{Current: string(d.Status), Action: "resolve", Reason: "dispute must be under review"}
	}

	now := s.now()
	updated, err := s.repo.UpdateDispute(ctx, tx, UpdateDisputeParams{
		ID:              disputeID,
		From:            DisputeUnderReview,
		To:              outcome,
		ResolutionNotes: &notes,
		ReviewedBy:      &adminID,
		ReviewedAt:      &now,
		OutboxTopic:     TopicDisputeResolved,
	})
	if err != nil {
		return Dispute{}, err
	}

	if outcome == DisputeUpheld {
		rev, err := s.repo.GetForUpdate(ctx, tx, d.ReviewID)
		if err != nil {
			return Dispute{}, err
		}
		if rev.Status != StatusRemoved {
			note := fmt.Sprintf("removed by %s: dispute upheld", adminID)
			if _, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
				ID:          d.ReviewID,
				From:        rev.Status,
				To:          StatusRemoved,
				AdminNotes:  &note,
				OutboxTopic: TopicRemoved,
				Payload:     map[string]any{"dispute_id": disputeID},
			}); err != nil {
				return Dispute{}, err
			}
		}
	}

	if err := s.repo.SetDisputed(ctx, tx, d.ReviewID, false); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("review: commit resolve dispute: %w", err)
	}
	return updated, nil
}
