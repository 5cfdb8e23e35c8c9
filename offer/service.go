package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"homeflow/property"
	"homeflow/transaction"
)

var (
	// ErrAmountNotPositive rejects zero or negative amounts before any mutation.
	ErrAmountNotPositive = errors.New("offer: amount must be positive")
	// ErrEntityProfileRequired blocks submission until the buyer has a purchasing entity.
	ErrEntityProfileRequired = errors.New("offer: buyer has no purchasing entity profile")
	// ErrForbidden signals the caller is not the party allowed to perform the action.
	ErrForbidden = errors.New("offer: actor not permitted")
	// ErrInvalidFinanceType rejects unknown finance types.
	ErrInvalidFinanceType = errors.New("offer: invalid finance type")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Offer, error)
	ExpireDue(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error)
}

// EntityChecker answers whether a buyer has a purchasing entity profile.
type EntityChecker interface {
	HasPurchasingEntity(ctx context.Context, userID string) (bool, error)
}

// PropertyStore locks the property row during seller responses so that
// concurrent accepts on the same property serialize.
type PropertyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Listing, error)
}

// TransactionCreator projects an accepted offer into the transactions domain.
// It must run inside the same database transaction as the offer status write.
type TransactionCreator interface {
	CreateFromOffer(ctx context.Context, tx pgx.Tx, params transaction.CreateFromOfferParams) (transaction.Record, error)
}

// CreateInput carries buyer-supplied attributes for a new draft offer.
type CreateInput struct {
	PropertyID    string
	BuyerID       string
	BuyerEntityID *string

	Amount         int64
	DepositAmount  int64
	FinanceType    FinanceType
	SettlementDays int

	SubjectToFinance            bool
	SubjectToBuildingInspection bool
	SubjectToPestInspection     bool
}

// CounterInput carries the seller's counter terms. Nil fields inherit the
// parent offer's values.
type CounterInput struct {
	AmountCents    int64
	SettlementDays *int

	SubjectToFinance            *bool
	SubjectToBuildingInspection *bool
	SubjectToPestInspection     *bool

	SellerResponse *string
}

// Service drives the offer state machine and the accept-time handoff into the
// transactions domain.
type Service struct {
	pool        TxBeginner
	repo        Repository
	entities    EntityChecker
	properties  PropertyStore
	txns        TransactionCreator
	expiryAfter time.Duration
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, entities EntityChecker, properties PropertyStore, txns TransactionCreator, expiryAfter time.Duration) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if expiryAfter <= 0 {
		expiryAfter = 14 * 24 * time.Hour
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		entities:    entities,
		properties:  properties,
		txns:        txns,
		expiryAfter: expiryAfter,
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a draft offer. Drafts are invisible to the seller until
// submitted.
func (s *Service) Create(ctx context.Context, input CreateInput) (Offer, error) {
	if input.Amount <= 0 {
		return Offer{}, ErrAmountNotPositive
	}
	if !input.FinanceType.Valid() {
		return Offer{}, ErrInvalidFinanceType
	}
	if input.SettlementDays <= 0 {
		return Offer{}, fmt.Errorf("offer: settlement days must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.Create(ctx, tx, CreateParams{
		PropertyID:                  input.PropertyID,
		BuyerID:                     input.BuyerID,
		BuyerEntityID:               input.BuyerEntityID,
		Amount:                      input.Amount,
		DepositAmount:               input.DepositAmount,
		FinanceType:                 input.FinanceType,
		SettlementDays:              input.SettlementDays,
		SubjectToFinance:            input.SubjectToFinance,
		SubjectToBuildingInspection: input.SubjectToBuildingInspection,
		SubjectToPestInspection:     input.SubjectToPestInspection,
		Status:                      StatusDraft,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit create: %w", err)
	}
	return o, nil
}

// Submit moves a draft in front of the seller. The buyer must have a
// purchasing entity profile on record.
func (s *Service) Submit(ctx context.Context, id, buyerID string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}
	if o.BuyerID != buyerID {
		return Offer{}, ErrForbidden
	}

	to, err := next(o.Status, ActionSubmit)
	if err != nil {
		return Offer{}, err
	}
	if o.Amount <= 0 {
		return Offer{}, ErrAmountNotPositive
	}

	hasEntity, err := s.entities.HasPurchasingEntity(ctx, buyerID)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: check purchasing entity: %w", err)
	}
	if !hasEntity {
		return Offer{}, ErrEntityProfileRequired
	}

	now := s.now()
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        o.Status,
		To:          to,
		SubmittedAt: &now,
		OutboxTopic: TopicSubmitted,
		Payload:     map[string]any{"amount": o.Amount},
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit submit: %w", err)
	}
	return updated, nil
}

// MarkViewed records that the seller opened the offer. It is a no-op when the
// viewer is the buyer, when the offer was already viewed, or when the offer is
// terminal.
func (s *Service) MarkViewed(ctx context.Context, id, viewerID string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}
	if viewerID == o.BuyerID || o.Status == StatusViewed || o.Status.Terminal() {
		return o, nil
	}

	to, err := next(o.Status, ActionMarkViewed)
	if err != nil {
		return Offer{}, err
	}

	now := s.now()
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        o.Status,
		To:          to,
		ViewedAt:    &now,
		OutboxTopic: TopicViewed,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit mark viewed: %w", err)
	}
	return updated, nil
}

// Accept finalizes the offer and atomically projects it into a pending
// transaction. The offer status write and the transaction insert commit
// together or not at all.
func (s *Service) Accept(ctx context.Context, id, sellerID string, sellerResponse *string) (Offer, transaction.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, transaction.Record{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, transaction.Record{}, err
	}

	to, err := next(o.Status, ActionAccept)
	if err != nil {
		return Offer{}, transaction.Record{}, err
	}

	// Lock the property row: concurrent accepts on the same property
	// serialize here, and the partial unique index on transactions is the
	// final guard.
	prop, err := s.properties.GetForUpdate(ctx, tx, o.PropertyID)
	if err != nil {
		return Offer{}, transaction.Record{}, err
	}
	if prop.SellerID != sellerID {
		return Offer{}, transaction.Record{}, ErrForbidden
	}

	now := s.now()
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:             id,
		From:           o.Status,
		To:             to,
		SellerResponse: sellerResponse,
		RespondedAt:    &now,
		OutboxTopic:    TopicAccepted,
		Payload:        map[string]any{"amount": o.Amount},
	})
	if err != nil {
		return Offer{}, transaction.Record{}, err
	}

	rec, err := s.txns.CreateFromOffer(ctx, tx, transaction.CreateFromOfferParams{
		OfferID:                     o.ID,
		PropertyID:                  o.PropertyID,
		BuyerID:                     o.BuyerID,
		SellerID:                    sellerID,
		SalePrice:                   o.Amount,
		SettlementDate:              now.AddDate(0, 0, o.SettlementDays),
		SubjectToFinance:            o.SubjectToFinance,
		SubjectToBuildingInspection: o.SubjectToBuildingInspection,
		SubjectToPestInspection:     o.SubjectToPestInspection,
		ActorID:                     &sellerID,
	})
	if err != nil {
		return Offer{}, transaction.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, transaction.Record{}, fmt.Errorf("offer: commit accept: %w", err)
	}
	return updated, rec, nil
}

// Reject finalizes the offer with a seller response.
func (s *Service) Reject(ctx context.Context, id, sellerID string, sellerResponse *string) (Offer, error) {
	return s.respond(ctx, id, sellerID, ActionReject, TopicRejected, sellerResponse)
}

func (s *Service) respond(ctx context.Context, id, sellerID string, action Action, topic string, sellerResponse *string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}

	to, err := next(o.Status, action)
	if err != nil {
		return Offer{}, err
	}

	prop, err := s.properties.GetForUpdate(ctx, tx, o.PropertyID)
	if err != nil {
		return Offer{}, err
	}
	if prop.SellerID != sellerID {
		return Offer{}, ErrForbidden
	}

	now := s.now()
	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:             id,
		From:           o.Status,
		To:             to,
		SellerResponse: sellerResponse,
		RespondedAt:    &now,
		OutboxTopic:    topic,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit %s: %w", action, err)
	}
	return updated, nil
}

// Counter closes the parent offer as countered and opens a new submitted
// offer carrying the seller's terms back to the buyer. Unset counter fields
// inherit the parent's values.
func (s *Service) Counter(ctx context.Context, id, sellerID string, input CounterInput) (Offer, error) {
	if input.AmountCents <= 0 {
		return Offer{}, ErrAmountNotPositive
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parent, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}

	to, err := next(parent.Status, ActionCounter)
	if err != nil {
		return Offer{}, err
	}

	prop, err := s.properties.GetForUpdate(ctx, tx, parent.PropertyID)
	if err != nil {
		return Offer{}, err
	}
	if prop.SellerID != sellerID {
		return Offer{}, ErrForbidden
	}

	now := s.now()
	counter, err := s.repo.Create(ctx, tx, CreateParams{
		PropertyID:                  parent.PropertyID,
		BuyerID:                     parent.BuyerID,
		BuyerEntityID:               parent.BuyerEntityID,
		ParentOfferID:               &parent.ID,
		Amount:                      input.AmountCents,
		DepositAmount:               parent.DepositAmount,
		FinanceType:                 parent.FinanceType,
		SettlementDays:              intOr(input.SettlementDays, parent.SettlementDays),
		SubjectToFinance:            boolOr(input.SubjectToFinance, parent.SubjectToFinance),
		SubjectToBuildingInspection: boolOr(input.SubjectToBuildingInspection, parent.SubjectToBuildingInspection),
		SubjectToPestInspection:     boolOr(input.SubjectToPestInspection, parent.SubjectToPestInspection),
		Status:                      StatusSubmitted,
		SubmittedAt:                 &now,
	})
	if err != nil {
		return Offer{}, err
	}

	if _, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:             id,
		From:           parent.Status,
		To:             to,
		SellerResponse: input.SellerResponse,
		RespondedAt:    &now,
		OutboxTopic:    TopicCountered,
		Payload: map[string]any{
			"counter_offer_id": counter.ID,
			"counter_amount":   input.AmountCents,
		},
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit counter: %w", err)
	}
	return counter, nil
}

// Withdraw lets the buyer pull any non-finalized offer.
func (s *Service) Withdraw(ctx context.Context, id, buyerID string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}
	if o.BuyerID != buyerID {
		return Offer{}, ErrForbidden
	}

	to, err := next(o.Status, ActionWithdraw)
	if err != nil {
		return Offer{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, UpdateStatusParams{
		ID:          id,
		From:        o.Status,
		To:          to,
		OutboxTopic: TopicWithdrawn,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit withdraw: %w", err)
	}
	return updated, nil
}

// ExpireDue is the sweep entry point: it expires every open offer older than
// the configured expiry window and reports how many rows moved.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := s.repo.ExpireDue(ctx, tx, s.now().Add(-s.expiryAfter))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("offer: commit expire sweep: %w", err)
	}
	return len(ids), nil
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
