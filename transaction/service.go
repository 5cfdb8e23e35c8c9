package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"homeflow/property"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, params TransitionParams) (Record, error)
	ApplyCondition(ctx context.Context, tx pgx.Tx, id string, cond Condition, actorID *string) (Record, error)
}

// PropertyStore covers the property reads and status writes the coordinator
// performs alongside transaction transitions.
type PropertyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Listing, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status property.Status) error
}

// CoolingOffRules resolves the statutory cooling-off period per jurisdiction.
type CoolingOffRules interface {
	CoolingOffDays(jurisdiction string) int
}

type staticRules int

func (r staticRules) CoolingOffDays(string) int { return int(r) }

// Service drives the transaction state machine. Every transition is an atomic
// check-then-write: lock the row, validate the guard, write status plus
// timeline and outbox entries, commit.
type Service struct {
	pool       TxBeginner
	repo       Repository
	properties PropertyStore
	rules      CoolingOffRules
	now        func() time.Time
}

func NewService(pool TxBeginner, repo Repository, properties PropertyStore, rules CoolingOffRules) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if rules == nil {
		rules = staticRules(5)
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
		rules:      rules,
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type transitionSpec struct {
	action Action
	event  string
	topic  string
	// prepare validates temporal guards and fills transition params; it runs
	// after the row lock is held and before any write.
	prepare func(ctx context.Context, tx pgx.Tx, rec Record, params *TransitionParams) error
	// after runs cross-entity side effects in the same database transaction.
	after func(ctx context.Context, tx pgx.Tx, rec Record) error
}

func (s *Service) transition(ctx context.Context, id, actorID string, spec transitionSpec) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("transaction: missing transaction id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("transaction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}

	to, err := next(rec.Status, spec.action)
	if err != nil {
		return Record{}, err
	}

	params := TransitionParams{
		ID:          id,
		From:        rec.Status,
		To:          to,
		Event:       spec.event,
		ActorID:     actorPtr(actorID),
		OutboxTopic: spec.topic,
	}
	if spec.prepare != nil {
		if err := spec.prepare(ctx, tx, rec, &params); err != nil {
			return Record{}, err
		}
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, params)
	if err != nil {
		return Record{}, err
	}

	if spec.after != nil {
		if err := spec.after(ctx, tx, updated); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("transaction: commit %s: %w", spec.action, err)
	}
	return updated, nil
}

// Exchange moves a pending transaction to exchanged (contracts signed).
func (s *Service) Exchange(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionExchange,
		event:  "EXCHANGED",
		topic:  TopicExchanged,
	})
}

// StartCoolingOff opens the statutory cooling-off window. The deadline is set
// once here and never recomputed.
func (s *Service) StartCoolingOff(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionStartCoolingOff,
		event:  "COOLING_OFF_STARTED",
		topic:  TopicCoolingOff,
		prepare: func(ctx context.Context, tx pgx.Tx, rec Record, params *TransitionParams) error {
			prop, err := s.properties.GetForUpdate(ctx, tx, rec.PropertyID)
			if err != nil {
				return err
			}
			ends := AddBusinessDays(s.now(), s.rules.CoolingOffDays(prop.Jurisdiction))
			params.CoolingOffEndsAt = &ends
			params.Payload = map[string]any{"cooling_off_ends_at": ends.UTC()}
			return nil
		},
	})
}

// Rescind lets the buyer walk away during the cooling-off window. The
// property is released back to the market.
func (s *Service) Rescind(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionRescind,
		event:  "RESCINDED",
		topic:  TopicRescinded,
		prepare: func(ctx context.Context, tx pgx.Tx, rec Record, params *TransitionParams) error {
			if rec.CoolingOffEndsAt == nil {
				return &InvalidTransitionError{Current: rec.Status, Action: ActionRescind, Reason: "no cooling-off deadline recorded"}
			}
			if !s.now().Before(*rec.CoolingOffEndsAt) {
				return &InvalidTransitionError{Current: rec.Status, Action: ActionRescind, Reason: "cooling-off period has ended"}
			}
			return nil
		},
		after: s.releaseProperty,
	})
}

// GoUnconditional closes the cooling-off window once the statutory deadline
// has passed. The window cannot be skipped.
func (s *Service) GoUnconditional(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionGoUnconditional,
		event:  "WENT_UNCONDITIONAL",
		topic:  TopicUnconditional,
		prepare: func(ctx context.Context, tx pgx.Tx, rec Record, params *TransitionParams) error {
			if rec.CoolingOffEndsAt == nil {
				return &InvalidTransitionError{Current: rec.Status, Action: ActionGoUnconditional, Reason: "no cooling-off deadline recorded"}
			}
			if s.now().Before(*rec.CoolingOffEndsAt) {
				return &InvalidTransitionError{Current: rec.Status, Action: ActionGoUnconditional, Reason: "cooling-off period still running"}
			}
			return nil
		},
	})
}

// ApproveFinance records the buyer's finance approval.
func (s *Service) ApproveFinance(ctx context.Context, id, actorID string) (Record, error) {
	return s.satisfyCondition(ctx, id, actorID, ConditionFinance, "approve_finance")
}

// PassBuildingInspection records a satisfactory building inspection.
func (s *Service) PassBuildingInspection(ctx context.Context, id, actorID string) (Record, error) {
	return s.satisfyCondition(ctx, id, actorID, ConditionBuildingInspection, "pass_building_inspection")
}

// PassPestInspection records a satisfactory pest inspection.
func (s *Service) PassPestInspection(ctx context.Context, id, actorID string) (Record, error) {
	return s.satisfyCondition(ctx, id, actorID, ConditionPestInspection, "pass_pest_inspection")
}

func (s *Service) satisfyCondition(ctx context.Context, id, actorID string, cond Condition, action Action) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("transaction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusUnconditional {
		return Record{}, &InvalidTransitionError{Current: rec.Status, Action: action, Reason: "conditions are tracked while unconditional"}
	}

	updated, err := s.repo.ApplyCondition(ctx, tx, id, cond, actorPtr(actorID))
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("transaction: commit %s: %w", action, err)
	}
	return updated, nil
}

// StartSettling begins settlement once every condition the originating offer
// was subject to has been satisfied.
func (s *Service) StartSettling(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionStartSettling,
		event:  "SETTLEMENT_STARTED",
		topic:  TopicSettling,
		prepare: func(ctx context.Context, tx pgx.Tx, rec Record, params *TransitionParams) error {
			if reason := outstandingCondition(rec); reason != "" {
				return &InvalidTransitionError{Current: rec.Status, Action: ActionStartSettling, Reason: reason}
			}
			return nil
		},
	})
}

// Settle completes the sale. The property becomes sold, which is the sole
// gate for review eligibility between the two parties.
func (s *Service) Settle(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionSettle,
		event:  "SETTLED",
		topic:  TopicSettled,
		after: func(ctx context.Context, tx pgx.Tx, rec Record) error {
			return s.properties.SetStatusTx(ctx, tx, rec.PropertyID, property.StatusSold)
		},
	})
}

// Cancel falls a pre-settlement transaction through and releases the
// property back to the market.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (Record, error) {
	return s.transition(ctx, id, actorID, transitionSpec{
		action: ActionCancel,
		event:  "CANCELLED",
		topic:  TopicCancelled,
		after:  s.releaseProperty,
	})
}

func (s *Service) releaseProperty(ctx context.Context, tx pgx.Tx, rec Record) error {
	prop, err := s.properties.GetForUpdate(ctx, tx, rec.PropertyID)
	if err != nil {
		return err
	}
	if prop.Status == property.StatusSold {
		return nil
	}
	return s.properties.SetStatusTx(ctx, tx, rec.PropertyID, property.StatusActive)
}

func outstandingCondition(rec Record) string {
	if rec.SubjectToFinance && !rec.FinanceApproved {
		return "finance approval outstanding"
	}
	if rec.SubjectToBuildingInspection && !rec.BuildingInspectionPassed {
		return "building inspection outstanding"
	}
	if rec.SubjectToPestInspection && !rec.PestInspectionPassed {
		return "pest inspection outstanding"
	}
	return ""
}

func actorPtr(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}
