package transaction

import "time"

// Status represents the settlement lifecycle of a property sale.
type Status string

const (
	StatusPending       Status = "pending"
	StatusExchanged     Status = "exchanged"
	StatusInCoolingOff  Status = "in_cooling_off"
	StatusUnconditional Status = "unconditional"
	StatusSettling      Status = "settling"
	StatusSettled       Status = "settled"
	StatusFallenThrough Status = "fallen_through"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFallenThrough
}

// Condition identifies a contract condition tracked while unconditional.
type Condition string

const (
	ConditionFinance            Condition = "finance"
	ConditionBuildingInspection Condition = "building_inspection"
	ConditionPestInspection     Condition = "pest_inspection"
)

// Record mirrors the transactions table. The sale price and the subject_to
// flags are copied from the accepted offer at creation and never change.
type Record struct {
	ID               string
	OfferID          string
	PropertyID       string
	BuyerID          string
	SellerID         string
	SalePrice        int64
	SettlementDate   time.Time
	CoolingOffEndsAt *time.Time
	Status           Status

	SubjectToFinance            bool
	SubjectToBuildingInspection bool
	SubjectToPestInspection     bool

	FinanceApproved          bool
	BuildingInspectionPassed bool
	PestInspectionPassed     bool

	Disputed  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimelineEvent captures an immutable business event for a transaction.
type TimelineEvent struct {
	ID            int64
	TransactionID string
	Seq           int
	Type          string
	ActorID       *string
	Payload       []byte
	CreatedAt     time.Time
}

// Outbox topics emitted by this package.
const (
	TopicCreated       = "transaction.created"
	TopicExchanged     = "transaction.exchanged"
	TopicCoolingOff    = "transaction.cooling_off_started"
	TopicRescinded     = "transaction.rescinded"
	TopicUnconditional = "transaction.unconditional"
	TopicSettling      = "transaction.settling"
	TopicSettled       = "transaction.settled"
	TopicCancelled     = "transaction.cancelled"
)
