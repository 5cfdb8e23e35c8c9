package offer

import "time"

// Status represents the lifecycle of a single offer. Terminal statuses are
// final: an offer is an immutable historical record once finalized.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusViewed    Status = "viewed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCountered Status = "countered"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// Terminal reports whether the offer is finalized. A countered offer is not
// terminal: the buyer may still withdraw it and the expiry sweep may still
// expire it, but it can no longer be accepted or rejected directly.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusWithdrawn, StatusExpired:
		return true
	}
	return false
}

// FinanceType describes how the buyer intends to fund the purchase.
type FinanceType string

const (
	FinanceCash        FinanceType = "cash"
	FinancePreApproved FinanceType = "pre_approved"
	FinancePending     FinanceType = "finance_pending"
)

func (f FinanceType) Valid() bool {
	switch f {
	case FinanceCash, FinancePreApproved, FinancePending:
		return true
	}
	return false
}

// Offer mirrors the offers table. Amounts are integer minor-currency units.
type Offer struct {
	ID            string
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

	Status         Status
	SellerResponse *string
	SubmittedAt    *time.Time
	ViewedAt       *time.Time
	RespondedAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox topics emitted by this package.
const (
	TopicSubmitted = "offer.submitted"
	TopicViewed    = "offer.viewed"
	TopicAccepted  = "offer.accepted"
	TopicRejected  = "offer.rejected"
	TopicCountered = "offer.countered"
	TopicWithdrawn = "offer.withdrawn"
	TopicExpired   = "offer.expired"
)
