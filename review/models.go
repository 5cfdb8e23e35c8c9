package review

import "time"

// Status represents the moderation state of a review. Disputed is an overlay
// flag on the review, not a status of its own.
type Status string

const (
	StatusHeld      Status = "held"
	StatusPublished Status = "published"
	StatusRemoved   Status = "removed"
)

// Moderation constants. Reviews at or below the threshold are held for the
// window before they become eligible to publish.
const (
	NegativeRatingThreshold = 2
	HoldWindow              = 48 * time.Hour
)

// InitialStatus resolves the creation-time status for a rating. Negative
// reviews are held with a deadline; everything else publishes immediately.
func InitialStatus(rating int, now time.Time) (Status, *time.Time) {
	if rating <= NegativeRatingThreshold {
		until := now.Add(HoldWindow)
		return StatusHeld, &until
	}
	return StatusPublished, nil
}

// Role identifies which side of the settled transaction is being reviewed.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Review mirrors the reviews table.
type Review struct {
	ID           string
	ReviewerID   string
	RevieweeID   string
	RevieweeRole Role

	OverallRating int
	Title         string
	Body          string

	Status     Status
	HoldUntil  *time.Time
	AdminNotes *string
	Disputed   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisputeStatus represents the resolution state of a review dispute.
type DisputeStatus string

const (
	DisputePending     DisputeStatus = "pending"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeUpheld      DisputeStatus = "upheld"
	DisputeRejected    DisputeStatus = "rejected"
)

// Active reports whether the dispute still blocks a new one being raised.
func (s DisputeStatus) Active() bool {
	return s == DisputePending || s == DisputeUnderReview
}

// Dispute mirrors the review_disputes table. Only the reviewee of a published
// review may raise one, and only one active dispute exists per review.
type Dispute struct {
	ID       string
	ReviewID string
	RaisedBy string
	Reason   string

	Status          DisputeStatus
	ResolutionNotes *string
	ReviewedBy      *string
	ReviewedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox topics emitted by this package.
const (
	TopicCreated         = "review.created"
	TopicPublished       = "review.published"
	TopicHeld            = "review.held"
	TopicRemoved         = "review.removed"
	TopicDisputeOpened   = "review.dispute_opened"
	TopicDisputeResolved = "review.dispute_resolved"
)
