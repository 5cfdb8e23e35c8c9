package property

import "time"

// Status represents the marketplace visibility of a property.
type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusWithdrawn Status = "withdrawn"
)

// Listing mirrors the properties table columns touched by the engine.
type Listing struct {
	ID           string
	SellerID     string
	Address      string
	Suburb       string
	Jurisdiction string
	PriceGuide   int64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
