package order

import "time"

// Party identifies which side of an order raised a dispute.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// DisputeStatus represents the lifecycle of a dispute.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// IsFinal reports whether the dispute can no longer change.
func (s DisputeStatus) IsFinal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Dispute is an adjudication request against exactly one order.
type Dispute struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"order_id"`
	Party       Party         `json:"party"`
	RaisedBy    string        `json:"raised_by"`
	Reason      string        `json:"reason"`
	Description string        `json:"description"`
	Status      DisputeStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// Cancellable reports whether the dispute may still be withdrawn by userID.
// Only the raiser may withdraw, and only before review starts.
func (d *Dispute) Cancellable(userID string) bool {
	return d.Status == DisputeOpen && userID != "" && d.RaisedBy == userID
}
