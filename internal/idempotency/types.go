package idempotency

import "time"

// Status values for event markers
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

// ClaimResult is the outcome of claiming a payment event for processing.
type ClaimResult int

const (
	// ClaimAcquired means the caller holds the lease and must finish with MarkDone or Release.
	ClaimAcquired ClaimResult = iota
	// ClaimDone means the event was fully processed before.
	ClaimDone
	// ClaimBusy means another delivery holds a live lease.
	ClaimBusy
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDone:
		return "done"
	case ClaimBusy:
		return "busy"
	}
	return "unknown"
}

// EventRecord is the shape persisted in the idempotency DynamoDB table, one per
// external payment event id. Records are never deleted.
type EventRecord struct {
	EventID        string    `dynamodbav:"event_id"` // PK
	Status         string    `dynamodbav:"status"`
	PurchaseID     string    `dynamodbav:"purchase_id,omitempty"`
	LeaseExpiresAt int64     `dynamodbav:"lease_expires_at"` // epoch seconds; 0 once released
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	Note           string    `dynamodbav:"note,omitempty"`
}
