package purchases

import (
	"errors"
	"time"
)

type Status string

// Purchase statuses. completed and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record types sharing the purchases table.
const (
	recordPurchase  = "purchase"
	recordSession   = "session_guard"
	recordOwnership = "ownership"
)

var (
	// ErrStatusMismatch is returned when a guarded transition finds the purchase
	// in a different status than expected.
	ErrStatusMismatch = errors.New("purchase status mismatch/conditional failed")
	// ErrSessionTaken is returned when a checkout session id is already bound to a purchase.
	ErrSessionTaken = errors.New("checkout session already bound to a purchase")
	// ErrExists is returned when a purchase id is reused.
	ErrExists = errors.New("purchase already exists")
)

// Purchase is one checkout attempt and its outcome, as stored in the purchases table.
type Purchase struct {
	PurchaseID        string     `dynamodbav:"purchase_id" json:"purchase_id"` // PK
	RecordType        string     `dynamodbav:"record_type" json:"-"`
	CourseID          string     `dynamodbav:"course_id" json:"course_id"`
	UserID            string     `dynamodbav:"user_id" json:"user_id"`
	Amount            int64      `dynamodbav:"amount" json:"amount"` // minor units
	Currency          string     `dynamodbav:"currency" json:"currency"`
	Status            Status     `dynamodbav:"status" json:"status"`
	ExternalSessionID string     `dynamodbav:"external_session_id,omitempty" json:"external_session_id,omitempty"`
	ExternalEventID   string     `dynamodbav:"external_event_id,omitempty" json:"external_event_id,omitempty"`
	FailureReason     string     `dynamodbav:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	PropagatedAt      *time.Time `dynamodbav:"propagated_at,omitempty" json:"propagated_at,omitempty"`
	CreatedAt         time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `dynamodbav:"updated_at" json:"updated_at"`
}

// Propagated reports whether enrollment propagation finished for this purchase.
func (p Purchase) Propagated() bool {
	return p.PropagatedAt != nil
}

// sessionGuard reserves an external session id; its key is sessionKey(id).
type sessionGuard struct {
	PurchaseID  string    `dynamodbav:"purchase_id"` // PK: session#<id>
	RecordType  string    `dynamodbav:"record_type"`
	PurchaseRef string    `dynamodbav:"purchase_ref"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
}

// ownership exists iff the user has a completed purchase of the course; written in the
// same transaction as the completion.
type ownership struct {
	PurchaseID  string    `dynamodbav:"purchase_id"` // PK: owner#<user>#<course>
	RecordType  string    `dynamodbav:"record_type"`
	PurchaseRef string    `dynamodbav:"purchase_ref"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
}

func sessionKey(sessionID string) string { return "session#" + sessionID }

func ownershipKey(userID, courseID string) string { return "owner#" + userID + "#" + courseID }
