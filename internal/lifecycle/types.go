package lifecycle

import (
	"context"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

// Outcome of applying a payment event.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Ignored   Outcome = "ignored"
)

// Ledger is the purchase storage the lifecycle needs. Implemented by purchases.Store and
// pgledger.Store.
type Ledger interface {
	Get(ctx context.Context, purchaseID string) (*purchases.Purchase, error)
	GetBySession(ctx context.Context, sessionID string) (*purchases.Purchase, error)
	AttachSession(ctx context.Context, purchaseID, sessionID string) error
	Complete(ctx context.Context, p purchases.Purchase, confirmedAmount int64, eventID string) error
	Fail(ctx context.Context, purchaseID, reason, eventID string) error
	MarkPropagated(ctx context.Context, purchaseID string) error
	ListByStatus(ctx context.Context, status purchases.Status, before time.Time, limit int32) ([]purchases.Purchase, error)
	ListOrphaned(ctx context.Context, before time.Time, limit int32) ([]purchases.Purchase, error)
	ListUnpropagated(ctx context.Context, before time.Time, limit int32) ([]purchases.Purchase, error)
}

// Markers records which payment events were processed. Implemented by idempotency.Store
// and pgledger.Store.
type Markers interface {
	Claim(ctx context.Context, eventID string) (idempotency.ClaimResult, error)
	MarkDone(ctx context.Context, eventID, purchaseID string) error
	Release(ctx context.Context, eventID, note string) error
}

type Propagator interface {
	Propagate(ctx context.Context, p purchases.Purchase) error
}

// RetryQueue accepts propagation retry messages. Implemented by aws.Publisher.
type RetryQueue interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// RetryMessage is the payload sent from the webhook path -> SQS -> retry worker.
type RetryMessage struct {
	PurchaseID string    `json:"purchase_id"`
	EventID    string    `json:"event_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
