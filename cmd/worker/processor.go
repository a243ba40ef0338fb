package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
)

// Repropagator finishes enrollment for a completed purchase.
type Repropagator interface {
	Repropagate(ctx context.Context, purchaseID string) error
}

// RetryWorker consumes propagation retry messages queued by the webhook path.
type RetryWorker struct {
	repro Repropagator
	log   *slog.Logger
}

func NewRetryWorker(repro Repropagator, log *slog.Logger) *RetryWorker {
	return &RetryWorker{repro: repro, log: log}
}

// Handle processes an SQS batch and reports failed messages individually, so only those
// are redelivered (and eventually moved to the DLQ).
func (w *RetryWorker) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := w.processMessage(ctx, rec); err != nil {
			w.log.Error("retry message failed",
				slog.String("message_id", rec.MessageId),
				slog.Any("error", err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (w *RetryWorker) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg lifecycle.RetryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		// a malformed body will never succeed; drop it
		w.log.Warn("dropping malformed retry message", slog.String("message_id", rec.MessageId), slog.Any("error", err))
		return nil
	}
	if msg.PurchaseID == "" {
		w.log.Warn("dropping retry message without purchase id", slog.String("message_id", rec.MessageId))
		return nil
	}

	log := w.log.With(slog.String("purchase_id", msg.PurchaseID), slog.String("event_id", msg.EventID))
	log.Info("repropagating purchase", slog.String("reason", msg.Reason))

	err := w.repro.Repropagate(ctx, msg.PurchaseID)
	switch {
	case err == nil:
		return nil
	case apperr.Is(err, apperr.NotFound), apperr.Is(err, apperr.Conflict):
		// the purchase is gone or not completed; retrying cannot help
		log.Warn("retry message not applicable", slog.Any("error", err))
		return nil
	default:
		return fmt.Errorf("repropagate %s: %w", msg.PurchaseID, err)
	}
}
