package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
	"github.com/imrishuroy/go-course-purchase/internal/metrics"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

// how many times a lost status race is re-evaluated before giving up
const maxTransitionAttempts = 3

// Processor drives purchases through pending -> completed | failed from verified payment
// events and triggers enrollment propagation.
type Processor struct {
	ledger     Ledger
	markers    Markers
	propagator Propagator
	queue      RetryQueue // optional
	log        *slog.Logger
	nowFunc    func() time.Time
}

// NewProcessor wires the processor. queue may be nil when no retry queue is configured;
// the reconciliation sweep still picks up unpropagated purchases.
func NewProcessor(ledger Ledger, markers Markers, propagator Propagator, queue RetryQueue, log *slog.Logger) *Processor {
	return &Processor{
		ledger:     ledger,
		markers:    markers,
		propagator: propagator,
		queue:      queue,
		log:        log,
		nowFunc:    time.Now,
	}
}

// Apply processes one verified event. Redelivered and concurrent deliveries of the same
// event are safe: the event marker is claimed before any mutation, and every purchase
// transition is conditional on the purchase still being pending.
func (p *Processor) Apply(ctx context.Context, evt payment.PaymentEvent) (Outcome, error) {
	start := time.Now()
	outcome, err := p.apply(ctx, evt)
	metrics.WebhookProcessingTime.Observe(time.Since(start).Seconds())

	label := string(outcome)
	if err != nil {
		label = string(apperr.KindOf(err))
	}
	metrics.WebhookEvents.WithLabelValues(evt.Kind.String(), label).Inc()
	return outcome, err
}

func (p *Processor) apply(ctx context.Context, evt payment.PaymentEvent) (Outcome, error) {
	log := p.log.With(
		slog.String("event_id", evt.EventID),
		slog.String("event_type", evt.RawType),
		slog.String("session_id", evt.SessionID),
	)

	if evt.Kind == payment.Unsupported {
		log.Debug("unsupported payment event acknowledged")
		return Ignored, nil
	}

	claim, err := p.markers.Claim(ctx, evt.EventID)
	if err != nil {
		return "", apperr.Storage("claim event", err)
	}
	if claim != idempotency.ClaimAcquired {
		log.Info("duplicate payment event", slog.String("claim", claim.String()))
		return Duplicate, nil
	}

	purchase, err := p.findPurchase(ctx, log, evt)
	if err != nil {
		p.release(ctx, log, evt.EventID, "purchase lookup failed")
		return "", apperr.Storage("find purchase", err)
	}
	if purchase == nil {
		// the session id may not be persisted yet; a redelivery can still succeed
		p.release(ctx, log, evt.EventID, "purchase not found")
		log.Warn("no purchase for checkout session")
		return "", apperr.NotFoundErr("purchase not found")
	}
	log = log.With(slog.String("purchase_id", purchase.PurchaseID))

	switch evt.Kind {
	case payment.PaymentSucceeded:
		return p.applySuccess(ctx, log, evt, *purchase)
	default:
		return p.applyFailure(ctx, log, evt, *purchase)
	}
}

// findPurchase resolves the purchase an event belongs to. The session id is
// authoritative; when it is not bound yet the purchase id from the session metadata is
// used, provided the stored purchase agrees with the rest of the metadata. The session is
// then bound so later events resolve directly.
func (p *Processor) findPurchase(ctx context.Context, log *slog.Logger, evt payment.PaymentEvent) (*purchases.Purchase, error) {
	purchase, err := p.ledger.GetBySession(ctx, evt.SessionID)
	if err != nil || purchase != nil || evt.PurchaseID == "" {
		return purchase, err
	}

	purchase, err = p.ledger.Get(ctx, evt.PurchaseID)
	if err != nil || purchase == nil {
		return nil, err
	}
	if (evt.CourseID != "" && evt.CourseID != purchase.CourseID) ||
		(evt.UserID != "" && evt.UserID != purchase.UserID) ||
		(purchase.ExternalSessionID != "" && purchase.ExternalSessionID != evt.SessionID) {
		log.Warn("event metadata does not match purchase",
			slog.String("purchase_id", purchase.PurchaseID),
			slog.String("purchase_session_id", purchase.ExternalSessionID))
		return nil, nil
	}
	if purchase.ExternalSessionID != "" {
		return purchase, nil
	}

	err = p.ledger.AttachSession(ctx, purchase.PurchaseID, evt.SessionID)
	switch {
	case err == nil:
		purchase.ExternalSessionID = evt.SessionID
		log.Info("checkout session bound from event metadata", slog.String("purchase_id", purchase.PurchaseID))
		return purchase, nil
	case errors.Is(err, purchases.ErrStatusMismatch):
		// a transition won the race; the status checks downstream decide
		return p.ledger.Get(ctx, purchase.PurchaseID)
	case errors.Is(err, purchases.ErrSessionTaken):
		bound, err := p.ledger.GetBySession(ctx, evt.SessionID)
		if err != nil || bound == nil || bound.PurchaseID != purchase.PurchaseID {
			return nil, err
		}
		return bound, nil
	}
	return nil, err
}

func (p *Processor) applySuccess(ctx context.Context, log *slog.Logger, evt payment.PaymentEvent, purchase purchases.Purchase) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		switch purchase.Status {
		case purchases.StatusFailed:
			log.Warn("payment succeeded for a failed purchase; keeping failed status",
				slog.String("failure_reason", purchase.FailureReason))
			return Ignored, p.markDone(ctx, evt.EventID, purchase.PurchaseID)

		case purchases.StatusCompleted:
			if purchase.Propagated() {
				return Duplicate, p.markDone(ctx, evt.EventID, purchase.PurchaseID)
			}
			if err := p.propagate(ctx, log, evt.EventID, purchase); err != nil {
				return "", err
			}
			return Applied, p.markDone(ctx, evt.EventID, purchase.PurchaseID)
		}

		amount := evt.ConfirmedAmount
		if amount <= 0 {
			amount = purchase.Amount
		}
		if evt.Currency != "" && purchase.Currency != "" && evt.Currency != purchase.Currency {
			log.Warn("confirmed currency differs from purchase currency",
				slog.String("purchase_currency", purchase.Currency),
				slog.String("event_currency", evt.Currency))
		}

		err := p.ledger.Complete(ctx, purchase, amount, evt.EventID)
		if err == nil {
			purchase.Status = purchases.StatusCompleted
			purchase.Amount = amount
			purchase.ExternalEventID = evt.EventID
			log.Info("purchase completed", slog.Int64("amount", amount))
			continue
		}
		if !errors.Is(err, purchases.ErrStatusMismatch) || attempt >= maxTransitionAttempts {
			p.release(ctx, log, evt.EventID, "complete failed")
			return "", apperr.Storage("complete purchase", err)
		}

		// lost a race with another transition; re-evaluate against the stored status
		reloaded, err := p.reload(ctx, purchase.PurchaseID)
		if err != nil {
			p.release(ctx, log, evt.EventID, "reload failed")
			return "", err
		}
		purchase = *reloaded
	}
}

func (p *Processor) applyFailure(ctx context.Context, log *slog.Logger, evt payment.PaymentEvent, purchase purchases.Purchase) (Outcome, error) {
	reason := "payment failed"
	if evt.Kind == payment.SessionExpired {
		reason = "checkout session expired"
	}

	for attempt := 1; ; attempt++ {
		switch purchase.Status {
		case purchases.StatusFailed:
			return Duplicate, p.markDone(ctx, evt.EventID, purchase.PurchaseID)
		case purchases.StatusCompleted:
			log.Warn("failure event for a completed purchase ignored")
			return Ignored, p.markDone(ctx, evt.EventID, purchase.PurchaseID)
		}

		err := p.ledger.Fail(ctx, purchase.PurchaseID, reason, evt.EventID)
		if err == nil {
			log.Info("purchase failed", slog.String("reason", reason))
			return Applied, p.markDone(ctx, evt.EventID, purchase.PurchaseID)
		}
		if !errors.Is(err, purchases.ErrStatusMismatch) || attempt >= maxTransitionAttempts {
			p.release(ctx, log, evt.EventID, "fail transition failed")
			return "", apperr.Storage("fail purchase", err)
		}

		reloaded, err := p.reload(ctx, purchase.PurchaseID)
		if err != nil {
			p.release(ctx, log, evt.EventID, "reload failed")
			return "", err
		}
		purchase = *reloaded
	}
}

// Repropagate re-runs enrollment propagation for a completed purchase without touching its
// payment state. Already propagated purchases are a no-op.
func (p *Processor) Repropagate(ctx context.Context, purchaseID string) error {
	log := p.log.With(slog.String("purchase_id", purchaseID))

	purchase, err := p.reload(ctx, purchaseID)
	if err != nil {
		return err
	}
	if purchase.Status != purchases.StatusCompleted {
		return apperr.ConflictErr(fmt.Sprintf("purchase is %s, not completed", purchase.Status))
	}
	if purchase.Propagated() {
		log.Debug("purchase already propagated")
		return nil
	}

	if err := p.propagator.Propagate(ctx, *purchase); err != nil {
		metrics.PropagationFailures.Inc()
		return apperr.Storage("enrollment propagation failed", err)
	}
	if err := p.ledger.MarkPropagated(ctx, purchaseID); err != nil {
		return apperr.Storage("mark propagated", err)
	}
	log.Info("purchase repropagated")
	return nil
}

// propagate runs enrollment and marks the purchase propagated. On failure the claim is
// released so the processor's redelivery retries, and a retry message is queued.
func (p *Processor) propagate(ctx context.Context, log *slog.Logger, eventID string, purchase purchases.Purchase) error {
	if err := p.propagator.Propagate(ctx, purchase); err != nil {
		metrics.PropagationFailures.Inc()
		log.Error("enrollment propagation failed", slog.Any("error", err))
		p.release(ctx, log, eventID, "propagation failed: "+err.Error())
		p.enqueueRetry(ctx, log, purchase.PurchaseID, eventID, err.Error())
		return apperr.Storage("enrollment propagation failed", err)
	}
	if err := p.ledger.MarkPropagated(ctx, purchase.PurchaseID); err != nil {
		p.release(ctx, log, eventID, "mark propagated failed")
		return apperr.Storage("mark propagated", err)
	}
	log.Info("enrollment propagated")
	return nil
}

func (p *Processor) reload(ctx context.Context, purchaseID string) (*purchases.Purchase, error) {
	purchase, err := p.ledger.Get(ctx, purchaseID)
	if err != nil {
		return nil, apperr.Storage("load purchase", err)
	}
	if purchase == nil {
		return nil, apperr.NotFoundErr("purchase not found")
	}
	return purchase, nil
}

func (p *Processor) markDone(ctx context.Context, eventID, purchaseID string) error {
	if err := p.markers.MarkDone(ctx, eventID, purchaseID); err != nil {
		return apperr.Storage("record event marker", err)
	}
	return nil
}

func (p *Processor) release(ctx context.Context, log *slog.Logger, eventID, note string) {
	// the caller's context may already be done; releasing must still happen
	if err := p.markers.Release(context.WithoutCancel(ctx), eventID, note); err != nil {
		log.Error("release event claim failed", slog.Any("error", err))
	}
}

func (p *Processor) enqueueRetry(ctx context.Context, log *slog.Logger, purchaseID, eventID, reason string) {
	if p.queue == nil {
		return
	}
	body, err := json.Marshal(RetryMessage{
		PurchaseID: purchaseID,
		EventID:    eventID,
		Reason:     reason,
		EnqueuedAt: p.nowFunc().UTC(),
	})
	if err != nil {
		log.Error("marshal retry message", slog.Any("error", err))
		return
	}
	err = p.queue.Send(context.WithoutCancel(ctx), string(body), map[string]string{
		aws.GroupAttribute: purchaseID,
	})
	if err != nil {
		log.Error("enqueue propagation retry failed", slog.Any("error", err))
	}
}
