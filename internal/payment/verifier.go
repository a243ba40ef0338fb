package payment

import (
	"encoding/json"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Verifier authenticates webhook deliveries with the Stripe-Signature scheme and decodes
// them into PaymentEvents.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier for the endpoint secret. A zero tolerance uses the
// library default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature over the raw body before decoding anything.
func (v *Verifier) Verify(body []byte, signatureHeader string) (PaymentEvent, error) {
	if err := webhook.ValidatePayloadWithTolerance(body, signatureHeader, v.secret, v.tolerance); err != nil {
		return PaymentEvent{}, apperr.Wrap(apperr.InvalidSignature, "webhook signature verification failed", err)
	}

	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return PaymentEvent{}, apperr.Wrap(apperr.MalformedEvent, "webhook body is not a valid event", err)
	}
	if evt.ID == "" {
		return PaymentEvent{}, apperr.New(apperr.MalformedEvent, "webhook event has no id")
	}

	out := PaymentEvent{EventID: evt.ID, RawType: string(evt.Type)}
	switch out.RawType {
	case typeSessionCompleted, typeAsyncPaymentSucceeded, typeAsyncPaymentFailed, typeSessionExpired:
	default:
		return out, nil
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return PaymentEvent{}, apperr.New(apperr.MalformedEvent, "webhook event has no data object")
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return PaymentEvent{}, apperr.Wrap(apperr.MalformedEvent, "webhook data is not a checkout session", err)
	}
	if sess.ID == "" {
		return PaymentEvent{}, apperr.New(apperr.MalformedEvent, "checkout session id missing")
	}

	out.SessionID = sess.ID
	out.ConfirmedAmount = sess.AmountTotal
	out.Currency = string(sess.Currency)
	out.CourseID = sess.Metadata[MetaCourseID]
	out.UserID = sess.Metadata[MetaUserID]
	out.PurchaseID = sess.Metadata[MetaPurchaseID]
	out.Kind = classify(out.RawType, sess.PaymentStatus)
	return out, nil
}

func classify(eventType string, status stripe.CheckoutSessionPaymentStatus) EventKind {
	switch eventType {
	case typeSessionCompleted:
		// delayed payment methods complete the session before the money arrives
		if status == stripe.CheckoutSessionPaymentStatusPaid || status == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return PaymentSucceeded
		}
		return Unsupported
	case typeAsyncPaymentSucceeded:
		return PaymentSucceeded
	case typeAsyncPaymentFailed:
		return PaymentFailed
	case typeSessionExpired:
		return SessionExpired
	}
	return Unsupported
}
