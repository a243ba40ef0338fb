package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Gateway creates hosted checkout sessions at the payment processor.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// SessionRequest describes a single-item payment for one course.
type SessionRequest struct {
	PurchaseID string
	CourseID   string
	UserID     string
	Title      string
	Amount     int64 // minor units
	Currency   string
	SuccessURL string
	CancelURL  string
	ExpiresAt  time.Time
}

// Session is the processor's checkout session.
type Session struct {
	ID  string
	URL string
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a Stripe client whose HTTP calls are bounded by timeout. A
// non-empty baseURL replaces https://api.stripe.com (local stubs, stripe-mock).
func NewStripeGateway(secretKey, baseURL string, timeout time.Duration) *StripeGateway {
	httpClient := &http.Client{Timeout: timeout}
	backends := stripe.NewBackends(httpClient)
	if baseURL != "" {
		backends.API = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        httpClient,
			URL:               stripe.String(strings.TrimRight(baseURL, "/")),
			MaxNetworkRetries: stripe.Int64(0),
		})
	}
	return &StripeGateway{api: client.New(secretKey, backends)}
}

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.PurchaseID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Title),
					},
					UnitAmount: stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.Context = ctx
	params.AddMetadata(MetaCourseID, req.CourseID)
	params.AddMetadata(MetaUserID, req.UserID)
	params.AddMetadata(MetaPurchaseID, req.PurchaseID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	if sess.URL == "" {
		return nil, errors.New("checkout session has no redirect url")
	}
	return &Session{ID: sess.ID, URL: sess.URL}, nil
}
