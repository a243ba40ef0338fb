package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/checkout"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/validation"
)

// DefaultMaxWebhookBytes bounds webhook bodies; processor events are a few KiB.
const DefaultMaxWebhookBytes = 64 << 10

const signatureHeader = "Stripe-Signature"

type CheckoutStarter interface {
	Start(ctx context.Context, courseID, buyerID string) (checkout.Checkout, error)
}

type StatusReader interface {
	Get(ctx context.Context, courseID, callerID string) (checkout.PurchaseStatus, error)
}

type EventVerifier interface {
	Verify(body []byte, signatureHeader string) (payment.PaymentEvent, error)
}

type EventApplier interface {
	Apply(ctx context.Context, evt payment.PaymentEvent) (lifecycle.Outcome, error)
}

// HandlerConfig groups dependencies for the purchase routes.
type HandlerConfig struct {
	Checkout        CheckoutStarter
	Status          StatusReader
	Verifier        EventVerifier
	Processor       EventApplier
	CallerHeader    string
	MaxWebhookBytes int64
	Log             *slog.Logger
}

// RegisterPurchaseRoutes registers routes for the purchase API.
func RegisterPurchaseRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = DefaultMaxWebhookBytes
	}

	g := r.Group("/purchases")

	// the processor authenticates with its signature, not a caller id
	g.POST("/webhook", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxWebhookBytes)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				Fail(c, apperr.Wrap(apperr.MalformedEvent, "webhook body too large", err))
				return
			}
			Fail(c, apperr.Wrap(apperr.MalformedEvent, "unreadable webhook body", err))
			return
		}

		evt, err := cfg.Verifier.Verify(body, c.GetHeader(signatureHeader))
		if err != nil {
			Fail(c, err)
			return
		}

		outcome, err := cfg.Processor.Apply(c.Request.Context(), evt)
		if err != nil {
			Fail(c, err)
			return
		}
		cfg.Log.Info("webhook processed",
			slog.String("request_id", GetRequestID(c)),
			slog.String("event_id", evt.EventID),
			slog.String("kind", evt.Kind.String()),
			slog.String("outcome", string(outcome)))
		c.JSON(http.StatusOK, gin.H{"received": true})
	})

	authed := g.Group("", CallerID(cfg.CallerHeader))

	authed.POST("/checkout", func(c *gin.Context) {
		var req validation.CheckoutRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			Fail(c, apperr.Wrap(apperr.Invalid, "invalid checkout request", err))
			return
		}

		co, err := cfg.Checkout.Start(c.Request.Context(), req.CourseID, callerID(c))
		if err != nil {
			Fail(c, err)
			return
		}
		c.JSON(http.StatusOK, co)
	})

	authed.GET("/:courseId/status", func(c *gin.Context) {
		var params validation.StatusParams
		if err := validation.BindURIAndValidate(c, &params, v); err != nil {
			Fail(c, apperr.Wrap(apperr.Invalid, "invalid course id", err))
			return
		}

		st, err := cfg.Status.Get(c.Request.Context(), params.CourseID, callerID(c))
		if err != nil {
			Fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})
}
