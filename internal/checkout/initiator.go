package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/metrics"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

type CourseReader interface {
	GetCourse(ctx context.Context, courseID string) (*catalog.Course, error)
	CourseDetail(ctx context.Context, courseID string) (*catalog.CourseDetail, error)
}

// Ledger is the purchase storage used by checkout. Implemented by purchases.Store and
// pgledger.Store.
type Ledger interface {
	Create(ctx context.Context, p purchases.Purchase) error
	AttachSession(ctx context.Context, purchaseID, sessionID string) error
	Fail(ctx context.Context, purchaseID, reason, eventID string) error
	HasCompleted(ctx context.Context, userID, courseID string) (bool, error)
}

// Checkout is returned to the buyer, who is redirected to CheckoutURL.
type Checkout struct {
	PurchaseID  string `json:"purchaseId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// Initiator records a pending purchase and opens a hosted checkout session for it.
type Initiator struct {
	courses   CourseReader
	ledger    Ledger
	gateway   payment.Gateway
	conf      config.Payment
	clientURL string
	log       *slog.Logger
	nowFunc   func() time.Time
	newID     func() string
}

func NewInitiator(courses CourseReader, ledger Ledger, gateway payment.Gateway, conf config.Payment, clientURL string, log *slog.Logger) *Initiator {
	return &Initiator{
		courses:   courses,
		ledger:    ledger,
		gateway:   gateway,
		conf:      conf,
		clientURL: strings.TrimRight(clientURL, "/"),
		log:       log,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// Start begins a purchase of courseID by buyerID. Every purchase that cannot be handed to
// the processor is marked failed before returning.
func (i *Initiator) Start(ctx context.Context, courseID, buyerID string) (Checkout, error) {
	if courseID == "" || buyerID == "" {
		return Checkout{}, apperr.New(apperr.Invalid, "course id and buyer id are required")
	}

	course, err := i.courses.GetCourse(ctx, courseID)
	if err != nil {
		return Checkout{}, apperr.Storage("load course", err)
	}
	if course == nil || !course.IsPublished {
		return Checkout{}, apperr.NotFoundErr("course not found")
	}

	purchase := purchases.Purchase{
		PurchaseID: i.newID(),
		CourseID:   courseID,
		UserID:     buyerID,
		Amount:     course.Price,
		Currency:   i.conf.Currency,
		Status:     purchases.StatusPending,
	}
	if err := i.ledger.Create(ctx, purchase); err != nil {
		return Checkout{}, apperr.Storage("create purchase", err)
	}
	log := i.log.With(
		slog.String("purchase_id", purchase.PurchaseID),
		slog.String("course_id", courseID),
		slog.String("user_id", buyerID),
	)

	sessCtx, cancel := context.WithTimeout(ctx, i.conf.CheckoutTimeout)
	defer cancel()
	sess, err := i.gateway.CreateSession(sessCtx, payment.SessionRequest{
		PurchaseID: purchase.PurchaseID,
		CourseID:   courseID,
		UserID:     buyerID,
		Title:      course.Title,
		Amount:     course.Price,
		Currency:   i.conf.Currency,
		SuccessURL: fmt.Sprintf("%s/course-progress/%s", i.clientURL, courseID),
		CancelURL:  fmt.Sprintf("%s/course-details/%s", i.clientURL, courseID),
		ExpiresAt:  i.nowFunc().Add(i.conf.SessionTTL),
	})
	if err == nil && (sess == nil || sess.URL == "" || sess.ID == "") {
		err = errors.New("processor returned an incomplete session")
	}
	if err != nil {
		metrics.Checkouts.WithLabelValues("upstream_failure").Inc()
		log.Error("create checkout session", slog.Any("error", err))
		i.fail(ctx, log, purchase.PurchaseID, "checkout session creation failed")
		return Checkout{}, apperr.Upstream("failed to create checkout session", err)
	}
	log = log.With(slog.String("session_id", sess.ID))

	if err := i.ledger.AttachSession(ctx, purchase.PurchaseID, sess.ID); err != nil {
		i.fail(ctx, log, purchase.PurchaseID, "checkout session could not be recorded")
		if errors.Is(err, purchases.ErrSessionTaken) {
			metrics.Checkouts.WithLabelValues("conflict").Inc()
			log.Error("checkout session already bound to another purchase")
			return Checkout{}, apperr.Wrap(apperr.Conflict, "checkout session already in use", err)
		}
		metrics.Checkouts.WithLabelValues("storage_failure").Inc()
		return Checkout{}, apperr.Storage("attach checkout session", err)
	}

	metrics.Checkouts.WithLabelValues("created").Inc()
	log.Info("checkout session created")
	return Checkout{PurchaseID: purchase.PurchaseID, CheckoutURL: sess.URL}, nil
}

func (i *Initiator) fail(ctx context.Context, log *slog.Logger, purchaseID, reason string) {
	// the request context may have hit its deadline; the failure must still be recorded
	if err := i.ledger.Fail(context.WithoutCancel(ctx), purchaseID, reason, ""); err != nil {
		log.Error("mark purchase failed", slog.Any("error", err))
	}
}
