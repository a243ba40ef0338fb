package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/accounts"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
	"github.com/imrishuroy/go-course-purchase/internal/checkout"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/enrollment"
	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
	"github.com/imrishuroy/go-course-purchase/internal/testutil"
)

type sessionGateway struct {
	mu  sync.Mutex
	ids []string
}

func (g *sessionGateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := "cs_" + req.PurchaseID
	g.ids = append(g.ids, id)
	return &payment.Session{ID: id, URL: "https://checkout.example/" + id}, nil
}

// TestPurchaseFlow drives checkout, webhook delivery (twice) and the status query through
// the HTTP surface with every service wired to the in-memory DynamoDB.
func TestPurchaseFlow(t *testing.T) {
	fake := testutil.NewFakeDynamo().
		AddTable("purchases", "purchase_id").
		AddTable("purchase-idempotency", "event_id").
		AddTable("courses", "course_id").
		AddTable("lectures", "lecture_id").
		AddTable("users", "user_id")
	for table, v := range map[string]any{
		"courses":  catalog.Course{CourseID: "course-1", Title: "Go", Price: 49900, LectureIDs: []string{"lec-1"}, IsPublished: true},
		"lectures": catalog.Lecture{LectureID: "lec-1", CourseID: "course-1"},
		"users":    accounts.User{UserID: "user-1"},
	} {
		if err := fake.Seed(table, v); err != nil {
			t.Fatalf("seed %s: %v", table, err)
		}
	}

	log := logging.Discard()
	courses := catalog.NewStore(fake, "courses", "lectures")
	users := accounts.NewStore(fake, "users")
	ledger := purchases.NewStore(fake, "purchases")
	markers := idempotency.NewStore(fake, "purchase-idempotency", 2*time.Minute)
	prop := enrollment.NewPropagator(courses, users, config.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond}, log)
	gw := &sessionGateway{}

	r := newTestRouter(HandlerConfig{
		Checkout:  checkout.NewInitiator(courses, ledger, gw, config.Payment{Currency: "inr", CheckoutTimeout: time.Second, SessionTTL: 23 * time.Hour}, "http://localhost:5173", log),
		Status:    checkout.NewStatusQuery(courses, ledger),
		Processor: lifecycle.NewProcessor(ledger, markers, prop, nil, log),
	})
	caller := map[string]string{callerHeader: "user-1"}

	w := do(r, http.MethodGet, "/purchases/course-1/status", "", caller)
	if w.Code != http.StatusOK || decode(t, w)["purchased"] != false {
		t.Fatalf("status before purchase: %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/purchases/checkout", `{"courseId":"course-1"}`, caller)
	if w.Code != http.StatusOK {
		t.Fatalf("checkout: %d %s", w.Code, w.Body.String())
	}
	purchaseID, _ := decode(t, w)["purchaseId"].(string)

	body, sig := signedEvent(t, "evt_flow", "checkout.session.completed", gw.ids[0])
	for i := 0; i < 2; i++ {
		w = do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": sig})
		if w.Code != http.StatusOK {
			t.Fatalf("webhook delivery %d: %d %s", i, w.Code, w.Body.String())
		}
	}

	p, err := ledger.Get(context.Background(), purchaseID)
	if err != nil || p == nil || p.Status != purchases.StatusCompleted || !p.Propagated() {
		t.Fatalf("purchase after webhook: %+v %v", p, err)
	}
	u, _ := users.Get(context.Background(), "user-1")
	if len(u.EnrolledCourses) != 1 {
		t.Fatalf("user enrolled courses = %v", u.EnrolledCourses)
	}

	w = do(r, http.MethodGet, "/purchases/course-1/status", "", caller)
	if w.Code != http.StatusOK || decode(t, w)["purchased"] != true {
		t.Fatalf("status after purchase: %d %s", w.Code, w.Body.String())
	}

	// a webhook for a session nobody created
	body, sig = signedEvent(t, "evt_orphan", "checkout.session.completed", "cs_unknown")
	if w = do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": sig}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}
}
