package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/accounts"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/enrollment"
	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
	"github.com/imrishuroy/go-course-purchase/internal/testutil"
)

const (
	purchasesTable = "purchases"
	markersTable   = "purchase-idempotency"
)

// countingPropagator wraps the real propagator, counting calls and optionally failing.
type countingPropagator struct {
	next  Propagator
	calls int32
	fail  atomic.Bool
}

func (c *countingPropagator) Propagate(ctx context.Context, p purchases.Purchase) error {
	atomic.AddInt32(&c.calls, 1)
	if c.fail.Load() {
		return errors.New("aggregate store unavailable")
	}
	return c.next.Propagate(ctx, p)
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []RetryMessage
	err      error
}

func (q *fakeQueue) Send(ctx context.Context, body string, attrs map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	var m RetryMessage
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return err
	}
	q.messages = append(q.messages, m)
	return nil
}

type harness struct {
	fake     *testutil.FakeDynamo
	ledger   *purchases.Store
	markers  *idempotency.Store
	catalog  *catalog.Store
	accounts *accounts.Store
	prop     *countingPropagator
	queue    *fakeQueue
	proc     *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := testutil.NewFakeDynamo().
		AddTable(purchasesTable, "purchase_id").
		AddIndex(purchasesTable, purchases.StatusCreatedIndex, "created_at").
		AddIndex(purchasesTable, purchases.PropagationDueIndex, "created_at").
		AddTable(markersTable, "event_id").
		AddTable("courses", "course_id").
		AddTable("lectures", "lecture_id").
		AddTable("users", "user_id")

	seed := func(table string, v any) {
		if err := fake.Seed(table, v); err != nil {
			t.Fatalf("seed %s: %v", table, err)
		}
	}
	seed("courses", catalog.Course{CourseID: "course-1", Title: "Go", Price: 49900, LectureIDs: []string{"lec-1", "lec-2"}, IsPublished: true})
	seed("lectures", catalog.Lecture{LectureID: "lec-1", CourseID: "course-1"})
	seed("lectures", catalog.Lecture{LectureID: "lec-2", CourseID: "course-1"})
	seed("users", accounts.User{UserID: "user-1"})

	log := logging.Discard()
	cat := catalog.NewStore(fake, "courses", "lectures")
	acc := accounts.NewStore(fake, "users")
	prop := &countingPropagator{
		next: enrollment.NewPropagator(cat, acc, config.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond}, log),
	}
	queue := &fakeQueue{}
	ledger := purchases.NewStore(fake, purchasesTable)
	markers := idempotency.NewStore(fake, markersTable, 2*time.Minute)

	return &harness{
		fake:     fake,
		ledger:   ledger,
		markers:  markers,
		catalog:  cat,
		accounts: acc,
		prop:     prop,
		queue:    queue,
		proc:     NewProcessor(ledger, markers, prop, queue, log),
	}
}

// checkout mimics the initiator: a pending purchase with an attached session.
func (h *harness) checkout(t *testing.T, purchaseID, sessionID string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	err := h.ledger.Create(ctx, purchases.Purchase{
		PurchaseID: purchaseID,
		CourseID:   "course-1",
		UserID:     "user-1",
		Amount:     49900,
		Currency:   "inr",
		Status:     purchases.StatusPending,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if sessionID == "" {
		return
	}
	if err := h.ledger.AttachSession(ctx, purchaseID, sessionID); err != nil {
		t.Fatalf("attach session: %v", err)
	}
}

func (h *harness) purchase(t *testing.T, id string) purchases.Purchase {
	t.Helper()
	p, err := h.ledger.Get(context.Background(), id)
	if err != nil || p == nil {
		t.Fatalf("get purchase %s: %v %v", id, p, err)
	}
	return *p
}

func (h *harness) marker(t *testing.T, eventID string) *idempotency.EventRecord {
	t.Helper()
	rec, err := h.markers.Get(context.Background(), eventID)
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	return rec
}

func (h *harness) enrolled(t *testing.T) bool {
	t.Helper()
	ctx := context.Background()
	u, _ := h.accounts.Get(ctx, "user-1")
	c, _ := h.catalog.GetCourse(ctx, "course-1")
	l, _ := h.catalog.GetLecture(ctx, "lec-2")
	return len(u.EnrolledCourses) == 1 && len(c.EnrolledStudents) == 1 && l.IsPreview
}

func succeeded(eventID, sessionID string, amount int64) payment.PaymentEvent {
	return payment.PaymentEvent{
		EventID:         eventID,
		SessionID:       sessionID,
		Kind:            payment.PaymentSucceeded,
		ConfirmedAmount: amount,
		Currency:        "inr",
		RawType:         "checkout.session.completed",
	}
}

func failedEvent(eventID, sessionID string, kind payment.EventKind) payment.PaymentEvent {
	return payment.PaymentEvent{
		EventID:   eventID,
		SessionID: sessionID,
		Kind:      kind,
		RawType:   "checkout.session.async_payment_failed",
	}
}
