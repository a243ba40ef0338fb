package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-course-purchase/internal/testutil"
)

const table = "purchase-idempotency"

func newTestStore(now *time.Time) (*Store, *testutil.FakeDynamo) {
	fake := testutil.NewFakeDynamo().AddTable(table, "event_id")
	s := NewStore(fake, table, 2*time.Minute)
	s.nowFunc = func() time.Time { return *now }
	return s, fake
}

func TestClaim_MarkDone(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	res, err := s.Claim(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if res != ClaimAcquired {
		t.Fatalf("expected acquired, got %s", res)
	}

	// a concurrent delivery sees the live lease
	res, err = s.Claim(ctx, "evt_1")
	if err != nil || res != ClaimBusy {
		t.Fatalf("expected busy, got %s (%v)", res, err)
	}

	if err := s.MarkDone(ctx, "evt_1", "p-1"); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}
	rec, err := s.Get(ctx, "evt_1")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	if rec.Status != StatusDone || rec.PurchaseID != "p-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// even after the lease window a DONE marker stays done
	now = now.Add(time.Hour)
	res, err = s.Claim(ctx, "evt_1")
	if err != nil || res != ClaimDone {
		t.Fatalf("expected done, got %s (%v)", res, err)
	}
}

func TestClaim_ExpiredLeaseIsTakenOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if res, _ := s.Claim(ctx, "evt_2"); res != ClaimAcquired {
		t.Fatalf("expected acquired, got %s", res)
	}
	now = now.Add(3 * time.Minute)
	res, err := s.Claim(ctx, "evt_2")
	if err != nil || res != ClaimAcquired {
		t.Fatalf("expected takeover, got %s (%v)", res, err)
	}
	rec, _ := s.Get(ctx, "evt_2")
	if rec.LeaseExpiresAt != now.Add(2*time.Minute).Unix() {
		t.Fatalf("lease not renewed: %d", rec.LeaseExpiresAt)
	}
}

func TestRelease_AllowsImmediateRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	_, _ = s.Claim(ctx, "evt_3")
	if err := s.Release(ctx, "evt_3", "purchase not found"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	rec, _ := s.Get(ctx, "evt_3")
	if rec.Status != StatusInProgress || rec.LeaseExpiresAt != 0 || rec.Note != "purchase not found" {
		t.Fatalf("unexpected record after release: %+v", rec)
	}

	res, err := s.Claim(ctx, "evt_3")
	if err != nil || res != ClaimAcquired {
		t.Fatalf("expected acquired after release, got %s (%v)", res, err)
	}
}

func TestRelease_DoesNotTouchDone(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(&now)
	ctx := context.Background()

	_, _ = s.Claim(ctx, "evt_4")
	_ = s.MarkDone(ctx, "evt_4", "p-4")
	if err := s.Release(ctx, "evt_4", "late"); err != nil {
		t.Fatalf("Release on done marker: %v", err)
	}
	rec, _ := s.Get(ctx, "evt_4")
	if rec.Status != StatusDone || rec.Note != "" {
		t.Fatalf("done marker modified: %+v", rec)
	}
}

func TestClaim_ConcurrentDeliveriesSingleWinner(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(&now)
	ctx := context.Background()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Claim(ctx, "evt_5")
			if err != nil {
				t.Errorf("Claim error: %v", err)
				return
			}
			if res == ClaimAcquired {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}

func TestClaim_StorageError(t *testing.T) {
	now := time.Now()
	s, fake := newTestStore(&now)
	fake.Hook = func(op, table string) error {
		return &types.InternalServerError{Message: awsString("boom")}
	}
	if _, err := s.Claim(context.Background(), "evt_6"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMarkers_CarryNoExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, fake := newTestStore(&now)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "evt_1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, ok := fake.Item(table, "evt_1")["expires_at"]; ok {
		t.Fatalf("IN_PROGRESS marker written with expires_at")
	}
	if err := s.MarkDone(ctx, "evt_1", "p-1"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if _, ok := fake.Item(table, "evt_1")["expires_at"]; ok {
		t.Fatalf("DONE marker written with expires_at")
	}

	// a year on, the event is still recognised as processed
	now = now.Add(365 * 24 * time.Hour)
	if res, err := s.Claim(ctx, "evt_1"); err != nil || res != ClaimDone {
		t.Fatalf("Claim after a year = %s, %v", res, err)
	}
}
