package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/imrishuroy/go-course-purchase/internal/checkout"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	webhookSecret = "whsec_handler_test"
	callerHeader  = "X-Caller-Id"
)

type stubCheckout struct {
	co  checkout.Checkout
	err error

	gotCourse, gotBuyer string
}

func (s *stubCheckout) Start(ctx context.Context, courseID, buyerID string) (checkout.Checkout, error) {
	s.gotCourse, s.gotBuyer = courseID, buyerID
	return s.co, s.err
}

type stubStatus struct {
	st  checkout.PurchaseStatus
	err error
}

func (s *stubStatus) Get(ctx context.Context, courseID, callerID string) (checkout.PurchaseStatus, error) {
	return s.st, s.err
}

type stubApplier struct {
	outcome lifecycle.Outcome
	err     error
	events  []payment.PaymentEvent
}

func (s *stubApplier) Apply(ctx context.Context, evt payment.PaymentEvent) (lifecycle.Outcome, error) {
	s.events = append(s.events, evt)
	return s.outcome, s.err
}

type panicStatus struct{}

func (panicStatus) Get(ctx context.Context, courseID, callerID string) (checkout.PurchaseStatus, error) {
	panic("boom")
}

func newTestRouter(hc HandlerConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	if hc.Verifier == nil {
		hc.Verifier = payment.NewVerifier(webhookSecret, 5*time.Minute)
	}
	if hc.Processor == nil {
		hc.Processor = &stubApplier{outcome: lifecycle.Applied}
	}
	if hc.Checkout == nil {
		hc.Checkout = &stubCheckout{}
	}
	if hc.Status == nil {
		hc.Status = &stubStatus{}
	}
	hc.CallerHeader = callerHeader
	return NewRouter(RouterConfig{AllowedOrigins: []string{"http://localhost:5173"}, Log: log}, hc)
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func signedEvent(t *testing.T, id, typ, sessionID string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   id,
		"type": typ,
		"data": map[string]any{"object": map[string]any{
			"id":             sessionID,
			"object":         "checkout.session",
			"amount_total":   49900,
			"currency":       "inr",
			"payment_status": "paid",
		}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	return body, signed.Header
}

func TestCheckout(t *testing.T) {
	starter := &stubCheckout{co: checkout.Checkout{PurchaseID: "p-1", CheckoutURL: "https://checkout.example/p-1"}}
	r := newTestRouter(HandlerConfig{Checkout: starter})

	w := do(r, http.MethodPost, "/purchases/checkout", `{"courseId":"course-1"}`, map[string]string{callerHeader: "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decode(t, w)
	if got["purchaseId"] != "p-1" || got["checkoutUrl"] != "https://checkout.example/p-1" {
		t.Fatalf("unexpected body: %v", got)
	}
	if starter.gotCourse != "course-1" || starter.gotBuyer != "user-1" {
		t.Fatalf("starter called with %q %q", starter.gotCourse, starter.gotBuyer)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		body    string
		err     error
		want    int
		kind    apperr.Kind
	}{
		{"no caller", nil, `{"courseId":"course-1"}`, nil, http.StatusUnauthorized, apperr.Unauthorized},
		{"bad body", map[string]string{callerHeader: "user-1"}, `{"courseId":""}`, nil, http.StatusBadRequest, apperr.Invalid},
		{"not found", map[string]string{callerHeader: "user-1"}, `{"courseId":"course-x"}`, apperr.NotFoundErr("course not found"), http.StatusNotFound, apperr.NotFound},
		{"conflict", map[string]string{callerHeader: "user-1"}, `{"courseId":"course-1"}`, apperr.ConflictErr("checkout session already in use"), http.StatusConflict, apperr.Conflict},
		{"upstream", map[string]string{callerHeader: "user-1"}, `{"courseId":"course-1"}`, apperr.Upstream("failed to create checkout session", errors.New("timeout")), http.StatusBadGateway, apperr.UpstreamFailure},
		{"storage", map[string]string{callerHeader: "user-1"}, `{"courseId":"course-1"}`, apperr.Storage("create purchase", errors.New("throttled")), http.StatusServiceUnavailable, apperr.StorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(HandlerConfig{Checkout: &stubCheckout{err: tt.err}})
			w := do(r, http.MethodPost, "/purchases/checkout", tt.body, tt.headers)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			got := decode(t, w)
			if got["kind"] != string(tt.kind) || got["request_id"] == "" {
				t.Fatalf("unexpected error body: %v", got)
			}
		})
	}
}

func TestCheckout_InternalCauseNotLeaked(t *testing.T) {
	r := newTestRouter(HandlerConfig{Checkout: &stubCheckout{err: apperr.Storage("create purchase", errors.New("arn:aws:dynamodb secret detail"))}})
	w := do(r, http.MethodPost, "/purchases/checkout", `{"courseId":"course-1"}`, map[string]string{callerHeader: "user-1"})
	if strings.Contains(w.Body.String(), "arn:aws") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	r := newTestRouter(HandlerConfig{Status: &stubStatus{st: checkout.PurchaseStatus{Purchased: true}}})

	w := do(r, http.MethodGet, "/purchases/course-1/status", "", map[string]string{callerHeader: "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode(t, w); got["purchased"] != true {
		t.Fatalf("unexpected body: %v", got)
	}

	w = do(r, http.MethodGet, "/purchases/course-1/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing caller: status = %d", w.Code)
	}
	w = do(r, http.MethodGet, "/purchases/bad%23id/status", "", map[string]string{callerHeader: "user-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad course id: status = %d", w.Code)
	}

	missing := newTestRouter(HandlerConfig{Status: &stubStatus{err: apperr.NotFoundErr("course not found")}})
	if w := do(missing, http.MethodGet, "/purchases/course-x/status", "", map[string]string{callerHeader: "user-1"}); w.Code != http.StatusNotFound {
		t.Fatalf("missing course: status = %d", w.Code)
	}
}

func TestWebhook(t *testing.T) {
	applier := &stubApplier{outcome: lifecycle.Applied}
	r := newTestRouter(HandlerConfig{Processor: applier})
	body, sig := signedEvent(t, "evt_1", "checkout.session.completed", "cs_1")

	w := do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": sig})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode(t, w); got["received"] != true {
		t.Fatalf("unexpected body: %v", got)
	}
	if len(applier.events) != 1 || applier.events[0].SessionID != "cs_1" || applier.events[0].Kind != payment.PaymentSucceeded {
		t.Fatalf("unexpected applied events: %+v", applier.events)
	}
}

func TestWebhook_Errors(t *testing.T) {
	body, sig := signedEvent(t, "evt_1", "checkout.session.completed", "cs_1")

	t.Run("bad signature never reaches the processor", func(t *testing.T) {
		applier := &stubApplier{}
		r := newTestRouter(HandlerConfig{Processor: applier})
		w := do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
		if len(applier.events) != 0 {
			t.Fatalf("processor invoked for an unverified event")
		}
	})

	t.Run("too large", func(t *testing.T) {
		r := newTestRouter(HandlerConfig{MaxWebhookBytes: 16})
		w := do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": sig})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})

	for _, tt := range []struct {
		name string
		err  error
		want int
	}{
		{"purchase not found", apperr.NotFoundErr("purchase not found"), http.StatusNotFound},
		{"storage", apperr.Storage("claim event", errors.New("throttled")), http.StatusServiceUnavailable},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(HandlerConfig{Processor: &stubApplier{err: tt.err}})
			w := do(r, http.MethodPost, "/purchases/webhook", string(body), map[string]string{"Stripe-Signature": sig})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_Operational(t *testing.T) {
	r := newTestRouter(HandlerConfig{})

	if w := do(r, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	w := do(r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound || decode(t, w)["kind"] != string(apperr.NotFound) {
		t.Fatalf("unknown route: %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	r := newTestRouter(HandlerConfig{Status: panicStatus{}})
	w := do(r, http.MethodGet, "/purchases/course-1/status", "", map[string]string{callerHeader: "user-1"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w); got["kind"] != string(apperr.Internal) {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestRouter_CORS(t *testing.T) {
	r := newTestRouter(HandlerConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/purchases/checkout", bytes.NewReader(nil))
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}
