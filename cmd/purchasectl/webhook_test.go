package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imrishuroy/go-course-purchase/internal/payment"
)

const testSecret = "whsec_ctl"

func TestSendWebhook_SignatureVerifies(t *testing.T) {
	verifier := payment.NewVerifier(testSecret, time.Minute)
	var got payment.PaymentEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		evt, err := verifier.Verify(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got = evt
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"outcome":"applied"}`))
	}))
	defer srv.Close()

	evt := webhookEvent{
		ID:            "evt_1",
		Type:          "checkout.session.completed",
		SessionID:     "cs_1",
		Amount:        49900,
		Currency:      "inr",
		PaymentStatus: "paid",
	}
	status, body, err := sendWebhook(context.Background(), srv.Client(), srv.URL, testSecret, evt)
	if err != nil {
		t.Fatalf("sendWebhook: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if got.EventID != "evt_1" || got.SessionID != "cs_1" || got.Kind != payment.PaymentSucceeded || got.ConfirmedAmount != 49900 {
		t.Fatalf("unexpected verified event: %+v", got)
	}
}

func TestSendWebhook_WrongSecretRejected(t *testing.T) {
	verifier := payment.NewVerifier(testSecret, time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if _, err := verifier.Verify(body, r.Header.Get("Stripe-Signature")); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, _, err := sendWebhook(context.Background(), srv.Client(), srv.URL, "whsec_other", webhookEvent{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1", PaymentStatus: "paid"})
	if err != nil {
		t.Fatalf("sendWebhook: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}
