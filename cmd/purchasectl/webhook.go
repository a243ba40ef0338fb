package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v79/webhook"
)

// webhookEvent describes a checkout session event to sign and deliver.
type webhookEvent struct {
	ID            string
	Type          string
	SessionID     string
	Amount        int64
	Currency      string
	PaymentStatus string
}

func (e webhookEvent) payload() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":      e.ID,
		"object":  "event",
		"type":    e.Type,
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":             e.SessionID,
			"object":         "checkout.session",
			"amount_total":   e.Amount,
			"currency":       e.Currency,
			"payment_status": e.PaymentStatus,
		}},
	})
}

// sendWebhook signs the event with secret and posts it to url. It returns the response
// status and body.
func sendWebhook(ctx context.Context, client *http.Client, url, secret string, evt webhookEvent) (int, string, error) {
	body, err := evt.payload()
	if err != nil {
		return 0, "", fmt.Errorf("marshal event: %w", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, string(respBody), nil
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Work with payment webhooks",
	}
	cmd.AddCommand(webhookSendCmd())
	return cmd
}

func webhookSendCmd() *cobra.Command {
	var (
		url     string
		secret  string
		times   int
		timeout time.Duration
		evt     webhookEvent
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign a checkout session event and deliver it to the API",
		Long: `Builds a checkout.session event, signs it with the webhook secret and posts it
to the webhook endpoint. --times re-delivers the same event to exercise deduplication.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("STRIPE_WEBHOOK_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or STRIPE_WEBHOOK_SECRET is required")
			}
			if evt.ID == "" {
				evt.ID = "evt_" + uuid.NewString()
			}

			client := &http.Client{Timeout: timeout}
			for i := 0; i < times; i++ {
				status, body, err := sendWebhook(cmd.Context(), client, url, secret, evt)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s delivery %d: %d %s\n", evt.ID, i+1, status, body)
				if status >= 300 {
					return fmt.Errorf("webhook rejected with status %d", status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/purchases/webhook", "Webhook endpoint")
	cmd.Flags().StringVar(&secret, "secret", "", "Webhook signing secret (defaults to STRIPE_WEBHOOK_SECRET)")
	cmd.Flags().IntVar(&times, "times", 1, "Number of deliveries of the same event")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP timeout per delivery")
	cmd.Flags().StringVar(&evt.ID, "event-id", "", "Event id (random when empty)")
	cmd.Flags().StringVarP(&evt.Type, "type", "t", "checkout.session.completed", "Event type")
	cmd.Flags().StringVarP(&evt.SessionID, "session", "s", "", "Checkout session id")
	cmd.Flags().Int64Var(&evt.Amount, "amount", 0, "Confirmed amount in minor units")
	cmd.Flags().StringVar(&evt.Currency, "currency", "inr", "Currency code")
	cmd.Flags().StringVar(&evt.PaymentStatus, "payment-status", "paid", "Session payment_status")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
