// Package app wires the purchase services from configuration. Every binary under cmd/
// builds its dependencies here so the API, retry worker and reconciler agree on storage.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/go-course-purchase/internal/accounts"
	"github.com/imrishuroy/go-course-purchase/internal/aws"
	"github.com/imrishuroy/go-course-purchase/internal/catalog"
	"github.com/imrishuroy/go-course-purchase/internal/checkout"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/enrollment"
	"github.com/imrishuroy/go-course-purchase/internal/handlers"
	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
	"github.com/imrishuroy/go-course-purchase/internal/payment"
	"github.com/imrishuroy/go-course-purchase/internal/pgledger"
	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

// Ledger is everything the services need from purchase storage.
type Ledger interface {
	lifecycle.Ledger
	checkout.Ledger
}

// Services holds the wired components. Close releases the Postgres pool, if any.
type Services struct {
	Config     config.Config
	Log        *slog.Logger
	Ledger     Ledger
	Markers    lifecycle.Markers
	Courses    *catalog.Store
	Users      *accounts.Store
	Processor  *lifecycle.Processor
	Initiator  *checkout.Initiator
	Status     *checkout.StatusQuery
	Verifier   *payment.Verifier
	Reconciler *lifecycle.Reconciler

	db *sql.DB
}

// Build connects to AWS (and Postgres when configured) and wires every service.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*Services, error) {
	clients, err := aws.NewAWSClients(ctx, aws.ClientOptions{
		Region:      cfg.AWS.Region,
		Endpoint:    cfg.AWS.EndpointOverride,
		MaxAttempts: cfg.AWS.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}

	var db *sql.DB
	if cfg.Ledger.Backend == config.LedgerPostgres {
		db, err = pgledger.Open(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pgledger.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(cfg, clients, db, log), nil
}

// New wires services on already constructed clients. db is only used by the postgres
// ledger backend.
func New(cfg config.Config, clients *aws.AWSClients, db *sql.DB, log *slog.Logger) *Services {
	s := &Services{
		Config:  cfg,
		Log:     log,
		Courses: catalog.NewStore(clients.DynamoDB, cfg.Tables.Courses, cfg.Tables.Lectures),
		Users:   accounts.NewStore(clients.DynamoDB, cfg.Tables.Users),
		db:      db,
	}

	if cfg.Ledger.Backend == config.LedgerPostgres {
		pg := pgledger.NewStore(db, cfg.Lifecycle.ClaimLease)
		s.Ledger = pg
		s.Markers = pg
	} else {
		s.Ledger = purchases.NewStore(clients.DynamoDB, cfg.Tables.Purchases)
		s.Markers = idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.Lifecycle.ClaimLease)
	}

	// the interfaces stay nil unless configured; a typed nil pointer would be non-nil
	var queue lifecycle.RetryQueue
	if cfg.Queue.PropagationRetryURL != "" && clients.SQS != nil {
		queue = aws.NewPublisher(clients.SQS, cfg.Queue.PropagationRetryURL)
	}
	var emitter lifecycle.CountEmitter
	if clients.CloudWatch != nil {
		emitter = aws.NewMetricsEmitter(clients.CloudWatch, cfg.AWS.MetricsNamespace)
	}

	prop := enrollment.NewPropagator(s.Courses, s.Users, cfg.Lifecycle.PropagationRetry, log)
	s.Processor = lifecycle.NewProcessor(s.Ledger, s.Markers, prop, queue, log)
	s.Reconciler = lifecycle.NewReconciler(s.Ledger, s.Processor, emitter, cfg.Reconciler, log)
	s.Verifier = payment.NewVerifier(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance)

	gateway := payment.NewStripeGateway(cfg.Payment.SecretKey, cfg.Payment.APIBaseURL, cfg.Payment.CheckoutTimeout)
	s.Initiator = checkout.NewInitiator(s.Courses, s.Ledger, gateway, cfg.Payment, cfg.App.ClientURL, log)
	s.Status = checkout.NewStatusQuery(s.Courses, s.Ledger)
	return s
}

// HandlerConfig returns the HTTP handler dependencies.
func (s *Services) HandlerConfig() handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Checkout:     s.Initiator,
		Status:       s.Status,
		Verifier:     s.Verifier,
		Processor:    s.Processor,
		CallerHeader: s.Config.App.CallerHeader,
		Log:          s.Log,
	}
}

func (s *Services) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
