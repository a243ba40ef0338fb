package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is loaded once at startup and treated as read-only afterwards.
type Config struct {
	App        App
	AWS        AWS
	Tables     Tables
	Queue      Queue
	Payment    Payment
	Ledger     Ledger
	Lifecycle  Lifecycle
	Reconciler Reconciler
}

type App struct {
	Env          string   `env:"APP_ENV" env-default:"development"`
	Port         string   `env:"PORT" env-default:"8080"`
	RunLocal     bool     `env:"RUN_LOCAL" env-default:"false"`
	LogLevel     string   `env:"LOG_LEVEL" env-default:"info"`
	CallerHeader string   `env:"CALLER_ID_HEADER" env-default:"X-Caller-Id"`
	ClientURL    string   `env:"CLIENT_URL" env-default:"http://localhost:5173"`
	CORSOrigins  []string `env:"CORS_ORIGINS" env-separator:","`
}

type AWS struct {
	Region           string `env:"AWS_REGION" env-default:"us-east-1"`
	EndpointOverride string `env:"AWS_ENDPOINT_OVERRIDE"`
	MaxAttempts      int    `env:"AWS_SDK_MAX_ATTEMPTS" env-default:"3"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" env-default:"PurchaseReconciler"`
}

type Tables struct {
	Purchases   string `env:"PURCHASES_TABLE" env-default:"purchases"`
	Idempotency string `env:"IDEMPOTENCY_TABLE" env-default:"purchase-idempotency"`
	Courses     string `env:"COURSES_TABLE" env-default:"courses"`
	Lectures    string `env:"LECTURES_TABLE" env-default:"lectures"`
	Users       string `env:"USERS_TABLE" env-default:"users"`
}

type Queue struct {
	PropagationRetryURL string `env:"PROPAGATION_RETRY_QUEUE_URL"`
}

type Payment struct {
	SecretKey        string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `env:"STRIPE_WEBHOOK_SECRET" env-required:"true"`
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" env-default:"5m"`
	APIBaseURL       string        `env:"STRIPE_API_BASE_URL"`
	Currency         string        `env:"PAYMENT_CURRENCY" env-default:"inr"`
	CheckoutTimeout  time.Duration `env:"CHECKOUT_TIMEOUT" env-default:"10s"`
	SessionTTL       time.Duration `env:"CHECKOUT_SESSION_TTL" env-default:"23h"`
}

type Ledger struct {
	Backend     string `env:"LEDGER_BACKEND" env-default:"dynamodb"`
	PostgresDSN string `env:"LEDGER_POSTGRES_DSN"`
}

type Lifecycle struct {
	ClaimLease       time.Duration `env:"EVENT_CLAIM_LEASE" env-default:"2m"`
	PropagationRetry RetryConfig
}

type RetryConfig struct {
	Attempts uint          `env:"PROPAGATION_RETRY_ATTEMPTS" env-default:"3"`
	Delay    time.Duration `env:"PROPAGATION_RETRY_DELAY" env-default:"100ms"`
	MaxDelay time.Duration `env:"PROPAGATION_RETRY_MAX_DELAY" env-default:"1s"`
}

type Reconciler struct {
	Interval         time.Duration `env:"RECONCILE_INTERVAL" env-default:"1m"`
	OrphanGrace      time.Duration `env:"RECONCILE_ORPHAN_GRACE" env-default:"15m"`
	PendingTTL       time.Duration `env:"RECONCILE_PENDING_TTL" env-default:"24h"`
	PropagationGrace time.Duration `env:"RECONCILE_PROPAGATION_GRACE" env-default:"5m"`
	BatchSize        int32         `env:"RECONCILE_BATCH_SIZE" env-default:"100"`
}

const (
	LedgerDynamoDB = "dynamodb"
	LedgerPostgres = "postgres"
)

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// a missing .env is fine; deployed environments use real variables
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MustLoad is Load for main packages.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) validate() error {
	if c.Payment.WebhookSecret == "" {
		return fmt.Errorf("config: STRIPE_WEBHOOK_SECRET is required")
	}
	switch c.Ledger.Backend {
	case LedgerDynamoDB:
	case LedgerPostgres:
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("config: LEDGER_POSTGRES_DSN is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("config: unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}
	if c.Payment.CheckoutTimeout <= 0 {
		return fmt.Errorf("config: CHECKOUT_TIMEOUT must be positive")
	}
	// pending purchases must outlive their checkout session
	if c.Reconciler.PendingTTL <= c.Payment.SessionTTL {
		return fmt.Errorf("config: RECONCILE_PENDING_TTL (%s) must exceed CHECKOUT_SESSION_TTL (%s)",
			c.Reconciler.PendingTTL, c.Payment.SessionTTL)
	}
	return nil
}

// CORSAllowedOrigins falls back to the storefront URL when no origins are configured.
func (a App) CORSAllowedOrigins() []string {
	if len(a.CORSOrigins) > 0 {
		return a.CORSOrigins
	}
	return []string{a.ClientURL}
}
