// Package config defines the process configuration for the briefing services.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"briefing/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"briefing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	Delivery      DeliveryConfig
	Idempotency   IdempotencyConfig
	Redemption    RedemptionConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	PublicURL      string        `envconfig:"PUBLIC_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	StatementTimeout  time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"5s"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// RerenderQueueURL receives sweep hand-backs for ledger rows without a
	// stored body. Empty disables the hand-back.
	RerenderQueueURL string `envconfig:"SQS_RERENDER_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds payment processor webhook settings.
type BillingConfig struct {
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	SignatureTolerance  time.Duration `envconfig:"STRIPE_SIGNATURE_TOLERANCE" default:"5m"`
}

// EmailConfig holds outbound email provider settings.
type EmailConfig struct {
	Provider        string        `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid ses stub"`
	SendGridAPIKey  SecretString  `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SendGridBaseURL string        `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"url"`
	SESConfigSet    string        `envconfig:"SES_CONFIGURATION_SET"`
	FromAddress     string        `envconfig:"EMAIL_FROM_ADDRESS" default:"briefing@example.com" validate:"email"`
	FromName        string        `envconfig:"EMAIL_FROM_NAME" default:"The Daily Briefing"`
	SendTimeout     time.Duration `envconfig:"EMAIL_SEND_TIMEOUT" default:"10s"`
}

// DeliveryConfig tunes the delivery ledger retry policy and sweep.
type DeliveryConfig struct {
	MaxRetries       int           `envconfig:"DELIVERY_MAX_RETRIES" default:"3" validate:"min=1"`
	BackoffUnit      time.Duration `envconfig:"DELIVERY_BACKOFF_UNIT" default:"1m"`
	ClaimLease       time.Duration `envconfig:"DELIVERY_CLAIM_LEASE" default:"2m"`
	StorePayload     bool          `envconfig:"DELIVERY_STORE_PAYLOAD" default:"true"`
	SweepBatchSize   int           `envconfig:"DELIVERY_SWEEP_BATCH" default:"100" validate:"min=1,max=1000"`
	SweepConcurrency int           `envconfig:"DELIVERY_SWEEP_CONCURRENCY" default:"4" validate:"min=1,max=32"`
	SweepSchedule    string        `envconfig:"DELIVERY_SWEEP_SCHEDULE" default:"@every 5m"`
}

// IdempotencyConfig sizes the webhook event guard.
type IdempotencyConfig struct {
	CacheTTL  time.Duration `envconfig:"IDEMPOTENCY_CACHE_TTL" default:"10m"`
	CacheSize int           `envconfig:"IDEMPOTENCY_CACHE_SIZE" default:"10000" validate:"min=1"`
	Retention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"720h"`
	UseStore  bool          `envconfig:"IDEMPOTENCY_USE_STORE" default:"true"`
}

// RedemptionConfig holds access code generation defaults.
type RedemptionConfig struct {
	CodePrefix string        `envconfig:"ACCESS_CODE_PREFIX" default:"DAILY" validate:"alphanum"`
	CodeTTL    time.Duration `envconfig:"ACCESS_CODE_TTL" default:"720h"`
}

// SecurityConfig holds the operator key and public endpoint throttling.
type SecurityConfig struct {
	OpsAPIKey SecretString `envconfig:"OPS_API_KEY" validate:"required,min=16"`

	// Per-client budget for the public write endpoints.
	PublicRateLimit  int           `envconfig:"PUBLIC_RATE_LIMIT" default:"10" validate:"min=1"`
	PublicRateWindow time.Duration `envconfig:"PUBLIC_RATE_WINDOW" default:"1m"`
	RateLimitKeys    int           `envconfig:"RATE_LIMIT_MAX_CLIENTS" default:"10000" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Briefing"`
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=cloudwatch prometheus none"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
