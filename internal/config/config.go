// Package config defines the process configuration for the event relay.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Mounted secret files (*_FILE)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"eventrelay/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"eventrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Sources       SourcesConfig
	Dispatch      DispatchConfig
	Fanout        FanoutConfig
	Admin         AdminConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	ReadHeaderTimeout  time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout    time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
	MaxWebhookBytes    int64         `envconfig:"WEBHOOK_MAX_BYTES" default:"262144" validate:"min=1024"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// AlertQueueURL receives operator alerts for exhausted and unexpected events.
	// Alerts are only logged when empty.
	AlertQueueURL string `envconfig:"SQS_ALERTS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SourcesConfig holds the verification secret for every webhook source.
// A source with no secret is not registered and its requests are rejected.
type SourcesConfig struct {
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeTolerance     time.Duration `envconfig:"STRIPE_SIGNATURE_TOLERANCE" default:"5m"`

	ExternalSecret SecretString `envconfig:"EXTERNAL_WEBHOOK_SECRET"`
	// ExternalScheme selects how the "external" source authenticates.
	ExternalScheme string `envconfig:"EXTERNAL_WEBHOOK_SCHEME" default:"shared_secret" validate:"oneof=shared_secret hmac"`

	// HMACSecrets registers additional integration sources signed with
	// timestamped HMAC-SHA256, as "name:secret,name2:secret2".
	HMACSecrets   map[string]SecretString `envconfig:"HMAC_WEBHOOK_SECRETS"`
	HMACTolerance time.Duration           `envconfig:"HMAC_SIGNATURE_TOLERANCE" default:"5m"`
}

// DispatchConfig tunes event dispatch and the retry worker.
type DispatchConfig struct {
	HandlerTimeout time.Duration `envconfig:"HANDLER_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"5" validate:"min=1"`
	RetryInterval  time.Duration `envconfig:"RETRY_INTERVAL" default:"1m" validate:"gt=0"`
	RetryBackoff   time.Duration `envconfig:"RETRY_BACKOFF" default:"30s"`
	RetryBatchSize int           `envconfig:"RETRY_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`
	RetryEnabled   bool          `envconfig:"RETRY_ENABLED" default:"true"`
	// AbandonAfter is how long an event may sit pending before the retry
	// worker treats its dispatch as lost.
	AbandonAfter time.Duration `envconfig:"ABANDON_AFTER" default:"5m" validate:"gt=0"`
	// RetryMaxBackoff caps the doubling of RetryBackoff across failures.
	RetryMaxBackoff time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"30m"`

	// ExpectedEventTypes lists "source/type" pairs that must have a handler.
	// Receiving one with no registered handler raises an operator alert.
	ExpectedEventTypes []string `envconfig:"EXPECTED_EVENT_TYPES"`
}

// FanoutConfig configures real-time delivery to connected clients.
type FanoutConfig struct {
	JWTSecret     SecretString  `envconfig:"JWT_SECRET" validate:"required,min=32"`
	JWTIssuer     string        `envconfig:"JWT_ISSUER"`
	OutboxSize    int           `envconfig:"FANOUT_OUTBOX_SIZE" default:"64" validate:"min=1"`
	WriteTimeout  time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	PongTimeout   time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"60s"`
	MaxFrameBytes int64         `envconfig:"WS_MAX_FRAME_BYTES" default:"4096"`

	// RoomAuthorizerURL delegates room membership checks to an external
	// service instead of the venue_staff table when set.
	RoomAuthorizerURL string       `envconfig:"ROOM_AUTHORIZER_URL" validate:"omitempty,url"`
	RoomAuthorizerKey SecretString `envconfig:"ROOM_AUTHORIZER_KEY"`
}

// AdminConfig protects the administrative query surface.
type AdminConfig struct {
	// APIKeyHash is the bcrypt hash of the admin key.
	APIKeyHash    SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
	ExportMaxRows int          `envconfig:"ADMIN_EXPORT_MAX_ROWS" default:"50000" validate:"min=1"`
}

// RetentionConfig drives the maintenance purge task.
type RetentionConfig struct {
	ProcessedEvents time.Duration `envconfig:"EVENT_RETENTION" default:"720h"`
	FailedEvents    time.Duration `envconfig:"FAILED_EVENT_RETENTION" default:"2160h"`
	PurgeBatchSize  int           `envconfig:"PURGE_BATCH_SIZE" default:"1000" validate:"min=1"`
	ExhaustedWindow time.Duration `envconfig:"EXHAUSTED_REPORT_WINDOW" default:"24h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"EventRelay"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
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
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILED"
	ErrValidation       ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing          ConfigErrorType = "PARSING_FAILED"
)
