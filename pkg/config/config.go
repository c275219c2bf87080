package config

import "time"

// Job store backends
const (
	// JobsStoreRedis keeps jobs in Redis hashes and sorted sets
	JobsStoreRedis = "redis"
	// JobsStorePostgres keeps jobs in a PostgreSQL table
	JobsStorePostgres = "postgres"
	// JobsStoreSQS keeps jobs in one AWS SQS queue per kind plus a dead-letter queue
	JobsStoreSQS = "sqs"
	// JobsStoreMemory keeps jobs in process memory (tests, local runs)
	JobsStoreMemory = "memory"
)

// Email providers
const (
	EmailProviderLog      = "log"
	EmailProviderSMTP     = "smtp"
	EmailProviderSES      = "ses"
	EmailProviderSendGrid = "sendgrid"
	EmailProviderResend   = "resend"
)

// Config is the root configuration of the mailqueue service
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Management    ManagementConfig    `mapstructure:"management"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Email         EmailConfig         `mapstructure:"email"`
	Accounts      AccountsConfig      `mapstructure:"accounts"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the public API server
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `mapstructure:"max_request_size"`
}

// ManagementConfig configures the management server
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// JobsConfig configures the job store and the worker pool.
type JobsConfig struct {
	Store            string              `mapstructure:"store"` // redis, postgres, sqs, memory
	Workers          int                 `mapstructure:"workers"`
	PollInterval     time.Duration       `mapstructure:"poll_interval"`
	LeaseTTL         time.Duration       `mapstructure:"lease_ttl"`
	StopTimeout      time.Duration       `mapstructure:"stop_timeout"`
	MaxStoreFailures int                 `mapstructure:"max_store_failures"`
	Retry            JobsRetryConfig     `mapstructure:"retry"`
	Retention        JobsRetentionConfig `mapstructure:"retention"`
	Redis            JobsRedisConfig     `mapstructure:"redis"`
	Postgres         JobsPostgresConfig  `mapstructure:"postgres"`
	SQS              JobsSQSConfig       `mapstructure:"sqs"`
}

// JobsRetryConfig configures retry strategy for failed jobs.
type JobsRetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// JobsRetentionConfig configures how long terminal jobs are kept. Zero keeps
// them forever.
type JobsRetentionConfig struct {
	Done         time.Duration `mapstructure:"done"`
	DeadLettered time.Duration `mapstructure:"dead_lettered"`
	Interval     time.Duration `mapstructure:"interval"`
}

// JobsRedisConfig configures the Redis job store.
type JobsRedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// JobsPostgresConfig configures the PostgreSQL job store.
type JobsPostgresConfig struct {
	URL             string        `mapstructure:"url"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// JobsSQSConfig configures the AWS SQS job store. Static keys are optional;
// the default AWS credential chain is used when they are empty.
type JobsSQSConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	QueuePrefix      string        `mapstructure:"queue_prefix"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	CreateQueues     bool          `mapstructure:"create_queues"`
}

// EmailConfig configures the outbound email provider.
type EmailConfig struct {
	Provider       string                    `mapstructure:"provider"` // log, smtp, ses, sendgrid, resend
	From           string                    `mapstructure:"from"`
	SMTP           EmailSMTPConfig           `mapstructure:"smtp"`
	SES            EmailSESConfig            `mapstructure:"ses"`
	SendGrid       EmailTokenConfig          `mapstructure:"sendgrid"`
	Resend         EmailTokenConfig          `mapstructure:"resend"`
	CircuitBreaker EmailCircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      EmailRateLimitConfig      `mapstructure:"rate_limit"`
}

// EmailTokenConfig configures token-based HTTP email providers.
type EmailTokenConfig struct {
	Token            string        `mapstructure:"token"`
	BaseURL          string        `mapstructure:"base_url"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// EmailSMTPConfig configures the SMTP provider.
type EmailSMTPConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	EnableTLS          bool          `mapstructure:"enable_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

// EmailSESConfig configures the AWS SES provider.
type EmailSESConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// EmailCircuitBreakerConfig stops calling a failing provider for a while.
type EmailCircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// EmailRateLimitConfig bounds outbound sends per second.
type EmailRateLimitConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// AccountsConfig configures the forgotten password flow.
type AccountsConfig struct {
	ResetURL     string `mapstructure:"reset_url"`
	Subject      string `mapstructure:"subject"`
	Confirmation string `mapstructure:"confirmation"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
}

// secretKeys lists settings masked by RedactSettings.
var secretKeys = []string{
	"jobs.redis.url",
	"jobs.postgres.url",
	"jobs.sqs.access_key_id",
	"jobs.sqs.secret_access_key",
	"jobs.sqs.session_token",
	"email.smtp.password",
	"email.ses.access_key_id",
	"email.ses.secret_access_key",
	"email.ses.session_token",
	"email.sendgrid.token",
	"email.resend.token",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "mailqueue",
			Environment: "production",
		},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestSize:  1 << 20,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Jobs: JobsConfig{
			Store:            JobsStoreRedis,
			Workers:          2,
			PollInterval:     250 * time.Millisecond,
			LeaseTTL:         30 * time.Second,
			StopTimeout:      30 * time.Second,
			MaxStoreFailures: 5,
			Retry: JobsRetryConfig{
				MaxAttempts:    5,
				InitialBackoff: time.Second,
				MaxBackoff:     5 * time.Minute,
				AttemptTimeout: 30 * time.Second,
			},
			Retention: JobsRetentionConfig{
				Done:         24 * time.Hour,
				DeadLettered: 0,
				Interval:     time.Minute,
			},
			Redis: JobsRedisConfig{
				URL:              "redis://127.0.0.1:6379/0",
				Prefix:           "mailqueue",
				OperationTimeout: 5 * time.Second,
			},
			Postgres: JobsPostgresConfig{
				Table:           "mailqueue_jobs",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				QueryTimeout:    5 * time.Second,
			},
			SQS: JobsSQSConfig{
				QueuePrefix:      "mailqueue",
				OperationTimeout: 10 * time.Second,
				CreateQueues:     true,
			},
		},
		Email: EmailConfig{
			Provider: EmailProviderLog,
			From:     "no-reply@localhost",
			SMTP: EmailSMTPConfig{
				Port:             587,
				EnableTLS:        true,
				OperationTimeout: 10 * time.Second,
			},
			SES: EmailSESConfig{
				OperationTimeout: 10 * time.Second,
			},
			SendGrid: EmailTokenConfig{
				BaseURL:          "https://api.sendgrid.com",
				OperationTimeout: 10 * time.Second,
			},
			Resend: EmailTokenConfig{
				OperationTimeout: 10 * time.Second,
			},
			CircuitBreaker: EmailCircuitBreakerConfig{
				Enabled:      true,
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
			RateLimit: EmailRateLimitConfig{
				Enabled:   false,
				PerSecond: 10,
				Burst:     10,
			},
		},
		Accounts: AccountsConfig{
			ResetURL:     "http://127.0.0.1:8000/accounts/reset-password",
			Subject:      "Reset your password",
			Confirmation: "ForgottenEmail added to queue",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
		},
	}
}
