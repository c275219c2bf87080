package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      map[string]*pflag.Flag
	settings   map[string]any
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "MAILQUEUE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the named flags of fs to configuration keys. A bound flag
// overrides every other source, but only when set on the command line.
func (l *ViperLoader) WithFlags(fs *pflag.FlagSet, keyToFlag map[string]string) *ViperLoader {
	if fs == nil {
		return l
	}
	for key, name := range keyToFlag {
		if flag := fs.Lookup(name); flag != nil {
			if l.flags == nil {
				l.flags = make(map[string]*pflag.Flag)
			}
			l.flags[key] = flag
		}
	}
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	for key, flag := range l.flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	l.settings = v.AllSettings()

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Settings returns the merged settings tree of the last Load.
func (l *ViperLoader) Settings() map[string]any {
	return l.settings
}

// bindEnvVars explicitly binds environment variables for nested structs.
// REDIS_URL, DATABASE_URL and PORT are honored without prefix.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.host", l.prefixedEnv("HTTP_HOST"))
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"), "PORT")
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.shutdown_timeout", l.prefixedEnv("HTTP_SHUTDOWN_TIMEOUT"))
	v.BindEnv("http.max_request_size", l.prefixedEnv("HTTP_MAX_REQUEST_SIZE"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.host", l.prefixedEnv("MGMT_HOST"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))

	// Jobs
	v.BindEnv("jobs.store", l.prefixedEnv("JOBS_STORE"))
	v.BindEnv("jobs.workers", l.prefixedEnv("JOBS_WORKERS"))
	v.BindEnv("jobs.poll_interval", l.prefixedEnv("JOBS_POLL_INTERVAL"))
	v.BindEnv("jobs.lease_ttl", l.prefixedEnv("JOBS_LEASE_TTL"))
	v.BindEnv("jobs.stop_timeout", l.prefixedEnv("JOBS_STOP_TIMEOUT"))
	v.BindEnv("jobs.max_store_failures", l.prefixedEnv("JOBS_MAX_STORE_FAILURES"))
	v.BindEnv("jobs.retry.max_attempts", l.prefixedEnv("JOBS_RETRY_MAX_ATTEMPTS"))
	v.BindEnv("jobs.retry.initial_backoff", l.prefixedEnv("JOBS_RETRY_INITIAL_BACKOFF"))
	v.BindEnv("jobs.retry.max_backoff", l.prefixedEnv("JOBS_RETRY_MAX_BACKOFF"))
	v.BindEnv("jobs.retry.attempt_timeout", l.prefixedEnv("JOBS_RETRY_ATTEMPT_TIMEOUT"))
	v.BindEnv("jobs.retention.done", l.prefixedEnv("JOBS_RETENTION_DONE"))
	v.BindEnv("jobs.retention.dead_lettered", l.prefixedEnv("JOBS_RETENTION_DEAD_LETTERED"))
	v.BindEnv("jobs.retention.interval", l.prefixedEnv("JOBS_RETENTION_INTERVAL"))
	v.BindEnv("jobs.redis.url", l.prefixedEnv("REDIS_URL"), "REDIS_URL")
	v.BindEnv("jobs.redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	v.BindEnv("jobs.redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.postgres.url", l.prefixedEnv("POSTGRES_URL"), "DATABASE_URL")
	v.BindEnv("jobs.postgres.table", l.prefixedEnv("POSTGRES_TABLE"))
	v.BindEnv("jobs.postgres.max_open_conns", l.prefixedEnv("POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("jobs.postgres.max_idle_conns", l.prefixedEnv("POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("jobs.postgres.conn_max_lifetime", l.prefixedEnv("POSTGRES_CONN_MAX_LIFETIME"))
	v.BindEnv("jobs.postgres.query_timeout", l.prefixedEnv("POSTGRES_QUERY_TIMEOUT"))
	v.BindEnv("jobs.sqs.region", l.prefixedEnv("SQS_REGION"), "AWS_REGION")
	v.BindEnv("jobs.sqs.endpoint", l.prefixedEnv("SQS_ENDPOINT"))
	v.BindEnv("jobs.sqs.queue_prefix", l.prefixedEnv("SQS_QUEUE_PREFIX"))
	v.BindEnv("jobs.sqs.access_key_id", l.prefixedEnv("SQS_ACCESS_KEY_ID"))
	v.BindEnv("jobs.sqs.secret_access_key", l.prefixedEnv("SQS_SECRET_ACCESS_KEY"))
	v.BindEnv("jobs.sqs.session_token", l.prefixedEnv("SQS_SESSION_TOKEN"))
	v.BindEnv("jobs.sqs.operation_timeout", l.prefixedEnv("SQS_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.sqs.create_queues", l.prefixedEnv("SQS_CREATE_QUEUES"))

	// Email
	v.BindEnv("email.provider", l.prefixedEnv("EMAIL_PROVIDER"))
	v.BindEnv("email.from", l.prefixedEnv("EMAIL_FROM"))
	v.BindEnv("email.smtp.host", l.prefixedEnv("EMAIL_SMTP_HOST"))
	v.BindEnv("email.smtp.port", l.prefixedEnv("EMAIL_SMTP_PORT"))
	v.BindEnv("email.smtp.username", l.prefixedEnv("EMAIL_SMTP_USERNAME"))
	v.BindEnv("email.smtp.password", l.prefixedEnv("EMAIL_SMTP_PASSWORD"))
	v.BindEnv("email.smtp.enable_tls", l.prefixedEnv("EMAIL_SMTP_ENABLE_TLS"))
	v.BindEnv("email.smtp.insecure_skip_verify", l.prefixedEnv("EMAIL_SMTP_INSECURE_SKIP_VERIFY"))
	v.BindEnv("email.smtp.operation_timeout", l.prefixedEnv("EMAIL_SMTP_OPERATION_TIMEOUT"))
	v.BindEnv("email.ses.region", l.prefixedEnv("EMAIL_SES_REGION"))
	v.BindEnv("email.ses.endpoint", l.prefixedEnv("EMAIL_SES_ENDPOINT"))
	v.BindEnv("email.ses.access_key_id", l.prefixedEnv("EMAIL_SES_ACCESS_KEY_ID"))
	v.BindEnv("email.ses.secret_access_key", l.prefixedEnv("EMAIL_SES_SECRET_ACCESS_KEY"))
	v.BindEnv("email.ses.session_token", l.prefixedEnv("EMAIL_SES_SESSION_TOKEN"))
	v.BindEnv("email.ses.operation_timeout", l.prefixedEnv("EMAIL_SES_OPERATION_TIMEOUT"))
	v.BindEnv("email.sendgrid.token", l.prefixedEnv("EMAIL_SENDGRID_TOKEN"))
	v.BindEnv("email.sendgrid.base_url", l.prefixedEnv("EMAIL_SENDGRID_BASE_URL"))
	v.BindEnv("email.sendgrid.operation_timeout", l.prefixedEnv("EMAIL_SENDGRID_OPERATION_TIMEOUT"))
	v.BindEnv("email.resend.token", l.prefixedEnv("EMAIL_RESEND_TOKEN"))
	v.BindEnv("email.resend.base_url", l.prefixedEnv("EMAIL_RESEND_BASE_URL"))
	v.BindEnv("email.resend.operation_timeout", l.prefixedEnv("EMAIL_RESEND_OPERATION_TIMEOUT"))
	v.BindEnv("email.circuit_breaker.enabled", l.prefixedEnv("EMAIL_CIRCUIT_BREAKER_ENABLED"))
	v.BindEnv("email.circuit_breaker.max_failures", l.prefixedEnv("EMAIL_CIRCUIT_BREAKER_MAX_FAILURES"))
	v.BindEnv("email.circuit_breaker.reset_timeout", l.prefixedEnv("EMAIL_CIRCUIT_BREAKER_RESET_TIMEOUT"))
	v.BindEnv("email.rate_limit.enabled", l.prefixedEnv("EMAIL_RATE_LIMIT_ENABLED"))
	v.BindEnv("email.rate_limit.per_second", l.prefixedEnv("EMAIL_RATE_LIMIT_PER_SECOND"))
	v.BindEnv("email.rate_limit.burst", l.prefixedEnv("EMAIL_RATE_LIMIT_BURST"))

	// Accounts
	v.BindEnv("accounts.reset_url", l.prefixedEnv("ACCOUNTS_RESET_URL"))
	v.BindEnv("accounts.subject", l.prefixedEnv("ACCOUNTS_SUBJECT"))
	v.BindEnv("accounts.confirmation", l.prefixedEnv("ACCOUNTS_CONFIRMATION"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "MAILQUEUE"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.host", cfg.HTTP.Host)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.host", cfg.Management.Host)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	v.SetDefault("jobs.store", cfg.Jobs.Store)
	v.SetDefault("jobs.workers", cfg.Jobs.Workers)
	v.SetDefault("jobs.poll_interval", cfg.Jobs.PollInterval)
	v.SetDefault("jobs.lease_ttl", cfg.Jobs.LeaseTTL)
	v.SetDefault("jobs.stop_timeout", cfg.Jobs.StopTimeout)
	v.SetDefault("jobs.max_store_failures", cfg.Jobs.MaxStoreFailures)
	v.SetDefault("jobs.retry.max_attempts", cfg.Jobs.Retry.MaxAttempts)
	v.SetDefault("jobs.retry.initial_backoff", cfg.Jobs.Retry.InitialBackoff)
	v.SetDefault("jobs.retry.max_backoff", cfg.Jobs.Retry.MaxBackoff)
	v.SetDefault("jobs.retry.attempt_timeout", cfg.Jobs.Retry.AttemptTimeout)
	v.SetDefault("jobs.retention.done", cfg.Jobs.Retention.Done)
	v.SetDefault("jobs.retention.dead_lettered", cfg.Jobs.Retention.DeadLettered)
	v.SetDefault("jobs.retention.interval", cfg.Jobs.Retention.Interval)
	v.SetDefault("jobs.redis.url", cfg.Jobs.Redis.URL)
	v.SetDefault("jobs.redis.prefix", cfg.Jobs.Redis.Prefix)
	v.SetDefault("jobs.redis.operation_timeout", cfg.Jobs.Redis.OperationTimeout)
	v.SetDefault("jobs.postgres.url", cfg.Jobs.Postgres.URL)
	v.SetDefault("jobs.postgres.table", cfg.Jobs.Postgres.Table)
	v.SetDefault("jobs.postgres.max_open_conns", cfg.Jobs.Postgres.MaxOpenConns)
	v.SetDefault("jobs.postgres.max_idle_conns", cfg.Jobs.Postgres.MaxIdleConns)
	v.SetDefault("jobs.postgres.conn_max_lifetime", cfg.Jobs.Postgres.ConnMaxLifetime)
	v.SetDefault("jobs.postgres.query_timeout", cfg.Jobs.Postgres.QueryTimeout)
	v.SetDefault("jobs.sqs.region", cfg.Jobs.SQS.Region)
	v.SetDefault("jobs.sqs.endpoint", cfg.Jobs.SQS.Endpoint)
	v.SetDefault("jobs.sqs.queue_prefix", cfg.Jobs.SQS.QueuePrefix)
	v.SetDefault("jobs.sqs.access_key_id", cfg.Jobs.SQS.AccessKeyID)
	v.SetDefault("jobs.sqs.secret_access_key", cfg.Jobs.SQS.SecretAccessKey)
	v.SetDefault("jobs.sqs.session_token", cfg.Jobs.SQS.SessionToken)
	v.SetDefault("jobs.sqs.operation_timeout", cfg.Jobs.SQS.OperationTimeout)
	v.SetDefault("jobs.sqs.create_queues", cfg.Jobs.SQS.CreateQueues)

	v.SetDefault("email.provider", cfg.Email.Provider)
	v.SetDefault("email.from", cfg.Email.From)
	v.SetDefault("email.smtp.host", cfg.Email.SMTP.Host)
	v.SetDefault("email.smtp.port", cfg.Email.SMTP.Port)
	v.SetDefault("email.smtp.username", cfg.Email.SMTP.Username)
	v.SetDefault("email.smtp.password", cfg.Email.SMTP.Password)
	v.SetDefault("email.smtp.enable_tls", cfg.Email.SMTP.EnableTLS)
	v.SetDefault("email.smtp.insecure_skip_verify", cfg.Email.SMTP.InsecureSkipVerify)
	v.SetDefault("email.smtp.operation_timeout", cfg.Email.SMTP.OperationTimeout)
	v.SetDefault("email.ses.region", cfg.Email.SES.Region)
	v.SetDefault("email.ses.endpoint", cfg.Email.SES.Endpoint)
	v.SetDefault("email.ses.access_key_id", cfg.Email.SES.AccessKeyID)
	v.SetDefault("email.ses.secret_access_key", cfg.Email.SES.SecretAccessKey)
	v.SetDefault("email.ses.session_token", cfg.Email.SES.SessionToken)
	v.SetDefault("email.ses.operation_timeout", cfg.Email.SES.OperationTimeout)
	v.SetDefault("email.sendgrid.token", cfg.Email.SendGrid.Token)
	v.SetDefault("email.sendgrid.base_url", cfg.Email.SendGrid.BaseURL)
	v.SetDefault("email.sendgrid.operation_timeout", cfg.Email.SendGrid.OperationTimeout)
	v.SetDefault("email.resend.token", cfg.Email.Resend.Token)
	v.SetDefault("email.resend.base_url", cfg.Email.Resend.BaseURL)
	v.SetDefault("email.resend.operation_timeout", cfg.Email.Resend.OperationTimeout)
	v.SetDefault("email.circuit_breaker.enabled", cfg.Email.CircuitBreaker.Enabled)
	v.SetDefault("email.circuit_breaker.max_failures", cfg.Email.CircuitBreaker.MaxFailures)
	v.SetDefault("email.circuit_breaker.reset_timeout", cfg.Email.CircuitBreaker.ResetTimeout)
	v.SetDefault("email.rate_limit.enabled", cfg.Email.RateLimit.Enabled)
	v.SetDefault("email.rate_limit.per_second", cfg.Email.RateLimit.PerSecond)
	v.SetDefault("email.rate_limit.burst", cfg.Email.RateLimit.Burst)

	v.SetDefault("accounts.reset_url", cfg.Accounts.ResetURL)
	v.SetDefault("accounts.subject", cfg.Accounts.Subject)
	v.SetDefault("accounts.confirmation", cfg.Accounts.Confirmation)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
}

// Validate validates the configuration and returns every problem found.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Jobs.Store = strings.ToLower(strings.TrimSpace(cfg.Jobs.Store))
	cfg.Email.Provider = strings.ToLower(strings.TrimSpace(cfg.Email.Provider))

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port))
	}
	if cfg.Management.Enabled {
		if cfg.Management.Port <= 0 || cfg.Management.Port > 65535 {
			errs = append(errs, fmt.Errorf("management.port must be between 1 and 65535, got %d", cfg.Management.Port))
		}
		if cfg.Management.Port == cfg.HTTP.Port && cfg.Management.Host == cfg.HTTP.Host {
			errs = append(errs, errors.New("management.port must differ from http.port"))
		}
	}
	if cfg.HTTP.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("http.max_request_size must be greater than 0"))
	}

	validStores := []string{JobsStoreRedis, JobsStorePostgres, JobsStoreSQS, JobsStoreMemory}
	if !slices.Contains(validStores, cfg.Jobs.Store) {
		errs = append(errs, fmt.Errorf("invalid jobs.store: %s (must be one of: %v)", cfg.Jobs.Store, validStores))
	}
	switch cfg.Jobs.Store {
	case JobsStoreRedis:
		if err := validateURL("jobs.redis.url", cfg.Jobs.Redis.URL, "redis", "rediss", "unix"); err != nil {
			errs = append(errs, err)
		}
	case JobsStorePostgres:
		if err := validateURL("jobs.postgres.url", cfg.Jobs.Postgres.URL, "postgres", "postgresql"); err != nil {
			errs = append(errs, err)
		}
	case JobsStoreSQS:
		if strings.TrimSpace(cfg.Jobs.SQS.Region) == "" {
			errs = append(errs, errors.New("jobs.sqs.region is required when jobs.store is sqs"))
		}
		if cfg.Jobs.SQS.Endpoint != "" {
			if err := validateURL("jobs.sqs.endpoint", cfg.Jobs.SQS.Endpoint, "http", "https"); err != nil {
				errs = append(errs, err)
			}
		}
		if cfg.Jobs.Retry.MaxBackoff > 15*time.Minute {
			errs = append(errs, errors.New("jobs.retry.max_backoff must not exceed 15m when jobs.store is sqs"))
		}
		if cfg.Jobs.LeaseTTL > 12*time.Hour {
			errs = append(errs, errors.New("jobs.lease_ttl must not exceed 12h when jobs.store is sqs"))
		}
	}
	if cfg.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("jobs.workers must be greater than 0"))
	}
	if cfg.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs.poll_interval must be greater than 0"))
	}
	if cfg.Jobs.LeaseTTL <= 0 {
		errs = append(errs, errors.New("jobs.lease_ttl must be greater than 0"))
	}
	if cfg.Jobs.MaxStoreFailures <= 0 {
		errs = append(errs, errors.New("jobs.max_store_failures must be greater than 0"))
	}
	if cfg.Jobs.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("jobs.retry.max_attempts must be greater than 0"))
	}
	if cfg.Jobs.Retry.InitialBackoff <= 0 {
		errs = append(errs, errors.New("jobs.retry.initial_backoff must be greater than 0"))
	}
	if cfg.Jobs.Retry.MaxBackoff < cfg.Jobs.Retry.InitialBackoff {
		errs = append(errs, errors.New("jobs.retry.max_backoff must be greater than or equal to jobs.retry.initial_backoff"))
	}
	if cfg.Jobs.Retry.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("jobs.retry.attempt_timeout must be greater than 0"))
	}
	if cfg.Jobs.Retention.Done < 0 || cfg.Jobs.Retention.DeadLettered < 0 {
		errs = append(errs, errors.New("jobs.retention durations must not be negative"))
	}

	validProviders := []string{EmailProviderLog, EmailProviderSMTP, EmailProviderSES, EmailProviderSendGrid, EmailProviderResend}
	if !slices.Contains(validProviders, cfg.Email.Provider) {
		errs = append(errs, fmt.Errorf("invalid email.provider: %s (must be one of: %v)", cfg.Email.Provider, validProviders))
	}
	if strings.TrimSpace(cfg.Email.From) == "" {
		errs = append(errs, errors.New("email.from is required"))
	}
	switch cfg.Email.Provider {
	case EmailProviderSMTP:
		if strings.TrimSpace(cfg.Email.SMTP.Host) == "" {
			errs = append(errs, errors.New("email.smtp.host is required when email.provider=smtp"))
		}
		if cfg.Email.SMTP.Port <= 0 {
			errs = append(errs, errors.New("email.smtp.port must be greater than 0 when email.provider=smtp"))
		}
	case EmailProviderSES:
		if strings.TrimSpace(cfg.Email.SES.Region) == "" {
			errs = append(errs, errors.New("email.ses.region is required when email.provider=ses"))
		}
	case EmailProviderSendGrid:
		if strings.TrimSpace(cfg.Email.SendGrid.Token) == "" {
			errs = append(errs, errors.New("email.sendgrid.token is required when email.provider=sendgrid"))
		}
	case EmailProviderResend:
		if strings.TrimSpace(cfg.Email.Resend.Token) == "" {
			errs = append(errs, errors.New("email.resend.token is required when email.provider=resend"))
		}
	}
	if cfg.Email.CircuitBreaker.Enabled && cfg.Email.CircuitBreaker.MaxFailures <= 0 {
		errs = append(errs, errors.New("email.circuit_breaker.max_failures must be greater than 0 when enabled"))
	}
	if cfg.Email.RateLimit.Enabled && (cfg.Email.RateLimit.PerSecond <= 0 || cfg.Email.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("email.rate_limit.per_second and email.rate_limit.burst must be greater than 0 when enabled"))
	}

	if err := validateURL("accounts.reset_url", cfg.Accounts.ResetURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLevels))
	}
	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validFormats))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func validateURL(key, raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", key, err)
	}
	if !slices.Contains(schemes, strings.ToLower(parsed.Scheme)) {
		return fmt.Errorf("%s must use one of the schemes %v", key, schemes)
	}
	return nil
}

// RedactSettings returns a copy of settings with secret values masked.
func RedactSettings(settings map[string]any) map[string]any {
	out := cloneSettings(settings)
	for _, key := range secretKeys {
		redactPath(out, strings.Split(key, "."))
	}
	return out
}

func cloneSettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if nested, ok := value.(map[string]any); ok {
			out[key] = cloneSettings(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func redactPath(settings map[string]any, path []string) {
	if len(path) == 0 || settings == nil {
		return
	}
	value, ok := settings[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		if s, isString := value.(string); !isString || strings.TrimSpace(s) != "" {
			settings[path[0]] = "***"
		}
		return
	}
	if nested, isMap := value.(map[string]any); isMap {
		redactPath(nested, path[1:])
	}
}
