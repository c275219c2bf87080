// Package factory builds the job store and pool configuration from service
// configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/jobs"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// Store is what the service needs from a backend: the queue itself plus the
// dead-letter operations used by the CLI.
type Store interface {
	jobs.Store
	jobs.DeadLetterStore
}

// NewStore opens the configured backend. A backend that cannot be reached
// yields an error wrapping jobs.ErrStoreUnavailable.
func NewStore(cfg config.JobsConfig, log logger.Logger) (Store, error) {
	policy := StoreConfig(cfg)

	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case config.JobsStoreRedis, "":
		store, err := jobs.NewRedisStore(jobs.RedisStoreConfig{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
			StoreConfig:      policy,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.JobsStorePostgres:
		store, err := jobs.NewPostgresStore(jobs.PostgresStoreConfig{
			URL:             cfg.Postgres.URL,
			Table:           cfg.Postgres.Table,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Postgres.QueryTimeout,
			StoreConfig:     policy,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.JobsStoreSQS:
		store, err := jobs.NewSQSStore(context.Background(), SQSStoreConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.JobsStoreMemory:
		log.Warn("using in-memory jobs store; jobs are lost on restart")
		return jobs.NewMemoryStore(policy), nil
	default:
		return nil, fmt.Errorf("unsupported jobs store %q (supported: redis, postgres, sqs, memory)", cfg.Store)
	}
}

// StoreConfig extracts the attempt and retention policy.
func StoreConfig(cfg config.JobsConfig) jobs.StoreConfig {
	return jobs.StoreConfig{
		MaxAttempts:         cfg.Retry.MaxAttempts,
		DoneRetention:       cfg.Retention.Done,
		DeadLetterRetention: cfg.Retention.DeadLettered,
	}
}

// SQSStoreConfig maps the jobs section onto the SQS store settings.
func SQSStoreConfig(cfg config.JobsConfig) jobs.SQSStoreConfig {
	return jobs.SQSStoreConfig{
		Region:           cfg.SQS.Region,
		Endpoint:         cfg.SQS.Endpoint,
		QueuePrefix:      cfg.SQS.QueuePrefix,
		AccessKeyID:      cfg.SQS.AccessKeyID,
		SecretAccessKey:  cfg.SQS.SecretAccessKey,
		SessionToken:     cfg.SQS.SessionToken,
		OperationTimeout: cfg.SQS.OperationTimeout,
		CreateQueues:     cfg.SQS.CreateQueues,
		StoreConfig:      StoreConfig(cfg),
	}
}

// PoolConfig maps the jobs section onto worker pool settings.
func PoolConfig(cfg config.JobsConfig) jobs.PoolConfig {
	return jobs.PoolConfig{
		Workers:          cfg.Workers,
		PollInterval:     cfg.PollInterval,
		LeaseTTL:         cfg.LeaseTTL,
		AttemptTimeout:   cfg.Retry.AttemptTimeout,
		MaxStoreFailures: cfg.MaxStoreFailures,
		Backoff: jobs.BackoffPolicy{
			Initial: cfg.Retry.InitialBackoff,
			Max:     cfg.Retry.MaxBackoff,
		},
		RetentionInterval: cfg.Retention.Interval,
	}
}
