package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLeaseTTL is the reservation duration used when callers pass zero.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultMaxAttempts is the attempt budget before a job is dead-lettered.
	DefaultMaxAttempts = 5
	// DefaultDoneRetention keeps acknowledged jobs around for inspection.
	DefaultDoneRetention = 24 * time.Hour

	leaseExpiredReason = "lease expired"
)

// Store is the durable job storage contract shared by every backend.
type Store interface {
	// Push persists a new pending job and returns its id.
	Push(ctx context.Context, kind string, payload []byte) (string, error)
	// Reserve leases the next visible job of kind. It returns nil, nil, nil when
	// no job is eligible.
	Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error)
	// Acknowledge marks the leased job done.
	Acknowledge(ctx context.Context, lease *Lease) error
	// Requeue makes the leased job visible again after delay, or dead-letters it
	// once its attempt budget is spent. It returns the resulting status.
	Requeue(ctx context.Context, lease *Lease, delay time.Duration, reason error) (Status, error)
	// Renew extends an unexpired lease.
	Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error
	// Get returns a snapshot of one job record.
	Get(ctx context.Context, id string) (*Job, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// DeadLetterStore exposes dead-lettered jobs to operators.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, kind string, limit int) ([]*Job, error)
	// Replay pushes a copy of a dead-lettered job as a new pending job. The
	// dead-lettered record itself is left untouched.
	Replay(ctx context.Context, id string) (string, error)
}

// Purger is implemented by stores that apply retention with an explicit sweep.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// StoreConfig holds the policy shared by all store backends.
type StoreConfig struct {
	MaxAttempts         int
	DoneRetention       time.Duration
	DeadLetterRetention time.Duration
}

func (c *StoreConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DoneRetention < 0 {
		c.DoneRetention = 0
	}
	if c.DeadLetterRetention < 0 {
		c.DeadLetterRetention = 0
	}
}

func newJobID() string {
	return uuid.NewString()
}

func randomToken() string {
	return uuid.NewString()
}

func normalizeLeaseTTL(leaseFor time.Duration) time.Duration {
	if leaseFor <= 0 {
		return DefaultLeaseTTL
	}
	return leaseFor
}
