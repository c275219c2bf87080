// Package jobs implements a durable at-least-once job queue and the worker pool
// that drains it.
//
// Jobs are reserved per kind under a time-boxed lease. A worker that crashes
// mid-execution simply lets its lease expire, after which the job becomes
// reservable again, so handlers must be idempotent. Ordering within one kind is
// best-effort FIFO and is not preserved across retries: a requeued job becomes
// visible again later and may be overtaken by newer jobs.
package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReserved     Status = "reserved"
	StatusDone         Status = "done"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDeadLettered
}

// ParseStatus converts a stored status string.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.TrimSpace(value)) {
	case StatusPending:
		return StatusPending, nil
	case StatusReserved:
		return StatusReserved, nil
	case StatusDone:
		return StatusDone, nil
	case StatusDeadLettered:
		return StatusDeadLettered, nil
	default:
		return "", jobsError(ErrSerialization, "unknown job status "+value)
	}
}

// Job is the unit of work persisted by a Store.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	Status    Status          `json:"status"`
	VisibleAt time.Time       `json:"visible_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	LastError string          `json:"last_error,omitempty"`
}

// Lease is the time-boxed reservation a worker holds on one job attempt.
type Lease struct {
	JobID     string
	Token     string
	Kind      string
	ExpiresAt time.Time
	Attempt   int
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if j == nil {
		return jobsError(ErrInvalidArgument, "job is nil")
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return jobsError(ErrSerialization, err.Error())
	}
	return nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	cp := *job
	cp.Payload = cloneBytes(job.Payload)
	return &cp
}

func cloneLease(lease *Lease) *Lease {
	if lease == nil {
		return nil
	}
	cp := *lease
	return &cp
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateLease(lease *Lease) error {
	if lease == nil {
		return jobsError(ErrInvalidArgument, "lease is required")
	}
	if strings.TrimSpace(lease.JobID) == "" {
		return jobsError(ErrInvalidArgument, "lease job id is required")
	}
	if strings.TrimSpace(lease.Token) == "" {
		return jobsError(ErrInvalidArgument, "lease token is required")
	}
	return nil
}

func validateKind(kind string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", jobsError(ErrInvalidArgument, "job kind is required")
	}
	return kind, nil
}

func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return jobsError(ErrSerialization, "payload is empty")
	}
	if !json.Valid(payload) {
		return jobsError(ErrSerialization, "payload is not valid json")
	}
	return nil
}

func failureReason(reason error) string {
	if reason == nil {
		return ""
	}
	return reason.Error()
}
