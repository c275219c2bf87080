package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryRecord struct {
	job   *Job
	token string
	seq   uint64
}

// MemoryStore is an in-process Store. Records do not survive a restart, so it
// is meant for tests and local development.
type MemoryStore struct {
	config StoreConfig
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	seq     uint64
	records map[string]*memoryRecord
	byKind  map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	cfg.normalize()
	return &MemoryStore{
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
		records: map[string]*memoryRecord{},
		byKind:  map[string][]string{},
	}
}

// Push stores a new pending job.
func (s *MemoryStore) Push(ctx context.Context, kind string, payload []byte) (string, error) {
	kind, err := validateKind(kind)
	if err != nil {
		return "", err
	}
	if err := validatePayload(payload); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	now := s.now()
	s.seq++
	job := &Job{
		ID:        newJobID(),
		Kind:      kind,
		Payload:   cloneBytes(payload),
		Status:    StatusPending,
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[job.ID] = &memoryRecord{job: job, seq: s.seq}
	s.byKind[kind] = append(s.byKind[kind], job.ID)
	recordJobEnqueued("memory", kind)
	return job.ID, nil
}

// Reserve leases the oldest visible job of kind.
func (s *MemoryStore) Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error) {
	kind, err := validateKind(kind)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	leaseFor = normalizeLeaseTTL(leaseFor)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	now := s.now()
	var candidate *memoryRecord
	for _, id := range s.byKind[kind] {
		rec := s.records[id]
		if rec == nil || rec.job.Status.Terminal() || rec.job.VisibleAt.After(now) {
			continue
		}
		if rec.job.Status == StatusReserved && rec.job.Attempt >= s.config.MaxAttempts {
			s.deadLetterLocked(rec, now, leaseExpiredReason)
			recordJobDeadLettered(kind)
			continue
		}
		if candidate == nil || earlier(rec, candidate) {
			candidate = rec
		}
	}
	if candidate == nil {
		return nil, nil, nil
	}

	candidate.token = randomToken()
	candidate.job.Status = StatusReserved
	candidate.job.Attempt++
	candidate.job.VisibleAt = now.Add(leaseFor)
	candidate.job.UpdatedAt = now

	lease := &Lease{
		JobID:     candidate.job.ID,
		Token:     candidate.token,
		Kind:      kind,
		ExpiresAt: candidate.job.VisibleAt,
		Attempt:   candidate.job.Attempt,
	}
	return cloneJob(candidate.job), lease, nil
}

// Acknowledge marks the leased job done.
func (s *MemoryStore) Acknowledge(ctx context.Context, lease *Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.leasedLocked(lease)
	if err != nil {
		return err
	}
	now := s.now()
	rec.token = ""
	rec.job.Status = StatusDone
	rec.job.UpdatedAt = now
	return nil
}

// Requeue releases the lease with a visibility delay or dead-letters the job.
func (s *MemoryStore) Requeue(ctx context.Context, lease *Lease, delay time.Duration, reason error) (Status, error) {
	if err := validateLease(lease); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.leasedLocked(lease)
	if err != nil {
		return "", err
	}
	now := s.now()
	if rec.job.Attempt >= s.config.MaxAttempts {
		s.deadLetterLocked(rec, now, failureReason(reason))
		return StatusDeadLettered, nil
	}
	rec.token = ""
	rec.job.Status = StatusPending
	rec.job.VisibleAt = now.Add(delay)
	rec.job.UpdatedAt = now
	rec.job.LastError = failureReason(reason)
	return StatusPending, nil
}

// Renew extends an unexpired lease.
func (s *MemoryStore) Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	leaseFor = normalizeLeaseTTL(leaseFor)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.leasedLocked(lease)
	if err != nil {
		return err
	}
	now := s.now()
	if rec.job.VisibleAt.Before(now) {
		return jobsError(ErrUnknownJob, "lease expired")
	}
	rec.job.VisibleAt = now.Add(leaseFor)
	rec.job.UpdatedAt = now
	lease.ExpiresAt = rec.job.VisibleAt
	return nil
}

// Get returns a copy of the job record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return nil, jobsError(ErrUnknownJob, id)
	}
	return cloneJob(rec.job), nil
}

// ListDeadLetters returns the most recently dead-lettered jobs of kind.
func (s *MemoryStore) ListDeadLetters(ctx context.Context, kind string, limit int) ([]*Job, error) {
	kind, err := validateKind(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0)
	for _, id := range s.byKind[kind] {
		rec := s.records[id]
		if rec != nil && rec.job.Status == StatusDeadLettered {
			out = append(out, cloneJob(rec.job))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Replay pushes a fresh copy of a dead-lettered job.
func (s *MemoryStore) Replay(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	rec, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		s.mu.Unlock()
		return "", jobsError(ErrUnknownJob, id)
	}
	if rec.job.Status != StatusDeadLettered {
		s.mu.Unlock()
		return "", jobsError(ErrInvalidArgument, "job "+id+" is not dead-lettered")
	}
	kind, payload := rec.job.Kind, cloneBytes(rec.job.Payload)
	s.mu.Unlock()

	return s.Push(ctx, kind, payload)
}

// Purge removes terminal jobs older than their retention window.
func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for kind, ids := range s.byKind {
		kept := ids[:0]
		for _, id := range ids {
			rec := s.records[id]
			if rec != nil && expired(rec.job, now, s.config) {
				delete(s.records, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		s.byKind[kind] = kept
	}
	return removed, nil
}

// HealthCheck reports whether the store is open.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) leasedLocked(lease *Lease) (*memoryRecord, error) {
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[strings.TrimSpace(lease.JobID)]
	if !ok {
		return nil, jobsError(ErrUnknownJob, lease.JobID)
	}
	if rec.job.Status != StatusReserved || rec.token != lease.Token {
		return nil, jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	return rec, nil
}

func (s *MemoryStore) deadLetterLocked(rec *memoryRecord, now time.Time, reason string) {
	rec.token = ""
	rec.job.Status = StatusDeadLettered
	rec.job.UpdatedAt = now
	rec.job.LastError = reason
}

func earlier(a, b *memoryRecord) bool {
	if !a.job.VisibleAt.Equal(b.job.VisibleAt) {
		return a.job.VisibleAt.Before(b.job.VisibleAt)
	}
	return a.seq < b.seq
}

func expired(job *Job, now time.Time, cfg StoreConfig) bool {
	switch job.Status {
	case StatusDone:
		return cfg.DoneRetention > 0 && now.Sub(job.UpdatedAt) >= cfg.DoneRetention
	case StatusDeadLettered:
		return cfg.DeadLetterRetention > 0 && now.Sub(job.UpdatedAt) >= cfg.DeadLetterRetention
	default:
		return false
	}
}
