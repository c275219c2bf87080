package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const contractKind = "ForgottenEmail"

var contractPayload = []byte(`{"email":"someone@example.com"}`)

// testClock is a settable clock shared by a store under test. It starts on a
// whole millisecond so Redis millisecond scores round-trip exactly.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_760_000_000_000).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type contractStore interface {
	Store
	DeadLetterStore
}

// storeFactory builds a fresh, empty store driven by clock.
type storeFactory func(t *testing.T, cfg StoreConfig, clock *testClock) contractStore

// runStoreContract checks the lease semantics every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("push reserve acknowledge", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{}, clock)

		id, err := store.Push(ctx, contractKind, contractPayload)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}

		pending, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if pending.Status != StatusPending || pending.Attempt != 0 {
			t.Fatalf("expected fresh pending job, got %+v", pending)
		}

		job, lease, err := store.Reserve(ctx, contractKind, 30*time.Second)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if job == nil || lease == nil {
			t.Fatal("expected a reserved job")
		}
		if job.ID != id || job.Attempt != 1 || job.Status != StatusReserved {
			t.Fatalf("unexpected reserved job %+v", job)
		}
		if string(job.Payload) != string(contractPayload) {
			t.Fatalf("payload = %s, want %s", job.Payload, contractPayload)
		}
		if lease.Attempt != 1 || lease.Kind != contractKind || lease.Token == "" {
			t.Fatalf("unexpected lease %+v", lease)
		}
		if !lease.ExpiresAt.Equal(clock.Now().Add(30 * time.Second)) {
			t.Fatalf("lease expires at %v, want %v", lease.ExpiresAt, clock.Now().Add(30*time.Second))
		}

		again, _, err := store.Reserve(ctx, contractKind, 30*time.Second)
		if err != nil {
			t.Fatalf("second Reserve() error = %v", err)
		}
		if again != nil {
			t.Fatalf("job leased twice: %+v", again)
		}

		if err := store.Acknowledge(ctx, lease); err != nil {
			t.Fatalf("Acknowledge() error = %v", err)
		}
		done, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if done.Status != StatusDone || done.Attempt != 1 {
			t.Fatalf("expected done after one attempt, got %+v", done)
		}
		if err := store.Acknowledge(ctx, lease); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("second Acknowledge() error = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("requeue hides job until delay passes", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{MaxAttempts: 5}, clock)

		id := mustPush(t, store, contractKind)
		_, lease := mustReserve(t, store, contractKind, 30*time.Second)

		status, err := store.Requeue(ctx, lease, 10*time.Second, errors.New("smtp 451"))
		if err != nil {
			t.Fatalf("Requeue() error = %v", err)
		}
		if status != StatusPending {
			t.Fatalf("Requeue() status = %s, want pending", status)
		}

		if job, _, _ := store.Reserve(ctx, contractKind, 30*time.Second); job != nil {
			t.Fatalf("job visible before its delay: %+v", job)
		}

		clock.Advance(10 * time.Second)
		job, lease2 := mustReserve(t, store, contractKind, 30*time.Second)
		if job.ID != id || job.Attempt != 2 {
			t.Fatalf("expected second attempt of %s, got %+v", id, job)
		}
		if job.LastError != "smtp 451" {
			t.Fatalf("LastError = %q", job.LastError)
		}
		if lease2.Token == lease.Token {
			t.Fatal("expected a fresh lease token per attempt")
		}
		if _, err := store.Requeue(ctx, lease, 0, nil); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Requeue() with old lease error = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("dead letter after max attempts and replay", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{MaxAttempts: 2}, clock)

		id := mustPush(t, store, contractKind)
		_, lease := mustReserve(t, store, contractKind, 30*time.Second)
		if status, err := store.Requeue(ctx, lease, 0, errors.New("boom")); err != nil || status != StatusPending {
			t.Fatalf("first Requeue() = %s, %v", status, err)
		}

		_, lease = mustReserve(t, store, contractKind, 30*time.Second)
		status, err := store.Requeue(ctx, lease, 0, errors.New("boom"))
		if err != nil {
			t.Fatalf("second Requeue() error = %v", err)
		}
		if status != StatusDeadLettered {
			t.Fatalf("second Requeue() status = %s, want dead_lettered", status)
		}

		if job, _, _ := store.Reserve(ctx, contractKind, 30*time.Second); job != nil {
			t.Fatalf("dead-lettered job reserved again: %+v", job)
		}

		dead, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if dead.Status != StatusDeadLettered || dead.Attempt != 2 || dead.LastError != "boom" {
			t.Fatalf("unexpected dead-lettered record %+v", dead)
		}

		listed, err := store.ListDeadLetters(ctx, contractKind, 10)
		if err != nil {
			t.Fatalf("ListDeadLetters() error = %v", err)
		}
		if len(listed) != 1 || listed[0].ID != id {
			t.Fatalf("ListDeadLetters() = %+v", listed)
		}

		replayID, err := store.Replay(ctx, id)
		if err != nil {
			t.Fatalf("Replay() error = %v", err)
		}
		if replayID == id {
			t.Fatal("Replay() must create a new job")
		}
		replayed, err := store.Get(ctx, replayID)
		if err != nil {
			t.Fatalf("Get(replay) error = %v", err)
		}
		if replayed.Status != StatusPending || replayed.Attempt != 0 || string(replayed.Payload) != string(contractPayload) {
			t.Fatalf("unexpected replayed job %+v", replayed)
		}
		if original, _ := store.Get(ctx, id); original == nil || original.Status != StatusDeadLettered {
			t.Fatalf("Replay() must leave the dead-lettered record untouched, got %+v", original)
		}

		if _, err := store.Replay(ctx, replayID); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Replay(pending) error = %v, want ErrInvalidArgument", err)
		}
		if _, err := store.Replay(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Replay(missing) error = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{MaxAttempts: 3}, clock)

		id := mustPush(t, store, contractKind)
		_, stale := mustReserve(t, store, contractKind, 5*time.Second)

		clock.Advance(4 * time.Second)
		if job, _, _ := store.Reserve(ctx, contractKind, 5*time.Second); job != nil {
			t.Fatalf("job reclaimed before its lease expired: %+v", job)
		}

		clock.Advance(2 * time.Second)
		job, lease := mustReserve(t, store, contractKind, 5*time.Second)
		if job.ID != id || job.Attempt != 2 {
			t.Fatalf("expected reclaimed attempt 2 of %s, got %+v", id, job)
		}

		if err := store.Acknowledge(ctx, stale); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Acknowledge(stale) error = %v, want ErrUnknownJob", err)
		}
		if err := store.Renew(ctx, stale, 5*time.Second); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Renew(stale) error = %v, want ErrUnknownJob", err)
		}
		if err := store.Acknowledge(ctx, lease); err != nil {
			t.Fatalf("Acknowledge(current) error = %v", err)
		}
	})

	t.Run("expired lease at max attempts dead-letters", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{MaxAttempts: 1}, clock)

		id := mustPush(t, store, contractKind)
		mustReserve(t, store, contractKind, 5*time.Second)

		clock.Advance(6 * time.Second)
		job, _, err := store.Reserve(ctx, contractKind, 5*time.Second)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if job != nil {
			t.Fatalf("exhausted job reserved again: %+v", job)
		}

		dead, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if dead.Status != StatusDeadLettered || dead.LastError != leaseExpiredReason {
			t.Fatalf("expected dead letter after lease expiry, got %+v", dead)
		}
	})

	t.Run("renew extends an unexpired lease", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{}, clock)

		mustPush(t, store, contractKind)
		_, lease := mustReserve(t, store, contractKind, 5*time.Second)

		clock.Advance(3 * time.Second)
		if err := store.Renew(ctx, lease, 5*time.Second); err != nil {
			t.Fatalf("Renew() error = %v", err)
		}
		if want := clock.Now().Add(5 * time.Second); !lease.ExpiresAt.Equal(want) {
			t.Fatalf("lease.ExpiresAt = %v, want %v", lease.ExpiresAt, want)
		}

		clock.Advance(4 * time.Second)
		if job, _, _ := store.Reserve(ctx, contractKind, 5*time.Second); job != nil {
			t.Fatalf("renewed lease was reclaimed: %+v", job)
		}

		clock.Advance(2 * time.Second)
		if err := store.Renew(ctx, lease, 5*time.Second); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Renew(expired) error = %v, want ErrUnknownJob", err)
		}
	})

	t.Run("fifo within kind and isolation across kinds", func(t *testing.T) {
		clock := newTestClock()
		store := newStore(t, StoreConfig{}, clock)

		first := mustPush(t, store, contractKind)
		clock.Advance(time.Second)
		second := mustPush(t, store, contractKind)
		other := mustPush(t, store, "Welcome")

		job, _ := mustReserve(t, store, contractKind, time.Minute)
		if job.ID != first {
			t.Fatalf("expected oldest job %s first, got %s", first, job.ID)
		}
		job, _ = mustReserve(t, store, contractKind, time.Minute)
		if job.ID != second {
			t.Fatalf("expected %s second, got %s", second, job.ID)
		}
		if job, _, _ := store.Reserve(ctx, contractKind, time.Minute); job != nil {
			t.Fatalf("kind drained but reserved %+v", job)
		}

		job, _ = mustReserve(t, store, "Welcome", time.Minute)
		if job.ID != other {
			t.Fatalf("expected %s for Welcome, got %s", other, job.ID)
		}
	})

	t.Run("argument errors", func(t *testing.T) {
		store := newStore(t, StoreConfig{}, newTestClock())

		if _, err := store.Push(ctx, "  ", contractPayload); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Push(blank kind) error = %v", err)
		}
		if _, err := store.Push(ctx, contractKind, []byte("{not json")); !errors.Is(err, ErrSerialization) {
			t.Fatalf("Push(invalid json) error = %v", err)
		}
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Get(missing) error = %v", err)
		}
		if err := store.Acknowledge(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Acknowledge(nil) error = %v", err)
		}
		if err := store.Acknowledge(ctx, &Lease{JobID: "missing", Token: "t", Kind: contractKind}); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("Acknowledge(unknown) error = %v", err)
		}
	})

	t.Run("closed store rejects calls", func(t *testing.T) {
		store := newStore(t, StoreConfig{}, newTestClock())
		if err := store.HealthCheck(ctx); err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := store.Push(ctx, contractKind, contractPayload); !errors.Is(err, ErrClosed) {
			t.Fatalf("Push() after Close error = %v, want ErrClosed", err)
		}
		if err := store.HealthCheck(ctx); err == nil {
			t.Fatal("expected HealthCheck() to fail after Close")
		}
	})
}

// runPurgerContract checks retention sweeps for stores that implement Purger.
func runPurgerContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	clock := newTestClock()
	store := newStore(t, StoreConfig{MaxAttempts: 1, DoneRetention: time.Hour}, clock)
	purger, ok := store.(Purger)
	if !ok {
		t.Fatalf("%T does not implement Purger", store)
	}

	doneID := mustPush(t, store, contractKind)
	_, lease := mustReserve(t, store, contractKind, time.Minute)
	if err := store.Acknowledge(ctx, lease); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	deadID := mustPush(t, store, contractKind)
	_, lease = mustReserve(t, store, contractKind, time.Minute)
	if _, err := store.Requeue(ctx, lease, 0, errors.New("boom")); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	removed, err := purger.Purge(ctx, clock.Now().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if removed != 0 {
		t.Fatalf("Purge() inside retention removed %d", removed)
	}

	removed, err = purger.Purge(ctx, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Purge() removed %d, want 1", removed)
	}
	if _, err := store.Get(ctx, doneID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Get(purged) error = %v, want ErrUnknownJob", err)
	}
	if job, err := store.Get(ctx, deadID); err != nil || job.Status != StatusDeadLettered {
		t.Fatalf("dead letters without retention must be kept, got %+v, %v", job, err)
	}
}

func mustPush(t *testing.T, store Store, kind string) string {
	t.Helper()
	id, err := store.Push(context.Background(), kind, contractPayload)
	if err != nil {
		t.Fatalf("Push(%s) error = %v", kind, err)
	}
	return id
}

func mustReserve(t *testing.T, store Store, kind string, leaseFor time.Duration) (*Job, *Lease) {
	t.Helper()
	job, lease, err := store.Reserve(context.Background(), kind, leaseFor)
	if err != nil {
		t.Fatalf("Reserve(%s) error = %v", kind, err)
	}
	if job == nil || lease == nil {
		t.Fatalf("Reserve(%s) returned no job", kind)
	}
	return job, lease
}
