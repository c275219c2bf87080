package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
)

const (
	defaultPostgresTable        = "mailqueue_jobs"
	defaultPostgresQueryTimeout = 5 * time.Second
	defaultPostgresMaxOpenConns = 10
	defaultPostgresMaxIdleConns = 5
)

var postgresIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStoreConfig configures the PostgreSQL-backed store.
type PostgresStoreConfig struct {
	URL             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	StoreConfig
}

func (c *PostgresStoreConfig) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultPostgresTable
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultPostgresMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultPostgresMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultPostgresQueryTimeout
	}
	c.StoreConfig.normalize()
}

func (c PostgresStoreConfig) validate() error {
	if !postgresIdentifierPattern.MatchString(c.Table) {
		return jobsError(ErrInvalidArgument, "invalid postgres table name "+c.Table)
	}
	return nil
}

type postgresQueries struct {
	schema       string
	insert       string
	expireLeases string
	reserve      string
	ack          string
	requeue      string
	renew        string
	get          string
	listDead     string
	purge        string
}

func buildPostgresQueries(table string) postgresQueries {
	t := pq.QuoteIdentifier(table)
	index := pq.QuoteIdentifier(table + "_ready_idx")
	columns := "id, kind, payload, attempt, status, visible_at, created_at, updated_at, last_error"

	return postgresQueries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload BYTEA NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	visible_at TIMESTAMPTZ NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %s ON %s (kind, status, visible_at);`, t, index, t),

		insert: fmt.Sprintf(`INSERT INTO %s (id, kind, payload, attempt, status, visible_at, token, last_error, created_at, updated_at)
SELECT $1, $2, $3, 0, 'pending', clock.ts, '', '', clock.ts, clock.ts FROM (SELECT %s AS ts) AS clock`, t, postgresClock(4)),

		expireLeases: fmt.Sprintf(`WITH clock AS (SELECT %s AS ts)
UPDATE %s SET status = 'dead_lettered', token = '', last_error = $3, updated_at = clock.ts
FROM clock
WHERE kind = $1 AND status = 'reserved' AND visible_at <= clock.ts AND attempt >= $4`, postgresClock(2), t),

		reserve: fmt.Sprintf(`WITH clock AS (SELECT %s AS ts)
UPDATE %s SET status = 'reserved', attempt = attempt + 1, token = $3, visible_at = clock.ts + %s, updated_at = clock.ts
FROM clock
WHERE id = (
	SELECT id FROM %s
	WHERE kind = $1 AND status IN ('pending', 'reserved') AND visible_at <= (SELECT ts FROM clock)
	ORDER BY visible_at, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %s`, postgresClock(2), t, postgresMillis(4), t, columns),

		ack: fmt.Sprintf(`UPDATE %s SET status = 'done', token = '', updated_at = %s
WHERE id = $1 AND token = $2 AND status = 'reserved'`, t, postgresClock(3)),

		requeue: fmt.Sprintf(`WITH clock AS (SELECT %s AS ts)
UPDATE %s SET
	status = CASE WHEN attempt >= $4 THEN 'dead_lettered' ELSE 'pending' END,
	visible_at = CASE WHEN attempt >= $4 THEN visible_at ELSE clock.ts + %s END,
	token = '', last_error = $6, updated_at = clock.ts
FROM clock
WHERE id = $1 AND token = $2 AND status = 'reserved'
RETURNING status`, postgresClock(3), t, postgresMillis(5)),

		renew: fmt.Sprintf(`WITH clock AS (SELECT %s AS ts)
UPDATE %s SET visible_at = clock.ts + %s, updated_at = clock.ts
FROM clock
WHERE id = $1 AND token = $2 AND status = 'reserved' AND visible_at >= clock.ts
RETURNING visible_at`, postgresClock(3), t, postgresMillis(4)),

		get: fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, t),

		listDead: fmt.Sprintf(`SELECT %s FROM %s WHERE kind = $1 AND status = 'dead_lettered'
ORDER BY updated_at DESC LIMIT $2`, columns, t),

		purge: fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND updated_at <= $2`, t),
	}
}

// postgresClock reads the instant from parameter n, falling back to the
// database clock when it is NULL.
func postgresClock(n int) string {
	return fmt.Sprintf("COALESCE($%d::timestamptz, now())", n)
}

// postgresMillis turns parameter n, a count of milliseconds, into an interval.
func postgresMillis(n int) string {
	return fmt.Sprintf("($%d::double precision * interval '1 millisecond')", n)
}

// PostgresStore persists jobs in one table and leases them with
// FOR UPDATE SKIP LOCKED. Lease expiry and visibility are computed with the
// database clock, so workers on different hosts agree on them.
type PostgresStore struct {
	db      *sql.DB
	log     logger.Logger
	config  PostgresStoreConfig
	queries postgresQueries
	// now overrides the database clock when set.
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore opens the connection pool, verifies it and creates the jobs
// table when missing.
func NewPostgresStore(cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobsError(ErrInvalidArgument, "database url is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, jobsError(ErrInvalidArgument, fmt.Sprintf("open database failed: %v", err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeError("ping database", err)
	}

	store, err := newPostgresStoreWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("postgres jobs store ready", "table", cfg.Table, "max_open_conns", cfg.MaxOpenConns)
	return store, nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{
		db:      db,
		log:     log,
		config:  cfg,
		queries: buildPostgresQueries(cfg.Table),
	}, nil
}

// EnsureSchema creates the jobs table and its index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.schema); err != nil {
		return storeError("ensure schema", err)
	}
	return nil
}

// Push inserts a new pending job.
func (s *PostgresStore) Push(ctx context.Context, kind string, payload []byte) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	kind, err := validateKind(kind)
	if err != nil {
		return "", err
	}
	if err := validatePayload(payload); err != nil {
		return "", err
	}

	id := newJobID()
	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBInsert, "push")
	defer span.End()

	if _, err := s.db.ExecContext(spanCtx, s.queries.insert, id, kind, payload, s.clock()); err != nil {
		tracing.RecordError(span, err)
		return "", storeError("push", err)
	}
	tracing.RecordSuccess(span)
	recordJobEnqueued("postgres", kind)
	return id, nil
}

// Reserve dead-letters expired leases that spent their budget, then leases the
// oldest visible job of kind.
func (s *PostgresStore) Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, nil, err
	}
	kind, err := validateKind(kind)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	leaseMs := normalizeLeaseTTL(leaseFor).Milliseconds()

	now := s.clock()
	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "reserve")
	defer span.End()

	result, err := s.db.ExecContext(spanCtx, s.queries.expireLeases, kind, now, leaseExpiredReason, s.config.MaxAttempts)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, nil, storeError("expire leases", err)
	}
	if count, rowsErr := result.RowsAffected(); rowsErr == nil && count > 0 {
		for idx := int64(0); idx < count; idx++ {
			recordJobDeadLettered(kind)
		}
		s.log.Warn("jobs dead-lettered after lease expiry", "kind", kind, "count", count)
	}

	token := randomToken()
	row := s.db.QueryRowContext(spanCtx, s.queries.reserve, kind, now, token, leaseMs)
	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.RecordSuccess(span)
		return nil, nil, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, nil, storeError("reserve", err)
	}
	tracing.RecordSuccess(span)

	lease := &Lease{
		JobID:     job.ID,
		Token:     token,
		Kind:      kind,
		ExpiresAt: job.VisibleAt,
		Attempt:   job.Attempt,
	}
	return job, lease, nil
}

// Acknowledge marks the leased job done.
func (s *PostgresStore) Acknowledge(ctx context.Context, lease *Lease) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "ack")
	defer span.End()

	result, err := s.db.ExecContext(spanCtx, s.queries.ack, lease.JobID, lease.Token, s.clock())
	if err != nil {
		tracing.RecordError(span, err)
		return storeError("ack", err)
	}
	tracing.RecordSuccess(span)
	if affected, _ := result.RowsAffected(); affected == 0 {
		return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	return nil
}

// Requeue releases the lease with a visibility delay, or dead-letters the job
// when its attempt budget is spent.
func (s *PostgresStore) Requeue(ctx context.Context, lease *Lease, delay time.Duration, reason error) (Status, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	if err := validateLease(lease); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}

	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "requeue")
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(
		spanCtx,
		s.queries.requeue,
		lease.JobID,
		lease.Token,
		s.clock(),
		s.config.MaxAttempts,
		delay.Milliseconds(),
		failureReason(reason),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.RecordSuccess(span)
		return "", jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	if err != nil {
		tracing.RecordError(span, err)
		return "", storeError("requeue", err)
	}
	tracing.RecordSuccess(span)
	return ParseStatus(raw)
}

// Renew extends an unexpired lease.
func (s *PostgresStore) Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.queryContext(ctx)
	defer cancel()

	var expiresAt time.Time
	err := s.db.QueryRowContext(
		opCtx,
		s.queries.renew,
		lease.JobID,
		lease.Token,
		s.clock(),
		normalizeLeaseTTL(leaseFor).Milliseconds(),
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	if err != nil {
		return storeError("renew", err)
	}
	lease.ExpiresAt = expiresAt.UTC()
	return nil
}

// Get returns the job stored under id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBQuery, "get")
	defer span.End()

	job, err := scanPostgresJob(s.db.QueryRowContext(spanCtx, s.queries.get, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobsError(ErrUnknownJob, id)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("get", err)
	}
	tracing.RecordSuccess(span)
	return job, nil
}

// ListDeadLetters returns the most recently dead-lettered jobs of kind.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, kind string, limit int) ([]*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	kind, err := validateKind(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBQuery, "list dead letters")
	defer span.End()

	rows, err := s.db.QueryContext(spanCtx, s.queries.listDead, kind, limit)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list dead letters", err)
	}
	defer rows.Close()

	out := make([]*Job, 0)
	for rows.Next() {
		job, scanErr := scanPostgresJob(rows)
		if scanErr != nil {
			tracing.RecordError(span, scanErr)
			return nil, storeError("scan dead letter", scanErr)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list dead letters", err)
	}
	tracing.RecordSuccess(span)
	return out, nil
}

// Replay inserts a new pending copy of a dead-lettered job.
func (s *PostgresStore) Replay(ctx context.Context, id string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != StatusDeadLettered {
		return "", jobsError(ErrInvalidArgument, "job "+id+" is not dead-lettered")
	}
	return s.Push(ctx, job.Kind, job.Payload)
}

// Purge deletes terminal jobs older than their retention window.
func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	windows := []struct {
		status    Status
		retention time.Duration
	}{
		{StatusDone, s.config.DoneRetention},
		{StatusDeadLettered, s.config.DeadLetterRetention},
	}

	removed := 0
	for _, window := range windows {
		if window.retention <= 0 {
			continue
		}
		opCtx, cancel := s.queryContext(ctx)
		spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBDelete, "purge")
		result, err := s.db.ExecContext(spanCtx, s.queries.purge, string(window.status), now.Add(-window.retention))
		if err != nil {
			tracing.RecordError(span, err)
		} else {
			tracing.RecordSuccess(span)
		}
		span.End()
		cancel()
		if err != nil {
			return removed, storeError("purge", err)
		}
		if affected, rowsErr := result.RowsAffected(); rowsErr == nil {
			removed += int(affected)
		}
	}
	return removed, nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.queryContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// clock returns the override instant, or nil so queries use now().
func (s *PostgresStore) clock() any {
	if s.now == nil {
		return nil
	}
	return s.now()
}

func (s *PostgresStore) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// queryContext applies the configured timeout unless the caller already set a
// deadline.
func (s *PostgresStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *PostgresStore) startSpan(ctx context.Context, operation tracing.SpanOperation, statement string) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(
		ctx,
		operation,
		tracing.WithDBSystem("postgresql"),
		tracing.WithDBTable(s.config.Table),
		tracing.WithDBStatement(statement),
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		payload []byte
		status  string
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&job.Attempt,
		&status,
		&job.VisibleAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastError,
	); err != nil {
		return nil, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = parsed
	job.Payload = payload
	job.VisibleAt = job.VisibleAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
