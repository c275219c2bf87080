package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
)

const (
	defaultRedisPrefix           = "mailqueue"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisReclaimBatch     = 100
)

const (
	redisFieldID        = "id"
	redisFieldKind      = "kind"
	redisFieldPayload   = "payload"
	redisFieldAttempt   = "attempt"
	redisFieldStatus    = "status"
	redisFieldVisibleAt = "visible_at"
	redisFieldCreatedAt = "created_at"
	redisFieldUpdatedAt = "updated_at"
	redisFieldToken     = "token"
	redisFieldLastError = "last_error"
)

// redisClockLua resolves the script's clock. A positive override wins;
// otherwise the server's TIME is used so every worker shares one clock.
const redisClockLua = `
local function clockMs(override)
  local ms = tonumber(override)
  if ms and ms > 0 then
    return ms
  end
  local t = redis.call("TIME")
  return tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end
`

var (
	// KEYS: job, pending
	// ARGV: id, kind, payload, nowMs
	redisPushScript = redis.NewScript(redisClockLua + `
local nowMs = clockMs(ARGV[4])
redis.call("HSET", KEYS[1], "id", ARGV[1], "kind", ARGV[2], "payload", ARGV[3], "attempt", 0, "status", "pending",
  "visible_at", nowMs, "created_at", nowMs, "updated_at", nowMs, "token", "", "last_error", "")
redis.call("ZADD", KEYS[2], nowMs, ARGV[1])
return 1
`)

	// KEYS: pending, reserved, dead
	// ARGV: jobPrefix, nowMs, leaseMs, token, maxAttempts, deadRetentionMs, reason, batch
	// Returns {deadLetteredCount, jobFields|false}.
	redisReserveScript = redis.NewScript(redisClockLua + `
local pending = KEYS[1]
local reserved = KEYS[2]
local dead = KEYS[3]
local jobPrefix = ARGV[1]
local nowMs = clockMs(ARGV[2])
local leaseMs = tonumber(ARGV[3])
local token = ARGV[4]
local maxAttempts = tonumber(ARGV[5])
local deadRetentionMs = tonumber(ARGV[6])
local reason = ARGV[7]
local batch = tonumber(ARGV[8])

local deadLettered = 0
local expired = redis.call("ZRANGEBYSCORE", reserved, "-inf", nowMs, "WITHSCORES", "LIMIT", 0, batch)
for i = 1, #expired, 2 do
  local id = expired[i]
  local expiredAt = expired[i + 1]
  local key = jobPrefix .. id
  redis.call("ZREM", reserved, id)
  if redis.call("EXISTS", key) == 1 then
    local attempt = tonumber(redis.call("HGET", key, "attempt") or "0")
    if attempt >= maxAttempts then
      redis.call("HSET", key, "status", "dead_lettered", "token", "", "last_error", reason, "updated_at", nowMs)
      redis.call("ZADD", dead, nowMs, id)
      if deadRetentionMs > 0 then
        redis.call("PEXPIRE", key, deadRetentionMs)
      end
      deadLettered = deadLettered + 1
    else
      redis.call("HSET", key, "status", "pending", "token", "", "visible_at", expiredAt, "updated_at", nowMs)
      redis.call("ZADD", pending, expiredAt, id)
    end
  end
end

while true do
  local ids = redis.call("ZRANGEBYSCORE", pending, "-inf", nowMs, "LIMIT", 0, 1)
  if #ids == 0 then
    return {deadLettered, false}
  end
  local id = ids[1]
  local key = jobPrefix .. id
  redis.call("ZREM", pending, id)
  if redis.call("EXISTS", key) == 1 then
    local expiresAt = nowMs + leaseMs
    redis.call("HINCRBY", key, "attempt", 1)
    redis.call("HSET", key, "status", "reserved", "token", token, "visible_at", expiresAt, "updated_at", nowMs)
    redis.call("ZADD", reserved, expiresAt, id)
    return {deadLettered, redis.call("HGETALL", key)}
  end
end
`)

	// KEYS: job, reserved
	// ARGV: id, token, nowMs, doneRetentionMs
	redisAckScript = redis.NewScript(redisClockLua + `
if redis.call("HGET", KEYS[1], "status") ~= "reserved" or redis.call("HGET", KEYS[1], "token") ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "status", "done", "token", "", "updated_at", clockMs(ARGV[3]))
local retentionMs = tonumber(ARGV[4])
if retentionMs > 0 then
  redis.call("PEXPIRE", KEYS[1], retentionMs)
end
return 1
`)

	// KEYS: job, reserved, pending, dead
	// ARGV: id, token, nowMs, delayMs, reason, maxAttempts, deadRetentionMs
	// Returns 0 when the lease is not held, 1 when pending again, 2 when dead-lettered.
	redisRequeueScript = redis.NewScript(redisClockLua + `
if redis.call("HGET", KEYS[1], "status") ~= "reserved" or redis.call("HGET", KEYS[1], "token") ~= ARGV[2] then
  return 0
end
local nowMs = clockMs(ARGV[3])
redis.call("ZREM", KEYS[2], ARGV[1])
local attempt = tonumber(redis.call("HGET", KEYS[1], "attempt") or "0")
if attempt >= tonumber(ARGV[6]) then
  redis.call("HSET", KEYS[1], "status", "dead_lettered", "token", "", "last_error", ARGV[5], "updated_at", nowMs)
  redis.call("ZADD", KEYS[4], nowMs, ARGV[1])
  local retentionMs = tonumber(ARGV[7])
  if retentionMs > 0 then
    redis.call("PEXPIRE", KEYS[1], retentionMs)
  end
  return 2
end
local visibleAt = nowMs + tonumber(ARGV[4])
redis.call("HSET", KEYS[1], "status", "pending", "token", "", "last_error", ARGV[5], "visible_at", visibleAt, "updated_at", nowMs)
redis.call("ZADD", KEYS[3], visibleAt, ARGV[1])
return 1
`)

	// KEYS: job, reserved
	// ARGV: id, token, nowMs, leaseMs
	// Returns 0 when the lease is not held, -1 when it already expired, else
	// the new expiry in milliseconds.
	redisRenewScript = redis.NewScript(redisClockLua + `
if redis.call("HGET", KEYS[1], "status") ~= "reserved" or redis.call("HGET", KEYS[1], "token") ~= ARGV[2] then
  return 0
end
local nowMs = clockMs(ARGV[3])
if tonumber(redis.call("HGET", KEYS[1], "visible_at") or "0") < nowMs then
  return -1
end
local expiresAt = nowMs + tonumber(ARGV[4])
redis.call("HSET", KEYS[1], "visible_at", expiresAt, "updated_at", nowMs)
redis.call("ZADD", KEYS[2], expiresAt, ARGV[1])
return expiresAt
`)
)

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	ReclaimBatch     int
	StoreConfig
}

func (c *RedisStoreConfig) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = defaultRedisReclaimBatch
	}
	c.StoreConfig.normalize()
}

// RedisStore keeps every job in a hash and indexes it per kind with sorted
// sets scored by visibility, lease expiry and failure time. Terminal records
// expire through key TTLs. Timestamps come from the Redis server's clock.
type RedisStore struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisStoreConfig
	// now overrides the server clock when set.
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobsError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, jobsError(ErrInvalidArgument, fmt.Sprintf("parse redis url failed: %v", err))
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeError("ping redis", err)
	}

	return newRedisStoreWithClient(client, cfg, log), nil
}

func newRedisStoreWithClient(client redis.UniversalClient, cfg RedisStoreConfig, log logger.Logger) *RedisStore {
	cfg.normalize()
	return &RedisStore{
		client: client,
		log:    log,
		config: cfg,
	}
}

// Push writes the job hash and indexes it as pending in one script.
func (s *RedisStore) Push(ctx context.Context, kind string, payload []byte) (string, error) {
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
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBInsert, "push")
	defer span.End()

	err = redisPushScript.Run(
		spanCtx,
		s.client,
		[]string{s.jobKey(id), s.pendingKey(kind)},
		id,
		kind,
		string(payload),
		s.clockMillis(),
	).Err()
	if err != nil {
		tracing.RecordError(span, err)
		return "", storeError("push", err)
	}
	tracing.RecordSuccess(span)
	recordJobEnqueued("redis", kind)
	return id, nil
}

// Reserve reclaims expired leases of kind, then leases the oldest visible job.
func (s *RedisStore) Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error) {
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
	if leaseMs <= 0 {
		leaseMs = 1
	}

	token := randomToken()
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "reserve")
	defer span.End()

	result, err := redisReserveScript.Run(
		spanCtx,
		s.client,
		[]string{s.pendingKey(kind), s.reservedKey(kind), s.deadKey(kind)},
		s.jobKeyPrefix(),
		s.clockMillis(),
		leaseMs,
		token,
		s.config.MaxAttempts,
		s.config.DeadLetterRetention.Milliseconds(),
		leaseExpiredReason,
		s.config.ReclaimBatch,
	).Slice()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, nil, storeError("reserve", err)
	}
	tracing.RecordSuccess(span)
	if len(result) < 2 {
		return nil, nil, jobsError(ErrSerialization, "unexpected reserve reply")
	}

	if count, ok := result[0].(int64); ok && count > 0 {
		for idx := int64(0); idx < count; idx++ {
			recordJobDeadLettered(kind)
		}
		s.log.Warn("jobs dead-lettered after lease expiry", "kind", kind, "count", count)
	}

	fields, ok := result[1].([]any)
	if !ok || len(fields) == 0 {
		return nil, nil, nil
	}
	job, err := decodeRedisJob(flatToMap(fields))
	if err != nil {
		return nil, nil, err
	}
	lease := &Lease{
		JobID:     job.ID,
		Token:     token,
		Kind:      kind,
		ExpiresAt: job.VisibleAt,
		Attempt:   job.Attempt,
	}
	return job, lease, nil
}

// Acknowledge marks the leased job done and applies done retention as a TTL.
func (s *RedisStore) Acknowledge(ctx context.Context, lease *Lease) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "ack")
	defer span.End()

	held, err := redisAckScript.Run(
		spanCtx,
		s.client,
		[]string{s.jobKey(lease.JobID), s.reservedKey(lease.Kind)},
		lease.JobID,
		lease.Token,
		s.clockMillis(),
		s.config.DoneRetention.Milliseconds(),
	).Int()
	if err != nil {
		tracing.RecordError(span, err)
		return storeError("ack", err)
	}
	tracing.RecordSuccess(span)
	if held == 0 {
		return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	return nil
}

// Requeue schedules the job again after delay, or dead-letters it once the
// attempt budget is spent.
func (s *RedisStore) Requeue(ctx context.Context, lease *Lease, delay time.Duration, reason error) (Status, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	if err := validateLease(lease); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationDBUpdate, "requeue")
	defer span.End()

	outcome, err := redisRequeueScript.Run(
		spanCtx,
		s.client,
		[]string{s.jobKey(lease.JobID), s.reservedKey(lease.Kind), s.pendingKey(lease.Kind), s.deadKey(lease.Kind)},
		lease.JobID,
		lease.Token,
		s.clockMillis(),
		delay.Milliseconds(),
		failureReason(reason),
		s.config.MaxAttempts,
		s.config.DeadLetterRetention.Milliseconds(),
	).Int()
	if err != nil {
		tracing.RecordError(span, err)
		return "", storeError("requeue", err)
	}
	tracing.RecordSuccess(span)

	switch outcome {
	case 1:
		return StatusPending, nil
	case 2:
		return StatusDeadLettered, nil
	default:
		return "", jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
}

// Renew extends an unexpired lease.
func (s *RedisStore) Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	leaseMs := normalizeLeaseTTL(leaseFor).Milliseconds()
	if leaseMs <= 0 {
		leaseMs = 1
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	outcome, err := redisRenewScript.Run(
		opCtx,
		s.client,
		[]string{s.jobKey(lease.JobID), s.reservedKey(lease.Kind)},
		lease.JobID,
		lease.Token,
		s.clockMillis(),
		leaseMs,
	).Int64()
	if err != nil {
		return storeError("renew", err)
	}
	switch {
	case outcome > 0:
		lease.ExpiresAt = time.UnixMilli(outcome).UTC()
		return nil
	case outcome == -1:
		return jobsError(ErrUnknownJob, "lease expired")
	default:
		return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
}

// Get returns the job record stored under id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	values, err := s.client.HGetAll(opCtx, s.jobKey(id)).Result()
	if err != nil {
		return nil, storeError("get", err)
	}
	if len(values) == 0 {
		return nil, jobsError(ErrUnknownJob, id)
	}
	return decodeRedisJob(values)
}

// ListDeadLetters returns the most recently dead-lettered jobs of kind. Index
// entries whose record already expired are pruned.
func (s *RedisStore) ListDeadLetters(ctx context.Context, kind string, limit int) ([]*Job, error) {
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

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.ZRevRange(opCtx, s.deadKey(kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, storeError("list dead letters", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for idx, id := range ids {
			cmds[idx] = pipe.HGetAll(opCtx, s.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeError("list dead letters", err)
	}

	out := make([]*Job, 0, len(ids))
	stale := make([]any, 0)
	for idx, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			stale = append(stale, ids[idx])
			continue
		}
		job, decodeErr := decodeRedisJob(values)
		if decodeErr != nil {
			s.log.Warn("skip undecodable dead-lettered job", "job_id", ids[idx], "error", decodeErr)
			continue
		}
		if job.Status == StatusDeadLettered {
			out = append(out, job)
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(opCtx, s.deadKey(kind), stale...).Err(); err != nil {
			s.log.Warn("prune dead letter index failed", "kind", kind, "error", err)
		}
	}
	return out, nil
}

// Replay pushes a new pending copy of a dead-lettered job.
func (s *RedisStore) Replay(ctx context.Context, id string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != StatusDeadLettered {
		return "", jobsError(ErrInvalidArgument, "job "+id+" is not dead-lettered")
	}
	return s.Push(ctx, job.Kind, job.Payload)
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}

// clockMillis returns the override clock in milliseconds, or 0 so scripts
// read the server's TIME.
func (s *RedisStore) clockMillis() int64 {
	if s.now == nil {
		return 0
	}
	return s.now().UnixMilli()
}

func (s *RedisStore) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *RedisStore) startSpan(ctx context.Context, operation tracing.SpanOperation, statement string) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(
		ctx,
		operation,
		tracing.WithDBSystem("redis"),
		tracing.WithDBTable(s.config.Prefix),
		tracing.WithDBStatement(statement),
	)
}

func (s *RedisStore) jobKeyPrefix() string {
	return s.config.Prefix + ":job:"
}

func (s *RedisStore) jobKey(id string) string {
	return s.jobKeyPrefix() + id
}

func (s *RedisStore) pendingKey(kind string) string {
	return s.config.Prefix + ":kind:" + kind + ":pending"
}

func (s *RedisStore) reservedKey(kind string) string {
	return s.config.Prefix + ":kind:" + kind + ":reserved"
}

func (s *RedisStore) deadKey(kind string) string {
	return s.config.Prefix + ":kind:" + kind + ":dead"
}

func flatToMap(fields []any) map[string]string {
	out := make(map[string]string, len(fields)/2)
	for idx := 0; idx+1 < len(fields); idx += 2 {
		key, _ := fields[idx].(string)
		value, _ := fields[idx+1].(string)
		out[key] = value
	}
	return out
}

func decodeRedisJob(values map[string]string) (*Job, error) {
	status, err := ParseStatus(values[redisFieldStatus])
	if err != nil {
		return nil, err
	}
	attempt, err := strconv.Atoi(defaultString(values[redisFieldAttempt], "0"))
	if err != nil {
		return nil, jobsError(ErrSerialization, "invalid attempt: "+err.Error())
	}
	visibleAt, err := parseMillis(values[redisFieldVisibleAt])
	if err != nil {
		return nil, err
	}
	createdAt, err := parseMillis(values[redisFieldCreatedAt])
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseMillis(values[redisFieldUpdatedAt])
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:        values[redisFieldID],
		Kind:      values[redisFieldKind],
		Payload:   []byte(values[redisFieldPayload]),
		Attempt:   attempt,
		Status:    status,
		VisibleAt: visibleAt,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		LastError: values[redisFieldLastError],
	}, nil
}

func parseMillis(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		if f, floatErr := strconv.ParseFloat(value, 64); floatErr == nil {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		return time.Time{}, jobsError(ErrSerialization, "invalid timestamp "+value)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
