package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/observability/tracing"
)

const (
	defaultSQSQueuePrefix      = "mailqueue"
	defaultSQSOperationTimeout = 10 * time.Second

	sqsDeadSuffix       = "-dead"
	sqsMaxQueueName     = 80
	sqsMaxDelay         = 15 * time.Minute
	sqsMaxVisibility    = 12 * time.Hour
	sqsMaxRetention     = 14 * 24 * time.Hour
	sqsMinRetention     = time.Minute
	sqsReceiveBatch     = 10
	sqsReserveSkipLimit = 10
)

var sqsQueueNamePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sqsAPI is the subset of the SQS client used by SQSStore.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// SQSStoreConfig configures the AWS SQS-backed store.
type SQSStoreConfig struct {
	Region           string
	Endpoint         string
	QueuePrefix      string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
	// CreateQueues creates missing queues instead of failing.
	CreateQueues bool
	StoreConfig
}

func (c *SQSStoreConfig) normalize() {
	c.QueuePrefix = strings.Trim(sqsQueueNamePattern.ReplaceAllString(strings.TrimSpace(c.QueuePrefix), "_"), "-")
	if c.QueuePrefix == "" {
		c.QueuePrefix = defaultSQSQueuePrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQSOperationTimeout
	}
	c.StoreConfig.normalize()
}

// sqsEnvelope is the message body. Attempts counts the attempts settled
// before the message was sent; receives of the current message add to it.
type sqsEnvelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	LastError string          `json:"last_error,omitempty"`
}

func (e *sqsEnvelope) job(status Status, attempt int, visibleAt time.Time) *Job {
	return &Job{
		ID:        e.ID,
		Kind:      e.Kind,
		Payload:   append(json.RawMessage(nil), e.Payload...),
		Attempt:   attempt,
		Status:    status,
		VisibleAt: visibleAt,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		LastError: e.LastError,
	}
}

// sqsInflight is a lease granted by this process.
type sqsInflight struct {
	envelope  *sqsEnvelope
	queueURL  string
	attempt   int
	expiresAt time.Time
}

// SQSStore keeps one standard queue per kind and a companion dead-letter
// queue. Visibility timeouts implement leases and the receipt handle is the
// lease token, so only the process that reserved a job can settle it.
// Finished jobs are deleted and Get only sees jobs leased here or waiting in
// a dead-letter queue.
type SQSStore struct {
	client sqsAPI
	log    logger.Logger
	config SQSStoreConfig
	now    func() time.Time

	mu       sync.RWMutex
	closed   bool
	queues   map[string]string
	inflight map[string]*sqsInflight
}

// NewSQSStore loads AWS credentials, builds the client and checks that SQS
// answers.
func NewSQSStore(ctx context.Context, cfg SQSStoreConfig, log logger.Logger) (*SQSStore, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, jobsError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, jobsError(ErrInvalidArgument, fmt.Sprintf("load aws config failed: %v", err))
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store := newSQSStoreWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	log.Info("sqs jobs store ready", "region", cfg.Region, "queue_prefix", cfg.QueuePrefix)
	return store, nil
}

func newSQSStoreWithClient(client sqsAPI, cfg SQSStoreConfig, log logger.Logger) *SQSStore {
	cfg.normalize()
	return &SQSStore{
		client:   client,
		log:      log,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
		queues:   make(map[string]string),
		inflight: make(map[string]*sqsInflight),
	}
}

// Push sends a new message to the kind's queue.
func (s *SQSStore) Push(ctx context.Context, kind string, payload []byte) (string, error) {
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

	now := s.now()
	envelope := &sqsEnvelope{
		ID:        newJobID(),
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationMsgPublish, s.queueName(kind))
	defer span.End()

	queueURL, err := s.queueURL(spanCtx, s.queueName(kind), false)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	if err := s.send(spanCtx, queueURL, envelope, 0); err != nil {
		tracing.RecordError(span, err)
		return "", storeError("push", err)
	}
	tracing.RecordSuccess(span)
	recordJobEnqueued("sqs", kind)
	return envelope.ID, nil
}

// Reserve receives one message with the lease as its visibility timeout.
// Messages whose previous lease expired on the last allowed attempt are moved
// to the dead-letter queue on the way.
func (s *SQSStore) Reserve(ctx context.Context, kind string, leaseFor time.Duration) (*Job, *Lease, error) {
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
	leaseFor = normalizeLeaseTTL(leaseFor)
	if leaseFor > sqsMaxVisibility {
		leaseFor = sqsMaxVisibility
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationMsgReceive, s.queueName(kind))
	defer span.End()

	queueURL, err := s.queueURL(spanCtx, s.queueName(kind), false)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, nil, err
	}

	for skipped := 0; skipped < sqsReserveSkipLimit; skipped++ {
		out, err := s.client.ReceiveMessage(spanCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 1,
			VisibilityTimeout:   visibilitySeconds(leaseFor),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			tracing.RecordError(span, err)
			return nil, nil, storeError("reserve", err)
		}
		if len(out.Messages) == 0 {
			tracing.RecordSuccess(span)
			return nil, nil, nil
		}

		msg := out.Messages[0]
		now := s.now()
		envelope := s.decodeEnvelope(kind, msg)
		attempt := envelope.Attempts + receiveCount(msg)

		if attempt > s.config.MaxAttempts {
			envelope.Attempts = attempt - 1
			envelope.LastError = leaseExpiredReason
			if err := s.deadLetter(spanCtx, queueURL, aws.ToString(msg.ReceiptHandle), envelope); err != nil {
				tracing.RecordError(span, err)
				return nil, nil, err
			}
			recordJobDeadLettered(kind)
			s.log.Warn("job dead-lettered after lease expiry", "kind", kind, "job_id", envelope.ID)
			continue
		}

		lease := &Lease{
			JobID:     envelope.ID,
			Token:     aws.ToString(msg.ReceiptHandle),
			Kind:      kind,
			ExpiresAt: now.Add(leaseFor),
			Attempt:   attempt,
		}
		s.mu.Lock()
		for token, held := range s.inflight {
			if !now.Before(held.expiresAt) {
				delete(s.inflight, token)
			}
		}
		s.inflight[lease.Token] = &sqsInflight{
			envelope:  envelope,
			queueURL:  queueURL,
			attempt:   attempt,
			expiresAt: lease.ExpiresAt,
		}
		s.mu.Unlock()

		tracing.RecordSuccess(span)
		return envelope.job(StatusReserved, attempt, lease.ExpiresAt), lease, nil
	}
	tracing.RecordSuccess(span)
	return nil, nil, nil
}

// Acknowledge deletes the leased message.
func (s *SQSStore) Acknowledge(ctx context.Context, lease *Lease) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	held, err := s.held(lease)
	if err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationMsgSettle, s.queueName(lease.Kind))
	defer span.End()

	_, err = s.client.DeleteMessage(spanCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(held.queueURL),
		ReceiptHandle: aws.String(lease.Token),
	})
	if err != nil {
		tracing.RecordError(span, err)
		if isLostReceipt(err) {
			s.release(lease.Token)
			return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
		}
		return storeError("ack", err)
	}
	s.release(lease.Token)
	tracing.RecordSuccess(span)
	return nil
}

// Requeue sends a delayed copy carrying the attempt count and failure reason,
// or moves the job to the dead-letter queue once its budget is spent. The
// leased message is deleted afterwards.
func (s *SQSStore) Requeue(ctx context.Context, lease *Lease, delay time.Duration, reason error) (Status, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	held, err := s.held(lease)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	spanCtx, span := s.startSpan(opCtx, tracing.SpanOperationMsgSettle, s.queueName(lease.Kind))
	defer span.End()

	envelope := *held.envelope
	envelope.Attempts = held.attempt
	envelope.LastError = failureReason(reason)
	envelope.UpdatedAt = s.now()

	if held.attempt >= s.config.MaxAttempts {
		if err := s.deadLetter(spanCtx, held.queueURL, lease.Token, &envelope); err != nil {
			tracing.RecordError(span, err)
			return "", err
		}
		s.release(lease.Token)
		tracing.RecordSuccess(span)
		return StatusDeadLettered, nil
	}

	if err := s.send(spanCtx, held.queueURL, &envelope, delay); err != nil {
		tracing.RecordError(span, err)
		return "", storeError("requeue", err)
	}
	if err := s.deleteMessage(spanCtx, held.queueURL, lease.Token); err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	s.release(lease.Token)
	tracing.RecordSuccess(span)
	return StatusPending, nil
}

// Renew extends the message visibility timeout.
func (s *SQSStore) Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	held, err := s.held(lease)
	if err != nil {
		return err
	}
	leaseFor = normalizeLeaseTTL(leaseFor)
	if leaseFor > sqsMaxVisibility {
		leaseFor = sqsMaxVisibility
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	_, err = s.client.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(held.queueURL),
		ReceiptHandle:     aws.String(lease.Token),
		VisibilityTimeout: visibilitySeconds(leaseFor),
	})
	if err != nil {
		if isLostReceipt(err) {
			s.release(lease.Token)
			return jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
		}
		return storeError("renew", err)
	}

	expiresAt := s.now().Add(leaseFor)
	s.mu.Lock()
	held.expiresAt = expiresAt
	s.mu.Unlock()
	lease.ExpiresAt = expiresAt
	return nil
}

// Get returns a job leased by this process or waiting in a dead-letter queue.
func (s *SQSStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)

	s.mu.RLock()
	for _, held := range s.inflight {
		if held.envelope.ID == id {
			job := held.envelope.job(StatusReserved, held.attempt, held.expiresAt)
			s.mu.RUnlock()
			return job, nil
		}
	}
	s.mu.RUnlock()

	envelope, err := s.findDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if envelope == nil {
		return nil, jobsError(ErrUnknownJob, id)
	}
	return envelope.job(StatusDeadLettered, envelope.Attempts, envelope.UpdatedAt), nil
}

// ListDeadLetters peeks at the kind's dead-letter queue without consuming it.
func (s *SQSStore) ListDeadLetters(ctx context.Context, kind string, limit int) ([]*Job, error) {
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
	queueURL, err := s.queueURL(opCtx, s.queueName(kind)+sqsDeadSuffix, false)
	if err != nil {
		return nil, err
	}

	envelopes, err := s.peek(opCtx, queueURL, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(envelopes))
	for _, envelope := range envelopes {
		out = append(out, envelope.job(StatusDeadLettered, envelope.Attempts, envelope.UpdatedAt))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Replay pushes a new pending copy of a dead-lettered job and leaves the
// dead-letter message in place.
func (s *SQSStore) Replay(ctx context.Context, id string) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	envelope, err := s.findDeadLetter(ctx, strings.TrimSpace(id))
	if err != nil {
		return "", err
	}
	if envelope == nil {
		return "", jobsError(ErrUnknownJob, id)
	}
	return s.Push(ctx, envelope.Kind, envelope.Payload)
}

// HealthCheck lists queues under the configured prefix.
func (s *SQSStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.ListQueues(hcCtx, &sqs.ListQueuesInput{
		QueueNamePrefix: aws.String(s.config.QueuePrefix),
		MaxResults:      aws.Int32(1),
	})
	if err != nil {
		return storeError("list queues", err)
	}
	return nil
}

// Close marks the store closed. Leases still held expire on their own.
func (s *SQSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.inflight) > 0 {
		s.log.Warn("closing sqs store with leases held", "count", len(s.inflight))
	}
	return nil
}

func (s *SQSStore) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQSStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *SQSStore) startSpan(ctx context.Context, operation tracing.SpanOperation, queue string) (context.Context, trace.Span) {
	return tracing.StartMessagingSpan(
		ctx,
		operation,
		tracing.WithMessagingSystem("sqs"),
		tracing.WithMessagingDestination(queue),
	)
}

// held returns the inflight record for an unexpired lease granted here.
func (s *SQSStore) held(lease *Lease) (*sqsInflight, error) {
	if err := validateLease(lease); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.inflight[lease.Token]
	if !ok || held.envelope.ID != lease.JobID {
		return nil, jobsError(ErrUnknownJob, "lease for job "+lease.JobID+" is no longer held")
	}
	if !s.now().Before(held.expiresAt) {
		delete(s.inflight, lease.Token)
		return nil, jobsError(ErrUnknownJob, "lease expired")
	}
	return held, nil
}

func (s *SQSStore) release(token string) {
	s.mu.Lock()
	delete(s.inflight, token)
	s.mu.Unlock()
}

func (s *SQSStore) send(ctx context.Context, queueURL string, envelope *sqsEnvelope, delay time.Duration) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return jobsError(ErrSerialization, err.Error())
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(math.Ceil(delay.Seconds())),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(envelope.ID)},
			"kind":   {DataType: aws.String("String"), StringValue: aws.String(envelope.Kind)},
		},
	})
	return err
}

func (s *SQSStore) deleteMessage(ctx context.Context, queueURL, receipt string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil && !isLostReceipt(err) {
		return storeError("delete message", err)
	}
	return nil
}

// deadLetter copies envelope to the kind's dead-letter queue, then deletes the
// received message.
func (s *SQSStore) deadLetter(ctx context.Context, queueURL, receipt string, envelope *sqsEnvelope) error {
	deadURL, err := s.queueURL(ctx, s.queueName(envelope.Kind)+sqsDeadSuffix, true)
	if err != nil {
		return err
	}
	envelope.UpdatedAt = s.now()
	if err := s.send(ctx, deadURL, envelope, 0); err != nil {
		return storeError("dead letter", err)
	}
	return s.deleteMessage(ctx, queueURL, receipt)
}

// peek receives up to limit distinct messages with a zero visibility timeout
// so they stay available to everyone else.
func (s *SQSStore) peek(ctx context.Context, queueURL, kind string, limit int) ([]*sqsEnvelope, error) {
	seen := make(map[string]struct{})
	out := make([]*sqsEnvelope, 0)
	rounds := limit/sqsReceiveBatch + 3
	for round := 0; round < rounds && len(out) < limit; round++ {
		batch := min(int32(limit-len(out)), sqsReceiveBatch)
		resp, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: batch,
			VisibilityTimeout:   0,
		})
		if err != nil {
			return nil, storeError("peek", err)
		}
		if len(resp.Messages) == 0 {
			break
		}
		fresh := 0
		for _, msg := range resp.Messages {
			envelope := s.decodeEnvelope(kind, msg)
			if _, dup := seen[envelope.ID]; dup {
				continue
			}
			seen[envelope.ID] = struct{}{}
			out = append(out, envelope)
			fresh++
		}
		if fresh == 0 {
			break
		}
	}
	return out, nil
}

// findDeadLetter scans every dead-letter queue under the prefix for id.
func (s *SQSStore) findDeadLetter(ctx context.Context, id string) (*sqsEnvelope, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var next *string
	for {
		resp, err := s.client.ListQueues(opCtx, &sqs.ListQueuesInput{
			QueueNamePrefix: aws.String(s.config.QueuePrefix + "-"),
			NextToken:       next,
		})
		if err != nil {
			return nil, storeError("list queues", err)
		}
		for _, queueURL := range resp.QueueUrls {
			if !strings.HasSuffix(queueURL, sqsDeadSuffix) {
				continue
			}
			envelopes, err := s.peek(opCtx, queueURL, "", 1000)
			if err != nil {
				return nil, err
			}
			if idx := slices.IndexFunc(envelopes, func(e *sqsEnvelope) bool { return e.ID == id }); idx >= 0 {
				return envelopes[idx], nil
			}
		}
		if resp.NextToken == nil {
			return nil, nil
		}
		next = resp.NextToken
	}
}

// queueURL resolves and caches the URL of name, creating the queue when
// allowed by config or by force.
func (s *SQSStore) queueURL(ctx context.Context, name string, force bool) (string, error) {
	s.mu.RLock()
	cached, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resp, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	switch {
	case err == nil:
		s.cacheQueue(name, aws.ToString(resp.QueueUrl))
		return aws.ToString(resp.QueueUrl), nil
	case !isMissingQueue(err):
		return "", storeError("resolve queue "+name, err)
	case !s.config.CreateQueues && !force:
		return "", storeError("resolve queue "+name, err)
	}

	created, err := s.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: s.queueAttributes(strings.HasSuffix(name, sqsDeadSuffix)),
	})
	if err != nil {
		return "", storeError("create queue "+name, err)
	}
	s.log.Info("created sqs queue", "queue", name)
	s.cacheQueue(name, aws.ToString(created.QueueUrl))
	return aws.ToString(created.QueueUrl), nil
}

func (s *SQSStore) cacheQueue(name, url string) {
	s.mu.Lock()
	s.queues[name] = url
	s.mu.Unlock()
}

func (s *SQSStore) queueAttributes(dead bool) map[string]string {
	retention := sqsMaxRetention
	if dead && s.config.DeadLetterRetention > 0 {
		retention = min(max(s.config.DeadLetterRetention, sqsMinRetention), sqsMaxRetention)
	}
	return map[string]string{
		string(types.QueueAttributeNameMessageRetentionPeriod): strconv.Itoa(int(retention.Seconds())),
	}
}

// queueName maps kind onto the SQS name alphabet. Kinds that need rewriting
// get a hash suffix so distinct kinds never share a queue.
func (s *SQSStore) queueName(kind string) string {
	safe := sqsQueueNamePattern.ReplaceAllString(kind, "_")
	suffix := ""
	if safe != kind {
		sum := sha256.Sum256([]byte(kind))
		suffix = "-" + hex.EncodeToString(sum[:4])
	}
	name := s.config.QueuePrefix + "-" + safe
	room := sqsMaxQueueName - len(sqsDeadSuffix) - len(suffix)
	if len(name) > room {
		name = name[:room]
	}
	return name + suffix
}

// decodeEnvelope parses a message body. Foreign bodies are wrapped so they
// still flow through retries and dead-lettering.
func (s *SQSStore) decodeEnvelope(kind string, msg types.Message) *sqsEnvelope {
	body := aws.ToString(msg.Body)
	var envelope sqsEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.ID != "" && len(envelope.Payload) > 0 {
		if envelope.Kind == "" {
			envelope.Kind = kind
		}
		return &envelope
	}

	s.log.Warn("wrapping foreign sqs message", "message_id", aws.ToString(msg.MessageId))
	payload, _ := json.Marshal(body)
	now := s.now()
	return &sqsEnvelope{
		ID:        aws.ToString(msg.MessageId),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func receiveCount(msg types.Message) int {
	count, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || count < 1 {
		return 1
	}
	return count
}

func visibilitySeconds(d time.Duration) int32 {
	return int32(math.Ceil(d.Seconds()))
}

func sqsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isMissingQueue(err error) bool {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	code := sqsErrorCode(err)
	return code == "AWS.SimpleQueueService.NonExistentQueue" || code == "QueueDoesNotExist"
}

// isLostReceipt reports errors meaning the receipt handle no longer refers to
// an in-flight message.
func isLostReceipt(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInflight) {
		return true
	}
	switch sqsErrorCode(err) {
	case "ReceiptHandleIsInvalid", "MessageNotInflight", "InvalidParameterValue":
		return true
	}
	return false
}
