package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

const (
	defaultOutboxBatchSize    = 50
	defaultOutboxPollInterval = 2 * time.Second
	defaultOutboxMaxAttempts  = 12
	maxOutboxBackoff          = 10 * time.Minute
	// parkedOutboxDelay keeps exhausted messages out of every claim until an operator resets them.
	parkedOutboxDelay = 100 * 365 * 24 * time.Hour
)

// OutboxMetrics counts delivery outcomes.
type OutboxMetrics interface {
	OutboxDelivery(ctx context.Context, kind string, ok bool)
}

// OutboxDispatcherDeps enumerates collaborators of the dispatcher.
type OutboxDispatcherDeps struct {
	Outbox       repositories.OutboxRepository
	Publisher    NotificationPublisher
	Audit        AuditSink
	Metrics      OutboxMetrics
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// OutboxDispatcher delivers committed outbox messages: notifications to the message bus and audit
// events to the audit store. Failed deliveries back off exponentially.
type OutboxDispatcher struct {
	outbox       repositories.OutboxRepository
	publisher    NotificationPublisher
	audit        AuditSink
	metrics      OutboxMetrics
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
}

// NewOutboxDispatcher wires dependencies into an OutboxDispatcher.
func NewOutboxDispatcher(deps OutboxDispatcherDeps) (*OutboxDispatcher, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox dispatcher: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox dispatcher: publisher is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("outbox dispatcher: audit sink is required")
	}
	d := &OutboxDispatcher{
		outbox:       deps.Outbox,
		publisher:    deps.Publisher,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		batchSize:    deps.BatchSize,
		pollInterval: deps.PollInterval,
		maxAttempts:  deps.MaxAttempts,
		logger:       deps.Logger,
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultOutboxBatchSize
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultOutboxPollInterval
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultOutboxMaxAttempts
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	d.clock = func() time.Time { return clock().UTC() }
	if d.logger == nil {
		d.logger = noopLogger
	}
	return d, nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by another claim.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger(ctx, "outbox.claim_failed", map[string]any{"error": err})
		}
		wait := d.pollInterval
		if n >= d.batchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// DispatchOnce claims one batch and delivers it, returning the number of messages claimed.
// Delivery failures are recorded on the message, not returned.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.Claim(ctx, d.batchSize, d.clock())
	if err != nil {
		return 0, fmt.Errorf("outbox dispatcher: claim: %w", err)
	}
	for _, msg := range messages {
		if ctx.Err() != nil {
			return len(messages), ctx.Err()
		}
		d.handle(ctx, msg)
	}
	return len(messages), nil
}

func (d *OutboxDispatcher) handle(ctx context.Context, msg domain.OutboxMessage) {
	err := d.deliver(ctx, msg)
	if d.metrics != nil {
		d.metrics.OutboxDelivery(ctx, string(msg.Kind), err == nil)
	}
	if err == nil {
		if markErr := d.outbox.MarkDelivered(ctx, msg.ID, d.clock()); markErr != nil {
			d.logger(ctx, "outbox.mark_failed", map[string]any{"messageId": msg.ID, "error": markErr})
		}
		return
	}

	retryAt := d.clock().Add(d.backoff(msg.Attempts))
	event := "outbox.delivery_failed"
	if msg.Attempts >= d.maxAttempts {
		retryAt = d.clock().Add(parkedOutboxDelay)
		event = "outbox.parked"
	}
	d.logger(ctx, event, map[string]any{
		"messageId": msg.ID,
		"kind":      string(msg.Kind),
		"attempts":  msg.Attempts,
		"retryAt":   retryAt,
		"error":     err,
	})
	if markErr := d.outbox.MarkFailed(ctx, msg.ID, err.Error(), retryAt); markErr != nil {
		d.logger(ctx, "outbox.mark_failed", map[string]any{"messageId": msg.ID, "error": markErr})
	}
}

func (d *OutboxDispatcher) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	switch msg.Kind {
	case domain.OutboxKindNotification:
		var notification Notification
		if err := json.Unmarshal(msg.Payload, &notification); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		_, err := d.publisher.Publish(ctx, msg.Payload, map[string]string{
			"template":  notification.Template,
			"recipient": notification.Recipient,
			"messageId": msg.ID,
		})
		return err
	case domain.OutboxKindAudit:
		var record AuditLogRecord
		if err := json.Unmarshal(msg.Payload, &record); err != nil {
			return fmt.Errorf("decode audit record: %w", err)
		}
		return d.audit.Record(ctx, record)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// backoff doubles per attempt from one second, capped at ten minutes.
func (d *OutboxDispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		return maxOutboxBackoff
	}
	wait := time.Duration(1<<attempts) * time.Second
	if wait > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return wait
}
