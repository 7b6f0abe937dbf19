package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
)

// claimLease hides claimed messages from other dispatchers while one delivers them.
const claimLease = 2 * time.Minute

type outboxRepository struct {
	baseRepository
}

func (r *outboxRepository) Enqueue(ctx context.Context, m domain.OutboxMessage) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO outbox (id, kind, topic, payload, attempts, available_at, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		m.ID, string(m.Kind), m.Topic, m.Payload, m.AvailableAt, m.CreatedAt)
	return WrapError("outbox.enqueue", err)
}

// Claim leases up to limit due messages. Rows locked by another dispatcher are skipped.
func (r *outboxRepository) Claim(ctx context.Context, limit int, now time.Time) ([]domain.OutboxMessage, error) {
	rows, err := r.q(ctx).Query(ctx,
		`UPDATE outbox o
		    SET attempts = o.attempts + 1, available_at = $3
		  WHERE o.id IN (
		        SELECT id FROM outbox
		         WHERE delivered_at IS NULL AND available_at <= $1
		         ORDER BY available_at, id
		         LIMIT $2
		           FOR UPDATE SKIP LOCKED)
		 RETURNING o.id, o.kind, o.topic, o.payload, o.attempts, o.available_at, o.created_at, o.delivered_at, o.last_error`,
		now, limit, now.Add(claimLease))
	if err != nil {
		return nil, WrapError("outbox.claim", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxMessage, error) {
		var (
			m         domain.OutboxMessage
			kind      string
			delivered pgtype.Timestamptz
		)
		if err := row.Scan(&m.ID, &kind, &m.Topic, &m.Payload, &m.Attempts, &m.AvailableAt, &m.CreatedAt,
			&delivered, &m.LastError); err != nil {
			return domain.OutboxMessage{}, err
		}
		m.Kind = domain.OutboxKind(kind)
		m.DeliveredAt = timePtr(delivered)
		return m, nil
	})
	if err != nil {
		return nil, WrapError("outbox.claim", err)
	}
	return messages, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE outbox SET delivered_at = $2, last_error = '' WHERE id = $1`, messageID, at)
	if err != nil {
		return WrapError("outbox.mark_delivered", err)
	}
	if tag.RowsAffected() == 0 {
		return WrapError("outbox.mark_delivered", fmt.Errorf("message %s: %w", messageID, errNoRowsAffected))
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, messageID string, reason string, retryAt time.Time) error {
	_, err := r.q(ctx).Exec(ctx,
		`UPDATE outbox SET last_error = $2, available_at = $3 WHERE id = $1`, messageID, reason, retryAt)
	return WrapError("outbox.mark_failed", err)
}
