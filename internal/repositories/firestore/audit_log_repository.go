package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/labvial/api/internal/domain"
	pfirestore "github.com/labvial/api/internal/platform/firestore"
)

const auditLogCollection = "auditLogs"

// AuditLogRepository appends audit entries to the auditLogs collection.
type AuditLogRepository struct {
	provider *pfirestore.Provider
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	return &AuditLogRepository{provider: provider}, nil
}

// Append stores entry under its own id. Re-delivery of an entry already stored is a no-op, so
// the outbox may retry freely.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("auditLogs.client", err)
	}
	_, err = client.Collection(auditLogCollection).Doc(entry.ID).Create(ctx, encodeAuditLog(entry))
	err = pfirestore.WrapError("auditLogs.append", err)
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return nil
	}
	return err
}

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	IPHash    string         `firestore:"ipHash,omitempty"`
	UserAgent string         `firestore:"userAgent,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func encodeAuditLog(entry domain.AuditLogEntry) auditLogDocument {
	return auditLogDocument{
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		IPHash:    entry.IPHash,
		UserAgent: entry.UserAgent,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		CreatedAt: entry.CreatedAt.UTC(),
	}
}
