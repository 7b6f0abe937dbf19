package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

const (
	auditSeverityInfo = "info"
	auditHashPrefix   = "sha256:"
)

// AuditLogServiceDeps bundles constructor inputs for the audit writer.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	HashSalt    string
}

type auditLogService struct {
	repo     repositories.AuditLogRepository
	clock    func() time.Time
	newID    func() string
	hashSalt string
}

// NewAuditLogService creates the AuditSink that sanitises records before appending them.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditSink, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &auditLogService{
		repo:     deps.Repository,
		clock:    func() time.Time { return clock().UTC() },
		newID:    newID,
		hashSalt: deps.HashSalt,
	}, nil
}

// Record appends the sanitised entry. Records carrying the same id are stored once, so the outbox
// may redeliver safely.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) error {
	entry := s.buildEntry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit log append: %w", err)
	}
	return nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) domain.AuditLogEntry {
	occurred := record.OccurredAt.UTC()
	if record.OccurredAt.IsZero() {
		occurred = s.clock()
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = s.newID()
	}

	entry := domain.AuditLogEntry{
		ID:        id,
		Actor:     sanitizeText(record.Actor, 160),
		ActorType: normalizeActorType(record.ActorType, record.Actor),
		Action:    sanitizeText(record.Action, 120),
		TargetRef: sanitizeText(record.TargetRef, 200),
		Severity:  normalizeSeverity(record.Severity),
		RequestID: sanitizeText(record.RequestID, 128),
		UserAgent: sanitizeText(record.UserAgent, 256),
		CreatedAt: occurred,
	}
	sensitive := normaliseKeys(record.SensitiveMetadataKeys)
	if meta := s.prepareMetadata(record.Metadata, sensitive); len(meta) > 0 {
		entry.Metadata = meta
	}
	if diff := s.prepareDiff(record.Diff, sensitive); len(diff) > 0 {
		entry.Diff = diff
	}
	if ip := strings.TrimSpace(record.IPAddress); ip != "" {
		entry.IPHash = auditHashPrefix + s.hashString(ip)
	}
	return entry
}

func (s *auditLogService) prepareMetadata(metadata map[string]any, sensitive map[string]struct{}) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = sanitizeText(key, 80)
		if key == "" {
			continue
		}
		if _, ok := sensitive[strings.ToLower(key)]; ok {
			out[key] = auditHashPrefix + s.hashAny(value)
			continue
		}
		out[key] = sanitizeAuditValue(value)
	}
	return out
}

func (s *auditLogService) prepareDiff(diff map[string]AuditLogDiff, sensitive map[string]struct{}) map[string]any {
	if len(diff) == 0 {
		return nil
	}
	out := make(map[string]any, len(diff))
	for key, change := range diff {
		key = sanitizeText(key, 80)
		if key == "" {
			continue
		}
		before, after := sanitizeAuditValue(change.Before), sanitizeAuditValue(change.After)
		if _, ok := sensitive[strings.ToLower(key)]; ok {
			before = auditHashPrefix + s.hashAny(change.Before)
			after = auditHashPrefix + s.hashAny(change.After)
		}
		out[key] = map[string]any{"before": before, "after": after}
	}
	return out
}

func (s *auditLogService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.hashSalt + strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// hashAny hashes the JSON form of value; map keys marshal sorted so equal values hash equally.
func (s *auditLogService) hashAny(value any) string {
	switch v := value.(type) {
	case string:
		return s.hashString(v)
	case fmt.Stringer:
		return s.hashString(v.String())
	}
	if b, err := json.Marshal(value); err == nil {
		return s.hashString(string(b))
	}
	return s.hashString(fmt.Sprintf("%T", value))
}

func normalizeActorType(actorType, actor string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(actorType)); normalized {
	case "user", "staff", "system", "guest":
		return normalized
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	switch {
	case actor == "system" || strings.HasPrefix(actor, "system:"):
		return "system"
	case strings.HasPrefix(actor, "staff:"):
		return "staff"
	case actor == "":
		return "guest"
	default:
		return "user"
	}
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return auditSeverityInfo
	}
}

func sanitizeAuditValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeText(v, 512)
	case fmt.Stringer:
		return sanitizeText(v.String(), 512)
	default:
		return v
	}
}

func normaliseKeys(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key = sanitizeText(key, 80); key != "" {
			out[strings.ToLower(key)] = struct{}{}
		}
	}
	return out
}

// sanitizeText trims input, drops control characters other than whitespace and caps the byte length.
func sanitizeText(input string, limit int) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= limit {
			break
		}
	}
	return b.String()
}
