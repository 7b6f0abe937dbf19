package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestAuditLogService_SanitisesAndHashes(t *testing.T) {
	store := newMemStore()
	sink, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  store.AuditLogs(),
		Clock:       fixedClock(testNow),
		IDGenerator: sequentialIDs("audit"),
		HashSalt:    "pepper",
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	err = sink.Record(context.Background(), AuditLogRecord{
		Actor:                 "  staff-1 ",
		ActorType:             "STAFF",
		Action:                "payment.approve\x00",
		TargetRef:             "orders/o1",
		Severity:              "Warning",
		Metadata:              map[string]any{"email": "dana@example.test", "notes": "ok", "amount": 12500},
		SensitiveMetadataKeys: []string{"Email"},
		Diff:                  map[string]AuditLogDiff{"status": {Before: "PENDING", After: "PROCESSING"}},
		IPAddress:             "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	entry := store.state.auditEntries[0]
	if entry.ID != "audit-001" || !entry.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected identity %+v", entry)
	}
	if entry.Actor != "staff-1" || entry.ActorType != "staff" || entry.Action != "payment.approve" || entry.Severity != "warn" {
		t.Fatalf("unexpected sanitised fields %+v", entry)
	}
	sum := sha256.Sum256([]byte("pepperdana@example.test"))
	if entry.Metadata["email"] != "sha256:"+hex.EncodeToString(sum[:]) {
		t.Fatalf("sensitive metadata must be hashed, got %v", entry.Metadata["email"])
	}
	if entry.Metadata["notes"] != "ok" || entry.Metadata["amount"] != 12500 {
		t.Fatalf("other metadata kept as is, got %v", entry.Metadata)
	}
	if !strings.HasPrefix(entry.IPHash, "sha256:") || strings.Contains(entry.IPHash, "203.0.113.9") {
		t.Fatalf("ip must be hashed, got %q", entry.IPHash)
	}
	diff := entry.Diff["status"].(map[string]any)
	if diff["before"] != "PENDING" || diff["after"] != "PROCESSING" {
		t.Fatalf("unexpected diff %v", entry.Diff)
	}
}

func TestAuditLogService_IdempotentByID(t *testing.T) {
	store := newMemStore()
	sink, err := NewAuditLogService(AuditLogServiceDeps{Repository: store.AuditLogs()})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	record := AuditLogRecord{ID: "fixed", Actor: "system", Action: "order.ship", OccurredAt: testNow}
	for i := 0; i < 3; i++ {
		if err := sink.Record(context.Background(), record); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}
	if len(store.state.auditEntries) != 1 {
		t.Fatalf("expected one entry, got %d", len(store.state.auditEntries))
	}
	if store.state.auditEntries[0].ActorType != "system" {
		t.Fatalf("actor type inferred from actor, got %q", store.state.auditEntries[0].ActorType)
	}
}

func TestNormalizeActorType(t *testing.T) {
	cases := []struct {
		actorType, actor, want string
	}{
		{"", "", "guest"},
		{"", "system:outbox", "system"},
		{"", "staff:42", "staff"},
		{"", "user-7", "user"},
		{"Guest", "user-7", "guest"},
		{"robot", "system", "system"},
	}
	for _, tc := range cases {
		if got := normalizeActorType(tc.actorType, tc.actor); got != tc.want {
			t.Fatalf("normalizeActorType(%q, %q) = %q, want %q", tc.actorType, tc.actor, got, tc.want)
		}
	}
}
