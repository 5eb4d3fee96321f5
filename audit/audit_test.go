package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAuditDB_RecordAndQuery(t *testing.T) {
	db, err := NewAuditDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	if err := db.RecordEvent(ctx, "trace-1", "abcd1234", "ENV_CREATED", map[string]any{"backend": "mock"}); err != nil {
		t.Fatalf("record created: %v", err)
	}
	if err := db.RecordEvent(ctx, "trace-2", "abcd1234", "ENV_CLOSED", nil); err != nil {
		t.Fatalf("record closed: %v", err)
	}
	if err := db.RecordEvent(ctx, "trace-3", "other123", "ENV_CREATED", nil); err != nil {
		t.Fatalf("record other: %v", err)
	}

	evs, err := db.Events(ctx, "abcd1234")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].EventType != "ENV_CREATED" || evs[0].TraceID != "trace-1" || evs[0].Data != `{"backend":"mock"}` {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].EventType != "ENV_CLOSED" || evs[1].Data != "" {
		t.Fatalf("unexpected second event: %+v", evs[1])
	}
	if evs[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestAuditDB_NilIsNoop(t *testing.T) {
	var db *AuditDB
	if err := db.RecordEvent(context.Background(), "", "x", "ENV_RUN", nil); err != nil {
		t.Fatalf("nil record: %v", err)
	}
	if evs, err := db.Events(context.Background(), "x"); err != nil || evs != nil {
		t.Fatalf("nil events: %v %v", evs, err)
	}
}
