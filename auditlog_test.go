package eventcore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func adminCtx() context.Context {
	return context.WithValue(context.Background(), "role", "admin")
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

// failingSink rejects every write.
type failingSink struct{}

func (failingSink) WriteEntry(entry AuditEntry) error { return fmt.Errorf("sink unavailable") }
func (failingSink) Close() error                      { return nil }

func TestAuditLogAssignsIdentity(t *testing.T) {
	logger := NewMemoryAuditLogger()
	defer logger.Close()

	entry, err := logger.Log(context.Background(), AuditEntry{
		Action:  AuditActionPublish,
		Outcome: AuditOutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Failed to log entry: %v", err)
	}
	if entry.ID == "" {
		t.Error("Expected assigned entry ID")
	}
	if entry.Timestamp.IsZero() {
		t.Error("Expected assigned timestamp")
	}
	if entry.CorrelationID == "" {
		t.Error("Expected assigned correlation ID")
	}

	given := AuditEntry{
		Action:        AuditActionQuery,
		Outcome:       AuditOutcomeSuccess,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CorrelationID: "corr-fixed",
	}
	logged, err := logger.Log(context.Background(), given)
	if err != nil {
		t.Fatalf("Failed to log entry: %v", err)
	}
	if !logged.Timestamp.Equal(given.Timestamp) {
		t.Errorf("Expected provided timestamp kept, got %v", logged.Timestamp)
	}
	if logged.CorrelationID != "corr-fixed" {
		t.Errorf("Expected provided correlation ID kept, got %s", logged.CorrelationID)
	}

	entries, err := logger.Query(adminCtx(), AuditQuery{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(entries))
	}
}

func TestAuditQueryFilters(t *testing.T) {
	logger := NewMemoryAuditLogger()
	defer logger.Close()
	ctx := context.Background()
	base := time.Now().UTC()

	mk := func(user string, action AuditAction, outcome AuditOutcome, et EventType, corr string, age time.Duration) {
		logger.Log(ctx, AuditEntry{
			UserID:        user,
			Action:        action,
			Outcome:       outcome,
			EventType:     et,
			CorrelationID: corr,
			Timestamp:     base.Add(-age),
		})
	}
	mk("user-1", AuditActionPublish, AuditOutcomeSuccess, EventTypeSessionStarted, "corr-1", 3*time.Hour)
	mk("user-1", AuditActionPublish, AuditOutcomeFailure, EventTypeCrisisDetected, "corr-2", 2*time.Hour)
	mk("user-2", AuditActionDelete, AuditOutcomeSuccess, "", "corr-2", 1*time.Hour)

	admin := adminCtx()
	got, _ := logger.Query(admin, AuditQuery{UserID: "user-1"})
	if len(got) != 2 {
		t.Errorf("Expected 2 entries for user-1, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{Action: AuditActionDelete})
	if len(got) != 1 {
		t.Errorf("Expected 1 delete entry, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{Outcome: AuditOutcomeFailure})
	if len(got) != 1 {
		t.Errorf("Expected 1 failure entry, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{EventType: EventTypeCrisisDetected})
	if len(got) != 1 {
		t.Errorf("Expected 1 crisis entry, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{CorrelationID: "corr-2"})
	if len(got) != 2 {
		t.Errorf("Expected 2 entries for corr-2, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{From: base.Add(-150 * time.Minute), To: base.Add(-30 * time.Minute)})
	if len(got) != 2 {
		t.Errorf("Expected 2 entries in window, got %d", len(got))
	}

	got, _ = logger.Query(admin, AuditQuery{Limit: 2})
	if len(got) != 2 {
		t.Errorf("Expected limit 2, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{Offset: 2})
	if len(got) != 1 {
		t.Errorf("Expected 1 entry past offset 2, got %d", len(got))
	}
	got, _ = logger.Query(admin, AuditQuery{Offset: 10})
	if len(got) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(got))
	}
}

func TestAuditCountIgnoresPagination(t *testing.T) {
	logger := NewMemoryAuditLogger()
	defer logger.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess})
	}

	n, err := logger.Count(adminCtx(), AuditQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected count 5 regardless of pagination, got %d", n)
	}
}

func TestAuditAccessControl(t *testing.T) {
	logger := NewMemoryAuditLogger()
	defer logger.Close()
	logger.Log(context.Background(), AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess})

	if _, err := logger.Query(adminCtx(), AuditQuery{}); err != nil {
		t.Errorf("Expected admin query to pass, got %v", err)
	}

	userCtx := context.WithValue(context.Background(), "role", "user")
	if _, err := logger.Query(userCtx, AuditQuery{}); err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("Expected access denied for non-admin, got %v", err)
	}
	if _, err := logger.Count(userCtx, AuditQuery{}); err == nil {
		t.Error("Expected access denied on count")
	}
	var buf bytes.Buffer
	if _, err := logger.Export(userCtx, AuditQuery{}, &buf); err == nil {
		t.Error("Expected access denied on export")
	}

	custom := NewMemoryAuditLogger(WithAuditAccessControl(func(ctx context.Context) error {
		if role, ok := ctx.Value("role").(string); ok && role == "auditor" {
			return nil
		}
		return fmt.Errorf("access denied")
	}))
	defer custom.Close()
	auditorCtx := context.WithValue(context.Background(), "role", "auditor")
	if _, err := custom.Query(auditorCtx, AuditQuery{}); err != nil {
		t.Errorf("Expected custom check to grant auditor, got %v", err)
	}
	if _, err := custom.Query(adminCtx(), AuditQuery{}); err == nil {
		t.Error("Expected custom check to deny admin")
	}
}

func TestAuditExportDeterministic(t *testing.T) {
	logger := NewMemoryAuditLogger()
	defer logger.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		logger.Log(ctx, AuditEntry{
			Action:  AuditActionPublish,
			Outcome: AuditOutcomeSuccess,
			UserID:  fmt.Sprintf("user-%d", i),
		})
	}

	var first, second bytes.Buffer
	n, err := logger.Export(adminCtx(), AuditQuery{}, &first)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 exported entries, got %d", n)
	}
	if _, err := logger.Export(adminCtx(), AuditQuery{}, &second); err != nil {
		t.Fatalf("Failed to export again: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Expected byte-identical exports for identical input")
	}

	lines := strings.Split(strings.TrimRight(first.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 NDJSON lines, got %d", len(lines))
	}
	for i, line := range lines {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
		}
		if entry.UserID != fmt.Sprintf("user-%d", i) {
			t.Errorf("Expected append order preserved, line %d has user %s", i, entry.UserID)
		}
	}
}

func TestAuditPurgeHonorsRetention(t *testing.T) {
	logger := NewMemoryAuditLogger(WithRetentionDays(30))
	defer logger.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess, Timestamp: now.AddDate(0, 0, -40)})
	logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess, Timestamp: now.AddDate(0, 0, -35)})
	logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess, Timestamp: now.AddDate(0, 0, -5)})
	logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess})

	removed, err := logger.Purge(ctx, now)
	if err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 entries purged, got %d", removed)
	}
	n, _ := logger.Count(adminCtx(), AuditQuery{})
	if n != 2 {
		t.Errorf("Expected 2 entries kept, got %d", n)
	}

	// Entries inside the window survive repeated purges.
	removed, _ = logger.Purge(ctx, now)
	if removed != 0 {
		t.Errorf("Expected repeat purge to remove 0 entries, got %d", removed)
	}

	if logger.RetentionDays() != 30 {
		t.Errorf("Expected retention 30 days, got %d", logger.RetentionDays())
	}
	if NewMemoryAuditLogger().RetentionDays() != DefaultRetentionDays {
		t.Error("Expected default retention window")
	}
}

func TestAuditFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewAuditFileSink(path)
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}
	logger := NewMemoryAuditLogger(WithAuditSink(sink))

	ctx := context.Background()
	first, _ := logger.Log(ctx, AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess})
	second, _ := logger.Log(ctx, AuditEntry{Action: AuditActionDelete, Outcome: AuditOutcomeSuccess})
	if err := logger.Close(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read sink file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines in sink file, got %d", len(lines))
	}
	var got AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("Failed to parse sink line: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("Expected first entry ID %s, got %s", first.ID, got.ID)
	}
	json.Unmarshal([]byte(lines[1]), &got)
	if got.ID != second.ID || got.Action != AuditActionDelete {
		t.Errorf("Unexpected second sink line: %+v", got)
	}

	if _, err := NewAuditFileSink(""); err == nil {
		t.Error("Expected error for empty sink path")
	}
}

func TestAuditDBSink(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if err := SetupAuditDatabase(db); err != nil {
		t.Fatalf("Failed to setup audit database: %v", err)
	}

	sink := NewAuditDBSink(db, WithDBBatchSize(10), WithFlushInterval(20*time.Millisecond))
	logger := NewMemoryAuditLogger(WithAuditSink(sink))

	ctx := context.Background()
	entry, _ := logger.Log(ctx, AuditEntry{
		Action:        AuditActionPublish,
		Outcome:       AuditOutcomeSuccess,
		UserID:        "user-1",
		CorrelationID: "corr-db",
		Details:       map[string]string{"note": "batch"},
	})
	logger.Log(ctx, AuditEntry{Action: AuditActionDelete, Outcome: AuditOutcomeSuccess})
	if err := logger.Close(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 rows in audit_log, got %d", count)
	}

	var action, corr, details string
	err = db.QueryRow(`SELECT action, correlation_id, details FROM audit_log WHERE id = ?`, entry.ID).
		Scan(&action, &corr, &details)
	if err != nil {
		t.Fatalf("Failed to query row: %v", err)
	}
	if action != "publish" || corr != "corr-db" {
		t.Errorf("Unexpected row contents: action=%s corr=%s", action, corr)
	}
	if !strings.Contains(details, "batch") {
		t.Errorf("Expected details JSON persisted, got %s", details)
	}

	if err := sink.WriteEntry(AuditEntry{ID: "late"}); err == nil {
		t.Error("Expected write on closed sink to fail")
	}
}

func TestSetupAuditDatabaseIndexes(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := SetupAuditDatabase(db); err != nil {
		t.Fatalf("Failed to setup audit database: %v", err)
	}

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='index' AND tbl_name='audit_log'`)
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	defer rows.Close()

	indexes := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("Failed to scan index name: %v", err)
		}
		indexes[name] = true
	}
	if !indexes["idx_audit_correlation_id"] || !indexes["idx_audit_user_id"] || !indexes["idx_audit_timestamp"] {
		t.Errorf("Expected audit indexes, got %v", indexes)
	}
}

func TestAuditSinkFailureDoesNotBlockAppend(t *testing.T) {
	logger := NewMemoryAuditLogger(WithAuditSink(failingSink{}))
	defer logger.Close()

	_, err := logger.Log(context.Background(), AuditEntry{Action: AuditActionPublish, Outcome: AuditOutcomeSuccess})
	if err == nil || !strings.Contains(err.Error(), "sink unavailable") {
		t.Errorf("Expected sink error surfaced, got %v", err)
	}

	n, err := logger.Count(adminCtx(), AuditQuery{})
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected entry appended despite sink failure, got %d", n)
	}
}

func TestAuditEntryForEvent(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-77")
	evt := NewEvent(ctx, EventTypeCrisisDetected, "user-1", AggregateUserState, nil).WithUser("user-1", "sess-9")

	entry := AuditEntryForEvent(evt, AuditActionPublish, AuditOutcomeSuccess)
	if entry.EventType != EventTypeCrisisDetected || entry.EventID != evt.ID {
		t.Errorf("Unexpected event identity: %+v", entry)
	}
	if entry.Resource != "user_state/user-1" {
		t.Errorf("Expected resource user_state/user-1, got %s", entry.Resource)
	}
	if entry.UserID != "user-1" || entry.SessionID != "sess-9" {
		t.Errorf("Expected attribution carried, got %+v", entry)
	}
	if entry.CorrelationID != "corr-77" {
		t.Errorf("Expected correlation carried, got %s", entry.CorrelationID)
	}
}
