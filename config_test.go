package eventcore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("EVENTCORE_HANDLER_TIMEOUT_MS", "250")
	t.Setenv("EVENTCORE_MAX_CONCURRENT_HANDLERS", "8")
	t.Setenv("EVENTCORE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("EVENTCORE_RETRY_DELAY_MS", "10")
	t.Setenv("EVENTCORE_RETRY_BACKOFF", "3.0")

	cfg := DefaultBusConfig()
	for _, opt := range LoadConfigFromEnv() {
		opt(&cfg)
	}
	if cfg.HandlerTimeout != 250*time.Millisecond {
		t.Errorf("Expected handler timeout 250ms, got %v", cfg.HandlerTimeout)
	}
	if cfg.MaxConcurrentHandlers != 8 {
		t.Errorf("Expected concurrency cap 8, got %d", cfg.MaxConcurrentHandlers)
	}
	want := RetryPolicy{MaxAttempts: 5, Delay: 10 * time.Millisecond, BackoffMultiplier: 3.0}
	if cfg.DefaultRetry != want {
		t.Errorf("Expected retry %+v, got %+v", want, cfg.DefaultRetry)
	}
}

func TestLoadConfigFromEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("EVENTCORE_HANDLER_TIMEOUT_MS", "soon")
	t.Setenv("EVENTCORE_MAX_CONCURRENT_HANDLERS", "")
	t.Setenv("EVENTCORE_RETRY_MAX_ATTEMPTS", "many")

	if opts := LoadConfigFromEnv(); len(opts) != 0 {
		t.Errorf("Expected malformed values ignored, got %d options", len(opts))
	}
}

func TestLoadConfigFromEnvPartialRetry(t *testing.T) {
	t.Setenv("EVENTCORE_RETRY_DELAY_MS", "50")

	cfg := DefaultBusConfig()
	for _, opt := range LoadConfigFromEnv() {
		opt(&cfg)
	}
	if cfg.DefaultRetry.Delay != 50*time.Millisecond {
		t.Errorf("Expected delay 50ms, got %v", cfg.DefaultRetry.Delay)
	}
	// Untouched fields keep the policy defaults.
	if cfg.DefaultRetry.MaxAttempts != 3 || cfg.DefaultRetry.BackoffMultiplier != 2.0 {
		t.Errorf("Expected remaining defaults kept, got %+v", cfg.DefaultRetry)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventcore.yaml")
	yaml := `
handler_timeout_ms: 2000
max_concurrent_handlers: 16
retry:
  max_attempts: 4
  delay_ms: 25
  backoff_multiplier: 1.5
store:
  snapshot_threshold: 100
  encryption_key_id: tenant-a
dead_letter:
  max_size: 500
  spill_path: /var/lib/eventcore/dlq.jsonl
audit:
  retention_days: 365
  file_path: /var/log/eventcore/audit.log
kafka:
  brokers:
    - broker-1:9092
    - broker-2:9092
  topic: eventcore.events
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.HandlerTimeoutMs != 2000 || cfg.MaxConcurrentHandlers != 16 {
		t.Errorf("Unexpected bus fields: %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.DelayMs != 25 || cfg.Retry.BackoffMultiplier != 1.5 {
		t.Errorf("Unexpected retry fields: %+v", cfg.Retry)
	}
	if cfg.Store.SnapshotThreshold != 100 || cfg.Store.EncryptionKeyID != "tenant-a" {
		t.Errorf("Unexpected store fields: %+v", cfg.Store)
	}
	if cfg.DeadLetter.MaxSize != 500 || cfg.DeadLetter.SpillPath != "/var/lib/eventcore/dlq.jsonl" {
		t.Errorf("Unexpected dead letter fields: %+v", cfg.DeadLetter)
	}
	if cfg.Audit.RetentionDays != 365 || cfg.Audit.FilePath != "/var/log/eventcore/audit.log" {
		t.Errorf("Unexpected audit fields: %+v", cfg.Audit)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "eventcore.events" {
		t.Errorf("Unexpected kafka fields: %+v", cfg.Kafka)
	}

	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("handler_timeout_ms: [not, an, int]"), 0644)
	if _, err := LoadConfigFromFile(bad); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestFileConfigOptions(t *testing.T) {
	var empty FileConfig
	if opts := empty.Options(); len(opts) != 0 {
		t.Errorf("Expected no options from zero config, got %d", len(opts))
	}

	var fc FileConfig
	fc.HandlerTimeoutMs = 1000
	fc.MaxConcurrentHandlers = 4
	fc.Retry.MaxAttempts = 2

	cfg := DefaultBusConfig()
	for _, opt := range fc.Options() {
		opt(&cfg)
	}
	if cfg.HandlerTimeout != time.Second {
		t.Errorf("Expected handler timeout 1s, got %v", cfg.HandlerTimeout)
	}
	if cfg.MaxConcurrentHandlers != 4 {
		t.Errorf("Expected concurrency cap 4, got %d", cfg.MaxConcurrentHandlers)
	}
	// Unset retry fields fall back to the policy defaults.
	want := RetryPolicy{MaxAttempts: 2, Delay: 100 * time.Millisecond, BackoffMultiplier: 2.0}
	if cfg.DefaultRetry != want {
		t.Errorf("Expected retry %+v, got %+v", want, cfg.DefaultRetry)
	}
}

func TestNewPlatform(t *testing.T) {
	dir := t.TempDir()
	var cfg FileConfig
	cfg.HandlerTimeoutMs = 1000
	cfg.Store.SnapshotThreshold = 1
	cfg.Audit.RetentionDays = 365
	cfg.Audit.FilePath = filepath.Join(dir, "audit.log")
	cfg.DeadLetter.SpillPath = filepath.Join(dir, "dlq.jsonl")

	p, err := NewPlatform(cfg)
	if err != nil {
		t.Fatalf("Failed to build platform: %v", err)
	}
	if p.Keyring.ID() != "eventcore" {
		t.Errorf("Expected default keyring ID, got %s", p.Keyring.ID())
	}

	var handled atomic.Int32
	p.Bus.Subscribe(EventTypeCrisisDetected, func(ctx context.Context, evt Event) error {
		handled.Add(1)
		return nil
	}, WithHandlerName("crisis_monitor"))

	ctx := WithCorrelationID(context.Background(), "corr-1")
	evt := NewCrisisDetected(ctx, "user-1", "sess-1", CrisisDetectedPayload{
		RiskLevel: "high",
		Score:     0.93,
		Signals:   []string{"typing_speed"},
	})
	if err := p.Bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if handled.Load() != 1 {
		t.Errorf("Expected handler invoked once, got %d", handled.Load())
	}

	total, err := p.Store.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 stored event, got %d", total)
	}
	if p.Keyring.Len() != 1 {
		t.Errorf("Expected a data key for the aggregate, got %d", p.Keyring.Len())
	}

	stored, err := p.Store.Events(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(stored) != 1 || stored[0].Payload["risk_level"] != "high" {
		t.Errorf("Expected decrypted payload readable, got %+v", stored)
	}
	ok, err := p.Store.VerifyIntegrity(ctx, stored[0].StorageID)
	if err != nil || !ok {
		t.Errorf("Expected stored event to verify, got ok=%v err=%v", ok, err)
	}
	if due, _ := p.Store.SnapshotDue(ctx, "user-1"); !due {
		t.Error("Expected snapshot due at the configured threshold")
	}

	entries, err := p.Audit.Query(adminCtx(), AuditQuery{Action: AuditActionPublish})
	if err != nil {
		t.Fatalf("Failed to query audit log: %v", err)
	}
	if len(entries) != 1 || entries[0].CorrelationID != "corr-1" {
		t.Errorf("Expected publish audited with correlation, got %+v", entries)
	}

	removed, err := p.Bus.Shred(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to shred: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 event shredded, got %d", removed)
	}
	if p.Keyring.Len() != 0 {
		t.Errorf("Expected data key destroyed, got %d", p.Keyring.Len())
	}
	deletes, _ := p.Audit.Query(adminCtx(), AuditQuery{Action: AuditActionDelete})
	if len(deletes) != 1 || deletes[0].Details["events_removed"] != "1" {
		t.Errorf("Expected shred audited, got %+v", deletes)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Failed to close platform: %v", err)
	}

	data, err := os.ReadFile(cfg.Audit.FilePath)
	if err != nil {
		t.Fatalf("Failed to read audit file: %v", err)
	}
	if !strings.Contains(string(data), "corr-1") {
		t.Error("Expected audit file to hold the publish entry")
	}
}

func TestNewPlatformRejectsBadSpillPath(t *testing.T) {
	var cfg FileConfig
	cfg.DeadLetter.SpillPath = filepath.Join(t.TempDir(), "missing", "dlq.jsonl")

	if _, err := NewPlatform(cfg); err == nil {
		t.Error("Expected error for spillover path in missing directory")
	}
}
