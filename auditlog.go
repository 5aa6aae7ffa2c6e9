package eventcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction classifies what an audit entry records.
type AuditAction string

// Audit actions.
const (
	// AuditActionPublish records an event entering the bus
	AuditActionPublish AuditAction = "publish"
	// AuditActionSubscribe records a handler registration
	AuditActionSubscribe AuditAction = "subscribe"
	// AuditActionHandle records a handler execution
	AuditActionHandle AuditAction = "handle"
	// AuditActionStore records an event store append
	AuditActionStore AuditAction = "store"
	// AuditActionQuery records a read of stored events or audit entries
	AuditActionQuery AuditAction = "query"
	// AuditActionDelete records an erasure operation such as a crypto-shred
	AuditActionDelete AuditAction = "delete"
)

// AuditOutcome classifies how the recorded action ended.
type AuditOutcome string

// Audit outcomes.
const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomePartial AuditOutcome = "partial"
)

// DefaultRetentionDays is the audit retention window: six years, per the
// compliance requirements the platform operates under.
const DefaultRetentionDays = 2190

// AuditEntry is one compliance record. Entries are append-only: once logged
// they are never mutated, and never removed before the retention window
// elapses.
type AuditEntry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     EventType         `json:"event_type,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	IPAddressHash string            `json:"ip_address_hash,omitempty"`
	Action        AuditAction       `json:"action"`
	Resource      string            `json:"resource,omitempty"`
	Outcome       AuditOutcome      `json:"outcome"`
	CorrelationID string            `json:"correlation_id"`
	Details       map[string]string `json:"details,omitempty"`
}

// AuditQuery filters audit reads. Zero values leave a dimension
// unconstrained; From and To are inclusive timestamp bounds.
type AuditQuery struct {
	UserID        string
	EventType     EventType
	Action        AuditAction
	Outcome       AuditOutcome
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// AuditLogger is the compliance logging contract. Log must be append-only;
// Export must be deterministic, yielding byte-identical output for identical
// inputs so that repeated regulatory exports can be diffed and verified.
type AuditLogger interface {
	// Log assigns the entry's ID (and timestamp and correlation ID when
	// absent) and appends it. The returned entry is the logged copy.
	Log(ctx context.Context, entry AuditEntry) (AuditEntry, error)
	// Query returns matching entries in append order.
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	// Count returns the number of matching entries.
	Count(ctx context.Context, q AuditQuery) (int, error)
	// Export writes matching entries to w as newline-delimited JSON, one
	// entry per line, and returns the number of lines written.
	Export(ctx context.Context, q AuditQuery, w io.Writer) (int, error)
	// Purge removes entries whose retention window has elapsed as of the
	// given time, returning the count removed. Entries inside the window
	// are never touched.
	Purge(ctx context.Context, asOf time.Time) (int, error)
	// Close releases any attached sinks.
	Close() error
}

// AuditSink receives a copy of every logged entry, for persistence beyond
// process memory (rotating files, SQL databases, brokers).
type AuditSink interface {
	WriteEntry(entry AuditEntry) error
	Close() error
}

// MemoryAuditLogger is the in-memory reference AuditLogger. Reads are gated
// by an access control check; writes fan out to any attached sinks.
type MemoryAuditLogger struct {
	mu            sync.RWMutex
	entries       []AuditEntry
	retentionDays int
	sinks         []AuditSink
	accessCheck   AccessControlFunc
	metrics       Metrics
}

// Ensure MemoryAuditLogger implements the AuditLogger interface at compile time.
var _ AuditLogger = (*MemoryAuditLogger)(nil)

// AuditOption configures a MemoryAuditLogger.
type AuditOption func(*MemoryAuditLogger)

// WithRetentionDays overrides the retention window. Values below 1 fall back
// to the default.
func WithRetentionDays(days int) AuditOption {
	return func(l *MemoryAuditLogger) {
		if days > 0 {
			l.retentionDays = days
		}
	}
}

// WithAuditSink attaches a persistence sink. May be given multiple times.
func WithAuditSink(sink AuditSink) AuditOption {
	return func(l *MemoryAuditLogger) { l.sinks = append(l.sinks, sink) }
}

// WithAuditAccessControl overrides the access check applied to Query, Count
// and Export. The default requires an admin role on the context.
func WithAuditAccessControl(fn AccessControlFunc) AuditOption {
	return func(l *MemoryAuditLogger) { l.accessCheck = fn }
}

// WithAuditMetrics sets the metrics sink for audit operations.
func WithAuditMetrics(m Metrics) AuditOption {
	return func(l *MemoryAuditLogger) { l.metrics = m }
}

// NewMemoryAuditLogger creates an empty audit logger with the default
// six-year retention window.
func NewMemoryAuditLogger(opts ...AuditOption) *MemoryAuditLogger {
	l := &MemoryAuditLogger{
		retentionDays: DefaultRetentionDays,
		metrics:       nopMetrics{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends one entry. The ID is always freshly assigned; a zero timestamp
// is replaced with the current UTC time and an empty correlation ID with a
// generated one, so every entry is correlatable. Sink failures are collected
// and returned but never prevent the in-memory append.
func (l *MemoryAuditLogger) Log(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return AuditEntry{}, err
	}
	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = uuid.NewString()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	l.metrics.AuditEntryLogged(entry.Action)

	var sinkErr error
	for _, sink := range l.sinks {
		if err := sink.WriteEntry(entry); err != nil {
			log.Printf("eventcore.AuditLogger: sink write failed: %v", err)
			sinkErr = errors.Join(sinkErr, err)
		}
	}
	return entry, sinkErr
}

// Query returns matching entries in append order, after the access check.
func (l *MemoryAuditLogger) Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	if err := l.checkAccess(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.match(q), nil
}

// Count returns the number of matching entries, after the access check.
func (l *MemoryAuditLogger) Count(ctx context.Context, q AuditQuery) (int, error) {
	if err := l.checkAccess(ctx); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Count the full match set regardless of pagination.
	q.Limit = 0
	q.Offset = 0
	return len(l.match(q)), nil
}

// Export writes matching entries to w as newline-delimited JSON in append
// order. Output is deterministic: exporting the same filter twice with no
// intervening writes yields byte-identical bytes.
//
// Parameters:
// - ctx: Context carrying access credentials
// - q: The filter to export
// - w: Destination writer
//
// Returns:
// - The number of entries written
// - An error on access denial or write failure
func (l *MemoryAuditLogger) Export(ctx context.Context, q AuditQuery, w io.Writer) (int, error) {
	if err := l.checkAccess(ctx); err != nil {
		return 0, err
	}
	l.mu.RLock()
	matched := l.match(q)
	l.mu.RUnlock()

	written := 0
	for _, entry := range matched {
		data, err := json.Marshal(entry)
		if err != nil {
			return written, fmt.Errorf("export: marshal entry %s: %w", entry.ID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return written, fmt.Errorf("export: write entry %s: %w", entry.ID, err)
		}
		written++
	}
	return written, nil
}

// Purge removes entries older than the retention window as of the given
// time. Entries inside the window are never touched, no matter how often
// purge runs.
func (l *MemoryAuditLogger) Purge(ctx context.Context, asOf time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := asOf.AddDate(0, 0, -l.retentionDays)
	l.mu.Lock()
	kept := l.entries[:0]
	removed := 0
	for _, entry := range l.entries {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	l.entries = kept
	l.mu.Unlock()
	if removed > 0 {
		log.Printf("eventcore.AuditLogger: purged %d entries past the %d-day retention window", removed, l.retentionDays)
	}
	return removed, nil
}

// Close shuts down the attached sinks.
func (l *MemoryAuditLogger) Close() error {
	var err error
	for _, sink := range l.sinks {
		err = errors.Join(err, sink.Close())
	}
	return err
}

// RetentionDays returns the configured retention window.
func (l *MemoryAuditLogger) RetentionDays() int { return l.retentionDays }

func (l *MemoryAuditLogger) checkAccess(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.accessCheck != nil {
		return l.accessCheck(ctx)
	}
	return CheckAuditAccess(ctx)
}

// match returns the entries satisfying q in append order. Callers hold l.mu.
func (l *MemoryAuditLogger) match(q AuditQuery) []AuditEntry {
	matched := make([]AuditEntry, 0)
	for _, entry := range l.entries {
		if q.UserID != "" && entry.UserID != q.UserID {
			continue
		}
		if q.EventType != "" && entry.EventType != q.EventType {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if q.Outcome != "" && entry.Outcome != q.Outcome {
			continue
		}
		if q.CorrelationID != "" && entry.CorrelationID != q.CorrelationID {
			continue
		}
		if !q.From.IsZero() && entry.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && entry.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, entry)
	}
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched
}

// AuditEntryForEvent builds the audit entry skeleton for an event-scoped
// action, carrying over the event's identity, attribution and correlation.
func AuditEntryForEvent(evt Event, action AuditAction, outcome AuditOutcome) AuditEntry {
	return AuditEntry{
		EventType:     evt.Type,
		EventID:       evt.ID,
		UserID:        evt.Metadata.UserID,
		SessionID:     evt.Metadata.SessionID,
		Action:        action,
		Resource:      evt.AggregateType + "/" + evt.AggregateID,
		Outcome:       outcome,
		CorrelationID: evt.Metadata.CorrelationID,
	}
}
