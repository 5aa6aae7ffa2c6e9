package eventcore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log" // Standard log for internal sink errors, not audit entries themselves
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// SinkConfig holds configuration parameters for audit entry persistence
// sinks, covering file-based persistence (via lumberjack) and batched
// database insertion.
type SinkConfig struct {
	// MaxSizeMB is the maximum size in megabytes of a log file before it is rotated.
	MaxSizeMB int
	// MaxBackups is the maximum number of rotated files to retain. Zero keeps
	// all backups, leaving expiry to MaxAgeDays.
	MaxBackups int
	// MaxAgeDays is the number of days to retain rotated files. Defaults to
	// the audit retention window so file expiry never undercuts compliance.
	MaxAgeDays int
	// Compress enables compression of rotated files.
	Compress bool
	// DBBatchSize is the number of entries to batch together before attempting
	// a single database insertion.
	DBBatchSize int
	// FlushInterval is the maximum time to wait before flushing accumulated
	// entries to the database, even if DBBatchSize is not reached.
	FlushInterval time.Duration
	// RetryCount is the number of times to retry a failed database batch insert.
	RetryCount int
	// RetryDelay is the delay between retry attempts for database inserts.
	RetryDelay time.Duration
}

// DefaultSinkConfig returns a SinkConfig populated with default values.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		MaxSizeMB:     100,                    // 100 MB per file
		MaxBackups:    0,                      // Keep every rotated file
		MaxAgeDays:    DefaultRetentionDays,   // Expire with the retention window
		Compress:      true,                   // Compress rotated files
		DBBatchSize:   100,                    // Batch 100 entries for DB inserts
		FlushInterval: 5 * time.Second,        // Flush DB batch every 5 seconds
		RetryCount:    3,                      // Retry DB inserts 3 times
		RetryDelay:    500 * time.Millisecond, // 500ms delay between DB retries
	}
}

// SinkOption is a functional option for configuring a SinkConfig.
type SinkOption func(*SinkConfig)

// WithMaxSizeMB sets the maximum size (in megabytes) a file can reach before
// it is rotated.
func WithMaxSizeMB(size int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxSizeMB = size }
}

// WithMaxBackups sets the maximum number of rotated files to retain.
func WithMaxBackups(backups int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxBackups = backups }
}

// WithMaxAgeDays sets the number of days to retain rotated files.
func WithMaxAgeDays(days int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxAgeDays = days }
}

// WithCompress enables or disables compression of rotated files.
func WithCompress(compress bool) SinkOption {
	return func(cfg *SinkConfig) { cfg.Compress = compress }
}

// WithDBBatchSize sets the number of entries batched per database insert.
func WithDBBatchSize(size int) SinkOption {
	return func(cfg *SinkConfig) { cfg.DBBatchSize = size }
}

// WithFlushInterval sets the maximum wait before a partial batch is flushed
// to the database.
func WithFlushInterval(interval time.Duration) SinkOption {
	return func(cfg *SinkConfig) { cfg.FlushInterval = interval }
}

// WithRetryCount sets the number of retries for a failed batch insert.
func WithRetryCount(count int) SinkOption {
	return func(cfg *SinkConfig) { cfg.RetryCount = count }
}

// WithRetryDelay sets the delay between retry attempts for batch inserts.
func WithRetryDelay(delay time.Duration) SinkOption {
	return func(cfg *SinkConfig) { cfg.RetryDelay = delay }
}

// SetupAuditDatabase initializes the audit_log table and its indexes in the
// provided SQL database. It creates the table if it does not already exist
// and indexes the columns compliance queries filter on.
//
// Parameters:
//   - db: An initialized *sql.DB connection pool.
//
// Returns:
//   - error: An error if table or index creation fails.
func SetupAuditDatabase(db *sql.DB) error {
	createTableQuery := `
CREATE TABLE IF NOT EXISTS audit_log (
	id VARCHAR(36) PRIMARY KEY,
	timestamp TIMESTAMP NOT NULL,
	event_type VARCHAR(255),
	event_id VARCHAR(36),
	user_id VARCHAR(255),
	session_id VARCHAR(255),
	ip_address_hash VARCHAR(64),
	action VARCHAR(32) NOT NULL,
	resource VARCHAR(255),
	outcome VARCHAR(32) NOT NULL,
	correlation_id VARCHAR(255) NOT NULL,
	details TEXT
)`
	if _, err := db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}

	createCorrelationIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_audit_correlation_id ON audit_log (correlation_id);`
	if _, err := db.Exec(createCorrelationIndexQuery); err != nil {
		return fmt.Errorf("failed to create correlation_id index: %w", err)
	}

	createUserIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_log (user_id);`
	if _, err := db.Exec(createUserIndexQuery); err != nil {
		return fmt.Errorf("failed to create user_id index: %w", err)
	}

	createTimeIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log (timestamp);`
	if _, err := db.Exec(createTimeIndexQuery); err != nil {
		return fmt.Errorf("failed to create timestamp index: %w", err)
	}

	return nil
}

// AuditFileSink persists audit entries to a rotating file as
// newline-delimited JSON. It uses lumberjack.Logger for rotation and
// compression, with retention defaults aligned to the audit window.
type AuditFileSink struct {
	logger *lumberjack.Logger
	mu     sync.Mutex
}

// Ensure AuditFileSink implements the AuditSink interface at compile time.
var _ AuditSink = (*AuditFileSink)(nil)

// NewAuditFileSink creates a file sink writing to path.
//
// Parameters:
//   - path: Destination file; parent directories must exist.
//   - opts: Variadic options overriding DefaultSinkConfig.
//
// Returns:
//   - *AuditFileSink: The configured sink.
//   - error: Reserved for future validation; currently always nil on a
//     non-empty path.
func NewAuditFileSink(path string, opts ...SinkOption) (*AuditFileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit file sink: empty path")
	}
	cfg := DefaultSinkConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &AuditFileSink{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}, nil
}

// WriteEntry marshals the entry to JSON and appends it to the file. Writes
// are serialized with a mutex so concurrent loggers produce whole lines.
func (s *AuditFileSink) WriteEntry(entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit file sink: marshal entry %s: %w", entry.ID, err)
	}
	if _, err := s.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit file sink: write entry %s: %w", entry.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *AuditFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Close()
}

// AuditDBSink persists audit entries to a SQL database in batches. Entries
// are buffered in a channel and flushed either when the batch size is
// reached or after the flush interval, with bounded retries per batch.
type AuditDBSink struct {
	entries chan AuditEntry
	closed  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Ensure AuditDBSink implements the AuditSink interface at compile time.
var _ AuditSink = (*AuditDBSink)(nil)

// NewAuditDBSink creates a database sink over db. The audit_log table must
// exist; see SetupAuditDatabase.
func NewAuditDBSink(db *sql.DB, opts ...SinkOption) *AuditDBSink {
	cfg := DefaultSinkConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &AuditDBSink{
		entries: make(chan AuditEntry, cfg.DBBatchSize),
		closed:  make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var batch []AuditEntry
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()

		flush := func(reason string) {
			if len(batch) == 0 {
				return
			}
			if err := insertAuditBatch(db, batch, cfg); err != nil {
				log.Printf("eventcore.AuditDBSink: batch insert failed (%s): %v", reason, err)
			}
			batch = nil
		}

		for {
			select {
			case entry := <-s.entries:
				batch = append(batch, entry)
				if len(batch) >= cfg.DBBatchSize {
					flush("batch full")
				}
			case <-ticker.C:
				flush("interval")
			case <-s.closed:
				// Drain anything still queued, then final flush.
				for {
					select {
					case entry := <-s.entries:
						batch = append(batch, entry)
					default:
						flush("shutdown")
						return
					}
				}
			}
		}
	}()
	return s
}

// WriteEntry queues the entry for batched insertion. A full queue rejects
// the entry rather than blocking the logger.
func (s *AuditDBSink) WriteEntry(entry AuditEntry) error {
	select {
	case <-s.closed:
		return fmt.Errorf("audit db sink closed, cannot accept new entries")
	default:
	}
	select {
	case s.entries <- entry:
		return nil
	case <-s.closed:
		return fmt.Errorf("audit db sink closed, cannot accept new entries")
	default:
		return fmt.Errorf("audit db sink queue full, entry dropped")
	}
}

// Close signals the background goroutine to flush remaining entries and
// waits for it to finish. Safe to call more than once.
func (s *AuditDBSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}

// insertAuditBatch inserts a batch of entries within a single transaction,
// retrying the whole batch with a delay on transient failures. Entries that
// fail to marshal individually are logged and skipped; the rest of the batch
// still commits.
func insertAuditBatch(db *sql.DB, batch []AuditEntry, cfg SinkConfig) error {
	const query = `
INSERT INTO audit_log (id, timestamp, event_type, event_id, user_id, session_id, ip_address_hash, action, resource, outcome, correlation_id, details)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryCount; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: begin transaction: %w", attempt, err)
			time.Sleep(cfg.RetryDelay)
			continue
		}
		stmt, err := tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			lastErr = fmt.Errorf("attempt %d: prepare statement: %w", attempt, err)
			time.Sleep(cfg.RetryDelay)
			continue
		}

		execErr := false
		for _, entry := range batch {
			var details []byte
			if entry.Details != nil {
				details, err = json.Marshal(entry.Details)
				if err != nil {
					log.Printf("eventcore.AuditDBSink: marshal details for entry %s: %v", entry.ID, err)
					continue
				}
			}
			if _, err := stmt.Exec(
				entry.ID,
				entry.Timestamp,
				string(entry.EventType),
				entry.EventID,
				entry.UserID,
				entry.SessionID,
				entry.IPAddressHash,
				string(entry.Action),
				entry.Resource,
				string(entry.Outcome),
				entry.CorrelationID,
				string(details),
			); err != nil {
				lastErr = fmt.Errorf("attempt %d: insert entry %s: %w", attempt, entry.ID, err)
				execErr = true
				break
			}
		}
		stmt.Close()

		if execErr {
			tx.Rollback()
			time.Sleep(cfg.RetryDelay)
			continue
		}
		if err := tx.Commit(); err != nil {
			lastErr = fmt.Errorf("attempt %d: commit: %w", attempt, err)
			time.Sleep(cfg.RetryDelay)
			continue
		}
		return nil
	}
	return fmt.Errorf("audit batch insert failed after %d attempts: %w", cfg.RetryCount, lastErr)
}
