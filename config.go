package eventcore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// The bus is configured through functional options, which can be assembled
// by hand, loaded from environment variables, or parsed from a YAML file.
// NewPlatform composes a full stack (store, audit logger, dead letter queue,
// optional Kafka transport) from one FileConfig.

// WithMetricsRegisterer sets the Prometheus registerer to automatically
// initialize and register Prometheus metrics for the bus.
//
// This is a convenience function that uses the provided prometheus.Registerer
// to create a new PrometheusMetrics instance and sets it via WithBusMetrics.
func WithMetricsRegisterer(registerer prometheus.Registerer) BusOption {
	return func(cfg *BusConfig) {
		cfg.Metrics = NewPrometheusMetrics(registerer)
	}
}

// LoadConfigFromEnv loads bus options from environment variables.
//
// It parses specific environment variables and returns a slice of BusOption
// functions. If an environment variable is malformed or not set, it is
// ignored.
//
// Supported environment variables:
//   - EVENTCORE_HANDLER_TIMEOUT_MS: Per-attempt handler deadline in
//     milliseconds (integer).
//   - EVENTCORE_MAX_CONCURRENT_HANDLERS: Cap on in-flight handler
//     executions (integer).
//   - EVENTCORE_RETRY_MAX_ATTEMPTS: Default retry attempts per handler
//     (integer).
//   - EVENTCORE_RETRY_DELAY_MS: Default delay before the second attempt in
//     milliseconds (integer).
//   - EVENTCORE_RETRY_BACKOFF: Default backoff multiplier (float64).
func LoadConfigFromEnv() []BusOption {
	var opts []BusOption
	if v := os.Getenv("EVENTCORE_HANDLER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithHandlerTimeout(time.Duration(n)*time.Millisecond))
		}
	}
	if v := os.Getenv("EVENTCORE_MAX_CONCURRENT_HANDLERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithMaxConcurrentHandlers(n))
		}
	}
	retry := DefaultRetryPolicy()
	retrySet := false
	if v := os.Getenv("EVENTCORE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retry.MaxAttempts = n
			retrySet = true
		}
	}
	if v := os.Getenv("EVENTCORE_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retry.Delay = time.Duration(n) * time.Millisecond
			retrySet = true
		}
	}
	if v := os.Getenv("EVENTCORE_RETRY_BACKOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retry.BackoffMultiplier = f
			retrySet = true
		}
	}
	if retrySet {
		opts = append(opts, WithDefaultRetry(retry))
	}
	return opts
}

// FileConfig is the YAML shape for configuring a full platform. Zero values
// leave the corresponding defaults in place.
type FileConfig struct {
	HandlerTimeoutMs      int `yaml:"handler_timeout_ms"`
	MaxConcurrentHandlers int `yaml:"max_concurrent_handlers"`

	Retry struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		DelayMs           int     `yaml:"delay_ms"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	} `yaml:"retry"`

	Store struct {
		SnapshotThreshold uint64 `yaml:"snapshot_threshold"`
		EncryptionKeyID   string `yaml:"encryption_key_id"`
	} `yaml:"store"`

	DeadLetter struct {
		MaxSize   int    `yaml:"max_size"`
		SpillPath string `yaml:"spill_path"`
	} `yaml:"dead_letter"`

	Audit struct {
		RetentionDays int    `yaml:"retention_days"`
		FilePath      string `yaml:"file_path"`
	} `yaml:"audit"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// LoadConfigFromFile parses a FileConfig from the YAML file at path.
func LoadConfigFromFile(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Options converts the bus-level fields of a FileConfig into bus options.
func (c FileConfig) Options() []BusOption {
	var opts []BusOption
	if c.HandlerTimeoutMs > 0 {
		opts = append(opts, WithHandlerTimeout(time.Duration(c.HandlerTimeoutMs)*time.Millisecond))
	}
	if c.MaxConcurrentHandlers > 0 {
		opts = append(opts, WithMaxConcurrentHandlers(c.MaxConcurrentHandlers))
	}
	if c.Retry.MaxAttempts > 0 {
		retry := DefaultRetryPolicy()
		retry.MaxAttempts = c.Retry.MaxAttempts
		if c.Retry.DelayMs > 0 {
			retry.Delay = time.Duration(c.Retry.DelayMs) * time.Millisecond
		}
		if c.Retry.BackoffMultiplier > 0 {
			retry.BackoffMultiplier = c.Retry.BackoffMultiplier
		}
		opts = append(opts, WithDefaultRetry(retry))
	}
	return opts
}

// Platform bundles a composed event stack: the bus, its store, the audit
// logger, the dead letter queue, and the keyring holding per-aggregate
// encryption keys.
type Platform struct {
	Bus        *Bus
	Store      EventStore
	Audit      AuditLogger
	DeadLetter *DeadLetterQueue
	Keyring    *Keyring
}

// NewPlatform builds a full stack from a FileConfig: an encrypted in-memory
// event store, an audit logger with optional file sink, a dead letter queue
// with optional disk spillover, an optional Kafka transport, and a bus wired
// to all of them. Extra options are applied last and may override anything
// derived from the config.
func NewPlatform(cfg FileConfig, extra ...BusOption) (*Platform, error) {
	keyID := cfg.Store.EncryptionKeyID
	if keyID == "" {
		keyID = "eventcore"
	}
	keyring := NewKeyring(keyID)
	storeOpts := []StoreOption{WithKeyring(keyring)}
	if cfg.Store.SnapshotThreshold > 0 {
		storeOpts = append(storeOpts, WithSnapshotThreshold(cfg.Store.SnapshotThreshold))
	}
	store := NewMemoryEventStore(storeOpts...)

	var auditOpts []AuditOption
	if cfg.Audit.RetentionDays > 0 {
		auditOpts = append(auditOpts, WithRetentionDays(cfg.Audit.RetentionDays))
	}
	if cfg.Audit.FilePath != "" {
		sink, err := NewAuditFileSink(cfg.Audit.FilePath)
		if err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		auditOpts = append(auditOpts, WithAuditSink(sink))
	}
	audit := NewMemoryAuditLogger(auditOpts...)

	var dlqOpts []DLQOption
	if cfg.DeadLetter.MaxSize > 0 {
		dlqOpts = append(dlqOpts, WithDLQMaxSize(cfg.DeadLetter.MaxSize))
	}
	if cfg.DeadLetter.SpillPath != "" {
		dlqOpts = append(dlqOpts, WithDLQSpillPath(cfg.DeadLetter.SpillPath))
	}
	dlq, err := NewDeadLetterQueue(dlqOpts...)
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("platform: %w", err)
	}

	busOpts := []BusOption{
		WithStore(store),
		WithAuditLogger(audit),
		WithDeadLetterQueue(dlq),
	}
	busOpts = append(busOpts, cfg.Options()...)
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		transport, err := NewKafkaTransport(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			audit.Close()
			dlq.Close()
			return nil, fmt.Errorf("platform: %w", err)
		}
		busOpts = append(busOpts, WithTransport(transport))
	}
	busOpts = append(busOpts, extra...)

	bus, err := NewBus(busOpts...)
	if err != nil {
		audit.Close()
		dlq.Close()
		return nil, fmt.Errorf("platform: %w", err)
	}
	return &Platform{
		Bus:        bus,
		Store:      store,
		Audit:      audit,
		DeadLetter: dlq,
		Keyring:    keyring,
	}, nil
}

// Close shuts down the bus, the audit logger and its sinks, and the dead
// letter queue.
func (p *Platform) Close() error {
	return errors.Join(p.Bus.Close(), p.Audit.Close(), p.DeadLetter.Close())
}
