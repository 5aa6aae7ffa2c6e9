// Package eventcore provides an event-sourcing core for applications that track
// evolving user state: an append-only event store with per-aggregate and global
// sequencing, a priority-ordered publish-subscribe bus with bounded retries, a
// composable behavior pipeline, and a compliance-grade audit log. It is designed
// for systems where events are the record of truth and where sensitive payloads
// demand encryption at rest, tamper evidence, and the ability to erase one
// subject's data completely.
//
// Core Concepts:
//
// The central components are the `EventStore`, which persists events, and the
// `Bus`, which distributes them.
//
//   - Event: The `Event` struct represents a single domain occurrence. It carries
//     identity (`ID`, `Type`), aggregate attribution (`AggregateID`,
//     `AggregateType`, `Version`), a `Timestamp`, a free-form `Payload` map, and
//     `Metadata` with correlation, causation, user, session, and source fields.
//     Events also carry a `SpanContext` for distributed tracing correlation.
//
//   - EventType: An `EventType` is a string identifier for the kind of an event
//     (e.g., "crisis_detected", "belief_updated"). The special `EventAny`
//     constant allows subscribing to all events.
//
//   - Handler: A `Handler` is a function type `func(ctx context.Context, evt Event) error`
//     that processes an incoming `Event`. Handlers are subscribed to specific
//     `EventType`s or to `EventAny`, with a priority and a retry policy.
//
//   - Behavior: A `Behavior` is a pipeline stage wrapped around persistence and
//     dispatch. Behaviors compose in ascending priority order and may
//     short-circuit a publish before it reaches storage or handlers.
//
//   - BusConfig: The `BusConfig` struct holds all configurable parameters for the
//     `Bus`: the store, the audit logger, the dead letter queue, behaviors, the
//     default retry policy, handler timeout, the concurrency cap, error and dead
//     letter callbacks, metrics, and transport. `DefaultBusConfig()` provides
//     sensible defaults.
//
// Key Features:
//
// 1.  Event Publishing:
//     Events are published with one of two error surfaces:
//       - `Publish(ctx, evt)`: Runs the behavior pipeline, appends the event to
//         the store, and dispatches to every matching handler in priority order.
//         It returns an error when the pipeline rejects the event, storage
//         fails, or any handler exhausts its retries; remaining handlers still
//         run in the last case, and the error is a `*DispatchError` carrying the
//         full result.
//       - `PublishResult(ctx, evt)`: Identical flow, but never returns an error.
//         The returned `DispatchResult` reports whether the event was stored,
//         each handler's attempts, duration, and final error, and any degraded
//         audit write.
//
// 2.  Event Subscription:
//     Handlers register with `Subscribe(et, h, opts...)`, which returns a
//     `Subscription` handle for `Unsubscribe`. Options set a dispatch priority
//     (`WithPriority`, lower runs earlier; ties run in registration order), a
//     per-subscription retry policy (`WithRetryPolicy`), and a name for results
//     and dead letters (`WithHandlerName`). `SubscribeMany` registers one
//     handler for several types. Wildcard subscriptions on `EventAny` merge into
//     every type's dispatch order by the same priority rule. The bus answers
//     `SubscriptionCount`, `HandlerCount`, `HasHandlers`, and
//     `RegisteredEventTypes`, and `ClearAll` removes every subscription.
//
// 3.  Event Sourcing Store:
//     The `EventStore` interface persists events with two sequences: a
//     per-aggregate `SequenceNumber` (gapless, starting at 1) and a
//     `GlobalSequence` (gapless, strictly increasing across all aggregates).
//     `MemoryEventStore` is the in-memory implementation. `Append` and
//     `AppendBatch` assign sequences; `Events` replays an aggregate from an
//     optional version; `QueryEvents` filters by aggregate, types, user, time
//     and global-sequence windows with offset/limit pagination;
//     `CreateSnapshot` and `Snapshot` support replay from a snapshot plus its
//     delta, with `SnapshotDue` reporting when an aggregate has outgrown its
//     latest snapshot; `EventCount` and `TotalEventCount` answer in constant
//     time; `ArchiveEvents` marks cold events past a cutoff; and
//     `VerifyIntegrity` recomputes checksums to detect tampering.
//
// 4.  Crypto-Shredding:
//     Each aggregate's payloads are encrypted with a per-aggregate key held in
//     a `Keyring`. `CryptoShred` removes the aggregate's events and snapshots,
//     destroys its key, and leaves a tombstone that rejects later appends with
//     `ErrAggregateShredded`. Other aggregates, global sequences, and the
//     audit log are untouched.
//
// 5.  Behavior Pipeline:
//     Built-in behaviors cover validation (`NewValidationBehavior`, which
//     rejects malformed events before storage), crisis alerting
//     (`NewCrisisAlertBehavior`, which fires a notifier ahead of dispatch),
//     throttling (`NewThrottleBehavior`, token bucket per event type), logging
//     (`NewLoggingBehavior`), metrics (`NewMetricsBehavior`), and auditing
//     (`NewAuditBehavior`, appended automatically when an audit logger is
//     configured). `NewBehavior` adapts any function into a custom stage.
//
// 6.  Audit Logging:
//     The `AuditLogger` interface records who did what: `Log` appends an
//     `AuditEntry` with action, resource, outcome, correlation ID, and hashed
//     IP; `Query` and `Count` filter entries; `Export` writes matching entries
//     as JSON lines for compliance handoff; `Purge` enforces the retention
//     window (default 2190 days). Entries fan out to configured `AuditSink`s:
//     `AuditFileSink` rotates files with lumberjack, and `AuditDBSink` batches
//     inserts into a SQL database with retry logic (`SetupAuditDatabase`
//     initializes the table and indexes).
//
// 7.  Dead Letter Queue:
//     Events whose handlers exhaust their retries land in the
//     `DeadLetterQueue` as `FailedEvent` records. The queue is bounded; when
//     full, events overflow to a JSON-lines spillover file if configured.
//     `Requeue` republishes captured events through the bus, `RecoverSpilled`
//     replays the spillover file, and `Stats` reports counters.
//
// 8.  Metrics Integration:
//     The `Metrics` interface defines a contract for reporting events
//     published, dropped, stored, and shredded, snapshots created, handler
//     latency and failures, and audit entries logged. `PrometheusMetrics`
//     provides a Prometheus-compatible implementation, and `nopMetrics` is a
//     no-operation implementation for when metrics are not needed. Metrics can
//     be configured using `WithBusMetrics` or `WithMetricsRegisterer`.
//
// 9.  External Transport:
//     The `Transport` interface forwards every published event to an external
//     system. `KafkaTransport` is provided as a concrete implementation,
//     keying messages by aggregate ID so one aggregate's events stay ordered
//     within a partition, with retries via exponential backoff. A transport
//     can be set via `WithTransport`.
//
// Handler Registry:
//
// The `EventHandler` interface describes a named handler that declares its own
// event types, priority, and retry policy. `NewHandler` adapts a function, and
// `HandlerRegistry` indexes handlers by name and by type, answering
// `HandlersFor` in dispatch order. `BindAll` subscribes every registered
// handler to a bus in one call, carrying each handler's wiring.
//
// Event Definition and Types:
//
// The package defines a set of predefined `EventType` constants for the
// cognitive-state domain, with schemas registered during package
// initialization:
//   - Session Events: `EventTypeSessionStarted`, `EventTypeSessionEnded`.
//   - Estimation Events: `EventTypeObservationRecorded`, `EventTypeStateEstimated`, `EventTypeBeliefUpdated`.
//   - Crisis Events: `EventTypeCrisisDetected`, `EventTypeCrisisEscalated`, `EventTypeCrisisResolved`.
//   - Intervention Events: `EventTypeInterventionSelected`, `EventTypeInterventionDelivered`, `EventTypeInterventionAcknowledged`.
//   - Privacy Events: `EventTypeConsentGranted`, `EventTypeConsentRevoked`, `EventTypeErasureRequested`.
//
// Helper constructors such as `NewCrisisDetected`, `NewInterventionSelected`,
// and `NewStateEstimated` build events with typed payloads
// (`CrisisDetectedPayload`, `InterventionSelectedPayload`,
// `StateEstimatedPayload`).
//
// Security and Data Integrity:
//
// 1.  Access Control:
//     The `AccessControlFunc` type enforces permissions before audit queries
//     and exports. `CheckAuditAccess` provides a default role-based check
//     (`"admin"`) when no custom function is configured via
//     `WithAuditAccessControl` or `WithAccessControl` on the context.
//
// 2.  Payload Sanitization:
//     `SanitizePayload` automatically redacts sensitive fields (e.g., "email",
//     "password", "free_text") from event payloads before they are stored or
//     dispatched. Custom `Sanitizer` functions can be supplied.
//
// 3.  Encryption and Checksums:
//     Payloads are encrypted at rest with AES-256 GCM using per-aggregate keys
//     (`Keyring`, `GenerateAESKey`, `EncryptPayload`, `DecryptPayload`). Every
//     stored event carries a SHA-256 checksum computed over its canonical
//     plaintext form (`EventChecksum`), and snapshots carry their own
//     (`SnapshotChecksum`), so `VerifyIntegrity` can detect tampering.
//     `HashIP` pseudonymizes addresses for audit entries.
//
// Configuration:
//
// The `Bus` is initialized using `NewBus` with variadic `BusOption` functions:
// the store (`WithStore`), audit logger (`WithAuditLogger`), dead letter queue
// (`WithDeadLetterQueue`), behaviors (`WithBehaviors`), default retry policy
// (`WithDefaultRetry`), handler timeout (`WithHandlerTimeout`), concurrency cap
// (`WithMaxConcurrentHandlers`), callbacks (`WithErrorFunc`,
// `WithDeadLetterFunc`), metrics (`WithBusMetrics`, `WithMetricsRegisterer`),
// and transport (`WithTransport`).
//
// Configuration can also be loaded from environment variables using
// `LoadConfigFromEnv()`, or from a YAML file using `LoadConfigFromFile`, whose
// `FileConfig` feeds `NewPlatform` to compose a full stack in one call.
//
// Usage Patterns:
//
// 1.  Initializing the Core:
//     store := eventcore.NewMemoryEventStore(eventcore.WithKeyring(eventcore.NewKeyring("prod")))
//     audit := eventcore.NewMemoryAuditLogger()
//     bus, err := eventcore.NewBus(
//         eventcore.WithStore(store),
//         eventcore.WithAuditLogger(audit),
//         eventcore.WithHandlerTimeout(5*time.Second),
//         eventcore.WithMetricsRegisterer(prometheus.DefaultRegisterer),
//     )
//     if err != nil {
//         log.Fatalf("Failed to create bus: %v", err)
//     }
//     defer bus.Close()
//
// 2.  Subscribing a Handler:
//     bus.Subscribe(eventcore.EventTypeCrisisDetected, func(ctx context.Context, evt eventcore.Event) error {
//         return pager.Alert(ctx, evt.Metadata.UserID, evt.Payload)
//     },
//         eventcore.WithHandlerName("crisis-pager"),
//         eventcore.WithPriority(1),
//         eventcore.WithRetryPolicy(eventcore.RetryPolicy{MaxAttempts: 5, Delay: 50 * time.Millisecond, BackoffMultiplier: 2}),
//     )
//
// 3.  Publishing an Event:
//     evt := eventcore.NewCrisisDetected(ctx, "user-42", "sess-7", eventcore.CrisisDetectedPayload{
//         RiskLevel: "high", Score: 0.93, Signals: []string{"language", "cadence"},
//     })
//     if err := bus.Publish(ctx, evt); err != nil {
//         log.Printf("publish failed: %v", err)
//     }
//
// 4.  Erasing a Subject:
//     removed, err := bus.Shred(ctx, "user-42")
//     // The user's events and snapshots are gone, the key is destroyed, and
//     // the erasure itself is in the audit log.
//
// 5.  Querying the Audit Trail:
//     ctx := context.WithValue(context.Background(), "role", "admin")
//     entries, err := audit.Query(ctx, eventcore.AuditQuery{UserID: "user-42", Limit: 100})
//
// Concurrency:
//
// The `Bus`, `MemoryEventStore`, `MemoryAuditLogger`, `DeadLetterQueue`, and
// `HandlerRegistry` are safe for concurrent use. Dispatch for one publish is
// synchronous and ordered; concurrency across publishes can be capped with
// `WithMaxConcurrentHandlers`, backed by a weighted semaphore.
//
// Error Handling:
//
// Handler failures are retried per subscription policy, then reported through
// the `ErrorFunc` callback, the dead letter queue, and the publish result.
// Sentinel errors (`ErrBusClosed`, `ErrAggregateShredded`, `ErrThrottled`) and
// typed errors (`*ValidationError`, `*DispatchError`) support errors.Is and
// errors.As checks. An audit write failure degrades a publish rather than
// failing it, and is reported in the `DispatchResult`.
//
// This package aims to provide a complete event-sourcing foundation for
// stateful, privacy-sensitive applications, with the storage, distribution,
// and compliance machinery in one coherent core.
package eventcore
