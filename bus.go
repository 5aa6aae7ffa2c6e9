// Package eventcore implements a synchronous publish/subscribe bus with
// priority-ordered dispatch, bounded retries, and a behavior pipeline wrapped
// around persistence and delivery. Events published to the bus flow through
// the configured behaviors (validation, throttling, logging, metrics, audit),
// are appended to the event store when one is configured, and are then handed
// to every matching subscription in ascending priority order.
//
// The primary component, Bus, guarantees that one failing handler never
// prevents the remaining handlers from running: each subscription gets its
// own retry budget, and exhausted events land in the dead letter queue for
// later reprocessing. Publish reports handler exhaustion as an error;
// PublishResult always returns a full per-handler account instead.
//
// Key features include:
// - Priority-ordered synchronous dispatch with wildcard subscriptions.
// - Per-subscription retry policies with multiplicative backoff.
// - Per-attempt handler timeouts and panic containment.
// - Optional cap on concurrent handler executions across publishes.
// - Dead letter capture with disk spillover and requeue.
// - Optional transport for forwarding every event to an external system.
//
// The bus is thread-safe and designed for concurrent publishers.
package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. A nil return acknowledges the event; an error
// triggers the subscription's retry policy.
type Handler func(ctx context.Context, evt Event) error

// RetryPolicy bounds how a failing handler is retried. Attempts are spaced by
// Delay, multiplied by BackoffMultiplier after each failure.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Delay is the wait before the second attempt.
	Delay time.Duration `json:"delay" yaml:"delay"`
	// BackoffMultiplier scales the delay after each failed attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the policy used by subscriptions that do not set
// their own: three attempts, 100ms apart, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond, BackoffMultiplier: 2.0}
}

// normalizeRetry clamps a policy to runnable values.
func normalizeRetry(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// Subscription is one registered handler. It is returned by Subscribe and
// identifies the registration for Unsubscribe.
type Subscription struct {
	id       string
	et       EventType
	name     string
	priority int
	retry    RetryPolicy
	handler  Handler
	seq      uint64
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Type returns the event type the subscription is registered for.
func (s *Subscription) Type() EventType { return s.et }

// Name returns the handler name used in results and dead letters.
func (s *Subscription) Name() string { return s.name }

// Priority returns the dispatch priority; lower runs earlier.
func (s *Subscription) Priority() int { return s.priority }

// Retry returns the subscription's retry policy.
func (s *Subscription) Retry() RetryPolicy { return s.retry }

type subOptions struct {
	name     string
	priority int
	retry    RetryPolicy
	hasRetry bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subOptions)

// WithPriority sets the dispatch priority. Handlers run in ascending
// priority order; equal priorities run in registration order. Default 0.
func WithPriority(p int) SubscribeOption {
	return func(o *subOptions) { o.priority = p }
}

// WithRetryPolicy overrides the bus default retry policy for this
// subscription.
func WithRetryPolicy(p RetryPolicy) SubscribeOption {
	return func(o *subOptions) {
		o.retry = p
		o.hasRetry = true
	}
}

// WithHandlerName names the handler in dispatch results, logs and dead
// letters. Unnamed handlers get "handler-<n>".
func WithHandlerName(name string) SubscribeOption {
	return func(o *subOptions) { o.name = name }
}

// BusConfig holds configuration parameters for initializing a Bus.
type BusConfig struct {
	Store                 EventStore            // Optional store; events append before dispatch.
	Audit                 AuditLogger           // Optional audit logger; wires an audit behavior.
	DeadLetter            *DeadLetterQueue      // Optional queue for exhausted events.
	Behaviors             []Behavior            // Pipeline stages wrapped around persist and dispatch.
	DefaultRetry          RetryPolicy           // Policy for subscriptions without their own.
	HandlerTimeout        time.Duration         // Per-attempt handler deadline (0 = none).
	MaxConcurrentHandlers int                   // Cap on in-flight handler executions (0 = unlimited).
	ErrorFunc             func(error, Event)    // Callback for handler failures.
	DeadLetterFunc        func(FailedEvent)     // Callback when an event dead-letters.
	Metrics               Metrics               // Interface for collecting bus metrics.
	Transport             Transport             // Optional transport for external delivery.
}

// DefaultBusConfig returns a BusConfig with sensible default values:
// validation enabled, three dispatch attempts per handler, a 30 second
// per-attempt timeout, and errors logged with event IDs.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Behaviors:      []Behavior{NewValidationBehavior()},
		DefaultRetry:   DefaultRetryPolicy(),
		HandlerTimeout: 30 * time.Second,
		ErrorFunc: func(err error, evt Event) {
			log.Printf("eventcore.Bus error: %v for event ID %s", err, evt.ID)
		},
		Metrics: nopMetrics{},
	}
}

// BusOption configures a Bus at construction.
type BusOption func(*BusConfig)

// WithStore attaches an event store; every published event is appended to it
// before dispatch, and a storage failure fails the publish.
func WithStore(store EventStore) BusOption {
	return func(cfg *BusConfig) { cfg.Store = store }
}

// WithAuditLogger attaches an audit logger. The bus appends an audit
// behavior so every publish is recorded with its final outcome.
func WithAuditLogger(audit AuditLogger) BusOption {
	return func(cfg *BusConfig) { cfg.Audit = audit }
}

// WithDeadLetterQueue attaches a queue that captures events whose handlers
// exhausted their retries.
func WithDeadLetterQueue(dlq *DeadLetterQueue) BusOption {
	return func(cfg *BusConfig) { cfg.DeadLetter = dlq }
}

// WithBehaviors appends pipeline behaviors; they compose with any already
// configured in ascending priority order.
func WithBehaviors(behaviors ...Behavior) BusOption {
	return func(cfg *BusConfig) { cfg.Behaviors = append(cfg.Behaviors, behaviors...) }
}

// WithDefaultRetry sets the retry policy for subscriptions that do not
// provide their own.
func WithDefaultRetry(p RetryPolicy) BusOption {
	return func(cfg *BusConfig) { cfg.DefaultRetry = p }
}

// WithHandlerTimeout bounds each handler attempt. A timed-out attempt counts
// as a failure and consumes one retry.
func WithHandlerTimeout(d time.Duration) BusOption {
	return func(cfg *BusConfig) { cfg.HandlerTimeout = d }
}

// WithMaxConcurrentHandlers caps handler executions in flight across all
// concurrent publishes.
func WithMaxConcurrentHandlers(n int) BusOption {
	return func(cfg *BusConfig) { cfg.MaxConcurrentHandlers = n }
}

// WithErrorFunc sets the callback invoked for each handler that exhausts its
// retries.
func WithErrorFunc(fn func(error, Event)) BusOption {
	return func(cfg *BusConfig) { cfg.ErrorFunc = fn }
}

// WithDeadLetterFunc sets the callback invoked when an event dead-letters.
func WithDeadLetterFunc(fn func(FailedEvent)) BusOption {
	return func(cfg *BusConfig) { cfg.DeadLetterFunc = fn }
}

// WithBusMetrics sets the metrics collector.
func WithBusMetrics(m Metrics) BusOption {
	return func(cfg *BusConfig) { cfg.Metrics = m }
}

// WithTransport attaches a transport; the bus starts it and forwards every
// event to it through a wildcard subscription.
func WithTransport(t Transport) BusOption {
	return func(cfg *BusConfig) { cfg.Transport = t }
}

// Bus is the in-memory publish/subscribe core. It dispatches each published
// event synchronously to every matching subscription in ascending priority
// order, retrying failed handlers per their policy, and isolates failures so
// that one bad handler cannot starve the rest.
type Bus struct {
	mu    sync.RWMutex
	subs  map[EventType][]*Subscription // Sorted by (priority, registration order).
	count int

	behaviors      []Behavior
	store          EventStore
	audit          AuditLogger
	dlq            *DeadLetterQueue
	metrics        Metrics
	transport      Transport
	errorFunc      func(error, Event)
	deadLetterFunc func(FailedEvent)
	defaultRetry   RetryPolicy
	handlerTimeout time.Duration
	sem            *semaphore.Weighted

	closed atomic.Bool
	subSeq atomic.Uint64
	anonN  atomic.Uint64
}

// NewBus creates a new Bus with the specified configuration options. If a
// transport is configured it is started and subscribed to all events; a
// transport start failure aborts construction.
//
// Parameters:
//   - opts: Variadic BusOption functions to configure the bus.
//
// Returns:
//   - *Bus: A pointer to the initialized Bus.
//   - error: Any error encountered during initialization.
func NewBus(opts ...BusOption) (*Bus, error) {
	cfg := DefaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Audit != nil {
		cfg.Behaviors = append(cfg.Behaviors, NewAuditBehavior(cfg.Audit))
	}

	b := &Bus{
		subs:           make(map[EventType][]*Subscription),
		behaviors:      sortBehaviors(cfg.Behaviors),
		store:          cfg.Store,
		audit:          cfg.Audit,
		dlq:            cfg.DeadLetter,
		metrics:        cfg.Metrics,
		transport:      cfg.Transport,
		errorFunc:      cfg.ErrorFunc,
		deadLetterFunc: cfg.DeadLetterFunc,
		defaultRetry:   normalizeRetry(cfg.DefaultRetry),
		handlerTimeout: cfg.HandlerTimeout,
	}
	if cfg.MaxConcurrentHandlers > 0 {
		b.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentHandlers))
	}
	log.Printf("eventcore.Bus: created with behaviors=%d, handlerTimeout=%v, maxConcurrent=%d",
		len(b.behaviors), cfg.HandlerTimeout, cfg.MaxConcurrentHandlers,
	)

	if b.transport != nil {
		if err := b.transport.Start(); err != nil {
			return nil, fmt.Errorf("failed to start transport: %w", err)
		}
		if _, err := b.Subscribe(EventAny, b.transport.Send,
			WithHandlerName("transport"), WithPriority(1000)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DefaultBus creates a Bus with default configuration. If initialization
// fails, it logs a fatal error and terminates.
func DefaultBus() *Bus {
	bus, err := NewBus()
	if err != nil {
		log.Fatalf("Failed to create default bus: %v", err)
	}
	return bus
}

// Subscribe registers a handler for a specific event type, or for all events
// when EventAny is given. The returned Subscription identifies the
// registration for Unsubscribe.
//
// Parameters:
//   - et: The event type to subscribe to, or EventAny for all events.
//   - h: The handler function to process events.
//   - opts: Optional priority, retry policy, and handler name.
//
// Returns:
//   - *Subscription: The registration handle.
//   - error: ErrBusClosed, or an error for a nil handler or empty type.
func (b *Bus) Subscribe(et EventType, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", et)
	}
	if et == "" {
		return nil, fmt.Errorf("subscribe: empty event type")
	}

	o := subOptions{retry: b.defaultRetry}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hasRetry {
		o.retry = normalizeRetry(o.retry)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("handler-%d", b.anonN.Add(1))
	}

	sub := &Subscription{
		id:       uuid.New().String(),
		et:       et,
		name:     o.name,
		priority: o.priority,
		retry:    o.retry,
		handler:  h,
		seq:      b.subSeq.Add(1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[et] = append(b.subs[et], sub)
	sort.SliceStable(b.subs[et], func(i, j int) bool {
		return b.subs[et][i].priority < b.subs[et][j].priority
	})
	b.count++
	return sub, nil
}

// SubscribeMany registers the same handler for several event types, sharing
// the given options. On error, any subscriptions already made are removed.
func (b *Bus) SubscribeMany(types []EventType, h Handler, opts ...SubscribeOption) ([]*Subscription, error) {
	subs := make([]*Subscription, 0, len(types))
	for _, et := range types {
		sub, err := b.Subscribe(et, h, opts...)
		if err != nil {
			for _, s := range subs {
				b.Unsubscribe(s)
			}
			return nil, fmt.Errorf("subscribe many: %s: %w", et, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Unsubscribe removes a subscription. It reports whether the subscription
// was still registered.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.et]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.et] = append(list[:i], list[i+1:]...)
			if len(b.subs[sub.et]) == 0 {
				delete(b.subs, sub.et)
			}
			b.count--
			return true
		}
	}
	return false
}

// ClearAll removes every subscription, including any transport subscription.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[EventType][]*Subscription)
	b.count = 0
}

// SubscriptionCount returns the number of subscriptions registered for
// exactly the given type. Wildcard subscriptions count under EventAny.
func (b *Bus) SubscriptionCount(et EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[et])
}

// HandlerCount returns the total number of subscriptions on the bus.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// HasHandlers reports whether an event of the given type would reach at
// least one handler, counting wildcard subscriptions.
func (b *Bus) HasHandlers(et EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs[et]) > 0 {
		return true
	}
	return et != EventAny && len(b.subs[EventAny]) > 0
}

// RegisteredEventTypes returns the event types with at least one
// subscription, sorted, with EventAny included when wildcard subscriptions
// exist.
func (b *Bus) RegisteredEventTypes() []EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]EventType, 0, len(b.subs))
	for et := range b.subs {
		types = append(types, et)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// subscriptionsFor merges typed and wildcard subscriptions into one dispatch
// order: ascending priority, registration order between equals.
func (b *Bus) subscriptionsFor(et EventType) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	typed := b.subs[et]
	var wild []*Subscription
	if et != EventAny {
		wild = b.subs[EventAny]
	}
	merged := make([]*Subscription, 0, len(typed)+len(wild))
	merged = append(merged, typed...)
	merged = append(merged, wild...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].priority != merged[j].priority {
			return merged[i].priority < merged[j].priority
		}
		return merged[i].seq < merged[j].seq
	})
	return merged
}

// HandlerResult is one subscription's outcome for one published event.
type HandlerResult struct {
	Handler  string        // Subscription name.
	Attempts int           // Attempts made, including the final one.
	Err      error         // Final error, nil on success.
	Duration time.Duration // Total time across attempts.
}

// DispatchResult is the full account of one publish: whether the event was
// stored and audited, and what every handler did.
type DispatchResult struct {
	EventID           string
	EventType         EventType
	Stored            bool
	StorageErr        error
	AuditErr          error
	PipelineErr       error
	HandlersInvoked   int
	HandlersSucceeded int
	HandlersFailed    int
	Handlers          []HandlerResult
	Duration          time.Duration
}

// Clean reports whether the publish stored, passed the pipeline, and every
// handler succeeded. A degraded audit write does not make a result unclean.
func (r DispatchResult) Clean() bool {
	return r.PipelineErr == nil && r.StorageErr == nil && r.HandlersFailed == 0
}

// ErrorSummary renders the result's failures as one string, empty when
// clean.
func (r DispatchResult) ErrorSummary() string {
	var parts []string
	if r.PipelineErr != nil {
		parts = append(parts, r.PipelineErr.Error())
	}
	if r.StorageErr != nil {
		parts = append(parts, fmt.Sprintf("storage: %v", r.StorageErr))
	}
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", hr.Handler, hr.Err))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// DispatchError reports handlers that exhausted their retries. It carries
// the full dispatch result for inspection.
type DispatchError struct {
	Result DispatchResult
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("event %s: %d of %d handlers failed: %s",
		e.Result.EventID, e.Result.HandlersFailed, e.Result.HandlersInvoked, e.Result.ErrorSummary())
}

// Publish runs an event through the pipeline, stores it, and dispatches it
// to every matching handler in priority order. It returns an error when the
// pipeline rejects the event, storage fails, or any handler exhausts its
// retries; the remaining handlers still run in the last case.
//
// Parameters:
//   - ctx: Context for storage, behaviors, and handler attempts.
//   - evt: The event to publish.
//
// Returns:
//   - error: nil on full success, a *DispatchError when handlers failed, or
//     the pipeline or storage error that stopped the publish.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	res := b.PublishResult(ctx, evt)
	if res.PipelineErr != nil {
		return res.PipelineErr
	}
	if res.StorageErr != nil {
		return fmt.Errorf("store event %s: %w", res.EventID, res.StorageErr)
	}
	if res.HandlersFailed > 0 {
		return &DispatchError{Result: res}
	}
	return nil
}

// PublishResult publishes like Publish but never returns an error: the
// outcome, including per-handler attempts and failures, is reported in the
// DispatchResult so a caller can act on partial failure.
func (b *Bus) PublishResult(ctx context.Context, evt Event) DispatchResult {
	start := time.Now()
	evt = b.prepareEvent(ctx, evt)
	res := DispatchResult{EventID: evt.ID, EventType: evt.Type}
	if b.closed.Load() {
		res.PipelineErr = ErrBusClosed
		res.Duration = time.Since(start)
		return res
	}

	pc := newPipelineContext(evt)
	core := func(ctx context.Context) error {
		dispatchEvt := evt
		if b.store != nil {
			stored, err := b.store.Append(ctx, evt)
			if err != nil {
				res.StorageErr = err
				return fmt.Errorf("store event %s: %w", evt.ID, err)
			}
			res.Stored = true
			dispatchEvt = stored.Event
		}
		return b.dispatch(ctx, dispatchEvt, &res)
	}

	err := composeBehaviors(b.behaviors, evt, pc, core)(ctx)
	res.AuditErr = pc.AuditErr
	if err != nil && res.StorageErr == nil && res.HandlersFailed == 0 {
		res.PipelineErr = err
	}
	res.Duration = time.Since(start)
	return res
}

// dispatch runs every matching subscription in order, isolating failures.
func (b *Bus) dispatch(ctx context.Context, evt Event, res *DispatchResult) error {
	subs := b.subscriptionsFor(evt.Type)
	res.HandlersInvoked = len(subs)
	for _, sub := range subs {
		hr := b.runHandler(ctx, sub, evt)
		res.Handlers = append(res.Handlers, hr)
		if hr.Err != nil {
			res.HandlersFailed++
			b.handleFailure(sub, evt, hr)
			continue
		}
		res.HandlersSucceeded++
	}
	if res.HandlersFailed > 0 {
		return fmt.Errorf("dispatch event %s: %d of %d handlers failed",
			evt.ID, res.HandlersFailed, res.HandlersInvoked)
	}
	return nil
}

// runHandler executes one subscription with its retry policy. Delays follow
// the policy exactly: Delay before the second attempt, multiplied by
// BackoffMultiplier after each failure.
func (b *Bus) runHandler(ctx context.Context, sub *Subscription, evt Event) (hr HandlerResult) {
	hr.Handler = sub.name
	start := time.Now()
	defer func() {
		hr.Duration = time.Since(start)
		b.metrics.HandlerLatency(evt.Type, hr.Duration)
	}()

	op := func() error {
		hr.Attempts++
		err := b.invoke(ctx, sub, evt)
		if err != nil {
			b.metrics.HandlerFailed(evt.Type)
		}
		return err
	}

	// backoff treats a zero retry cap as unlimited, so a single-attempt
	// policy runs the handler directly.
	if sub.retry.MaxAttempts <= 1 {
		hr.Err = op()
		return hr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sub.retry.Delay
	bo.Multiplier = sub.retry.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(sub.retry.MaxAttempts-1))
	policy = backoff.WithContext(policy, ctx)
	hr.Err = backoff.Retry(op, policy)
	return hr
}

// invoke runs a single handler attempt under the concurrency cap and the
// per-attempt timeout, containing panics. On timeout the attempt counts as
// failed; the handler goroutine is left to finish in the background.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) error {
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("handler %s: acquire slot: %w", sub.name, err)
		}
		defer b.sem.Release(1)
	}

	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler %s panicked: %v", sub.name, r)
			}
		}()
		return sub.handler(ctx, evt)
	}

	if b.handlerTimeout <= 0 {
		return run(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(tctx) }()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return fmt.Errorf("handler %s: %w", sub.name, tctx.Err())
	}
}

// handleFailure records a handler that exhausted its retries: error
// callback, dead letter queue, dead letter callback.
func (b *Bus) handleFailure(sub *Subscription, evt Event, hr HandlerResult) {
	if b.errorFunc != nil {
		b.errorFunc(hr.Err, evt)
	}
	failed := FailedEvent{
		Event:    evt,
		Handler:  sub.name,
		Error:    hr.Err.Error(),
		Attempts: hr.Attempts,
		FailedAt: time.Now().UTC(),
	}
	if b.dlq != nil {
		if err := b.dlq.Enqueue(failed); err != nil {
			log.Printf("eventcore.Bus: dead letter enqueue failed for event %s: %v", evt.ID, err)
		}
	}
	if b.deadLetterFunc != nil {
		b.deadLetterFunc(failed)
	}
}

// prepareEvent fills in identity the publisher left blank: ID, timestamp,
// correlation ID from the context, span context, and sanitized payload
// fields.
func (b *Bus) prepareEvent(ctx context.Context, evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Metadata.CorrelationID == "" {
		evt.Metadata.CorrelationID = CorrelationIDFrom(ctx)
	}
	if evt.Metadata.CorrelationID == "" {
		evt.Metadata.CorrelationID = uuid.New().String()
	}
	if !evt.SpanContext.IsValid() {
		evt.SpanContext = trace.SpanContextFromContext(ctx)
	}
	return SanitizePayload(evt)
}

// Shred removes every stored event and snapshot for an aggregate and
// destroys its encryption key, recording the act in the audit log. Returns
// the number of events removed.
func (b *Bus) Shred(ctx context.Context, aggregateID string) (int, error) {
	if b.store == nil {
		return 0, fmt.Errorf("shred %s: no event store configured", aggregateID)
	}
	n, err := b.store.CryptoShred(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	if b.audit != nil {
		entry := AuditEntry{
			Action:   AuditActionDelete,
			Resource: aggregateID,
			Outcome:  AuditOutcomeSuccess,
			Details:  map[string]string{"events_removed": strconv.Itoa(n)},
		}
		if _, aerr := b.audit.Log(ctx, entry); aerr != nil {
			log.Printf("eventcore.Bus: audit write failed for shred of %s: %v", aggregateID, aerr)
		}
	}
	return n, nil
}

// Close marks the bus closed and shuts down the transport. Subsequent
// publishes fail with ErrBusClosed. The method is idempotent.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Printf("eventcore.Bus: closing")
	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			return fmt.Errorf("transport close: %w", err)
		}
	}
	return nil
}
