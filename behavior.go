package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned when a throttle behavior rejects an event.
var ErrThrottled = errors.New("event throttled")

// ValidationError describes a structurally invalid event. Validation
// failures short-circuit the pipeline before any handler runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %s: %s", e.Field, e.Reason)
}

// PipelineContext carries per-publish state across behaviors. It is created
// by the bus for each publish and passed through the whole chain, so
// behaviors can leave data for later ones or for the dispatch result.
// A pipeline runs on a single goroutine; the context is not safe for
// concurrent use.
type PipelineContext struct {
	CorrelationID string
	StartedAt     time.Time
	UserID        string
	SessionID     string
	// Data holds arbitrary cross-behavior values.
	Data map[string]any
	// Metrics holds numeric measurements taken along the pipeline.
	Metrics map[string]float64
	// AuditErr records an audit write failure, which degrades the publish
	// rather than failing it.
	AuditErr error
}

func newPipelineContext(evt Event) *PipelineContext {
	return &PipelineContext{
		CorrelationID: evt.Metadata.CorrelationID,
		StartedAt:     time.Now().UTC(),
		UserID:        evt.Metadata.UserID,
		SessionID:     evt.Metadata.SessionID,
		Data:          make(map[string]any),
		Metrics:       make(map[string]float64),
	}
}

// Behavior is a pipeline stage wrapped around event dispatch. Behaviors
// compose in ascending Priority order, lowest outermost: each receives the
// event and a next function that invokes the remainder of the chain, and may
// short-circuit by not calling it.
type Behavior interface {
	// Name identifies the behavior in logs.
	Name() string
	// Priority orders the chain; lower runs earlier (further from dispatch).
	Priority() int
	// Handle processes the event, calling next to continue the chain.
	Handle(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error
}

type behaviorFunc struct {
	name     string
	priority int
	fn       func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error
}

func (b *behaviorFunc) Name() string  { return b.name }
func (b *behaviorFunc) Priority() int { return b.priority }
func (b *behaviorFunc) Handle(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
	return b.fn(ctx, evt, pc, next)
}

// NewBehavior adapts a function into a Behavior.
func NewBehavior(name string, priority int, fn func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error) Behavior {
	return &behaviorFunc{name: name, priority: priority, fn: fn}
}

// sortBehaviors orders a chain by ascending priority, preserving
// registration order between equal priorities.
func sortBehaviors(behaviors []Behavior) []Behavior {
	out := make([]Behavior, len(behaviors))
	copy(out, behaviors)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// composeBehaviors folds a sorted chain around core so that calling the
// returned function runs every behavior in order with core innermost.
func composeBehaviors(behaviors []Behavior, evt Event, pc *PipelineContext, core func(context.Context) error) func(context.Context) error {
	next := core
	for i := len(behaviors) - 1; i >= 0; i-- {
		b := behaviors[i]
		inner := next
		next = func(ctx context.Context) error {
			return b.Handle(ctx, evt, pc, inner)
		}
	}
	return next
}

// Default priorities for the built-in behaviors. Validation runs first so
// nothing downstream sees a malformed event; audit runs last so it records
// the final outcome.
const (
	PriorityValidation  = 0
	PriorityCrisisAlert = 5
	PriorityThrottle    = 8
	PriorityLogging     = 10
	PriorityMetrics     = 20
	PriorityAudit       = 30
)

// NewValidationBehavior rejects events with missing identity fields or
// payloads that fail their registered schema. Rejected events never reach
// storage or handlers.
func NewValidationBehavior() Behavior {
	return NewBehavior("validation", PriorityValidation, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		if evt.ID == "" {
			return &ValidationError{Field: "id", Reason: "empty"}
		}
		if evt.Type == "" {
			return &ValidationError{Field: "type", Reason: "empty"}
		}
		if evt.Type == EventAny {
			return &ValidationError{Field: "type", Reason: "wildcard type cannot be published"}
		}
		if evt.AggregateID == "" {
			return &ValidationError{Field: "aggregate_id", Reason: "empty"}
		}
		if evt.Timestamp.IsZero() {
			return &ValidationError{Field: "timestamp", Reason: "zero"}
		}
		if err := validatePayload(evt); err != nil {
			return fmt.Errorf("payload validation: %w", err)
		}
		return next(ctx)
	})
}

// NewLoggingBehavior logs each publish with its correlation ID, outcome and
// duration.
func NewLoggingBehavior() Behavior {
	return NewBehavior("logging", PriorityLogging, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		start := time.Now()
		err := next(ctx)
		if err != nil {
			log.Printf("eventcore.Pipeline: %s %s correlation=%s failed after %v: %v",
				evt.Type, evt.ID, pc.CorrelationID, time.Since(start), err)
			return err
		}
		log.Printf("eventcore.Pipeline: %s %s correlation=%s ok in %v",
			evt.Type, evt.ID, pc.CorrelationID, time.Since(start))
		return nil
	})
}

// NewMetricsBehavior records publish counters and pipeline duration.
func NewMetricsBehavior(m Metrics) Behavior {
	if m == nil {
		m = nopMetrics{}
	}
	return NewBehavior("metrics", PriorityMetrics, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		start := time.Now()
		err := next(ctx)
		d := time.Since(start)
		pc.Metrics["pipeline_duration_ms"] = float64(d.Milliseconds())
		if err != nil {
			m.EventDropped(evt.Type)
			return err
		}
		m.EventPublished(evt.Type)
		return nil
	})
}

// NewAuditBehavior writes one audit entry per publish recording the final
// outcome. Audit write failures degrade the publish, they are reported
// through the pipeline context rather than failing the event.
func NewAuditBehavior(audit AuditLogger) Behavior {
	return NewBehavior("audit", PriorityAudit, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		err := next(ctx)
		outcome := AuditOutcomeSuccess
		if err != nil {
			outcome = AuditOutcomeFailure
		}
		entry := AuditEntryForEvent(evt, AuditActionPublish, outcome)
		if err != nil {
			entry.Details = map[string]string{"error": err.Error()}
		}
		if _, auditErr := audit.Log(ctx, entry); auditErr != nil {
			pc.AuditErr = auditErr
			log.Printf("eventcore.Pipeline: audit write failed for event %s: %v", evt.ID, auditErr)
		}
		return err
	})
}

// NewThrottleBehavior limits how many events of each type pass per second.
// Events over the limit are rejected with ErrThrottled.
func NewThrottleBehavior(eventsPerSecond float64, burst int) Behavior {
	var (
		mu       sync.Mutex
		limiters = make(map[EventType]*rate.Limiter)
	)
	limiterFor := func(et EventType) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[et]
		if !ok {
			l = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
			limiters[et] = l
		}
		return l
	}
	return NewBehavior("throttle", PriorityThrottle, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		if !limiterFor(evt.Type).Allow() {
			return fmt.Errorf("%w: %s", ErrThrottled, evt.Type)
		}
		return next(ctx)
	})
}

// CrisisNotifier delivers an out-of-band alert for a crisis event.
type CrisisNotifier func(ctx context.Context, evt Event) error

// NewCrisisAlertBehavior fires the notifier before dispatch for the given
// event types, so an alert goes out even when a downstream handler fails.
// Notifier errors are logged, never propagated. With no types it watches
// EventTypeCrisisDetected and EventTypeCrisisEscalated.
func NewCrisisAlertBehavior(notifier CrisisNotifier, types ...EventType) Behavior {
	if len(types) == 0 {
		types = []EventType{EventTypeCrisisDetected, EventTypeCrisisEscalated}
	}
	watched := make(map[EventType]bool, len(types))
	for _, et := range types {
		watched[et] = true
	}
	return NewBehavior("crisis_alert", PriorityCrisisAlert, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		if watched[evt.Type] && notifier != nil {
			if err := notifier(ctx, evt); err != nil {
				log.Printf("eventcore.Pipeline: crisis notifier failed for event %s: %v", evt.ID, err)
			}
		}
		return next(ctx)
	})
}
