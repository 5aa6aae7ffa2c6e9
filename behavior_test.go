package eventcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// failingAudit rejects every write, for exercising degraded audit paths.
type failingAudit struct {
	*MemoryAuditLogger
}

func (f *failingAudit) Log(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	return AuditEntry{}, fmt.Errorf("audit backend down")
}

func TestBehaviorsComposeByPriority(t *testing.T) {
	var trace []string
	wrap := func(name string, priority int) Behavior {
		return NewBehavior(name, priority, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
			trace = append(trace, "enter-"+name)
			err := next(ctx)
			trace = append(trace, "exit-"+name)
			return err
		})
	}

	// Registered out of order; the bus sorts them.
	bus, _ := NewBus(WithBehaviors(wrap("outer", 1), wrap("inner", 3), wrap("mid", 2)))
	defer bus.Close()

	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error {
		trace = append(trace, "handler")
		return nil
	})

	if err := bus.Publish(context.Background(), NewEvent(context.Background(), "test_event", "agg-1", "test", nil)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	want := "enter-outer,enter-mid,enter-inner,handler,exit-inner,exit-mid,exit-outer"
	if strings.Join(trace, ",") != want {
		t.Errorf("Expected composition order %s, got %s", want, strings.Join(trace, ","))
	}
}

func TestBehaviorShortCircuitSkipsStorageAndHandlers(t *testing.T) {
	store := NewMemoryEventStore()
	gate := NewBehavior("gate", 1, func(ctx context.Context, evt Event, pc *PipelineContext, next func(context.Context) error) error {
		return fmt.Errorf("rejected by gate")
	})
	bus, _ := NewBus(WithStore(store), WithBehaviors(gate))
	defer bus.Close()

	ran := false
	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error {
		ran = true
		return nil
	})

	err := bus.Publish(context.Background(), NewEvent(context.Background(), "test_event", "agg-1", "test", nil))
	if err == nil || !strings.Contains(err.Error(), "rejected by gate") {
		t.Errorf("Expected gate error, got %v", err)
	}
	if ran {
		t.Error("Handler should not run when a behavior short-circuits")
	}
	if n, _ := store.TotalEventCount(context.Background()); n != 0 {
		t.Errorf("Short-circuited event should not be stored, count %d", n)
	}
}

func TestThrottleBehavior(t *testing.T) {
	bus, _ := NewBus(WithBehaviors(NewThrottleBehavior(1, 1)))
	defer bus.Close()

	ctx := context.Background()
	if err := bus.Publish(ctx, NewEvent(ctx, "test_event", "agg-1", "test", nil)); err != nil {
		t.Fatalf("Expected first event to pass, got %v", err)
	}
	err := bus.Publish(ctx, NewEvent(ctx, "test_event", "agg-1", "test", nil))
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected ErrThrottled for second event, got %v", err)
	}

	// Each event type has its own limiter.
	if err := bus.Publish(ctx, NewEvent(ctx, "other_event", "agg-1", "test", nil)); err != nil {
		t.Errorf("Expected other event type to pass, got %v", err)
	}
}

func TestCrisisAlertBehaviorFiresBeforeHandlers(t *testing.T) {
	var trace []string
	notifier := func(ctx context.Context, evt Event) error {
		trace = append(trace, "alert:"+string(evt.Type))
		return nil
	}
	bus, _ := NewBus(WithBehaviors(NewCrisisAlertBehavior(notifier)))
	defer bus.Close()

	bus.Subscribe(EventAny, func(ctx context.Context, evt Event) error {
		trace = append(trace, "handler:"+string(evt.Type))
		return nil
	})

	ctx := context.Background()
	crisis := NewCrisisDetected(ctx, "user-1", "sess-1", CrisisDetectedPayload{RiskLevel: "severe", Score: 0.9})
	if err := bus.Publish(ctx, crisis); err != nil {
		t.Fatalf("Failed to publish crisis event: %v", err)
	}
	session := NewEvent(ctx, EventTypeSessionStarted, "sess-1", AggregateSession, map[string]any{"channel": "web"})
	if err := bus.Publish(ctx, session); err != nil {
		t.Fatalf("Failed to publish session event: %v", err)
	}

	want := "alert:crisis_detected,handler:crisis_detected,handler:session_started"
	if strings.Join(trace, ",") != want {
		t.Errorf("Expected trace %s, got %s", want, strings.Join(trace, ","))
	}
}

func TestCrisisAlertNotifierErrorDoesNotFailPublish(t *testing.T) {
	notifier := func(ctx context.Context, evt Event) error {
		return fmt.Errorf("pager unreachable")
	}
	bus, _ := NewBus(WithBehaviors(NewCrisisAlertBehavior(notifier)))
	defer bus.Close()

	ctx := context.Background()
	crisis := NewCrisisDetected(ctx, "user-1", "sess-1", CrisisDetectedPayload{RiskLevel: "elevated", Score: 0.6})
	if err := bus.Publish(ctx, crisis); err != nil {
		t.Errorf("Notifier failure should not fail the publish, got %v", err)
	}
}

func TestCrisisAlertCustomWatchedTypes(t *testing.T) {
	fired := 0
	notifier := func(ctx context.Context, evt Event) error {
		fired++
		return nil
	}
	bus, _ := NewBus(WithBehaviors(NewCrisisAlertBehavior(notifier, EventTypeErasureRequested)))
	defer bus.Close()

	ctx := context.Background()
	bus.Publish(ctx, NewEvent(ctx, EventTypeErasureRequested, "user-1", AggregateUserState, map[string]any{"requested_by": "user"}))
	bus.Publish(ctx, NewCrisisDetected(ctx, "user-1", "sess-1", CrisisDetectedPayload{RiskLevel: "severe", Score: 0.9}))

	if fired != 1 {
		t.Errorf("Expected notifier fired once for watched type only, got %d", fired)
	}
}

func TestMetricsEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	keyring := NewKeyring("test")
	store := NewMemoryEventStore(WithKeyring(keyring), WithStoreMetrics(pm))
	audit := NewMemoryAuditLogger(WithAuditMetrics(pm))
	bus, _ := NewBus(
		WithStore(store),
		WithAuditLogger(audit),
		WithBusMetrics(pm),
		WithBehaviors(NewMetricsBehavior(pm)),
	)
	defer bus.Close()

	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error { return nil })

	ctx := context.Background()
	if err := bus.Publish(ctx, NewEvent(ctx, "test_event", "user-1", AggregateUserState, map[string]any{"k": "v"})); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	store.CreateSnapshot(ctx, "user-1", AggregateUserState, []byte("state"), 1)
	store.CryptoShred(ctx, "user-1")

	for metric, want := range map[string]int{
		"eventcore_events_published_total":  1,
		"eventcore_events_stored_total":     1,
		"eventcore_events_shredded_total":   1,
		"eventcore_snapshots_created_total": 1,
		"eventcore_handler_latency_seconds": 1,
		"eventcore_audit_entries_total":     1,
	} {
		n, err := testutil.GatherAndCount(reg, metric)
		if err != nil {
			t.Fatalf("Failed to gather %s: %v", metric, err)
		}
		if n != want {
			t.Errorf("Expected %d series for %s, got %d", want, metric, n)
		}
	}
}

func TestMetricsBehaviorCountsDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)
	bus, _ := NewBus(WithBusMetrics(pm), WithBehaviors(NewMetricsBehavior(pm)))
	defer bus.Close()

	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error {
		return fmt.Errorf("always failing")
	}, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))

	bus.Publish(context.Background(), NewEvent(context.Background(), "test_event", "agg-1", "test", nil))

	dropped, _ := testutil.GatherAndCount(reg, "eventcore_events_dropped_total")
	if dropped != 1 {
		t.Errorf("Expected 1 dropped series, got %d", dropped)
	}
	failed, _ := testutil.GatherAndCount(reg, "eventcore_handler_failures_total")
	if failed != 1 {
		t.Errorf("Expected 1 failure series, got %d", failed)
	}
	published, _ := testutil.GatherAndCount(reg, "eventcore_events_published_total")
	if published != 0 {
		t.Errorf("Expected no published series for failed publish, got %d", published)
	}
}

func TestAuditBehaviorRecordsFinalOutcome(t *testing.T) {
	audit := NewMemoryAuditLogger()
	bus, _ := NewBus(WithAuditLogger(audit))
	defer bus.Close()

	ctx := WithCorrelationID(context.Background(), "corr-abc")
	good := NewEvent(ctx, "test_event", "agg-1", "test", nil).WithUser("user-1", "sess-1")
	if err := bus.Publish(ctx, good); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error {
		return fmt.Errorf("handler broke")
	}, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	bad := NewEvent(ctx, "test_event", "agg-1", "test", nil)
	bus.Publish(ctx, bad)

	entries, err := audit.Query(adminCtx(), AuditQuery{Action: AuditActionPublish})
	if err != nil {
		t.Fatalf("Failed to query audit log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 publish audit entries, got %d", len(entries))
	}
	if entries[0].Outcome != AuditOutcomeSuccess {
		t.Errorf("Expected success outcome for first publish, got %s", entries[0].Outcome)
	}
	if entries[0].EventID != good.ID || entries[0].UserID != "user-1" || entries[0].CorrelationID != "corr-abc" {
		t.Errorf("Unexpected first audit entry: %+v", entries[0])
	}
	if entries[1].Outcome != AuditOutcomeFailure {
		t.Errorf("Expected failure outcome for second publish, got %s", entries[1].Outcome)
	}
	if !strings.Contains(entries[1].Details["error"], "handlers failed") {
		t.Errorf("Expected failure detail, got %v", entries[1].Details)
	}
}

func TestAuditWriteFailureDegradesNotFails(t *testing.T) {
	bus, _ := NewBus(WithAuditLogger(&failingAudit{NewMemoryAuditLogger()}))
	defer bus.Close()

	delivered := false
	bus.Subscribe("test_event", func(ctx context.Context, evt Event) error {
		delivered = true
		return nil
	})

	res := bus.PublishResult(context.Background(), NewEvent(context.Background(), "test_event", "agg-1", "test", nil))
	if !delivered {
		t.Error("Expected event delivered despite audit failure")
	}
	if !res.Clean() {
		t.Errorf("Expected clean result despite audit failure, got %s", res.ErrorSummary())
	}
	if res.AuditErr == nil || !strings.Contains(res.AuditErr.Error(), "audit backend down") {
		t.Errorf("Expected audit error surfaced in result, got %v", res.AuditErr)
	}

	if err := bus.Publish(context.Background(), NewEvent(context.Background(), "test_event", "agg-1", "test", nil)); err != nil {
		t.Errorf("Expected publish to succeed with degraded audit, got %v", err)
	}
}

func TestValidationBehaviorFields(t *testing.T) {
	v := NewValidationBehavior()
	if v.Name() != "validation" || v.Priority() != PriorityValidation {
		t.Errorf("Unexpected behavior identity: %s/%d", v.Name(), v.Priority())
	}

	next := func(ctx context.Context) error { return nil }
	pc := newPipelineContext(Event{})
	cases := []struct {
		evt   Event
		field string
	}{
		{Event{}, "id"},
		{Event{ID: "x"}, "type"},
		{Event{ID: "x", Type: EventAny}, "type"},
		{Event{ID: "x", Type: "test_event"}, "aggregate_id"},
		{Event{ID: "x", Type: "test_event", AggregateID: "agg-1"}, "timestamp"},
	}
	for _, tc := range cases {
		err := v.Handle(context.Background(), tc.evt, pc, next)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError for %+v, got %v", tc.evt, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("Expected field %s, got %s", tc.field, verr.Field)
		}
	}
}
