// Package eventcore provides the event-sourcing backbone for cognitive-state
// platforms: an append-only event store with per-aggregate and global ordering,
// a priority-ordered publish-subscribe bus, a behavior pipeline, and a
// compliance-grade audit logger with crypto-shredding support.
package eventcore

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// EventType is a string identifier for the kind of a domain event
// (e.g., "crisis_detected", "session_started").
type EventType string

// EventAny is the wildcard event type. Handlers subscribed to EventAny are
// merged into the priority-ordered handler sequence of every published event.
const EventAny EventType = "*"

// CorrelationIDKey is used to store correlation IDs in context.
// This type serves as a unique key for storing and retrieving correlation
// identifiers within a context.Context object.
type CorrelationIDKey struct{}

// WithCorrelationID attaches a correlation ID to the context for event correlation.
// Events constructed with NewEvent inherit the correlation ID carried by their
// context, allowing the causal chain of a user interaction to be reconstructed
// across multiple events and audit entries.
//
// Parameters:
// - ctx: The parent context to derive from
// - id: The correlation ID string to attach
//
// Returns:
// - A derived context containing the correlation ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, id)
}

// CorrelationIDFrom retrieves the correlation ID from the context, returning
// an empty string if not set.
//
// Parameters:
// - ctx: The context from which to extract the correlation ID
//
// Returns:
// - The correlation ID string, or an empty string if not found
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EventMetadata carries the contextual facts attached to a domain event.
// All fields are optional except CorrelationID, which Publish fills from the
// context (or generates) when absent.
type EventMetadata struct {
	// CorrelationID groups every event and audit entry produced by one
	// logical user interaction
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID is the ID of the event that directly caused this one
	CausationID string `json:"causation_id,omitempty"`
	// UserID identifies the user the event concerns
	UserID string `json:"user_id,omitempty"`
	// SessionID identifies the session the event was produced in
	SessionID string `json:"session_id,omitempty"`
	// Source names the component that produced the event
	Source string `json:"source,omitempty"`
}

// Event is an immutable domain fact. Events are passed by value throughout
// the package; once published, an event's identity and payload never change.
// The store assigns sequence numbers independently of Version, which is the
// aggregate-local version the producer claims (zero when unknown).
type Event struct {
	// ID is the unique event identifier, a UUID assigned at construction
	ID string `json:"id"`
	// Type tags the kind of fact this event records
	Type EventType `json:"type"`
	// AggregateID identifies the entity the event concerns
	AggregateID string `json:"aggregate_id"`
	// AggregateType classifies the aggregate (e.g., "user_state")
	AggregateType string `json:"aggregate_type"`
	// Timestamp is the production time in UTC
	Timestamp time.Time `json:"timestamp"`
	// Version is the aggregate-local version the producer claims, if any
	Version uint64 `json:"version,omitempty"`
	// Payload carries the event data, opaque to the core
	Payload map[string]any `json:"payload,omitempty"`
	// Metadata carries correlation and attribution facts
	Metadata EventMetadata `json:"metadata"`
	// SpanContext links the event to the distributed trace that produced it
	SpanContext trace.SpanContext `json:"-"`
}

// NewEvent constructs a domain event with a fresh UUID and UTC timestamp.
// The correlation ID and span context are inherited from ctx when present;
// a missing correlation ID is generated so every event is correlatable.
//
// Parameters:
// - ctx: Context carrying the correlation ID and active trace span, if any
// - et: The event type tag
// - aggregateID: The entity the event concerns
// - aggregateType: The aggregate classification
// - payload: The event data, opaque to the core
//
// Returns:
// - A fully identified Event ready to publish or append
func NewEvent(ctx context.Context, et EventType, aggregateID, aggregateType string, payload map[string]any) Event {
	cid := CorrelationIDFrom(ctx)
	if cid == "" {
		cid = uuid.NewString()
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          et,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Metadata:      EventMetadata{CorrelationID: cid},
		SpanContext:   trace.SpanContextFromContext(ctx),
	}
}

// WithUser returns a copy of the event attributed to a user and session.
func (e Event) WithUser(userID, sessionID string) Event {
	e.Metadata.UserID = userID
	e.Metadata.SessionID = sessionID
	return e
}

// WithCausation returns a copy of the event marked as caused by another event.
func (e Event) WithCausation(causationID string) Event {
	e.Metadata.CausationID = causationID
	return e
}

// WithSource returns a copy of the event stamped with its producing component.
func (e Event) WithSource(source string) Event {
	e.Metadata.Source = source
	return e
}

// WithVersion returns a copy of the event claiming an aggregate-local version.
func (e Event) WithVersion(v uint64) Event {
	e.Version = v
	return e
}

// Aggregate types used by the platform's producers.
const (
	// AggregateUserState is the evolving cognitive-state model of a single user
	AggregateUserState = "user_state"
	// AggregateSession is a single interaction session
	AggregateSession = "session"
)

// Session Event Types
const (
	// EventTypeSessionStarted is emitted when a user interaction session begins
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeSessionEnded is emitted when a user interaction session ends
	EventTypeSessionEnded EventType = "session_ended"
)

// Observation & Estimation Event Types
const (
	// EventTypeObservationRecorded is emitted when a raw user signal is captured
	EventTypeObservationRecorded EventType = "observation_recorded"
	// EventTypeStateEstimated is emitted when a state estimator produces a new estimate
	EventTypeStateEstimated EventType = "state_estimated"
	// EventTypeBeliefUpdated is emitted when the belief-update engine revises the user model
	EventTypeBeliefUpdated EventType = "belief_updated"
)

// Crisis Event Types
const (
	// EventTypeCrisisDetected is emitted when the crisis classifier flags a user at risk
	EventTypeCrisisDetected EventType = "crisis_detected"
	// EventTypeCrisisEscalated is emitted when a detected crisis is escalated to a responder
	EventTypeCrisisEscalated EventType = "crisis_escalated"
	// EventTypeCrisisResolved is emitted when a crisis episode is closed out
	EventTypeCrisisResolved EventType = "crisis_resolved"
)

// Intervention Event Types
const (
	// EventTypeInterventionSelected is emitted when the selector picks an intervention
	EventTypeInterventionSelected EventType = "intervention_selected"
	// EventTypeInterventionDelivered is emitted when an intervention reaches the user
	EventTypeInterventionDelivered EventType = "intervention_delivered"
	// EventTypeInterventionAcknowledged is emitted when the user responds to an intervention
	EventTypeInterventionAcknowledged EventType = "intervention_acknowledged"
)

// Privacy Event Types
const (
	// EventTypeConsentGranted is emitted when a user grants a processing consent
	EventTypeConsentGranted EventType = "consent_granted"
	// EventTypeConsentRevoked is emitted when a user revokes a processing consent
	EventTypeConsentRevoked EventType = "consent_revoked"
	// EventTypeErasureRequested is emitted when a user requests erasure of their data
	EventTypeErasureRequested EventType = "erasure_requested"
)

// CrisisDetectedPayload is the payload for crisis detection events.
// It carries the classifier's risk assessment for a user.
type CrisisDetectedPayload struct {
	// RiskLevel is the classified severity band (e.g., "elevated", "severe")
	RiskLevel string
	// Score is the classifier confidence in [0,1]
	Score float64
	// Signals lists the signal names that contributed to the detection
	Signals []string
}

// InterventionSelectedPayload is the payload for intervention selection events.
type InterventionSelectedPayload struct {
	// InterventionID identifies the selected intervention
	InterventionID string
	// Kind is the intervention category (e.g., "breathing", "grounding")
	Kind string
	// Rationale is the selector's short human-readable justification
	Rationale string
}

// StateEstimatedPayload is the payload for state estimation events.
type StateEstimatedPayload struct {
	// Dimension is the estimated cognitive dimension (e.g., "stress")
	Dimension string
	// Value is the point estimate for the dimension
	Value float64
	// Confidence is the estimator confidence in [0,1]
	Confidence float64
}

// NewCrisisDetected constructs a crisis_detected event for a user's state
// aggregate. Crisis events are safety critical, so the typed constructor
// guarantees the payload shape the registered schema expects.
func NewCrisisDetected(ctx context.Context, userID, sessionID string, p CrisisDetectedPayload) Event {
	signals := make([]string, len(p.Signals))
	copy(signals, p.Signals)
	evt := NewEvent(ctx, EventTypeCrisisDetected, userID, AggregateUserState, map[string]any{
		"risk_level": p.RiskLevel,
		"score":      p.Score,
		"signals":    signals,
	})
	return evt.WithUser(userID, sessionID).WithSource("crisis_classifier")
}

// NewInterventionSelected constructs an intervention_selected event for a
// user's state aggregate.
func NewInterventionSelected(ctx context.Context, userID, sessionID string, p InterventionSelectedPayload) Event {
	evt := NewEvent(ctx, EventTypeInterventionSelected, userID, AggregateUserState, map[string]any{
		"intervention_id": p.InterventionID,
		"kind":            p.Kind,
		"rationale":       p.Rationale,
	})
	return evt.WithUser(userID, sessionID).WithSource("intervention_selector")
}

// NewStateEstimated constructs a state_estimated event for a user's state
// aggregate.
func NewStateEstimated(ctx context.Context, userID, sessionID string, p StateEstimatedPayload) Event {
	evt := NewEvent(ctx, EventTypeStateEstimated, userID, AggregateUserState, map[string]any{
		"dimension":  p.Dimension,
		"value":      p.Value,
		"confidence": p.Confidence,
	})
	return evt.WithUser(userID, sessionID).WithSource("state_estimator")
}

// init registers schemas for the platform's event types during package
// initialization. Validation is structural: required fields and their types,
// never payload semantics.
func init() {
	// Session Schemas
	RegisterSchema(EventTypeSessionStarted, EventSchema{
		RequiredFields: []string{"channel"},
		FieldTypes: map[string]reflect.Type{
			"channel": reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeSessionEnded, EventSchema{
		RequiredFields: []string{"duration_ms"},
		FieldTypes: map[string]reflect.Type{
			"duration_ms": reflect.TypeOf(int64(0)),
		},
	})
	// Observation & Estimation Schemas
	RegisterSchema(EventTypeObservationRecorded, EventSchema{
		RequiredFields: []string{"signal", "value"},
		FieldTypes: map[string]reflect.Type{
			"signal": reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeStateEstimated, EventSchema{
		RequiredFields: []string{"dimension", "value", "confidence"},
		FieldTypes: map[string]reflect.Type{
			"dimension":  reflect.TypeOf(""),
			"value":      reflect.TypeOf(float64(0)),
			"confidence": reflect.TypeOf(float64(0)),
		},
	})
	RegisterSchema(EventTypeBeliefUpdated, EventSchema{
		RequiredFields: []string{"dimension", "prior", "posterior"},
		FieldTypes: map[string]reflect.Type{
			"dimension": reflect.TypeOf(""),
			"prior":     reflect.TypeOf(float64(0)),
			"posterior": reflect.TypeOf(float64(0)),
		},
	})
	// Crisis Schemas
	RegisterSchema(EventTypeCrisisDetected, EventSchema{
		RequiredFields: []string{"risk_level", "score"},
		FieldTypes: map[string]reflect.Type{
			"risk_level": reflect.TypeOf(""),
			"score":      reflect.TypeOf(float64(0)),
		},
	})
	RegisterSchema(EventTypeCrisisEscalated, EventSchema{
		RequiredFields: []string{"responder", "channel"},
		FieldTypes: map[string]reflect.Type{
			"responder": reflect.TypeOf(""),
			"channel":   reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeCrisisResolved, EventSchema{
		RequiredFields: []string{"resolution"},
		FieldTypes: map[string]reflect.Type{
			"resolution": reflect.TypeOf(""),
		},
	})
	// Intervention Schemas
	RegisterSchema(EventTypeInterventionSelected, EventSchema{
		RequiredFields: []string{"intervention_id", "kind"},
		FieldTypes: map[string]reflect.Type{
			"intervention_id": reflect.TypeOf(""),
			"kind":            reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeInterventionDelivered, EventSchema{
		RequiredFields: []string{"intervention_id"},
		FieldTypes: map[string]reflect.Type{
			"intervention_id": reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeInterventionAcknowledged, EventSchema{
		RequiredFields: []string{"intervention_id", "response"},
		FieldTypes: map[string]reflect.Type{
			"intervention_id": reflect.TypeOf(""),
			"response":        reflect.TypeOf(""),
		},
	})
	// Privacy Schemas
	RegisterSchema(EventTypeConsentGranted, EventSchema{
		RequiredFields: []string{"scope"},
		FieldTypes: map[string]reflect.Type{
			"scope": reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeConsentRevoked, EventSchema{
		RequiredFields: []string{"scope"},
		FieldTypes: map[string]reflect.Type{
			"scope": reflect.TypeOf(""),
		},
	})
	RegisterSchema(EventTypeErasureRequested, EventSchema{
		RequiredFields: []string{"requested_by"},
		FieldTypes: map[string]reflect.Type{
			"requested_by": reflect.TypeOf(""),
		},
	})
}
