package eventcore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventHandler is a named, self-describing handler: it declares the event
// types it consumes and its own dispatch priority and retry policy, so the
// whole wiring can be registered on a bus in one call.
type EventHandler interface {
	// Name uniquely identifies the handler within a registry.
	Name() string
	// EventTypes lists the types the handler consumes; EventAny subscribes
	// to everything.
	EventTypes() []EventType
	// Priority orders dispatch; lower runs earlier.
	Priority() int
	// Retry returns the handler's retry policy. A zero policy defers to the
	// bus default.
	Retry() RetryPolicy
	// Handle processes one event.
	Handle(ctx context.Context, evt Event) error
}

type funcHandler struct {
	name     string
	types    []EventType
	priority int
	retry    RetryPolicy
	fn       Handler
}

func (h *funcHandler) Name() string            { return h.name }
func (h *funcHandler) EventTypes() []EventType { return h.types }
func (h *funcHandler) Priority() int           { return h.priority }
func (h *funcHandler) Retry() RetryPolicy      { return h.retry }
func (h *funcHandler) Handle(ctx context.Context, evt Event) error {
	return h.fn(ctx, evt)
}

// HandlerOption configures a handler built with NewHandler.
type HandlerOption func(*funcHandler)

// WithHandlerPriority sets the handler's dispatch priority.
func WithHandlerPriority(p int) HandlerOption {
	return func(h *funcHandler) { h.priority = p }
}

// WithHandlerRetry sets the handler's retry policy.
func WithHandlerRetry(policy RetryPolicy) HandlerOption {
	return func(h *funcHandler) { h.retry = policy }
}

// NewHandler adapts a function into an EventHandler.
func NewHandler(name string, types []EventType, fn Handler, opts ...HandlerOption) EventHandler {
	h := &funcHandler{name: name, types: types, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type registryEntry struct {
	handler EventHandler
	seq     uint64
}

// HandlerRegistry indexes handlers by name and by event type, keeping each
// type's handlers in dispatch order. It lets a service declare its handlers
// up front and bind them all to a bus at startup.
type HandlerRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*registryEntry
	byType  map[EventType][]*registryEntry
	entries []*registryEntry
	seq     uint64
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byName: make(map[string]*registryEntry),
		byType: make(map[EventType][]*registryEntry),
	}
}

// Register adds a handler under its name. It fails on an empty or duplicate
// name, or when the handler declares no event types.
func (r *HandlerRegistry) Register(h EventHandler) error {
	if h == nil {
		return fmt.Errorf("register: nil handler")
	}
	name := h.Name()
	if name == "" {
		return fmt.Errorf("register: empty handler name")
	}
	if len(h.EventTypes()) == 0 {
		return fmt.Errorf("register %s: no event types", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("register %s: handler already registered", name)
	}
	r.seq++
	entry := &registryEntry{handler: h, seq: r.seq}
	r.byName[name] = entry
	r.entries = append(r.entries, entry)
	for _, et := range h.EventTypes() {
		r.byType[et] = append(r.byType[et], entry)
		sortEntries(r.byType[et])
	}
	return nil
}

// Unregister removes a handler by name, reporting whether it was present.
func (r *HandlerRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	for i, e := range r.entries {
		if e == entry {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	for _, et := range entry.handler.EventTypes() {
		list := r.byType[et]
		for i, e := range list {
			if e == entry {
				r.byType[et] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byType[et]) == 0 {
			delete(r.byType, et)
		}
	}
	return true
}

// HandlerByName returns the handler registered under name.
func (r *HandlerRegistry) HandlerByName(name string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return entry.handler, true
}

// HandlersFor returns the handlers that would receive an event of the given
// type, wildcard handlers included, in dispatch order.
func (r *HandlerRegistry) HandlersFor(et EventType) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typed := r.byType[et]
	var wild []*registryEntry
	if et != EventAny {
		wild = r.byType[EventAny]
	}
	merged := make([]*registryEntry, 0, len(typed)+len(wild))
	merged = append(merged, typed...)
	merged = append(merged, wild...)
	sortEntries(merged)
	out := make([]EventHandler, len(merged))
	for i, e := range merged {
		out[i] = e.handler
	}
	return out
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventTypes returns the event types with at least one handler, sorted.
func (r *HandlerRegistry) EventTypes() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]EventType, 0, len(r.byType))
	for et := range r.byType {
		types = append(types, et)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// BindAll subscribes every registered handler to the bus, one subscription
// per declared event type, carrying each handler's name, priority, and retry
// policy. On error the subscriptions already made are removed.
func (r *HandlerRegistry) BindAll(bus *Bus) ([]*Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("bind: nil bus")
	}
	r.mu.RLock()
	entries := make([]*registryEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	var subs []*Subscription
	for _, entry := range entries {
		h := entry.handler
		opts := []SubscribeOption{
			WithHandlerName(h.Name()),
			WithPriority(h.Priority()),
		}
		if h.Retry() != (RetryPolicy{}) {
			opts = append(opts, WithRetryPolicy(h.Retry()))
		}
		for _, et := range h.EventTypes() {
			sub, err := bus.Subscribe(et, h.Handle, opts...)
			if err != nil {
				for _, s := range subs {
					bus.Unsubscribe(s)
				}
				return nil, fmt.Errorf("bind %s to %s: %w", h.Name(), et, err)
			}
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// sortEntries orders entries by ascending priority, registration order
// between equals.
func sortEntries(entries []*registryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].handler.Priority(), entries[j].handler.Priority()
		if pi != pj {
			return pi < pj
		}
		return entries[i].seq < entries[j].seq
	})
}
