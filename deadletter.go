package eventcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// FailedEvent captures an event whose handler exhausted its retry budget,
// together with the failure facts needed to reprocess it later.
type FailedEvent struct {
	// Event is the original event as published
	Event Event `json:"event"`
	// Handler names the subscription that failed, when known
	Handler string `json:"handler,omitempty"`
	// Error is the final attempt's error message
	Error string `json:"error"`
	// Attempts is the number of attempts made before giving up
	Attempts int `json:"attempts"`
	// FailedAt is when the final attempt failed
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterQueue retains failed events for later inspection and
// reprocessing. It is bounded; when full, events overflow to a disk
// spillover file as JSON lines if one is configured, and are dropped with an
// error otherwise.
type DeadLetterQueue struct {
	mu        sync.RWMutex
	events    []FailedEvent
	maxSize   int
	spillPath string
	spillFile *os.File
	spillMu   sync.Mutex

	enqueued int64
	spilled  int64
	dropped  int64
}

// DLQOption configures a DeadLetterQueue.
type DLQOption func(*DeadLetterQueue)

// WithDLQMaxSize bounds the in-memory queue. Default 10000.
func WithDLQMaxSize(n int) DLQOption {
	return func(d *DeadLetterQueue) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithDLQSpillPath enables disk spillover: events that do not fit in memory
// are appended to the file at path as JSON lines and can be recovered with
// RecoverSpilled.
func WithDLQSpillPath(path string) DLQOption {
	return func(d *DeadLetterQueue) { d.spillPath = path }
}

// NewDeadLetterQueue creates an empty dead letter queue.
func NewDeadLetterQueue(opts ...DLQOption) (*DeadLetterQueue, error) {
	d := &DeadLetterQueue{maxSize: 10000}
	for _, opt := range opts {
		opt(d)
	}
	if d.spillPath != "" {
		f, err := os.OpenFile(d.spillPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("dead letter queue: open spillover file: %w", err)
		}
		d.spillFile = f
	}
	return d, nil
}

// Enqueue adds a failed event. When the in-memory queue is full the event
// spills to disk if a spillover file is configured; otherwise it is dropped
// and an error returned so the caller can surface the loss.
func (d *DeadLetterQueue) Enqueue(failed FailedEvent) error {
	if failed.FailedAt.IsZero() {
		failed.FailedAt = time.Now().UTC()
	}
	d.mu.Lock()
	if len(d.events) < d.maxSize {
		d.events = append(d.events, failed)
		d.enqueued++
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if d.spillFile != nil {
		if err := d.spill(failed); err != nil {
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			return err
		}
		d.mu.Lock()
		d.spilled++
		d.mu.Unlock()
		return nil
	}
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
	return fmt.Errorf("dead letter queue full, event %s dropped", failed.Event.ID)
}

// spill appends one failed event to the spillover file and syncs, so a crash
// cannot lose an already-acknowledged spill.
func (d *DeadLetterQueue) spill(failed FailedEvent) error {
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("dead letter spillover: marshal event %s: %w", failed.Event.ID, err)
	}
	d.spillMu.Lock()
	defer d.spillMu.Unlock()
	if _, err := d.spillFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("dead letter spillover: write event %s: %w", failed.Event.ID, err)
	}
	return d.spillFile.Sync()
}

// List returns up to limit failed events in arrival order without removing
// them. A non-positive limit returns everything.
func (d *DeadLetterQueue) List(limit int) []FailedEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]FailedEvent, n)
	copy(out, d.events[:n])
	return out
}

// Len returns the number of failed events held in memory.
func (d *DeadLetterQueue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.events)
}

// Drain removes and returns every failed event held in memory.
func (d *DeadLetterQueue) Drain() []FailedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.events
	d.events = nil
	return out
}

// Requeue pops up to limit failed events and republishes them through the
// bus. Events that fail again are re-enqueued with their attempt count
// carried forward. Returns the number successfully reprocessed.
func (d *DeadLetterQueue) Requeue(ctx context.Context, bus *Bus, limit int) (int, error) {
	if bus == nil {
		return 0, fmt.Errorf("requeue: nil bus")
	}
	d.mu.Lock()
	n := len(d.events)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := make([]FailedEvent, n)
	copy(batch, d.events[:n])
	d.events = append(d.events[:0], d.events[n:]...)
	d.mu.Unlock()

	ok := 0
	for _, failed := range batch {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		result := bus.PublishResult(ctx, failed.Event)
		if !result.Clean() {
			failed.Attempts++
			failed.FailedAt = time.Now().UTC()
			failed.Error = result.ErrorSummary()
			if err := d.Enqueue(failed); err != nil {
				log.Printf("eventcore.DeadLetterQueue: requeue re-enqueue failed: %v", err)
			}
			continue
		}
		ok++
	}
	return ok, nil
}

// RecoverSpilled replays the spillover file through fn in write order and
// truncates the file once every line is handled. Lines that fail to decode
// are skipped with a log line so one corrupt record cannot wedge recovery.
func (d *DeadLetterQueue) RecoverSpilled(fn func(FailedEvent) error) error {
	if d.spillPath == "" {
		return nil
	}
	d.spillMu.Lock()
	defer d.spillMu.Unlock()

	data, err := os.ReadFile(d.spillPath)
	if err != nil {
		return fmt.Errorf("dead letter spillover: read: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var failed FailedEvent
		if err := json.Unmarshal([]byte(line), &failed); err != nil {
			log.Printf("eventcore.DeadLetterQueue: skipping corrupt spillover line: %v", err)
			continue
		}
		if err := fn(failed); err != nil {
			return fmt.Errorf("dead letter spillover: recover event %s: %w", failed.Event.ID, err)
		}
	}
	if err := os.Truncate(d.spillPath, 0); err != nil {
		return fmt.Errorf("dead letter spillover: truncate: %w", err)
	}
	return nil
}

// Stats reports queue counters since creation.
func (d *DeadLetterQueue) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DLQStats{
		Size:     len(d.events),
		Enqueued: d.enqueued,
		Spilled:  d.spilled,
		Dropped:  d.dropped,
	}
}

// DLQStats provides statistics about a DeadLetterQueue.
type DLQStats struct {
	Size     int   // Current in-memory size
	Enqueued int64 // Total events accepted in memory
	Spilled  int64 // Total events written to the spillover file
	Dropped  int64 // Total events lost
}

// Close closes the spillover file, if any.
func (d *DeadLetterQueue) Close() error {
	if d.spillFile == nil {
		return nil
	}
	d.spillMu.Lock()
	defer d.spillMu.Unlock()
	return d.spillFile.Close()
}
