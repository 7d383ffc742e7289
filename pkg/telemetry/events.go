package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the game controller.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// UnitID is the associated unit, if applicable.
	UnitID string `json:"unit_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeUnitTransition      = "unit.transition"
	EventTypeLedgerEntry         = "ledger.entry"
	EventTypeChaosFired          = "chaos.fired"
	EventTypeClusterAvailability = "cluster.availability"
	EventTypePolicyDenied        = "policy.denied"
	EventTypeTuningReloaded      = "tuning.reloaded"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers receive events one at a time in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     uint64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep, nil
}

// Publish queues an event for delivery. It never blocks; a full buffer drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		ep.mu.Lock()
		ep.dropped++
		ep.mu.Unlock()
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishUnitTransition publishes a unit lifecycle transition.
func (ep *EventPublisher) PublishUnitTransition(unitID, kind, from, to, reason string, at time.Time) error {
	level := EventLevelInfo
	if reason != "" && to == "gone" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeUnitTransition,
		Source:    "loop",
		UnitID:    unitID,
		Timestamp: at,
		Message:   fmt.Sprintf("unit %s %s -> %s", unitID, displayStatus(from), to),
		Level:     level,
		Data: map[string]interface{}{
			"kind":   kind,
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishLedgerEntry publishes a credits ledger entry.
func (ep *EventPublisher) PublishLedgerEntry(seq uint64, kind string, amount, balance int64, unitID, note string, at time.Time) error {
	return ep.Publish(Event{
		Type:      EventTypeLedgerEntry,
		Source:    "loop",
		UnitID:    unitID,
		Timestamp: at,
		Message:   fmt.Sprintf("%s %+d -> %d", kind, amount, balance),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"seq":     seq,
			"kind":    kind,
			"amount":  amount,
			"balance": balance,
			"note":    note,
		},
	})
}

// PublishChaosFired publishes a chaos firing and its outcome.
func (ep *EventPublisher) PublishChaosFired(unitID, outcome string) error {
	return ep.Publish(Event{
		Type:    EventTypeChaosFired,
		Source:  "chaos",
		UnitID:  unitID,
		Message: fmt.Sprintf("chaos fired on %q: %s", unitID, outcome),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	})
}

// PublishAvailability publishes a cluster availability change.
func (ep *EventPublisher) PublishAvailability(available bool) error {
	level := EventLevelInfo
	msg := "cluster available"
	if !available {
		level = EventLevelError
		msg = "cluster unavailable"
	}
	return ep.Publish(Event{
		Type:    EventTypeClusterAvailability,
		Source:  "loop",
		Message: msg,
		Level:   level,
		Data: map[string]interface{}{
			"available": available,
		},
	})
}

// PublishPolicyDenied publishes a rejected deploy.
func (ep *EventPublisher) PublishPolicyDenied(kind, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		Message: fmt.Sprintf("deploy %s denied: %s", kind, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// PublishTuningReloaded publishes a successful tuning reload.
func (ep *EventPublisher) PublishTuningReloaded(path string) error {
	return ep.Publish(Event{
		Type:    EventTypeTuningReloaded,
		Source:  "config",
		Message: fmt.Sprintf("tuning reloaded from %s", path),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"path": path,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	if ep == nil {
		return 0
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

// processEvents delivers buffered events until shutdown, then drains what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
// An empty level allows everything.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// DataString reads a string field from event data.
func (e Event) DataString(key string) string {
	switch v := e.Data[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// DataInt reads an integer field from event data. It accepts the numeric shapes
// produced both in-process and by a JSON round trip.
func (e Event) DataInt(key string) int64 {
	switch v := e.Data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func displayStatus(s string) string {
	if s == "" {
		return "new"
	}
	return s
}
