package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a cluster lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated bring-up run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Cluster is the associated cluster name, if applicable.
	Cluster string `json:"cluster,omitempty"`

	// Instance is the associated instance name, if applicable.
	Instance string `json:"instance,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeBringupStarted       = "bringup.started"
	EventTypeBringupCompleted     = "bringup.completed"
	EventTypeBringupFailed        = "bringup.failed"
	EventTypeInstanceStateChanged = "instance.state_changed"
	EventTypeInstanceOperational  = "instance.operational"
	EventTypeInstanceCrashed      = "instance.crashed"
	EventTypeReadinessTimeout     = "readiness.timeout"
	EventTypePolicyViolation      = "policy.violation"
	EventTypeError                = "error"
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
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
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

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishBringupStarted publishes a bring-up started event.
func (ep *EventPublisher) PublishBringupStarted(runID, cluster string, instanceCount int) error {
	return ep.Publish(Event{
		Type:    EventTypeBringupStarted,
		Source:  "cluster",
		RunID:   runID,
		Cluster: cluster,
		Message: fmt.Sprintf("Bring-up of cluster %s started (%d instances)", cluster, instanceCount),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"instance_count": instanceCount,
		},
	})
}

// PublishBringupCompleted publishes a bring-up completed event.
func (ep *EventPublisher) PublishBringupCompleted(runID, cluster, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeBringupCompleted,
		Source:  "cluster",
		RunID:   runID,
		Cluster: cluster,
		Message: fmt.Sprintf("Bring-up of cluster %s completed with status: %s", cluster, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishBringupFailed publishes a bring-up failed event.
func (ep *EventPublisher) PublishBringupFailed(runID, cluster, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeBringupFailed,
		Source:  "cluster",
		RunID:   runID,
		Cluster: cluster,
		Message: fmt.Sprintf("Bring-up of cluster %s failed: %s", cluster, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishInstanceStateChanged publishes an instance state change event.
func (ep *EventPublisher) PublishInstanceStateChanged(runID, instance, oldState, newState string) error {
	return ep.Publish(Event{
		Type:     EventTypeInstanceStateChanged,
		Source:   "cluster",
		RunID:    runID,
		Instance: instance,
		Message:  fmt.Sprintf("Instance %s state changed from %s to %s", instance, oldState, newState),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishInstanceOperational publishes an instance operational event.
func (ep *EventPublisher) PublishInstanceOperational(runID, instance string, waited time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeInstanceOperational,
		Source:   "cluster",
		RunID:    runID,
		Instance: instance,
		Message:  fmt.Sprintf("Instance %s became operational after %s", instance, waited),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"waited": waited.Seconds(),
		},
	})
}

// PublishInstanceCrashed publishes an instance crash event.
func (ep *EventPublisher) PublishInstanceCrashed(runID, instance string, exitCode int) error {
	return ep.Publish(Event{
		Type:     EventTypeInstanceCrashed,
		Source:   "cluster",
		RunID:    runID,
		Instance: instance,
		Message:  fmt.Sprintf("Instance %s exited unexpectedly with code %d", instance, exitCode),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"exit_code": exitCode,
		},
	})
}

// PublishReadinessTimeout publishes a readiness timeout event.
func (ep *EventPublisher) PublishReadinessTimeout(runID, cluster string, pending []string) error {
	return ep.Publish(Event{
		Type:    EventTypeReadinessTimeout,
		Source:  "cluster",
		RunID:   runID,
		Cluster: cluster,
		Message: fmt.Sprintf("Cluster %s readiness deadline expired, %d instances still pending", cluster, len(pending)),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"pending": pending,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(cluster, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Cluster: cluster,
		Message: fmt.Sprintf("Policy violation in cluster %s: %s - %s", cluster, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batchSize := ep.config.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	batch := make([]Event, 0, batchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= batchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, batchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByInstance creates a filter that only allows events for a specific instance.
func FilterByInstance(instance string) EventFilter {
	return func(event Event) bool {
		return event.Instance == instance
	}
}
