package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notable occurrence during an apply.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Run is the run name, if applicable.
	Run string `json:"run,omitempty"`

	// Instruction is the instruction id, if applicable.
	Instruction string `json:"instruction,omitempty"`

	// Module is the handler module, if applicable.
	Module string `json:"module,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted           = "run.started"
	EventTypeRunCompleted         = "run.completed"
	EventTypeRunFailed            = "run.failed"
	EventTypeInstructionCompleted = "instruction.completed"
	EventTypeInstructionFailed    = "instruction.failed"
	EventTypeReaction             = "instruction.reaction"
	EventTypePolicyViolation      = "policy.violation"
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

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. Asynchronous publishers
// drop the event when the buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(run string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s started", run),
		Level:   EventLevelInfo,
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(run, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s completed with status: %s", run, status),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(run, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		Run:     run,
		Message: fmt.Sprintf("Run %s failed: %s", run, reason),
		Level:   EventLevelError,
		Data: map[string]any{
			"reason": reason,
		},
	})
}

// PublishInstruction publishes the outcome of one handler call. A failure
// outcome is published as instruction.failed.
func (ep *EventPublisher) PublishInstruction(run, id, module, outcome string, changed bool, duration time.Duration) error {
	ev := Event{
		Type:        EventTypeInstructionCompleted,
		Source:      "scheduler",
		Run:         run,
		Instruction: id,
		Module:      module,
		Message:     fmt.Sprintf("Instruction %s finished: %s", id, outcome),
		Level:       EventLevelInfo,
		Data: map[string]any{
			"outcome":  outcome,
			"changed":  changed,
			"duration": duration.Seconds(),
		},
	}
	if outcome == "failure" {
		ev.Type = EventTypeInstructionFailed
		ev.Level = EventLevelWarning
	}
	return ep.Publish(ev)
}

// PublishReaction publishes a reaction handler call.
func (ep *EventPublisher) PublishReaction(run, id, module, outcome string) error {
	return ep.Publish(Event{
		Type:        EventTypeReaction,
		Source:      "scheduler",
		Run:         run,
		Instruction: id,
		Module:      module,
		Message:     fmt.Sprintf("Reaction for %s finished: %s", id, outcome),
		Level:       EventLevelInfo,
		Data: map[string]any{
			"outcome": outcome,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(run, id, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy",
		Run:         run,
		Instruction: id,
		Message:     fmt.Sprintf("Policy violation on %s: %s - %s", id, policyName, reason),
		Level:       EventLevelError,
		Data: map[string]any{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in order on the calling goroutine.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
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

// FilterByRun creates a filter that only allows events for one run.
func FilterByRun(run string) EventFilter {
	return func(event Event) bool {
		return event.Run == run
	}
}
