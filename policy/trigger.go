package policy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ontoplane/ontos/ontology"
)

// DefaultQueueSize is the buffer for the best-effort event queue
const DefaultQueueSize = 256

// Trigger consumes committed domain events and emits alerts for matching
// policies. It implements ontology.Notifier.
//
// Submit is non-blocking: when the buffer is full the event is dropped
// and logged. This is the documented at-most-effort delivery contract -
// the write path must never stall or fail because of the reactive path.
type Trigger struct {
	store  *Store
	logger *zap.SugaredLogger

	events chan *ontology.DomainEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewTrigger creates a policy trigger. queueSize <= 0 uses the default.
func NewTrigger(store *Store, logger *zap.SugaredLogger, queueSize int) *Trigger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Trigger{
		store:  store,
		logger: logger.Named("policy"),
		events: make(chan *ontology.DomainEvent, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine
func (t *Trigger) Start() {
	t.wg.Add(1)
	go t.dispatch()
}

// Stop drains the dispatcher. Events still buffered are evaluated before
// Stop returns; events submitted after Stop are dropped. The events
// channel is never closed - a racing Submit must not panic.
func (t *Trigger) Stop() {
	t.once.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// Submit hands a committed event to the trigger. Never blocks.
func (t *Trigger) Submit(event *ontology.DomainEvent) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.events <- event:
	default:
		// Buffer full - best-effort delivery means we drop, not block
		t.logger.Warnw("Policy queue full, dropping event",
			"event_id", event.ID,
			"event_type", event.EventType,
			"logical_id", event.LogicalID,
		)
	}
}

func (t *Trigger) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case event := <-t.events:
			t.evaluateLogged(event)
		case <-t.done:
			// Drain whatever is buffered, then exit
			for {
				select {
				case event := <-t.events:
					t.evaluateLogged(event)
				default:
					return
				}
			}
		}
	}
}

// evaluateLogged catches any evaluation error and logs it, never propagates
func (t *Trigger) evaluateLogged(event *ontology.DomainEvent) {
	if err := t.Evaluate(context.Background(), event); err != nil {
		t.logger.Errorw("Policy evaluation failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"logical_id", event.LogicalID,
			"error", err,
		)
	}
}

// Evaluate runs every enabled matching policy against one event and
// creates an alert per match. Exposed for synchronous use in tests and
// re-delivery tooling; alert uniqueness makes replays harmless.
func (t *Trigger) Evaluate(ctx context.Context, event *ontology.DomainEvent) error {
	policies, err := t.store.ListEnabled(ctx, event.EntityTypeID, event.EventType)
	if err != nil {
		return err
	}

	for _, p := range policies {
		matched, err := p.Matches(event)
		if err != nil {
			// A broken policy must not shadow the remaining ones
			t.logger.Warnw("Policy condition error",
				"policy_id", p.ID,
				"policy", p.Name,
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}

		alert := &Alert{
			EventID:   event.ID,
			PolicyID:  p.ID,
			LogicalID: event.LogicalID,
			Message: fmt.Sprintf("policy %q matched %s on %s (%s %s %s)",
				p.Name, event.EventType, event.LogicalID, p.Field, p.Operator, p.Value),
		}
		created, err := t.store.CreateAlert(ctx, alert)
		if err != nil {
			t.logger.Errorw("Failed to create alert",
				"policy_id", p.ID,
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		if created {
			t.logger.Infow("Alert emitted",
				"policy", p.Name,
				"logical_id", event.LogicalID,
				"event_type", event.EventType,
			)
		}
	}
	return nil
}
