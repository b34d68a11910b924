package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
	ontostest "github.com/ontoplane/ontos/internal/testing"
	"github.com/ontoplane/ontos/ontology"
)

func newTestTrigger(t *testing.T) (*Store, *Trigger) {
	t.Helper()
	database := ontostest.CreateTestDB(t)
	store := NewStore(database)
	trigger := NewTrigger(store, zap.NewNop().Sugar(), 8)
	return store, trigger
}

func testEvent(logicalID string, newState ontology.Attrs) *ontology.DomainEvent {
	return &ontology.DomainEvent{
		ID:           "evt-" + logicalID,
		EventType:    ontology.EventEntityUpdated,
		EntityTypeID: "type-drone",
		LogicalID:    logicalID,
		Payload:      ontology.EventPayload{NewState: newState},
		OccurredAt:   time.Now().UTC(),
	}
}

func TestPolicyMatches(t *testing.T) {
	tests := []struct {
		name     string
		operator Operator
		value    string
		state    ontology.Attrs
		want     bool
	}{
		{"lt match", OpLt, "20", ontology.Attrs{"batteryLevel": 15.0}, true},
		{"lt no match", OpLt, "20", ontology.Attrs{"batteryLevel": 90.0}, false},
		{"gte boundary", OpGte, "20", ontology.Attrs{"batteryLevel": 20.0}, true},
		{"eq string", OpEq, "ACTIVE", ontology.Attrs{"status": "ACTIVE"}, true},
		{"neq string", OpNeq, "ACTIVE", ontology.Attrs{"status": "IDLE"}, true},
		{"contains", OpContains, "alpha", ontology.Attrs{"callsign": "x-alpha-7"}, true},
		{"missing field", OpEq, "ACTIVE", ontology.Attrs{"other": "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := "batteryLevel"
			switch tt.operator {
			case OpEq, OpNeq:
				field = "status"
			case OpContains:
				field = "callsign"
			}
			p := &Policy{ID: "p1", Field: field, Operator: tt.operator, Value: tt.value}
			got, err := p.Matches(testEvent("D1", tt.state))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyMatchesNonNumericField(t *testing.T) {
	p := &Policy{ID: "p1", Field: "status", Operator: OpGt, Value: "5"}
	_, err := p.Matches(testEvent("D1", ontology.Attrs{"status": "ACTIVE"}))
	assert.Error(t, err)
}

func TestCreatePolicyValidation(t *testing.T) {
	store, _ := newTestTrigger(t)
	ctx := context.Background()

	err := store.CreatePolicy(ctx, &Policy{Name: "p", Operator: OpEq, Value: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = store.CreatePolicy(ctx, &Policy{Name: "p", Field: "f", Operator: "between", Value: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEvaluateCreatesAlert(t *testing.T) {
	store, trigger := newTestTrigger(t)
	ctx := context.Background()

	p := &Policy{
		Name:         "low-battery",
		EntityTypeID: "type-drone",
		EventType:    ontology.EventEntityUpdated,
		Field:        "batteryLevel",
		Operator:     OpLt,
		Value:        "20",
		Enabled:      true,
	}
	require.NoError(t, store.CreatePolicy(ctx, p))

	event := testEvent("D1", ontology.Attrs{"batteryLevel": 15.0})
	require.NoError(t, trigger.Evaluate(ctx, event))

	alerts, err := store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, p.ID, alerts[0].PolicyID)
	assert.Equal(t, event.ID, alerts[0].EventID)
	assert.False(t, alerts[0].Acknowledged)

	// Re-evaluating the same event is idempotent
	require.NoError(t, trigger.Evaluate(ctx, event))
	alerts, err = store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestEvaluateSkipsDisabledAndUnmatched(t *testing.T) {
	store, trigger := newTestTrigger(t)
	ctx := context.Background()

	disabled := &Policy{
		Name: "disabled", EntityTypeID: "type-drone",
		EventType: ontology.EventEntityUpdated,
		Field:     "batteryLevel", Operator: OpLt, Value: "20",
	}
	require.NoError(t, store.CreatePolicy(ctx, disabled))

	otherType := &Policy{
		Name: "other-type", EntityTypeID: "type-vessel",
		EventType: ontology.EventEntityUpdated,
		Field:     "batteryLevel", Operator: OpLt, Value: "20",
		Enabled: true,
	}
	require.NoError(t, store.CreatePolicy(ctx, otherType))

	require.NoError(t, trigger.Evaluate(ctx, testEvent("D1", ontology.Attrs{"batteryLevel": 5.0})))

	alerts, err := store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestTriggerAsyncDispatch(t *testing.T) {
	store, trigger := newTestTrigger(t)
	ctx := context.Background()

	p := &Policy{
		Name: "low-battery", EntityTypeID: "type-drone",
		EventType: ontology.EventEntityUpdated,
		Field:     "batteryLevel", Operator: OpLt, Value: "20",
		Enabled: true,
	}
	require.NoError(t, store.CreatePolicy(ctx, p))

	trigger.Start()
	trigger.Submit(testEvent("D1", ontology.Attrs{"batteryLevel": 15.0}))
	trigger.Stop() // Drains the buffer before returning

	alerts, err := store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Submitting after Stop is a silent no-op, not a panic
	trigger.Submit(testEvent("D2", ontology.Attrs{"batteryLevel": 15.0}))
}

func TestAcknowledgeAlert(t *testing.T) {
	store, trigger := newTestTrigger(t)
	ctx := context.Background()

	p := &Policy{
		Name: "low-battery", EntityTypeID: "type-drone",
		EventType: ontology.EventEntityUpdated,
		Field:     "batteryLevel", Operator: OpLt, Value: "20",
		Enabled: true,
	}
	require.NoError(t, store.CreatePolicy(ctx, p))
	require.NoError(t, trigger.Evaluate(ctx, testEvent("D1", ontology.Attrs{"batteryLevel": 15.0})))

	alerts, err := store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, store.Acknowledge(ctx, alerts[0].ID))

	alerts, err = store.ListAlerts(ctx, "D1", 10)
	require.NoError(t, err)
	assert.True(t, alerts[0].Acknowledged)

	err = store.Acknowledge(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSetEnabled(t *testing.T) {
	store, _ := newTestTrigger(t)
	ctx := context.Background()

	p := &Policy{
		Name: "p", EntityTypeID: "type-drone",
		EventType: ontology.EventEntityUpdated,
		Field:     "batteryLevel", Operator: OpLt, Value: "20",
		Enabled: true,
	}
	require.NoError(t, store.CreatePolicy(ctx, p))

	require.NoError(t, store.SetEnabled(ctx, p.ID, false))
	policies, err := store.ListEnabled(ctx, "type-drone", ontology.EventEntityUpdated)
	require.NoError(t, err)
	assert.Empty(t, policies)

	err = store.SetEnabled(ctx, "missing", true)
	assert.True(t, errors.IsNotFoundError(err))
}
