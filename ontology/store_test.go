package ontology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
	ontostest "github.com/ontoplane/ontos/internal/testing"
)

// newTestStore returns a store with a deterministic, manually advanced
// clock. Advancing between mutations keeps event idempotency keys unique.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	database := ontostest.CreateTestDB(t)
	store := NewStore(database, zap.NewNop().Sugar())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.timeNow = func() time.Time { return now }
	return store, &now
}

func registerDroneType(t *testing.T, store *Store) *EntityType {
	t.Helper()
	et, err := store.RegisterEntityType(context.Background(), "Drone", []AttributeDef{
		{Name: "batteryLevel", Kind: KindNumber},
		{Name: "callsign", Kind: KindString},
		{Name: "armed", Kind: KindBool},
	})
	require.NoError(t, err)
	return et
}

func TestRegisterEntityType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	et := registerDroneType(t, store)
	assert.Equal(t, "Drone", et.Name)
	assert.Equal(t, 1, et.Version)
	assert.Len(t, et.Attributes, 3)

	// Registering the same name again is a conflict
	_, err := store.RegisterEntityType(ctx, "Drone", nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestEvolveEntityType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	registerDroneType(t, store)
	evolved, err := store.EvolveEntityType(ctx, "Drone", []AttributeDef{
		{Name: "batteryLevel", Kind: KindNumber},
		{Name: "operator", Kind: KindString, Required: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, evolved.Version)

	// Lookup by name returns the latest version
	latest, err := store.GetEntityType(ctx, "Drone")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Attributes, 2)

	types, err := store.ListEntityTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, 2, types[0].Version)
}

func TestUpsertValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	// Empty logical ID
	_, err := store.Upsert(ctx, UpsertRequest{EntityType: "Drone", Attrs: Attrs{"batteryLevel": 90.0}})
	assert.True(t, errors.IsInvalidRequestError(err))

	// Unknown schema
	_, err = store.Upsert(ctx, UpsertRequest{EntityType: "Submarine", LogicalID: "S1"})
	assert.True(t, errors.IsNotFoundError(err))

	// Unknown attribute
	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"wingspan": 3.0},
	})
	assert.True(t, errors.IsInvalidRequestError(err))

	// Kind mismatch
	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": "full"},
	})
	assert.True(t, errors.IsInvalidRequestError(err))

	// A rejected upsert leaves zero partial state
	_, err = store.GetCurrent(ctx, "D1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpsertTemporalVersioning(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	first, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 15.0},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	secondWrite := now.Add(time.Minute)
	*now = secondWrite

	second, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 90.0},
	})
	require.NoError(t, err)
	assert.False(t, second.Created)

	// Two versions; the first is closed at the second write's timestamp
	history, err := store.History(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].ValidTo)
	assert.True(t, history[0].ValidTo.Equal(secondWrite))
	assert.Nil(t, history[1].ValidTo)
	assert.Equal(t, 15.0, history[0].Data["batteryLevel"])
	assert.Equal(t, 90.0, history[1].Data["batteryLevel"])

	// Projection tracks the latest active version
	current, err := store.GetCurrent(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, current.Data["batteryLevel"])
}

func TestUpsertSingleActiveVersion(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	for i := 0; i < 5; i++ {
		_, err := store.Upsert(ctx, UpsertRequest{
			EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": float64(i * 10)},
		})
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}

	var active int
	err := store.db.QueryRow(
		`SELECT COUNT(*) FROM entity_instances WHERE logical_id = 'D1' AND valid_to IS NULL`,
	).Scan(&active)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	history, err := store.History(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestUpsertAppendsEvents(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	et := registerDroneType(t, store)

	_, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 15.0},
	})
	require.NoError(t, err)
	*now = now.Add(time.Second)

	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 90.0},
	})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, et.ID, "D1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventEntityCreated, events[0].EventType)
	assert.Equal(t, EventEntityUpdated, events[1].EventType)

	// The update event carries both old and new state
	assert.Equal(t, 15.0, events[1].Payload.PreviousState["batteryLevel"])
	assert.Equal(t, 90.0, events[1].Payload.NewState["batteryLevel"])
	assert.Empty(t, events[0].Payload.PreviousState)
}

func TestUpsertLowConfidenceFlagsReview(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	_, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1",
		Attrs:  Attrs{"batteryLevel": 50.0},
		Source: &SourceInfo{SourceSystem: "radar", Confidence: 0.4},
	})
	require.NoError(t, err)
	*now = now.Add(time.Second)

	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D2",
		Attrs:  Attrs{"batteryLevel": 50.0},
		Source: &SourceInfo{SourceSystem: "radar", Confidence: 0.9},
	})
	require.NoError(t, err)

	history, err := store.History(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReviewPending, history[0].ReviewStatus)
	assert.Equal(t, "radar", history[0].SourceSystem)

	history, err = store.History(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, ReviewNone, history[0].ReviewStatus)
}

func TestGetAsOf(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	t1 := *now
	_, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 15.0},
	})
	require.NoError(t, err)

	t2 := t1.Add(time.Hour)
	*now = t2
	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 90.0},
	})
	require.NoError(t, err)

	// Between the writes the first version was valid
	instance, err := store.GetAsOf(ctx, "D1", t1.Add(30*time.Minute), t2.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 15.0, instance.Data["batteryLevel"])

	// After the second write the new version is valid
	instance, err = store.GetAsOf(ctx, "D1", t2.Add(time.Minute), t2.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 90.0, instance.Data["batteryLevel"])

	// Transaction-time filter: as recorded before the second write, the
	// first version is still the answer even for a later valid instant
	instance, err = store.GetAsOf(ctx, "D1", t2.Add(time.Minute), t1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 15.0, instance.Data["batteryLevel"])

	// Before the entity existed
	_, err = store.GetAsOf(ctx, "D1", t1.Add(-time.Hour), t2)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListCurrentByType(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	et := registerDroneType(t, store)

	for _, id := range []string{"D1", "D2", "D3"} {
		_, err := store.Upsert(ctx, UpsertRequest{
			EntityType: "Drone", LogicalID: id, Attrs: Attrs{"batteryLevel": 50.0},
		})
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}

	states, err := store.ListCurrentByType(ctx, et.ID, 10)
	require.NoError(t, err)
	assert.Len(t, states, 3)

	states, err = store.ListCurrentByType(ctx, et.ID, 2)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

// notifierSpy records submitted events for assertions
type notifierSpy struct {
	events []*DomainEvent
}

func (n *notifierSpy) Submit(event *DomainEvent) {
	n.events = append(n.events, event)
}

func TestUpsertNotifiesAfterCommit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	registerDroneType(t, store)

	spy := &notifierSpy{}
	store.SetNotifier(spy)

	result, err := store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"batteryLevel": 15.0},
	})
	require.NoError(t, err)

	require.Len(t, spy.events, 1)
	assert.Equal(t, result.EventID, spy.events[0].ID)

	// A failed upsert must not reach the notifier
	_, err = store.Upsert(ctx, UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: Attrs{"wingspan": 3.0},
	})
	require.Error(t, err)
	assert.Len(t, spy.events, 1)
}
