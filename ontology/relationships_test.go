package ontology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoplane/ontos/errors"
)

func TestUpsertRelationship(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", Attrs{"since": "2026-01-01"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	*now = now.Add(time.Minute)
	second, err := store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", Attrs{"since": "2026-02-01"})
	require.NoError(t, err)
	assert.False(t, second.Created)

	history, err := store.RelationshipHistory(ctx, "OPERATES_FROM", "D1", "BASE-7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].ValidTo)
	assert.Nil(t, history[1].ValidTo)

	edges, err := store.Neighbors(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "2026-02-01", edges[0].Data["since"])

	// Target side sees the edge too
	edges, err = store.Neighbors(ctx, "BASE-7")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestRelationshipValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, "", "D1", "BASE-7", nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCloseRelationship(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", nil)
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	require.NoError(t, store.CloseRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7"))

	// Projection empty, history intact
	edges, err := store.Neighbors(ctx, "D1")
	require.NoError(t, err)
	assert.Empty(t, edges)

	history, err := store.RelationshipHistory(ctx, "OPERATES_FROM", "D1", "BASE-7")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].ValidTo)

	// Closing again is an error: nothing active
	err = store.CloseRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListStaleEdges(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", nil)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = store.UpsertRelationship(ctx, "OPERATES_FROM", "D2", "BASE-7", nil)
	require.NoError(t, err)

	stale, err := store.ListStaleEdges(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "D1", stale[0].SourceLogicalID)

	// Re-observing the edge refreshes it out of the stale window
	_, err = store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", nil)
	require.NoError(t, err)
	stale, err = store.ListStaleEdges(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRelationshipEvents(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", nil)
	require.NoError(t, err)
	*now = now.Add(time.Second)
	require.NoError(t, store.CloseRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7"))

	events, err := store.ListEvents(ctx, "OPERATES_FROM", "D1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRelationshipCreated, events[0].EventType)
	assert.Equal(t, EventRelationshipClosed, events[1].EventType)
	assert.Equal(t, "BASE-7", events[0].Payload.NewState["target_logical_id"])
}
