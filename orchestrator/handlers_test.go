package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ontostest "github.com/ontoplane/ontos/internal/testing"
	"github.com/ontoplane/ontos/ontology"
)

func newHandlerFixture(t *testing.T) (*ontology.Store, *Store) {
	t.Helper()
	database := ontostest.CreateTestDB(t)
	entities := ontology.NewStore(database, zap.NewNop().Sugar())
	jobs := NewStore(database, zap.NewNop().Sugar())
	return entities, jobs
}

func TestSystemPingHandler(t *testing.T) {
	handler := NewSystemPingHandler(zap.NewNop().Sugar())
	assert.Equal(t, JobTypeSystemPing, handler.Name())

	err := handler.Execute(context.Background(), &Job{ID: "j1", Payload: json.RawMessage(`{"message":"hi"}`)})
	require.NoError(t, err)

	err = handler.Execute(context.Background(), &Job{ID: "j2"})
	require.NoError(t, err)

	err = handler.Execute(context.Background(), &Job{ID: "j3", Payload: json.RawMessage(`not json`)})
	assert.Error(t, err)
}

func TestRelationshipDecayHandler(t *testing.T) {
	entities, _ := newHandlerFixture(t)
	ctx := context.Background()

	_, err := entities.UpsertRelationship(ctx, "OPERATES_FROM", "D1", "BASE-7", nil)
	require.NoError(t, err)

	handler := NewRelationshipDecayHandler(entities, zap.NewNop().Sugar())

	// Fresh edge survives a sweep with a generous max age
	require.NoError(t, handler.Execute(ctx, &Job{
		ID: "j1", Payload: json.RawMessage(`{"max_age_seconds": 3600}`),
	}))
	edges, err := entities.Neighbors(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	// Non-positive max_age_seconds falls back to the default age, so the
	// fresh edge still survives
	require.NoError(t, handler.Execute(ctx, &Job{
		ID: "j2", Payload: json.RawMessage(`{"max_age_seconds": -1}`),
	}))
	edges, err = entities.Neighbors(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestTelemetryRollupTriggerHandler(t *testing.T) {
	entities, jobs := newHandlerFixture(t)
	ctx := context.Background()

	for _, name := range []string{"Drone", "Vessel"} {
		_, err := entities.RegisterEntityType(ctx, name, []ontology.AttributeDef{
			{Name: "name", Kind: ontology.KindString},
		})
		require.NoError(t, err)
	}

	trigger, err := jobs.Enqueue(ctx, JobTypeTelemetryTrigger, nil, EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, trigger.ID, claimed.ID)

	handler := NewTelemetryRollupTriggerHandler(entities, jobs, zap.NewNop().Sugar())
	require.NoError(t, handler.Execute(ctx, claimed))

	// One child per entity type, gated on the trigger job
	children, err := jobs.ListJobs(ctx, string(JobStatusQueued), 10)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, JobTypeTelemetryRollup, child.JobType)
		assert.Equal(t, trigger.ID, child.ParentJobID)
	}

	// Children are not claimable until the trigger completes
	blocked, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// A retried trigger re-enqueues nothing thanks to per-type keys
	require.NoError(t, handler.Execute(ctx, claimed))
	children, err = jobs.ListJobs(ctx, string(JobStatusQueued), 10)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	require.NoError(t, jobs.Complete(ctx, trigger.ID, "w1"))
	unblocked, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, unblocked)
}

func TestTelemetryRollupHandler(t *testing.T) {
	entities, _ := newHandlerFixture(t)
	ctx := context.Background()

	et, err := entities.RegisterEntityType(ctx, "Drone", []ontology.AttributeDef{
		{Name: "name", Kind: ontology.KindString},
	})
	require.NoError(t, err)
	_, err = entities.Upsert(ctx, ontology.UpsertRequest{
		EntityType: "Drone", LogicalID: "D1", Attrs: ontology.Attrs{"name": "Alpha"},
	})
	require.NoError(t, err)

	handler := NewTelemetryRollupHandler(entities, zap.NewNop().Sugar())

	payload, err := json.Marshal(map[string]string{"entity_type_id": et.ID})
	require.NoError(t, err)
	require.NoError(t, handler.Execute(ctx, &Job{ID: "j1", Payload: payload}))

	// Missing entity type id is a hard error
	err = handler.Execute(ctx, &Job{ID: "j2", Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestIntegrationSyncHandler(t *testing.T) {
	var gotID string
	runner := runnerFunc(func(ctx context.Context, integrationJobID string, payload json.RawMessage) error {
		gotID = integrationJobID
		return nil
	})

	handler := NewIntegrationSyncHandler(runner, zap.NewNop().Sugar())
	require.NoError(t, handler.Execute(context.Background(), &Job{
		ID: "j1", IntegrationJobID: "sync-42",
	}))
	assert.Equal(t, "sync-42", gotID)

	// No integration job id configured on the row
	err := handler.Execute(context.Background(), &Job{ID: "j2"})
	assert.Error(t, err)

	// No runner wired at all
	unwired := NewIntegrationSyncHandler(nil, zap.NewNop().Sugar())
	err = unwired.Execute(context.Background(), &Job{ID: "j3", IntegrationJobID: "sync-42"})
	assert.Error(t, err)
}

type runnerFunc func(ctx context.Context, integrationJobID string, payload json.RawMessage) error

func (f runnerFunc) RunSync(ctx context.Context, integrationJobID string, payload json.RawMessage) error {
	return f(ctx, integrationJobID, payload)
}
