package identity

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

func newTestService(t *testing.T) (*Service, *ontology.Store) {
	t.Helper()
	database := ontostest.CreateTestDB(t)
	entities := ontology.NewStore(database, zap.NewNop().Sugar())
	service := NewService(entities, zap.NewNop().Sugar())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service.timeNow = func() time.Time { return now }
	return service, entities
}

// seedDrones registers the Drone type and writes three instances: two
// near-duplicates and one unrelated
func seedDrones(t *testing.T, entities *ontology.Store) string {
	t.Helper()
	ctx := context.Background()

	et, err := entities.RegisterEntityType(ctx, "Drone", []ontology.AttributeDef{
		{Name: "name", Kind: ontology.KindString},
		{Name: "lat", Kind: ontology.KindNumber},
		{Name: "lon", Kind: ontology.KindNumber},
	})
	require.NoError(t, err)

	records := []struct {
		id    string
		attrs ontology.Attrs
	}{
		{"D1", ontology.Attrs{"name": "Alpha-1", "lat": 10.0, "lon": 20.0}},
		{"D2", ontology.Attrs{"name": "Alpha-1", "lat": 10.0009, "lon": 20.0009}},
		{"D3", ontology.Attrs{"name": "Zephyr", "lat": 55.0, "lon": 60.0}},
	}
	for _, r := range records {
		_, err := entities.Upsert(ctx, ontology.UpsertRequest{
			EntityType: "Drone", LogicalID: r.id, Attrs: r.attrs,
		})
		require.NoError(t, err)
	}
	return et.ID
}

func TestRunFuzzyMatch(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	created, err := service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	candidates, err := service.ListCandidates(ctx, typeID, CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	c := candidates[0]
	assert.Equal(t, "D1", c.LogicalIDA)
	assert.Equal(t, "D2", c.LogicalIDB)
	assert.GreaterOrEqual(t, c.Score, 0.9)
	assert.Contains(t, c.Reasons, "exact_name")
}

func TestRunFuzzyMatchIdempotent(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	created, err := service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// A second run never duplicates an open pair
	created, err = service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	assert.Zero(t, created)

	candidates, err := service.ListCandidates(ctx, typeID, "")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestRunFuzzyMatchAfterReject(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	_, err := service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	candidates, err := service.ListCandidates(ctx, typeID, CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// REJECTED does not block re-proposal; only PENDING/MERGED do
	require.NoError(t, service.Reject(ctx, candidates[0].ID, "alice"))

	created, err := service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestRunFuzzyMatchThreshold(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	created, err := service.RunFuzzyMatch(ctx, typeID, 0.999, 500)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestResolveLogicalID(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	// Unseen external ID self-registers at confidence 1.0
	logicalID, err := service.ResolveLogicalID(ctx, "radar", "TRK-42")
	require.NoError(t, err)
	assert.Equal(t, "TRK-42", logicalID)

	aliases, err := service.ListAliasesFor(ctx, "TRK-42")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, 1.0, aliases[0].Confidence)

	// Explicit registration wins on later lookups
	_, err = service.RegisterAlias(ctx, "adsb", "ICAO-77", "D1", 0.9)
	require.NoError(t, err)
	logicalID, err = service.ResolveLogicalID(ctx, "adsb", "ICAO-77")
	require.NoError(t, err)
	assert.Equal(t, "D1", logicalID)

	// The same external ID in a different source system is independent
	logicalID, err = service.ResolveLogicalID(ctx, "radar", "ICAO-77")
	require.NoError(t, err)
	assert.Equal(t, "ICAO-77", logicalID)
}

func TestMerge(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	// Aliases from two source systems point at D2
	_, err := service.RegisterAlias(ctx, "radar", "TRK-42", "D2", 0.8)
	require.NoError(t, err)
	_, err = service.RegisterAlias(ctx, "adsb", "ICAO-77", "D2", 0.8)
	require.NoError(t, err)

	_, err = service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	candidates, err := service.ListCandidates(ctx, typeID, CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	merged, err := service.Merge(ctx, candidates[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, CandidateMerged, merged.Status)
	assert.Equal(t, "alice", merged.Reviewer)
	assert.Equal(t, "D1", merged.MergedIntoID)
	require.NotNil(t, merged.ReviewedAt)

	// All of D2's aliases now point at D1 with the match score
	aliases, err := service.ListAliasesFor(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	for _, a := range aliases {
		assert.Equal(t, merged.Score, a.Confidence)
	}
	aliases, err = service.ListAliasesFor(ctx, "D2")
	require.NoError(t, err)
	assert.Empty(t, aliases)

	// D2's projection row is gone; D1 keeps its own values
	_, err = entities.GetCurrent(ctx, "D2")
	assert.True(t, errors.IsNotFoundError(err))
	current, err := entities.GetCurrent(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, current.Data["lat"])

	// Temporal history of both entities is untouched
	history, err := entities.History(ctx, "D2")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Merging the same candidate again fails: no longer PENDING
	_, err = service.Merge(ctx, candidates[0].ID, "bob")
	assert.True(t, errors.IsInvalidStateError(err))
}

func TestMergeFillsGapsFromB(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()

	et, err := entities.RegisterEntityType(ctx, "Vessel", []ontology.AttributeDef{
		{Name: "name", Kind: ontology.KindString},
		{Name: "registration", Kind: ontology.KindString},
		{Name: "flag", Kind: ontology.KindString},
	})
	require.NoError(t, err)

	_, err = entities.Upsert(ctx, ontology.UpsertRequest{
		EntityType: "Vessel", LogicalID: "V1",
		Attrs: ontology.Attrs{"name": "Meridian", "registration": "REG-1"},
	})
	require.NoError(t, err)
	_, err = entities.Upsert(ctx, ontology.UpsertRequest{
		EntityType: "Vessel", LogicalID: "V2",
		Attrs: ontology.Attrs{"name": "Meridian", "registration": "REG-9", "flag": "PA"},
	})
	require.NoError(t, err)

	_, err = service.RunFuzzyMatch(ctx, et.ID, 0.5, 500)
	require.NoError(t, err)
	candidates, err := service.ListCandidates(ctx, et.ID, CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	_, err = service.Merge(ctx, candidates[0].ID, "alice")
	require.NoError(t, err)

	current, err := entities.GetCurrent(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "REG-1", current.Data["registration"]) // A wins conflicts
	assert.Equal(t, "PA", current.Data["flag"])            // B fills gaps
}

func TestReject(t *testing.T) {
	service, entities := newTestService(t)
	ctx := context.Background()
	typeID := seedDrones(t, entities)

	_, err := service.RunFuzzyMatch(ctx, typeID, 0.75, 500)
	require.NoError(t, err)
	candidates, err := service.ListCandidates(ctx, typeID, CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	require.NoError(t, service.Reject(ctx, candidates[0].ID, "alice"))

	rejected, err := service.GetCandidate(ctx, candidates[0].ID)
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, rejected.Status)

	// Rejecting again is an invalid state, not a silent no-op
	err = service.Reject(ctx, candidates[0].ID, "alice")
	assert.True(t, errors.IsInvalidStateError(err))

	// No linkage side effects: both projections intact
	_, err = entities.GetCurrent(ctx, "D1")
	require.NoError(t, err)
	_, err = entities.GetCurrent(ctx, "D2")
	require.NoError(t, err)

	err = service.Reject(ctx, "missing", "alice")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCanonicalPairOrdering(t *testing.T) {
	a, b := canonicalPair("D2", "D1")
	assert.Equal(t, "D1", a)
	assert.Equal(t, "D2", b)

	a, b = canonicalPair("D1", "D2")
	assert.Equal(t, "D1", a)
	assert.Equal(t, "D2", b)
}
