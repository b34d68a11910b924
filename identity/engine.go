package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/ontology"
)

const (
	// DefaultThreshold is the minimum overall similarity for a PENDING candidate
	DefaultThreshold = 0.75

	// DefaultLimit bounds how many current-state rows one resolution run compares
	DefaultLimit = 500
)

// Service is the identity resolution engine. It shares the platform
// database with the entity store: aliases, candidates and the projection
// all live behind the same coordination point.
type Service struct {
	db       *sql.DB
	entities *ontology.Store
	logger   *zap.SugaredLogger
	timeNow  func() time.Time // Injectable for testing
}

// NewService creates an identity resolution service
func NewService(entities *ontology.Store, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		db:       entities.DB(),
		entities: entities,
		logger:   logger.Named("identity"),
		timeNow:  time.Now,
	}
}

// RunFuzzyMatch compares up to limit current-state records of one entity
// type pairwise and creates a PENDING candidate for every pair scoring at
// or above the threshold. Pairs with an open (PENDING or MERGED)
// candidate are skipped. Returns the number of candidates created.
//
// The comparison is O(n^2) by design; limit is the documented bound.
func (s *Service) RunFuzzyMatch(ctx context.Context, entityTypeID string, threshold float64, limit int) (int, error) {
	if entityTypeID == "" {
		return 0, errors.NewInvalidRequestError("entity type id is required")
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	states, err := s.entities.ListCurrentByType(ctx, entityTypeID, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load current state for fuzzy match")
	}

	created := 0
	compared := 0
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			a, b := states[i], states[j]
			compared++

			// Cheap existence check first; the unique index is still the
			// real guard against racing resolution runs
			open, err := s.hasOpenCandidate(ctx, entityTypeID, a.LogicalID, b.LogicalID)
			if err != nil {
				return created, err
			}
			if open {
				continue
			}

			sim := Score(a.Data, b.Data)
			if sim.Overall < threshold {
				continue
			}

			inserted, err := s.createCandidate(ctx, entityTypeID, a.LogicalID, b.LogicalID, sim)
			if err != nil {
				return created, err
			}
			if inserted {
				created++
				s.logger.Infow("Match candidate created",
					"logical_id_a", a.LogicalID,
					"logical_id_b", b.LogicalID,
					"score", sim.Overall,
					"reasons", sim.Reasons)
			}
		}
	}

	s.logger.Infow("Fuzzy match run finished",
		"entity_type_id", entityTypeID,
		"records", len(states),
		"pairs_compared", compared,
		"candidates_created", created,
		"threshold", threshold)
	return created, nil
}

// Merge accepts a PENDING candidate: every alias pointing at B is
// re-pointed to A (confidence set to the match score), the current-state
// projections are merged with A's fields winning conflicts, and the
// candidate becomes MERGED. All in one transaction.
//
// Neither logical ID's temporal history is rewritten - both timelines
// stay independently queryable after the merge.
func (s *Service) Merge(ctx context.Context, candidateID, reviewer string) (*MatchCandidate, error) {
	if reviewer == "" {
		return nil, errors.NewInvalidRequestError("reviewer is required")
	}

	candidate, err := s.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if candidate.Status != CandidatePending {
		return nil, errors.NewInvalidStateError("candidate %s is %s, not PENDING", candidateID, candidate.Status)
	}

	now := s.timeNow().UTC()
	idA, idB := candidate.LogicalIDA, candidate.LogicalIDB

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin merge transaction")
	}
	defer tx.Rollback()

	// Re-point B's aliases to A at the match score's confidence
	if _, err := tx.ExecContext(ctx,
		`UPDATE entity_aliases
		 SET target_logical_id = ?, confidence = ?, updated_at = ?
		 WHERE target_logical_id = ?`,
		idA, candidate.Score, now, idB,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to re-point aliases from %s to %s", idB, idA)
	}

	// Merge projections: B's fields fill gaps, A's fields win conflicts.
	// B's projection row disappears; its temporal history does not.
	merged, err := s.mergeProjections(ctx, tx, candidate.EntityTypeID, idA, idB, now)
	if err != nil {
		return nil, err
	}

	// CAS on status closes the race with a concurrent merge or reject
	result, err := tx.ExecContext(ctx,
		`UPDATE match_candidates
		 SET status = ?, reviewer = ?, merged_into_id = ?, reviewed_at = ?
		 WHERE id = ? AND status = ?`,
		CandidateMerged, reviewer, idA, now, candidateID, CandidatePending,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark candidate %s merged", candidateID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.NewInvalidStateError("candidate %s is no longer PENDING", candidateID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit merge")
	}

	s.logger.Infow("Entities merged",
		"candidate_id", candidateID,
		"merged_into", idA,
		"merged_from", idB,
		"reviewer", reviewer,
		"merged_fields", merged)
	return s.GetCandidate(ctx, candidateID)
}

func (s *Service) mergeProjections(ctx context.Context, tx *sql.Tx, entityTypeID, idA, idB string, now time.Time) (int, error) {
	dataA, okA, err := readProjection(ctx, tx, idA)
	if err != nil {
		return 0, err
	}
	dataB, okB, err := readProjection(ctx, tx, idB)
	if err != nil {
		return 0, err
	}
	if !okA && !okB {
		return 0, nil
	}

	merged := ontology.Attrs{}
	for k, v := range dataB {
		merged[k] = v
	}
	for k, v := range dataA {
		merged[k] = v
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal merged state")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_entity_state (logical_id, entity_type_id, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(logical_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		idA, entityTypeID, string(mergedJSON), now,
	); err != nil {
		return 0, errors.Wrapf(err, "failed to write merged state for %s", idA)
	}
	if okB {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM current_entity_state WHERE logical_id = ?`, idB,
		); err != nil {
			return 0, errors.Wrapf(err, "failed to retire projection for %s", idB)
		}
	}
	return len(merged), nil
}

func readProjection(ctx context.Context, tx *sql.Tx, logicalID string) (ontology.Attrs, bool, error) {
	var dataJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM current_entity_state WHERE logical_id = ?`, logicalID,
	).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read projection for %s", logicalID)
	}
	attrs, err := ontology.UnmarshalAttrs(dataJSON)
	if err != nil {
		return nil, false, err
	}
	return attrs, true, nil
}

// Reject closes a PENDING candidate with no linkage side effects.
// REJECTED is terminal.
func (s *Service) Reject(ctx context.Context, candidateID, reviewer string) error {
	now := s.timeNow().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE match_candidates
		 SET status = ?, reviewer = ?, reviewed_at = ?
		 WHERE id = ? AND status = ?`,
		CandidateRejected, nullableString(reviewer), now, candidateID, CandidatePending,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to reject candidate %s", candidateID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		candidate, err := s.GetCandidate(ctx, candidateID)
		if err != nil {
			return err
		}
		return errors.NewInvalidStateError("candidate %s is %s, not PENDING", candidateID, candidate.Status)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
