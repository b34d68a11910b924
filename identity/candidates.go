package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ontoplane/ontos/errors"
)

// CandidateStatus is the review state of a match candidate
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "PENDING"
	CandidateMerged   CandidateStatus = "MERGED"
	CandidateRejected CandidateStatus = "REJECTED"
)

// MatchCandidate is one proposed duplicate pair awaiting human review.
// The pair is stored canonically (LogicalIDA < LogicalIDB); a partial
// unique index keeps at most one open candidate per unordered pair.
type MatchCandidate struct {
	ID           string             `json:"id"`
	EntityTypeID string             `json:"entity_type_id"`
	LogicalIDA   string             `json:"logical_id_a"`
	LogicalIDB   string             `json:"logical_id_b"`
	Score        float64            `json:"score"`
	Breakdown    map[string]float64 `json:"breakdown"`
	Reasons      []string           `json:"reasons"`
	Status       CandidateStatus    `json:"status"`
	Reviewer     string             `json:"reviewer,omitempty"`
	MergedIntoID string             `json:"merged_into_id,omitempty"`
	ReviewedAt   *time.Time         `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// canonicalPair orders two logical IDs so the same unordered pair always
// stores identically
func canonicalPair(idA, idB string) (string, string) {
	if idB < idA {
		return idB, idA
	}
	return idA, idB
}

// createCandidate inserts a PENDING candidate for a canonical pair.
// Returns created=false when an open (PENDING or MERGED) candidate for
// the pair already exists - the unique index, not a read-then-write
// check, is what makes concurrent resolution runs safe.
func (s *Service) createCandidate(ctx context.Context, entityTypeID, idA, idB string, sim Similarity) (bool, error) {
	idA, idB = canonicalPair(idA, idB)

	breakdownJSON, err := json.Marshal(sim.Breakdown)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal score breakdown")
	}
	reasons := sim.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal match reasons")
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO match_candidates
		 (id, entity_type_id, logical_id_a, logical_id_b, score_overall, score_breakdown, match_reasons, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entityTypeID, idA, idB, sim.Overall,
		string(breakdownJSON), string(reasonsJSON), CandidatePending, s.timeNow().UTC(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create match candidate %s/%s", idA, idB)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// hasOpenCandidate reports whether a PENDING or MERGED candidate exists
// for the unordered pair
func (s *Service) hasOpenCandidate(ctx context.Context, entityTypeID, idA, idB string) (bool, error) {
	idA, idB = canonicalPair(idA, idB)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM match_candidates
		 WHERE entity_type_id = ? AND logical_id_a = ? AND logical_id_b = ?
		   AND status IN (?, ?)`,
		entityTypeID, idA, idB, CandidatePending, CandidateMerged,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to check for open candidate")
	}
	return count > 0, nil
}

// GetCandidate loads one candidate by ID
func (s *Service) GetCandidate(ctx context.Context, candidateID string) (*MatchCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_type_id, logical_id_a, logical_id_b, score_overall,
			score_breakdown, match_reasons, status, reviewer, merged_into_id, reviewed_at, created_at
		 FROM match_candidates WHERE id = ?`, candidateID)
	candidate, err := scanCandidate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("match candidate not found: %s", candidateID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get match candidate %s", candidateID)
	}
	return candidate, nil
}

// ListCandidates returns candidates for one entity type, highest score
// first, optionally filtered by status
func (s *Service) ListCandidates(ctx context.Context, entityTypeID string, status CandidateStatus) ([]*MatchCandidate, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, entity_type_id, logical_id_a, logical_id_b, score_overall,
				score_breakdown, match_reasons, status, reviewer, merged_into_id, reviewed_at, created_at
			 FROM match_candidates
			 WHERE entity_type_id = ? AND status = ?
			 ORDER BY score_overall DESC`, entityTypeID, status)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, entity_type_id, logical_id_a, logical_id_b, score_overall,
				score_breakdown, match_reasons, status, reviewer, merged_into_id, reviewed_at, created_at
			 FROM match_candidates
			 WHERE entity_type_id = ?
			 ORDER BY score_overall DESC`, entityTypeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list match candidates")
	}
	defer rows.Close()

	var candidates []*MatchCandidate
	for rows.Next() {
		candidate, err := scanCandidate(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan match candidate")
		}
		candidates = append(candidates, candidate)
	}
	return candidates, errors.Wrap(rows.Err(), "error iterating match candidates")
}

func scanCandidate(scan func(dest ...any) error) (*MatchCandidate, error) {
	var c MatchCandidate
	var breakdownJSON, reasonsJSON string
	var reviewer, mergedIntoID sql.NullString
	var reviewedAt sql.NullTime

	err := scan(&c.ID, &c.EntityTypeID, &c.LogicalIDA, &c.LogicalIDB, &c.Score,
		&breakdownJSON, &reasonsJSON, &c.Status, &reviewer, &mergedIntoID, &reviewedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(breakdownJSON), &c.Breakdown); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal score breakdown")
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &c.Reasons); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal match reasons")
	}
	if reviewer.Valid {
		c.Reviewer = reviewer.String
	}
	if mergedIntoID.Valid {
		c.MergedIntoID = mergedIntoID.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		c.ReviewedAt = &t
	}
	return &c, nil
}
