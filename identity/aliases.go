package identity

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ontoplane/ontos/errors"
)

// EntityAlias maps one external identifier to an internal logical ID
type EntityAlias struct {
	ID              string    `json:"id"`
	SourceSystem    string    `json:"source_system"`
	ExternalID      string    `json:"external_id"`
	TargetLogicalID string    `json:"target_logical_id"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RegisterAlias records that (sourceSystem, externalId) refers to
// targetLogicalID. Re-registering an existing pair updates the target and
// confidence in place.
func (s *Service) RegisterAlias(ctx context.Context, sourceSystem, externalID, targetLogicalID string, confidence float64) (*EntityAlias, error) {
	if sourceSystem == "" || externalID == "" || targetLogicalID == "" {
		return nil, errors.NewInvalidRequestError("source system, external id and target logical id are required")
	}

	now := s.timeNow().UTC()
	alias := &EntityAlias{
		ID:              uuid.NewString(),
		SourceSystem:    sourceSystem,
		ExternalID:      externalID,
		TargetLogicalID: targetLogicalID,
		Confidence:      confidence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_aliases (id, source_system, external_id, target_logical_id, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_system, external_id) DO UPDATE SET
			target_logical_id = excluded.target_logical_id,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		alias.ID, alias.SourceSystem, alias.ExternalID, alias.TargetLogicalID,
		alias.Confidence, alias.CreatedAt, alias.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register alias %s/%s", sourceSystem, externalID)
	}
	return s.getAlias(ctx, sourceSystem, externalID)
}

// ResolveLogicalID translates an external identifier to its internal
// logical ID. An unseen external ID self-registers as its own logical ID
// at confidence 1.0, so ingestion never has to special-case first contact.
func (s *Service) ResolveLogicalID(ctx context.Context, sourceSystem, externalID string) (string, error) {
	if sourceSystem == "" || externalID == "" {
		return "", errors.NewInvalidRequestError("source system and external id are required")
	}

	alias, err := s.getAlias(ctx, sourceSystem, externalID)
	if err == nil {
		return alias.TargetLogicalID, nil
	}
	if !errors.IsNotFoundError(err) {
		return "", err
	}

	if _, err := s.RegisterAlias(ctx, sourceSystem, externalID, externalID, 1.0); err != nil {
		return "", errors.Wrapf(err, "failed to self-register alias %s/%s", sourceSystem, externalID)
	}
	s.logger.Debugw("Self-registered alias",
		"source_system", sourceSystem, "external_id", externalID)
	return externalID, nil
}

// ListAliasesFor returns the aliases currently pointing at a logical ID
func (s *Service) ListAliasesFor(ctx context.Context, logicalID string) ([]*EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_system, external_id, target_logical_id, confidence, created_at, updated_at
		 FROM entity_aliases
		 WHERE target_logical_id = ?
		 ORDER BY source_system ASC, external_id ASC`, logicalID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list aliases for %s", logicalID)
	}
	defer rows.Close()

	var aliases []*EntityAlias
	for rows.Next() {
		var a EntityAlias
		if err := rows.Scan(&a.ID, &a.SourceSystem, &a.ExternalID, &a.TargetLogicalID,
			&a.Confidence, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan alias")
		}
		aliases = append(aliases, &a)
	}
	return aliases, errors.Wrap(rows.Err(), "error iterating aliases")
}

func (s *Service) getAlias(ctx context.Context, sourceSystem, externalID string) (*EntityAlias, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_system, external_id, target_logical_id, confidence, created_at, updated_at
		 FROM entity_aliases
		 WHERE source_system = ? AND external_id = ?`, sourceSystem, externalID)

	var a EntityAlias
	err := row.Scan(&a.ID, &a.SourceSystem, &a.ExternalID, &a.TargetLogicalID,
		&a.Confidence, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("alias not found: %s/%s", sourceSystem, externalID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get alias %s/%s", sourceSystem, externalID)
	}
	return &a, nil
}
