package ontology

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ontoplane/ontos/errors"
)

// UpsertRelationship writes a new version of an edge using the same
// temporal pattern as entities: close the active version, open a new one,
// append an event, update the current-graph projection - all in one
// transaction.
//
// Relationship events record the relationship type as entity_type_id and
// the source endpoint as logical_id; the target travels in the payload.
func (s *Store) UpsertRelationship(ctx context.Context, relType, sourceLogicalID, targetLogicalID string, attrs Attrs) (*UpsertResult, error) {
	if relType == "" || sourceLogicalID == "" || targetLogicalID == "" {
		return nil, errors.NewInvalidRequestError("relationship type, source and target are required")
	}

	now := s.timeNow().UTC()
	dataJSON, err := MarshalAttrs(attrs)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin relationship transaction")
	}
	defer tx.Rollback()

	var prevID, prevDataJSON string
	var previous Attrs
	created := false
	err = tx.QueryRowContext(ctx,
		`SELECT id, data FROM relationship_instances
		 WHERE relationship_type = ? AND source_logical_id = ? AND target_logical_id = ?
		   AND valid_to IS NULL`,
		relType, sourceLogicalID, targetLogicalID,
	).Scan(&prevID, &prevDataJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return nil, errors.Wrap(err, "failed to locate active relationship")
	default:
		previous, err = UnmarshalAttrs(prevDataJSON)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE relationship_instances SET valid_to = ? WHERE id = ?`, now, prevID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to close relationship version %s", prevID)
		}
	}

	instanceID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relationship_instances (
			id, relationship_type, source_logical_id, target_logical_id, data,
			valid_from, valid_to, transaction_time
		) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		instanceID, relType, sourceLogicalID, targetLogicalID, dataJSON, now, now,
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert relationship version")
	}

	eventType := EventRelationshipUpdated
	if created {
		eventType = EventRelationshipCreated
	}
	newState := Attrs{}
	for k, v := range attrs {
		newState[k] = v
	}
	newState["target_logical_id"] = targetLogicalID
	event := &DomainEvent{
		ID:             uuid.NewString(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%d", eventType, sourceLogicalID, targetLogicalID, now.UnixNano()),
		EventType:      eventType,
		EntityTypeID:   relType,
		LogicalID:      sourceLogicalID,
		Payload:        EventPayload{PreviousState: previous, NewState: newState},
		OccurredAt:     now,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_graph (relationship_type, source_logical_id, target_logical_id, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(relationship_type, source_logical_id, target_logical_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		relType, sourceLogicalID, targetLogicalID, dataJSON, now,
	); err != nil {
		return nil, errors.Wrap(err, "failed to project current edge")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit relationship upsert")
	}

	if s.notifier != nil {
		s.notifier.Submit(event)
	}

	return &UpsertResult{InstanceID: instanceID, EventID: event.ID, Created: created}, nil
}

// Neighbors returns the current edges touching a logical entity, in
// either direction
func (s *Store) Neighbors(ctx context.Context, logicalID string) ([]*CurrentEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_type, source_logical_id, target_logical_id, data, updated_at
		 FROM current_graph
		 WHERE source_logical_id = ? OR target_logical_id = ?
		 ORDER BY updated_at DESC`, logicalID, logicalID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list neighbors of %s", logicalID)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// ListStaleEdges returns current edges not observed since the cutoff
func (s *Store) ListStaleEdges(ctx context.Context, olderThan time.Duration) ([]*CurrentEdge, error) {
	cutoff := s.timeNow().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_type, source_logical_id, target_logical_id, data, updated_at
		 FROM current_graph
		 WHERE updated_at < ?
		 ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale edges")
	}
	defer rows.Close()

	return scanEdges(rows)
}

// CloseRelationship ends the active version of an edge and removes it
// from the current-graph projection. The temporal history stays intact.
func (s *Store) CloseRelationship(ctx context.Context, relType, sourceLogicalID, targetLogicalID string) error {
	now := s.timeNow().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin close transaction")
	}
	defer tx.Rollback()

	var prevID, prevDataJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT id, data FROM relationship_instances
		 WHERE relationship_type = ? AND source_logical_id = ? AND target_logical_id = ?
		   AND valid_to IS NULL`,
		relType, sourceLogicalID, targetLogicalID,
	).Scan(&prevID, &prevDataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("no active relationship %s %s -> %s", relType, sourceLogicalID, targetLogicalID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to locate active relationship")
	}

	previous, err := UnmarshalAttrs(prevDataJSON)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE relationship_instances SET valid_to = ? WHERE id = ?`, now, prevID,
	); err != nil {
		return errors.Wrapf(err, "failed to close relationship version %s", prevID)
	}

	event := &DomainEvent{
		ID:             uuid.NewString(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%d", EventRelationshipClosed, sourceLogicalID, targetLogicalID, now.UnixNano()),
		EventType:      EventRelationshipClosed,
		EntityTypeID:   relType,
		LogicalID:      sourceLogicalID,
		Payload:        EventPayload{PreviousState: previous},
		OccurredAt:     now,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM current_graph
		 WHERE relationship_type = ? AND source_logical_id = ? AND target_logical_id = ?`,
		relType, sourceLogicalID, targetLogicalID,
	); err != nil {
		return errors.Wrap(err, "failed to remove edge projection")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit relationship close")
	}

	if s.notifier != nil {
		s.notifier.Submit(event)
	}
	return nil
}

// RelationshipHistory returns every recorded version of one edge, oldest first
func (s *Store) RelationshipHistory(ctx context.Context, relType, sourceLogicalID, targetLogicalID string) ([]*RelationshipInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relationship_type, source_logical_id, target_logical_id, data,
			valid_from, valid_to, transaction_time
		 FROM relationship_instances
		 WHERE relationship_type = ? AND source_logical_id = ? AND target_logical_id = ?
		 ORDER BY valid_from ASC`,
		relType, sourceLogicalID, targetLogicalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load relationship history")
	}
	defer rows.Close()

	var instances []*RelationshipInstance
	for rows.Next() {
		var ri RelationshipInstance
		var dataJSON string
		var validTo sql.NullTime
		if err := rows.Scan(
			&ri.ID, &ri.RelationshipType, &ri.SourceLogicalID, &ri.TargetLogicalID,
			&dataJSON, &ri.ValidFrom, &validTo, &ri.TransactionTime,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan relationship version")
		}
		if ri.Data, err = UnmarshalAttrs(dataJSON); err != nil {
			return nil, err
		}
		if validTo.Valid {
			t := validTo.Time
			ri.ValidTo = &t
		}
		instances = append(instances, &ri)
	}
	return instances, errors.Wrap(rows.Err(), "error iterating relationship history")
}

func scanEdges(rows *sql.Rows) ([]*CurrentEdge, error) {
	var edges []*CurrentEdge
	for rows.Next() {
		var edge CurrentEdge
		var dataJSON string
		if err := rows.Scan(
			&edge.RelationshipType, &edge.SourceLogicalID, &edge.TargetLogicalID,
			&dataJSON, &edge.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan edge")
		}
		var err error
		if edge.Data, err = UnmarshalAttrs(dataJSON); err != nil {
			return nil, err
		}
		edges = append(edges, &edge)
	}
	return edges, errors.Wrap(rows.Err(), "error iterating edges")
}
