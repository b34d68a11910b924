package ontology

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ontoplane/ontos/errors"
)

// appendEvent writes a domain event inside the caller's transaction.
// The unique idempotency key surfaces duplicate recording as ErrConflict.
func appendEvent(ctx context.Context, tx *sql.Tx, event *DomainEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO domain_events (
			id, idempotency_key, event_type, entity_type_id, logical_id, payload, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.IdempotencyKey, event.EventType,
		event.EntityTypeID, event.LogicalID, string(payloadJSON), event.OccurredAt,
	)
	if err != nil {
		return errors.Wrapf(errors.ErrConflict, "failed to append event %s: %v", event.IdempotencyKey, err)
	}
	return nil
}

// ListEvents returns the recorded events for a logical entity, oldest first
func (s *Store) ListEvents(ctx context.Context, entityTypeID, logicalID string) ([]*DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idempotency_key, event_type, entity_type_id, logical_id, payload, occurred_at
		 FROM domain_events
		 WHERE entity_type_id = ? AND logical_id = ?
		 ORDER BY occurred_at ASC`,
		entityTypeID, logicalID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list events for %s", logicalID)
	}
	defer rows.Close()

	var events []*DomainEvent
	for rows.Next() {
		var event DomainEvent
		var payloadJSON string
		if err := rows.Scan(
			&event.ID, &event.IdempotencyKey, &event.EventType,
			&event.EntityTypeID, &event.LogicalID, &payloadJSON, &event.OccurredAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal payload for event %s", event.ID)
		}
		events = append(events, &event)
	}
	return events, errors.Wrap(rows.Err(), "error iterating events")
}
