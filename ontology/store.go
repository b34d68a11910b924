package ontology

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
)

// Store owns the temporal entity tables, the event fabric and the
// current-state projection. All mutations go through Upsert.
type Store struct {
	db       *sql.DB
	logger   *zap.SugaredLogger
	notifier Notifier
	timeNow  func() time.Time // Injectable for testing
}

// NewStore creates a temporal entity store. The notifier may be nil;
// committed events are then not handed to the reactive path.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:      db,
		logger:  logger.Named("ontology"),
		timeNow: time.Now,
	}
}

// SetNotifier wires the best-effort reactive consumer for committed events
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// DB exposes the underlying handle for collaborators that share the
// coordination point (identity resolution, orchestrator handlers)
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertRequest describes one entity mutation
type UpsertRequest struct {
	EntityType string      // schema name; latest version applies
	LogicalID  string      // platform-internal stable identifier
	Attrs      Attrs       // full new state for the logical entity
	Source     *SourceInfo // optional ingestion origin
}

// Upsert writes a new version of a logical entity.
//
// Within one transaction: the current active version (if any) is closed,
// a new active version is inserted, a domain event is appended, and the
// projection row is updated. After commit the event is handed to the
// notifier; a notifier failure never fails or retries the mutation.
func (s *Store) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	// Validation happens before the transaction opens - no partial writes.
	if req.LogicalID == "" {
		return nil, errors.NewInvalidRequestError("logicalId cannot be empty")
	}
	et, err := s.GetEntityType(ctx, req.EntityType)
	if err != nil {
		return nil, err
	}
	if err := validateAttrs(et, req.Attrs); err != nil {
		return nil, err
	}

	now := s.timeNow().UTC()
	dataJSON, err := MarshalAttrs(req.Attrs)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin upsert transaction")
	}
	defer tx.Rollback()

	// Locate and close the current active version
	var prevID string
	var prevDataJSON string
	var previous Attrs
	created := false
	err = tx.QueryRowContext(ctx,
		`SELECT id, data FROM entity_instances
		 WHERE entity_type_id = ? AND logical_id = ? AND valid_to IS NULL`,
		et.ID, req.LogicalID,
	).Scan(&prevID, &prevDataJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return nil, errors.Wrapf(err, "failed to locate active version for %s", req.LogicalID)
	default:
		previous, err = UnmarshalAttrs(prevDataJSON)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_instances SET valid_to = ? WHERE id = ?`, now, prevID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to close version %s", prevID)
		}
	}

	// Insert the new active version
	instance := &EntityInstance{
		ID:              uuid.NewString(),
		EntityTypeID:    et.ID,
		LogicalID:       req.LogicalID,
		EntityVersion:   et.Version,
		Data:            req.Attrs,
		ReviewStatus:    ReviewNone,
		ValidFrom:       now,
		TransactionTime: now,
	}
	var sourceSystem sql.NullString
	var confidence sql.NullFloat64
	if req.Source != nil {
		instance.SourceSystem = req.Source.SourceSystem
		c := req.Source.Confidence
		instance.Confidence = &c
		sourceSystem = sql.NullString{String: req.Source.SourceSystem, Valid: req.Source.SourceSystem != ""}
		confidence = sql.NullFloat64{Float64: c, Valid: true}
		// Low-confidence ingested records are flagged for review, not rejected
		if c < MinIngestConfidence {
			instance.ReviewStatus = ReviewPending
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_instances (
			id, entity_type_id, logical_id, entity_version, data,
			review_status, source_system, confidence,
			valid_from, valid_to, transaction_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		instance.ID, instance.EntityTypeID, instance.LogicalID, instance.EntityVersion, dataJSON,
		instance.ReviewStatus, sourceSystem, confidence,
		instance.ValidFrom, instance.TransactionTime,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to insert version for %s", req.LogicalID)
	}

	// Append the domain event
	eventType := EventEntityUpdated
	if created {
		eventType = EventEntityCreated
	}
	event := &DomainEvent{
		ID:             uuid.NewString(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", eventType, req.LogicalID, now.UnixNano()),
		EventType:      eventType,
		EntityTypeID:   et.ID,
		LogicalID:      req.LogicalID,
		Payload:        EventPayload{PreviousState: previous, NewState: req.Attrs},
		OccurredAt:     now,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	// Keep the projection in lock-step with the new active version
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_entity_state (logical_id, entity_type_id, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(logical_id) DO UPDATE SET
			entity_type_id = excluded.entity_type_id,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		req.LogicalID, et.ID, dataJSON, now,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to project current state for %s", req.LogicalID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit upsert")
	}

	// Reactive hand-off is fire-and-forget: the mutation already committed
	if s.notifier != nil {
		s.notifier.Submit(event)
	}

	return &UpsertResult{InstanceID: instance.ID, EventID: event.ID, Created: created}, nil
}

// GetCurrent reads the projection row for a logical entity - O(1), no
// history scan
func (s *Store) GetCurrent(ctx context.Context, logicalID string) (*CurrentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT logical_id, entity_type_id, data, updated_at
		 FROM current_entity_state WHERE logical_id = ?`, logicalID)

	var cs CurrentState
	var dataJSON string
	err := row.Scan(&cs.LogicalID, &cs.EntityTypeID, &dataJSON, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no current state for %s", logicalID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get current state for %s", logicalID)
	}
	if cs.Data, err = UnmarshalAttrs(dataJSON); err != nil {
		return nil, err
	}
	return &cs, nil
}

// ListCurrentByType returns up to limit projection rows for one entity
// type, oldest first. The identity resolution engine reads through this.
func (s *Store) ListCurrentByType(ctx context.Context, entityTypeID string, limit int) ([]*CurrentState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT logical_id, entity_type_id, data, updated_at
		 FROM current_entity_state
		 WHERE entity_type_id = ?
		 ORDER BY updated_at ASC
		 LIMIT ?`, entityTypeID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list current state")
	}
	defer rows.Close()

	var states []*CurrentState
	for rows.Next() {
		var cs CurrentState
		var dataJSON string
		if err := rows.Scan(&cs.LogicalID, &cs.EntityTypeID, &dataJSON, &cs.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan current state")
		}
		if cs.Data, err = UnmarshalAttrs(dataJSON); err != nil {
			return nil, err
		}
		states = append(states, &cs)
	}
	return states, errors.Wrap(rows.Err(), "error iterating current state")
}

// TypeRollup summarizes one entity type's footprint: live projection rows
// and total event volume
type TypeRollup struct {
	EntityTypeID string `json:"entity_type_id"`
	Entities     int    `json:"entities"`
	Events       int    `json:"events"`
}

// RollupType computes the projection and event counts for one entity type
func (s *Store) RollupType(ctx context.Context, entityTypeID string) (*TypeRollup, error) {
	rollup := &TypeRollup{EntityTypeID: entityTypeID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM current_entity_state WHERE entity_type_id = ?`,
		entityTypeID).Scan(&rollup.Entities)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count entities for type %s", entityTypeID)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM domain_events WHERE entity_type_id = ?`,
		entityTypeID).Scan(&rollup.Events)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count events for type %s", entityTypeID)
	}
	return rollup, nil
}

// GetAsOf answers a bi-temporal point query: the version that was valid
// at validAsOf, as recorded by transactionAsOf.
func (s *Store) GetAsOf(ctx context.Context, logicalID string, validAsOf, transactionAsOf time.Time) (*EntityInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+`
		 FROM entity_instances
		 WHERE logical_id = ?
		   AND valid_from <= ?
		   AND (valid_to IS NULL OR valid_to > ?)
		   AND transaction_time <= ?
		 ORDER BY valid_from DESC
		 LIMIT 1`,
		logicalID, validAsOf.UTC(), validAsOf.UTC(), transactionAsOf.UTC())

	instance, err := scanInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no version of %s at %s", logicalID, validAsOf.Format(time.RFC3339))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed as-of query for %s", logicalID)
	}
	return instance, nil
}

// History returns every recorded version for a logical entity, oldest first
func (s *Store) History(ctx context.Context, logicalID string) ([]*EntityInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+`
		 FROM entity_instances
		 WHERE logical_id = ?
		 ORDER BY valid_from ASC`, logicalID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load history for %s", logicalID)
	}
	defer rows.Close()

	var instances []*EntityInstance
	for rows.Next() {
		instance, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, errors.Wrap(rows.Err(), "error iterating history")
}
