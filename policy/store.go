package policy

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/ontology"
)

// Store persists policy definitions and the alerts they emit
type Store struct {
	db      *sql.DB
	timeNow func() time.Time // Injectable for testing
}

// NewStore creates a policy store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, timeNow: time.Now}
}

// CreatePolicy persists a new enabled policy definition
func (s *Store) CreatePolicy(ctx context.Context, p *Policy) error {
	if p.Field == "" {
		return errors.NewInvalidRequestError("policy field cannot be empty")
	}
	if !IsValidOperator(string(p.Operator)) {
		return errors.NewInvalidRequestError("unknown policy operator %q", p.Operator)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.timeNow().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, entity_type_id, event_type, field, operator, value, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.EntityTypeID, p.EventType, p.Field, p.Operator, p.Value, p.Enabled, p.CreatedAt,
	)
	return errors.Wrapf(err, "failed to create policy %s", p.Name)
}

// SetEnabled toggles a policy without deleting its history of alerts
func (s *Store) SetEnabled(ctx context.Context, policyID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE policies SET enabled = ? WHERE id = ?`, enabled, policyID)
	if err != nil {
		return errors.Wrapf(err, "failed to update policy %s", policyID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("policy not found: %s", policyID)
	}
	return nil
}

// ListEnabled returns the enabled policies matching an event's
// (entityTypeID, eventType)
func (s *Store) ListEnabled(ctx context.Context, entityTypeID string, eventType ontology.EventType) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, entity_type_id, event_type, field, operator, value, enabled, created_at
		 FROM policies
		 WHERE entity_type_id = ? AND event_type = ? AND enabled = 1`,
		entityTypeID, eventType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enabled policies")
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.EntityTypeID, &p.EventType,
			&p.Field, &p.Operator, &p.Value, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan policy")
		}
		policies = append(policies, &p)
	}
	return policies, errors.Wrap(rows.Err(), "error iterating policies")
}

// CreateAlert emits an alert for (event, policy). The unique
// (event_id, policy_id) constraint makes emission idempotent: replays
// return created=false instead of inserting a duplicate.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) (created bool, err error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.CreatedAt = s.timeNow().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, event_id, policy_id, logical_id, message, acknowledged, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		alert.ID, alert.EventID, alert.PolicyID, alert.LogicalID, alert.Message, alert.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create alert for event %s", alert.EventID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// ListAlerts returns recent alerts for a logical entity, newest first
func (s *Store) ListAlerts(ctx context.Context, logicalID string, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, policy_id, logical_id, message, acknowledged, created_at
		 FROM alerts
		 WHERE logical_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, logicalID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list alerts for %s", logicalID)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.EventID, &a.PolicyID, &a.LogicalID,
			&a.Message, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan alert")
		}
		alerts = append(alerts, &a)
	}
	return alerts, errors.Wrap(rows.Err(), "error iterating alerts")
}

// Acknowledge marks an alert as handled
func (s *Store) Acknowledge(ctx context.Context, alertID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, alertID)
	if err != nil {
		return errors.Wrapf(err, "failed to acknowledge alert %s", alertID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("alert not found: %s", alertID)
	}
	return nil
}
