// Package policy implements the reactive policy trigger: committed
// domain events are evaluated out-of-band against configured conditions,
// and matches emit idempotent alerts.
//
// Delivery is deliberately best-effort. Evaluation errors are logged and
// swallowed; they never propagate to the mutation that produced the
// event.
package policy

import (
	"strings"
	"time"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/ontology"
)

// Operator is the comparison applied between an event field and the
// policy's configured value
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

// IsValidOperator returns true for a known comparison operator
func IsValidOperator(op string) bool {
	switch Operator(op) {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
		return true
	default:
		return false
	}
}

// Policy is one enabled reaction rule: when an event of EventType for
// EntityTypeID commits, compare Field of the new state against Value.
type Policy struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	EntityTypeID string             `json:"entity_type_id"`
	EventType    ontology.EventType `json:"event_type"`
	Field        string             `json:"field"`
	Operator     Operator           `json:"operator"`
	Value        string             `json:"value"`
	Enabled      bool               `json:"enabled"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Alert is one emitted notification, unique per (event, policy)
type Alert struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	PolicyID     string    `json:"policy_id"`
	LogicalID    string    `json:"logical_id"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matches evaluates the policy condition against an event's new state
func (p *Policy) Matches(event *ontology.DomainEvent) (bool, error) {
	value, ok := event.Payload.NewState[p.Field]
	if !ok {
		return false, nil
	}

	switch p.Operator {
	case OpEq, OpNeq, OpContains:
		got := stringify(value)
		switch p.Operator {
		case OpEq:
			return got == p.Value, nil
		case OpNeq:
			return got != p.Value, nil
		default:
			return strings.Contains(got, p.Value), nil
		}
	case OpGt, OpGte, OpLt, OpLte:
		got, ok := numeric(value)
		if !ok {
			return false, errors.Newf("policy %s: field %q is not numeric", p.ID, p.Field)
		}
		want, err := parseNumber(p.Value)
		if err != nil {
			return false, errors.Wrapf(err, "policy %s: configured value %q is not numeric", p.ID, p.Value)
		}
		switch p.Operator {
		case OpGt:
			return got > want, nil
		case OpGte:
			return got >= want, nil
		case OpLt:
			return got < want, nil
		default:
			return got <= want, nil
		}
	}
	return false, errors.Newf("policy %s: unknown operator %q", p.ID, p.Operator)
}
