// Package ontology implements the temporal entity store, the append-only
// event fabric and the current-state projection.
//
// Every mutation runs as one transaction with four effects: the previous
// active version is closed, a new active version opens, a domain event is
// appended, and the projection is updated. Either all four commit or none.
package ontology

import (
	"encoding/json"
	"time"

	"github.com/ontoplane/ontos/errors"
)

// Attrs is the open attribute map carried by entities, relationships and
// event payloads. Values are tagged scalars, string lists or nested maps;
// they are validated against the schema's attribute list at the boundary,
// never carried as opaque blobs.
type Attrs map[string]any

// MarshalAttrs encodes an attribute map as JSON for storage
func MarshalAttrs(a Attrs) (string, error) {
	if a == nil {
		a = Attrs{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal attributes")
	}
	return string(data), nil
}

// UnmarshalAttrs decodes a stored JSON attribute map
func UnmarshalAttrs(data string) (Attrs, error) {
	if data == "" {
		return Attrs{}, nil
	}
	var a Attrs
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal attributes")
	}
	return a, nil
}

// AttributeKind enumerates the value kinds an attribute may hold
type AttributeKind string

const (
	KindString     AttributeKind = "string"
	KindNumber     AttributeKind = "number"
	KindBool       AttributeKind = "bool"
	KindStringList AttributeKind = "string_list"
	KindMap        AttributeKind = "map"
)

// IsValidKind returns true if the kind string is a known AttributeKind
func IsValidKind(k string) bool {
	switch AttributeKind(k) {
	case KindString, KindNumber, KindBool, KindStringList, KindMap:
		return true
	default:
		return false
	}
}

// AttributeDef describes one attribute of an entity type version
type AttributeDef struct {
	ID           string        `json:"id"`
	EntityTypeID string        `json:"entity_type_id"`
	Name         string        `json:"name"`
	Kind         AttributeKind `json:"kind"`
	Required     bool          `json:"required"`
}

// EntityType is one version of a schema. Schemas are append-only: a
// change creates a new row with an incremented version.
type EntityType struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	Attributes []AttributeDef `json:"attributes"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Attribute returns the definition for a named attribute, or nil
func (et *EntityType) Attribute(name string) *AttributeDef {
	for i := range et.Attributes {
		if et.Attributes[i].Name == name {
			return &et.Attributes[i]
		}
	}
	return nil
}

// ReviewStatus flags instances ingested below the confidence floor
type ReviewStatus string

const (
	ReviewNone    ReviewStatus = "NONE"
	ReviewPending ReviewStatus = "PENDING"
)

// MinIngestConfidence is the confidence floor below which ingested
// records are flagged for review instead of rejected
const MinIngestConfidence = 0.7

// SourceInfo identifies the external origin of an ingested record
type SourceInfo struct {
	SourceSystem string  `json:"source_system"`
	Confidence   float64 `json:"confidence"`
}

// EntityInstance is one temporal version of an entity. For a given
// (entity_type_id, logical_id) at most one row has ValidTo == nil.
type EntityInstance struct {
	ID              string       `json:"id"`
	EntityTypeID    string       `json:"entity_type_id"`
	LogicalID       string       `json:"logical_id"`
	EntityVersion   int          `json:"entity_version"`
	Data            Attrs        `json:"data"`
	ReviewStatus    ReviewStatus `json:"review_status"`
	SourceSystem    string       `json:"source_system,omitempty"`
	Confidence      *float64     `json:"confidence,omitempty"`
	ValidFrom       time.Time    `json:"valid_from"`
	ValidTo         *time.Time   `json:"valid_to,omitempty"`
	TransactionTime time.Time    `json:"transaction_time"`
}

// Active reports whether this is the open version of its timeline
func (ei *EntityInstance) Active() bool {
	return ei.ValidTo == nil
}

// EventType identifies what kind of mutation an event records
type EventType string

const (
	EventEntityCreated       EventType = "ENTITY_CREATED"
	EventEntityUpdated       EventType = "ENTITY_UPDATED"
	EventRelationshipCreated EventType = "RELATIONSHIP_CREATED"
	EventRelationshipUpdated EventType = "RELATIONSHIP_UPDATED"
	EventRelationshipClosed  EventType = "RELATIONSHIP_CLOSED"
)

// EventPayload carries the before/after state of a mutation
type EventPayload struct {
	PreviousState Attrs `json:"previous_state,omitempty"`
	NewState      Attrs `json:"new_state,omitempty"`
}

// DomainEvent is an immutable record of one committed mutation.
// Rows are append-only and never rewritten.
type DomainEvent struct {
	ID             string       `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	EventType      EventType    `json:"event_type"`
	EntityTypeID   string       `json:"entity_type_id"`
	LogicalID      string       `json:"logical_id"`
	Payload        EventPayload `json:"payload"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// CurrentState is one row of the CQRS projection
type CurrentState struct {
	LogicalID    string    `json:"logical_id"`
	EntityTypeID string    `json:"entity_type_id"`
	Data         Attrs     `json:"data"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RelationshipInstance is one temporal version of an edge
type RelationshipInstance struct {
	ID               string     `json:"id"`
	RelationshipType string     `json:"relationship_type"`
	SourceLogicalID  string     `json:"source_logical_id"`
	TargetLogicalID  string     `json:"target_logical_id"`
	Data             Attrs      `json:"data"`
	ValidFrom        time.Time  `json:"valid_from"`
	ValidTo          *time.Time `json:"valid_to,omitempty"`
	TransactionTime  time.Time  `json:"transaction_time"`
}

// CurrentEdge is one row of the materialized current-graph projection
type CurrentEdge struct {
	RelationshipType string    `json:"relationship_type"`
	SourceLogicalID  string    `json:"source_logical_id"`
	TargetLogicalID  string    `json:"target_logical_id"`
	Data             Attrs     `json:"data"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UpsertResult reports the outcome of a committed upsert
type UpsertResult struct {
	InstanceID string `json:"instance_id"`
	EventID    string `json:"event_id"`
	Created    bool   `json:"created"` // true when no prior version existed
}

// Notifier receives committed events for best-effort reactive handling.
// Submit must never block and must never fail the mutation that produced
// the event.
type Notifier interface {
	Submit(event *DomainEvent)
}
