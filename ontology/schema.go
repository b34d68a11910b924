package ontology

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/ontoplane/ontos/errors"
)

// RegisterEntityType creates version 1 of a new schema.
// Returns ErrConflict if the name already exists.
func (s *Store) RegisterEntityType(ctx context.Context, name string, attrs []AttributeDef) (*EntityType, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestError("entity type name cannot be empty")
	}
	existing, err := s.GetEntityType(ctx, name)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Wrapf(errors.ErrConflict, "entity type already registered: %s", name)
	}
	return s.insertEntityType(ctx, name, 1, attrs)
}

// EvolveEntityType appends a new schema version for an existing type.
// The previous version's rows are untouched; existing instances keep the
// entity_version they were written under.
func (s *Store) EvolveEntityType(ctx context.Context, name string, attrs []AttributeDef) (*EntityType, error) {
	current, err := s.GetEntityType(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.insertEntityType(ctx, name, current.Version+1, attrs)
}

func (s *Store) insertEntityType(ctx context.Context, name string, version int, attrs []AttributeDef) (*EntityType, error) {
	for i := range attrs {
		if attrs[i].Name == "" {
			return nil, errors.NewInvalidRequestError("attribute name cannot be empty")
		}
		if !IsValidKind(string(attrs[i].Kind)) {
			return nil, errors.NewInvalidRequestError("unknown attribute kind %q for attribute %q", attrs[i].Kind, attrs[i].Name)
		}
	}

	now := s.timeNow().UTC()
	et := &EntityType{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   version,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_types (id, name, version, created_at) VALUES (?, ?, ?, ?)`,
		et.ID, et.Name, et.Version, et.CreatedAt,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to insert entity type %s v%d", name, version)
	}

	for _, def := range attrs {
		def.ID = uuid.NewString()
		def.EntityTypeID = et.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_type_attributes (id, entity_type_id, name, kind, required) VALUES (?, ?, ?, ?, ?)`,
			def.ID, def.EntityTypeID, def.Name, def.Kind, def.Required,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to insert attribute %s", def.Name)
		}
		et.Attributes = append(et.Attributes, def)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit entity type")
	}

	s.logger.Infow("Registered entity type",
		"name", et.Name,
		"version", et.Version,
		"attributes", len(et.Attributes),
	)
	return et, nil
}

// GetEntityType returns the latest version of a named schema
func (s *Store) GetEntityType(ctx context.Context, name string) (*EntityType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, created_at
		 FROM entity_types
		 WHERE name = ?
		 ORDER BY version DESC
		 LIMIT 1`, name)

	var et EntityType
	err := row.Scan(&et.ID, &et.Name, &et.Version, &et.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("entity type not found: %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get entity type %s", name)
	}

	if err := s.loadAttributes(ctx, &et); err != nil {
		return nil, err
	}
	return &et, nil
}

// GetEntityTypeByID returns a specific schema version row
func (s *Store) GetEntityTypeByID(ctx context.Context, id string) (*EntityType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, created_at FROM entity_types WHERE id = ?`, id)

	var et EntityType
	err := row.Scan(&et.ID, &et.Name, &et.Version, &et.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("entity type not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get entity type %s", id)
	}

	if err := s.loadAttributes(ctx, &et); err != nil {
		return nil, err
	}
	return &et, nil
}

// ListEntityTypes returns the latest version of every registered schema,
// ordered by name
func (s *Store) ListEntityTypes(ctx context.Context) ([]*EntityType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.version, t.created_at
		 FROM entity_types t
		 WHERE t.version = (SELECT MAX(v.version) FROM entity_types v WHERE v.name = t.name)
		 ORDER BY t.name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entity types")
	}
	defer rows.Close()

	var types []*EntityType
	for rows.Next() {
		var et EntityType
		if err := rows.Scan(&et.ID, &et.Name, &et.Version, &et.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan entity type")
		}
		types = append(types, &et)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating entity types")
	}

	for _, et := range types {
		if err := s.loadAttributes(ctx, et); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func (s *Store) loadAttributes(ctx context.Context, et *EntityType) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type_id, name, kind, required
		 FROM entity_type_attributes
		 WHERE entity_type_id = ?
		 ORDER BY name ASC`, et.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to load attributes for %s", et.Name)
	}
	defer rows.Close()

	for rows.Next() {
		var def AttributeDef
		if err := rows.Scan(&def.ID, &def.EntityTypeID, &def.Name, &def.Kind, &def.Required); err != nil {
			return errors.Wrap(err, "failed to scan attribute")
		}
		et.Attributes = append(et.Attributes, def)
	}
	return errors.Wrap(rows.Err(), "error iterating attributes")
}

// validateAttrs rejects mutations before any transaction opens:
// unknown attributes, missing required attributes, kind mismatches.
func validateAttrs(et *EntityType, attrs Attrs) error {
	for name, value := range attrs {
		def := et.Attribute(name)
		if def == nil {
			return errors.NewInvalidRequestError("unknown attribute %q for entity type %s", name, et.Name)
		}
		if err := checkKind(def, value); err != nil {
			return err
		}
	}
	for i := range et.Attributes {
		def := &et.Attributes[i]
		if !def.Required {
			continue
		}
		if _, ok := attrs[def.Name]; !ok {
			return errors.NewInvalidRequestError("missing required attribute %q for entity type %s", def.Name, et.Name)
		}
	}
	return nil
}

func checkKind(def *AttributeDef, value any) error {
	if value == nil {
		return errors.NewInvalidRequestError("attribute %q is null", def.Name)
	}
	switch def.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return kindError(def, value)
		}
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return kindError(def, value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return kindError(def, value)
		}
	case KindStringList:
		switch v := value.(type) {
		case []string:
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return kindError(def, value)
				}
			}
		default:
			return kindError(def, value)
		}
	case KindMap:
		switch value.(type) {
		case map[string]any, Attrs:
		default:
			return kindError(def, value)
		}
	}
	return nil
}

func kindError(def *AttributeDef, value any) error {
	return errors.NewInvalidRequestError("attribute %q expects kind %s, got %T", def.Name, def.Kind, value)
}
