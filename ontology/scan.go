package ontology

import (
	"database/sql"
)

const instanceColumns = `id, entity_type_id, logical_id, entity_version, data,
	review_status, source_system, confidence,
	valid_from, valid_to, transaction_time`

// instanceScanArgs holds the nullable columns of an entity_instances row.
// Same pattern as the orchestrator's job scan args.
type instanceScanArgs struct {
	DataJSON     string
	SourceSystem sql.NullString
	Confidence   sql.NullFloat64
	ValidTo      sql.NullTime
}

func instanceScanTargets(instance *EntityInstance, args *instanceScanArgs) []interface{} {
	return []interface{}{
		&instance.ID,
		&instance.EntityTypeID,
		&instance.LogicalID,
		&instance.EntityVersion,
		&args.DataJSON,
		&instance.ReviewStatus,
		&args.SourceSystem,
		&args.Confidence,
		&instance.ValidFrom,
		&args.ValidTo,
		&instance.TransactionTime,
	}
}

func processInstanceScanArgs(instance *EntityInstance, args *instanceScanArgs) error {
	data, err := UnmarshalAttrs(args.DataJSON)
	if err != nil {
		return err
	}
	instance.Data = data

	if args.SourceSystem.Valid {
		instance.SourceSystem = args.SourceSystem.String
	}
	if args.Confidence.Valid {
		c := args.Confidence.Float64
		instance.Confidence = &c
	}
	if args.ValidTo.Valid {
		t := args.ValidTo.Time
		instance.ValidTo = &t
	}
	return nil
}

func scanInstanceRow(row *sql.Row) (*EntityInstance, error) {
	var instance EntityInstance
	args := &instanceScanArgs{}
	if err := row.Scan(instanceScanTargets(&instance, args)...); err != nil {
		return nil, err
	}
	if err := processInstanceScanArgs(&instance, args); err != nil {
		return nil, err
	}
	return &instance, nil
}

func scanInstanceRows(rows *sql.Rows) (*EntityInstance, error) {
	var instance EntityInstance
	args := &instanceScanArgs{}
	if err := rows.Scan(instanceScanTargets(&instance, args)...); err != nil {
		return nil, err
	}
	if err := processInstanceScanArgs(&instance, args); err != nil {
		return nil, err
	}
	return &instance, nil
}
