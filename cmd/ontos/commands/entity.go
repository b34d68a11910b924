package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/ontology"
)

// EntityCmd represents the entity command - temporal entity operations
var EntityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Upsert and query entities",
	Long: `entity — Temporal entity operations

Every upsert writes a new immutable version; the previous version is
closed, never overwritten. Reads come from the current-state projection
unless you ask for history or a point-in-time view.

Examples:
  ontos entity upsert Drone D1 --data '{"batteryLevel": 90}'
  ontos entity upsert Drone D1 --data '{"batteryLevel": 15}' --source radar --confidence 0.6
  ontos entity get D1
  ontos entity history D1
  ontos entity asof D1 --at 2026-08-01T12:00:00Z
  ontos entity neighbors D1`,
}

var entityUpsertCmd = &cobra.Command{
	Use:   "upsert <entity-type> <logical-id>",
	Short: "Write a new version of an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataJSON, _ := cmd.Flags().GetString("data")
		source, _ := cmd.Flags().GetString("source")
		confidence, _ := cmd.Flags().GetFloat64("confidence")
		return runEntityUpsert(args[0], args[1], dataJSON, source, confidence)
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <logical-id>",
	Short: "Show the current state of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntityGet(args[0])
	},
}

var entityHistoryCmd = &cobra.Command{
	Use:   "history <logical-id>",
	Short: "Show every recorded version of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntityHistory(args[0])
	},
}

var entityAsOfCmd = &cobra.Command{
	Use:   "asof <logical-id>",
	Short: "Show the entity as it was at a point in time",
	Long: `Bi-temporal point query: the version valid at --at, as recorded by
--recorded-at (defaults to now).

Example:
  ontos entity asof D1 --at 2026-08-01T12:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		recordedAt, _ := cmd.Flags().GetString("recorded-at")
		return runEntityAsOf(args[0], at, recordedAt)
	},
}

var entityNeighborsCmd = &cobra.Command{
	Use:   "neighbors <logical-id>",
	Short: "Show current relationships touching an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntityNeighbors(args[0])
	},
}

var entityEventsCmd = &cobra.Command{
	Use:   "events <logical-id>",
	Short: "Show the domain events recorded for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, _ := cmd.Flags().GetString("type")
		return runEntityEvents(entityType, args[0])
	},
}

func init() {
	entityUpsertCmd.Flags().String("data", "{}", "Entity state as a JSON object")
	entityUpsertCmd.Flags().String("source", "", "Source system the record came from")
	entityUpsertCmd.Flags().Float64("confidence", 1.0, "Ingestion confidence (low confidence flags the version for review)")

	entityAsOfCmd.Flags().String("at", "", "Valid-time instant (RFC 3339)")
	entityAsOfCmd.Flags().String("recorded-at", "", "Transaction-time instant (RFC 3339, default: now)")

	entityEventsCmd.Flags().String("type", "", "Entity type name (required)")
	entityEventsCmd.MarkFlagRequired("type")

	EntityCmd.AddCommand(entityUpsertCmd)
	EntityCmd.AddCommand(entityGetCmd)
	EntityCmd.AddCommand(entityHistoryCmd)
	EntityCmd.AddCommand(entityAsOfCmd)
	EntityCmd.AddCommand(entityNeighborsCmd)
	EntityCmd.AddCommand(entityEventsCmd)
}

func runEntityUpsert(entityType, logicalID, dataJSON, source string, confidence float64) error {
	var attrs ontology.Attrs
	if err := json.Unmarshal([]byte(dataJSON), &attrs); err != nil {
		return errors.Wrap(err, "invalid --data JSON")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	req := ontology.UpsertRequest{
		EntityType: entityType,
		LogicalID:  logicalID,
		Attrs:      attrs,
	}
	if source != "" {
		req.Source = &ontology.SourceInfo{SourceSystem: source, Confidence: confidence}
	}

	result, err := store.Upsert(contextWithSignals(), req)
	if err != nil {
		return err
	}

	verb := "Updated"
	if result.Created {
		verb = "Created"
	}
	fmt.Printf("%s %s (version %s, event %s)\n", verb, logicalID, result.InstanceID, result.EventID)
	return nil
}

func runEntityGet(logicalID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	current, err := store.GetCurrent(contextWithSignals(), logicalID)
	if err != nil {
		return err
	}

	return printJSON(current)
}

func runEntityHistory(logicalID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	history, err := store.History(contextWithSignals(), logicalID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Printf("No versions recorded for %s\n", logicalID)
		return nil
	}

	for _, instance := range history {
		validTo := "active"
		if instance.ValidTo != nil {
			validTo = instance.ValidTo.Format(time.RFC3339)
		}
		dataJSON, err := ontology.MarshalAttrs(instance.Data)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %-25s %s\n", instance.ValidFrom.Format(time.RFC3339), validTo, dataJSON)
	}
	return nil
}

func runEntityAsOf(logicalID, at, recordedAt string) error {
	if at == "" {
		return errors.NewInvalidRequestError("--at is required")
	}
	validAsOf, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return errors.Wrap(err, "invalid --at timestamp")
	}
	transactionAsOf := time.Now().UTC()
	if recordedAt != "" {
		transactionAsOf, err = time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return errors.Wrap(err, "invalid --recorded-at timestamp")
		}
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	instance, err := store.GetAsOf(contextWithSignals(), logicalID, validAsOf, transactionAsOf)
	if err != nil {
		return err
	}

	return printJSON(instance)
}

func runEntityNeighbors(logicalID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	edges, err := store.Neighbors(contextWithSignals(), logicalID)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		fmt.Printf("No current relationships for %s\n", logicalID)
		return nil
	}

	for _, edge := range edges {
		fmt.Printf("%-20s %s -> %s (updated %s)\n",
			edge.RelationshipType, edge.SourceLogicalID, edge.TargetLogicalID,
			edge.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runEntityEvents(entityTypeName, logicalID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	ctx := contextWithSignals()

	et, err := store.GetEntityType(ctx, entityTypeName)
	if err != nil {
		return err
	}
	events, err := store.ListEvents(ctx, et.ID, logicalID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("No events recorded for %s\n", logicalID)
		return nil
	}

	for _, event := range events {
		fmt.Printf("%s %-22s %s\n", event.OccurredAt.Format(time.RFC3339), event.EventType, event.ID)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to render output")
	}
	fmt.Println(string(out))
	return nil
}
