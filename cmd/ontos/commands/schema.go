package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/ontology"
)

// SchemaCmd represents the schema command - entity type management
var SchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Register and inspect entity type schemas",
	Long: `schema — Entity type management

Entity types are versioned: registering an existing name fails, evolving
it appends a new version. Existing instances keep the version they were
written under.

Attribute definitions are given as a JSON array:
  [{"name": "batteryLevel", "kind": "number", "required": true}]

Kinds: string, number, bool, string_list, map

Examples:
  ontos schema register Drone --attrs '[{"name":"batteryLevel","kind":"number"}]'
  ontos schema evolve Drone --attrs '[{"name":"batteryLevel","kind":"number"},{"name":"callsign","kind":"string"}]'
  ontos schema show Drone
  ontos schema ls`,
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register version 1 of a new entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrsJSON, _ := cmd.Flags().GetString("attrs")
		return runSchemaWrite(args[0], attrsJSON, false)
	},
}

var schemaEvolveCmd = &cobra.Command{
	Use:   "evolve <name>",
	Short: "Append a new version to an existing entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrsJSON, _ := cmd.Flags().GetString("attrs")
		return runSchemaWrite(args[0], attrsJSON, true)
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the latest version of an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchemaShow(args[0])
	},
}

var schemaLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered entity types",
	RunE:  runSchemaLs,
}

func init() {
	schemaRegisterCmd.Flags().String("attrs", "[]", "Attribute definitions as a JSON array")
	schemaEvolveCmd.Flags().String("attrs", "[]", "Attribute definitions as a JSON array")

	SchemaCmd.AddCommand(schemaRegisterCmd)
	SchemaCmd.AddCommand(schemaEvolveCmd)
	SchemaCmd.AddCommand(schemaShowCmd)
	SchemaCmd.AddCommand(schemaLsCmd)
}

func runSchemaWrite(name, attrsJSON string, evolve bool) error {
	var attrs []ontology.AttributeDef
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return errors.Wrap(err, "invalid --attrs JSON")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	ctx := contextWithSignals()

	var et *ontology.EntityType
	if evolve {
		et, err = store.EvolveEntityType(ctx, name, attrs)
	} else {
		et, err = store.RegisterEntityType(ctx, name, attrs)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s v%d (%s)\n", et.Name, et.Version, et.ID)
	return nil
}

func runSchemaShow(name string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	et, err := store.GetEntityType(contextWithSignals(), name)
	if err != nil {
		return err
	}

	printEntityType(et)
	return nil
}

func runSchemaLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := ontology.NewStore(database, logger.Logger)
	types, err := store.ListEntityTypes(contextWithSignals())
	if err != nil {
		return err
	}
	if len(types) == 0 {
		fmt.Println("No entity types registered")
		return nil
	}

	for _, et := range types {
		fmt.Printf("%-20s v%-3d %d attributes\n", et.Name, et.Version, len(et.Attributes))
	}
	return nil
}

func printEntityType(et *ontology.EntityType) {
	fmt.Printf("%s v%d (%s)\n", et.Name, et.Version, et.ID)
	for _, def := range et.Attributes {
		required := ""
		if def.Required {
			required = " (required)"
		}
		fmt.Printf("  %-20s %s%s\n", def.Name, def.Kind, required)
	}
}
