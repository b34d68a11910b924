package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/ontology"
	"github.com/ontoplane/ontos/policy"
)

// PolicyCmd represents the policy command - reactive policies and alerts
var PolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage policies and alerts",
	Long: `policy — Reactive policies and the alerts they emit

A policy watches committed domain events of one entity type and event
type, compares a field of the new state against a value, and emits an
alert on match. Evaluation is asynchronous and best-effort; alerts are
unique per (event, policy).

Operators: eq, neq, gt, gte, lt, lte, contains

Examples:
  ontos policy create --name low-battery --entity-type Drone \
    --event ENTITY_UPDATED --field batteryLevel --op lt --value 20
  ontos policy alerts D1            # Alerts for one entity
  ontos policy ack <alert-id>       # Acknowledge an alert
  ontos policy disable <policy-id>  # Stop evaluating a policy`,
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an enabled policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		entityType, _ := cmd.Flags().GetString("entity-type")
		eventType, _ := cmd.Flags().GetString("event")
		field, _ := cmd.Flags().GetString("field")
		op, _ := cmd.Flags().GetString("op")
		value, _ := cmd.Flags().GetString("value")
		return runPolicyCreate(name, entityType, eventType, field, op, value)
	},
}

var policyAlertsCmd = &cobra.Command{
	Use:   "alerts <logical-id>",
	Short: "List alerts for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runPolicyAlerts(args[0], limit)
	},
}

var policyAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicyAck(args[0])
	},
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable <policy-id>",
	Short: "Enable a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicySetEnabled(args[0], true)
	},
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable <policy-id>",
	Short: "Disable a policy without deleting its alert history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicySetEnabled(args[0], false)
	},
}

func init() {
	policyCreateCmd.Flags().String("name", "", "Policy name (required)")
	policyCreateCmd.Flags().String("entity-type", "", "Entity type name the policy watches (required)")
	policyCreateCmd.Flags().String("event", string(ontology.EventEntityUpdated), "Event type to react to")
	policyCreateCmd.Flags().String("field", "", "Field of the new state to compare (required)")
	policyCreateCmd.Flags().String("op", "eq", "Comparison operator")
	policyCreateCmd.Flags().String("value", "", "Value to compare against")
	policyCreateCmd.MarkFlagRequired("name")
	policyCreateCmd.MarkFlagRequired("entity-type")
	policyCreateCmd.MarkFlagRequired("field")

	policyAlertsCmd.Flags().Int("limit", 20, "Maximum number of alerts to display")

	PolicyCmd.AddCommand(policyCreateCmd)
	PolicyCmd.AddCommand(policyAlertsCmd)
	PolicyCmd.AddCommand(policyAckCmd)
	PolicyCmd.AddCommand(policyEnableCmd)
	PolicyCmd.AddCommand(policyDisableCmd)
}

func runPolicyCreate(name, entityTypeName, eventType, field, op, value string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := contextWithSignals()
	entities := ontology.NewStore(database, logger.Logger)
	et, err := entities.GetEntityType(ctx, entityTypeName)
	if err != nil {
		return err
	}

	store := policy.NewStore(database)
	p := &policy.Policy{
		Name:         name,
		EntityTypeID: et.ID,
		EventType:    ontology.EventType(eventType),
		Field:        field,
		Operator:     policy.Operator(op),
		Value:        value,
		Enabled:      true,
	}
	if err := store.CreatePolicy(ctx, p); err != nil {
		return err
	}

	fmt.Printf("Created policy %s (%s)\n", p.Name, p.ID)
	return nil
}

func runPolicyAlerts(logicalID string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := policy.NewStore(database)
	alerts, err := store.ListAlerts(contextWithSignals(), logicalID, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Printf("No alerts for %s\n", logicalID)
		return nil
	}

	for _, a := range alerts {
		ack := " "
		if a.Acknowledged {
			ack = "*"
		}
		fmt.Printf("%s %s  %s  %s\n", ack, a.ID[:8], a.CreatedAt.Format(time.RFC3339), a.Message)
	}
	return nil
}

func runPolicyAck(alertID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := policy.NewStore(database)
	if err := store.Acknowledge(contextWithSignals(), alertID); err != nil {
		return err
	}

	fmt.Printf("Acknowledged alert %s\n", alertID)
	return nil
}

func runPolicySetEnabled(policyID string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := policy.NewStore(database)
	if err := store.SetEnabled(contextWithSignals(), policyID, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Policy %s %s\n", policyID, state)
	return nil
}
