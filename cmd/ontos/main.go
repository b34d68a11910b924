package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/cmd/ontos/commands"
	"github.com/ontoplane/ontos/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ontos",
	Short: "ontos - Temporal ontology data platform",
	Long: `ontos - Bi-temporal entity store, event fabric and job orchestrator.

ontos keeps a full valid-time/transaction-time history for every entity,
projects current state for fast reads, reacts to committed events through
policies, and runs background work on a durable multi-worker job queue.

Available commands:
  db      - Manage the ontos database
  schema  - Register and inspect entity type schemas
  entity  - Upsert and query entities
  policy  - Manage policies and alerts
  jobs    - Manage the durable job queue
  worker  - Run a job worker pool
  resolve - Identity resolution: fuzzy match, merge, reject

Examples:
  ontos db migrate                         # Apply schema migrations
  ontos entity upsert Drone D1 --data '{"batteryLevel": 90}'
  ontos entity history D1                  # Full temporal history
  ontos jobs enqueue SYSTEM_PING           # Enqueue a test job
  ontos worker start                       # Start processing jobs
  ontos resolve run Drone                  # Find duplicate candidates`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.SchemaCmd)
	rootCmd.AddCommand(commands.EntityCmd)
	rootCmd.AddCommand(commands.PolicyCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ResolveCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
