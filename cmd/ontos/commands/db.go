package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/config"
	"github.com/ontoplane/ontos/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ontos database",
	Long: `db — Manage ontos database operations

Examples:
  ontos db migrate    # Apply pending schema migrations
  ontos db path       # Print the configured database path
  ontos db stats      # Show table counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configured database path",
	RunE:  runDbPath,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbPathCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Migrations applied")
	return nil
}

func runDbPath(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	fmt.Println(cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	tables := []struct {
		label string
		table string
	}{
		{"Entity types", "entity_types"},
		{"Entity versions", "entity_instances"},
		{"Current entities", "current_entity_state"},
		{"Relationship versions", "relationship_instances"},
		{"Current edges", "current_graph"},
		{"Domain events", "domain_events"},
		{"Policies", "policies"},
		{"Alerts", "alerts"},
		{"Jobs", "job_queue"},
		{"Workers", "job_workers"},
		{"Aliases", "entity_aliases"},
		{"Match candidates", "match_candidates"},
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, t := range tables {
		var count int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + t.table).Scan(&count); err != nil {
			return errors.Wrapf(err, "failed to count %s", t.table)
		}
		fmt.Printf("%-22s %d\n", t.label+":", count)
	}
	return nil
}
