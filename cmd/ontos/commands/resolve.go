package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/config"
	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/identity"
	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/ontology"
)

// ResolveCmd represents the resolve command - identity resolution
var ResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Identity resolution: fuzzy match, merge, reject",
	Long: `resolve — Identity resolution engine

Fuzzy matching compares current entity state pairwise and records
candidates for human review. Merging re-points aliases and merges
projections; neither entity's temporal history is rewritten.

Examples:
  ontos resolve run Drone                       # Find duplicate candidates
  ontos resolve run Drone --threshold 0.85      # Stricter matching
  ontos resolve candidates Drone                # List pending candidates
  ontos resolve merge <candidate-id> --reviewer alice
  ontos resolve reject <candidate-id>`,
}

var resolveRunCmd = &cobra.Command{
	Use:   "run <entity-type>",
	Short: "Run fuzzy matching over an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		limit, _ := cmd.Flags().GetInt("limit")
		return runResolveRun(args[0], threshold, limit)
	},
}

var resolveCandidatesCmd = &cobra.Command{
	Use:   "candidates <entity-type>",
	Short: "List match candidates for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return runResolveCandidates(args[0], status)
	},
}

var resolveMergeCmd = &cobra.Command{
	Use:   "merge <candidate-id>",
	Short: "Accept a candidate and merge the pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewer, _ := cmd.Flags().GetString("reviewer")
		return runResolveMerge(args[0], reviewer)
	},
}

var resolveRejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a candidate (terminal, no side effects)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewer, _ := cmd.Flags().GetString("reviewer")
		return runResolveReject(args[0], reviewer)
	},
}

func init() {
	resolveRunCmd.Flags().Float64("threshold", 0, "Minimum similarity for a candidate (0 = use configuration)")
	resolveRunCmd.Flags().Int("limit", 0, "Max records compared per run (0 = use configuration)")

	resolveCandidatesCmd.Flags().String("status", "PENDING", "Filter by status (PENDING, MERGED, REJECTED; empty for all)")

	resolveMergeCmd.Flags().String("reviewer", "", "Reviewer accepting the merge (required)")
	resolveMergeCmd.MarkFlagRequired("reviewer")

	resolveRejectCmd.Flags().String("reviewer", "", "Reviewer rejecting the candidate")

	ResolveCmd.AddCommand(resolveRunCmd)
	ResolveCmd.AddCommand(resolveCandidatesCmd)
	ResolveCmd.AddCommand(resolveMergeCmd)
	ResolveCmd.AddCommand(resolveRejectCmd)
}

func openResolution() (*identity.Service, func(), error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	entities := ontology.NewStore(database, logger.Logger)
	service := identity.NewService(entities, logger.Logger)
	return service, func() { database.Close() }, nil
}

func runResolveRun(entityTypeName string, threshold float64, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if threshold <= 0 {
		threshold = cfg.Resolution.Threshold
	}
	if limit <= 0 {
		limit = cfg.Resolution.Limit
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	entities := ontology.NewStore(database, logger.Logger)
	service := identity.NewService(entities, logger.Logger)
	ctx := contextWithSignals()

	et, err := entities.GetEntityType(ctx, entityTypeName)
	if err != nil {
		return err
	}

	created, err := service.RunFuzzyMatch(ctx, et.ID, threshold, limit)
	if err != nil {
		return err
	}

	fmt.Printf("Created %d match candidates for %s (threshold %.2f)\n", created, et.Name, threshold)
	return nil
}

func runResolveCandidates(entityTypeName, status string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	entities := ontology.NewStore(database, logger.Logger)
	service := identity.NewService(entities, logger.Logger)
	ctx := contextWithSignals()

	et, err := entities.GetEntityType(ctx, entityTypeName)
	if err != nil {
		return err
	}

	candidates, err := service.ListCandidates(ctx, et.ID, identity.CandidateStatus(status))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("No match candidates found")
		return nil
	}

	for _, c := range candidates {
		fmt.Printf("%s  %.3f  %-10s %s <-> %s  [%s]\n",
			c.ID[:8], c.Score, c.Status, c.LogicalIDA, c.LogicalIDB,
			strings.Join(c.Reasons, ", "))
	}
	return nil
}

func runResolveMerge(candidateID, reviewer string) error {
	service, closeDB, err := openResolution()
	if err != nil {
		return err
	}
	defer closeDB()

	candidate, err := service.Merge(contextWithSignals(), candidateID, reviewer)
	if err != nil {
		return err
	}

	fmt.Printf("Merged %s into %s (candidate %s)\n",
		candidate.LogicalIDB, candidate.MergedIntoID, candidate.ID)
	return nil
}

func runResolveReject(candidateID, reviewer string) error {
	service, closeDB, err := openResolution()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := service.Reject(contextWithSignals(), candidateID, reviewer); err != nil {
		return err
	}

	fmt.Printf("Rejected candidate %s\n", candidateID)
	return nil
}
