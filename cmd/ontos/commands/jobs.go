package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/orchestrator"
)

// JobsCmd represents the jobs command - durable queue management
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the durable job queue",
	Long: `jobs — Durable job queue management

Status filters:
  QUEUED      - Jobs waiting for a worker
  RUNNING     - Jobs currently leased by a worker
  COMPLETED   - Successfully finished jobs
  DEAD_LETTER - Jobs whose retry budget is spent (manual intervention)

Examples:
  ontos jobs ls                             # List recent jobs
  ontos jobs ls --status DEAD_LETTER        # Inspect the dead letter queue
  ontos jobs enqueue SYSTEM_PING            # Enqueue a test job
  ontos jobs enqueue IDENTITY_RESOLUTION --payload '{"entity_type_id":"..."}'
  ontos jobs show <job-id>                  # Show one job in full
  ontos jobs workers                        # List registered workers
  ontos jobs purge --days 30                # Delete old finished jobs`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(status, limit)
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Enqueue a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		key, _ := cmd.Flags().GetString("key")
		priority, _ := cmd.Flags().GetInt("priority")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		return runJobsEnqueue(args[0], payload, key, priority, maxAttempts)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsShow(args[0])
	},
}

var jobsWorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE:  runJobsWorkers,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return runJobsPurge(days)
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (QUEUED, RUNNING, COMPLETED, DEAD_LETTER)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobsEnqueueCmd.Flags().String("payload", "", "Job payload as a JSON object")
	jobsEnqueueCmd.Flags().String("key", "", "Idempotency key (re-enqueueing the same key is a no-op)")
	jobsEnqueueCmd.Flags().Int("priority", 0, "Dispatch priority (higher runs first)")
	jobsEnqueueCmd.Flags().Int("max-attempts", orchestrator.DefaultMaxAttempts, "Retry budget before dead-lettering")

	jobsPurgeCmd.Flags().Int("days", 30, "Retention window in days")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsEnqueueCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsWorkersCmd)
	JobsCmd.AddCommand(jobsPurgeCmd)
}

func runJobsLs(status string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStore(database, logger.Logger)
	jobs, err := store.ListJobs(contextWithSignals(), status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	for _, job := range jobs {
		extra := ""
		if job.LastError != "" {
			extra = " err: " + job.LastError
		}
		fmt.Printf("%s  %-28s %-12s attempts %d/%d%s\n",
			job.ID[:8], job.JobType, job.Status, job.Attempts, job.MaxAttempts, extra)
	}
	return nil
}

func runJobsEnqueue(jobType, payload, key string, priority, maxAttempts int) error {
	var raw json.RawMessage
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return errors.NewInvalidRequestError("--payload is not valid JSON")
		}
		raw = json.RawMessage(payload)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStore(database, logger.Logger)
	job, err := store.Enqueue(contextWithSignals(), jobType, raw, orchestrator.EnqueueOptions{
		IdempotencyKey: key,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Enqueued %s (%s, status %s)\n", job.JobType, job.ID, job.Status)
	return nil
}

func runJobsShow(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStore(database, logger.Logger)
	job, err := store.GetJob(contextWithSignals(), jobID)
	if err != nil {
		return err
	}

	return printJSON(job)
}

func runJobsWorkers(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStore(database, logger.Logger)
	workers, err := store.ListWorkers(contextWithSignals())
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	for _, w := range workers {
		fmt.Printf("%s  %-20s pid %-8d %-8s heartbeat %s\n",
			w.ID[:8], w.Hostname, w.PID, w.Status,
			w.LastHeartbeat.Format(time.RFC3339))
	}
	return nil
}

func runJobsPurge(days int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := orchestrator.NewStore(database, logger.Logger)
	purged, err := store.Purge(contextWithSignals(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}

	fmt.Printf("Purged %d finished jobs older than %d days\n", purged, days)
	return nil
}
