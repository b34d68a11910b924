package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontoplane/ontos/config"
	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/identity"
	"github.com/ontoplane/ontos/logger"
	"github.com/ontoplane/ontos/ontology"
	"github.com/ontoplane/ontos/orchestrator"
	"github.com/ontoplane/ontos/policy"
)

// WorkerCmd represents the worker command
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a job worker pool",
	Long: `worker — Durable queue worker pool

Starts a pool of executors polling the shared job queue. Multiple pools
may run concurrently against the same database; the claim CAS keeps them
from double-executing a job. The pool also heartbeats its registry row
and sweeps expired leases back to QUEUED.

Built-in handlers: SYSTEM_PING, RELATIONSHIP_DECAY,
TELEMETRY_ROLLUP_TRIGGER, TELEMETRY_ROLLUP, IDENTITY_RESOLUTION.

Examples:
  ontos worker start                 # Run with configured concurrency
  ontos worker start --workers 4     # Override executor count`,
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start processing jobs (runs until interrupted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runWorkerStart(workers)
	},
}

func init() {
	workerStartCmd.Flags().Int("workers", 0, "Executor goroutines (0 = use configuration)")
	WorkerCmd.AddCommand(workerStartCmd)
}

func runWorkerStart(workers int) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if workers <= 0 {
		workers = cfg.Orchestrator.Workers
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Entity store with the reactive policy trigger wired in: jobs that
	// mutate entities get the same alerting path as foreground writes
	entities := ontology.NewStore(database, logger.Logger)
	trigger := policy.NewTrigger(policy.NewStore(database), logger.Logger, cfg.Policy.QueueSize)
	trigger.Start()
	defer trigger.Stop()
	entities.SetNotifier(trigger)

	jobs := orchestrator.NewStore(database, logger.Logger)
	resolution := identity.NewService(entities, logger.Logger)

	registry := orchestrator.NewHandlerRegistry()
	registry.Register(orchestrator.NewSystemPingHandler(logger.Logger))
	registry.Register(orchestrator.NewRelationshipDecayHandler(entities, logger.Logger))
	registry.Register(orchestrator.NewTelemetryRollupTriggerHandler(entities, jobs, logger.Logger))
	registry.Register(orchestrator.NewTelemetryRollupHandler(entities, logger.Logger))
	registry.Register(identity.NewResolutionHandler(resolution))

	pool := orchestrator.NewPool(jobs, registry, logger.Logger, orchestrator.PoolConfig{
		Workers:      workers,
		IdleSleep:    time.Duration(cfg.Orchestrator.IdleSleepSeconds) * time.Second,
		Heartbeat:    time.Duration(cfg.Orchestrator.HeartbeatSeconds) * time.Second,
		LeaseTimeout: time.Duration(cfg.Orchestrator.LeaseTimeoutSeconds) * time.Second,
	})

	ctx := contextWithSignals()
	if err := pool.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Worker %s processing jobs (Ctrl-C to stop)\n", pool.WorkerID())
	<-ctx.Done()

	fmt.Println("Shutting down...")
	pool.Stop()
	return nil
}
