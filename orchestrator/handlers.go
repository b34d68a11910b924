package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/ontology"
)

// SystemPingHandler is the no-op liveness job, useful for exercising the
// queue end to end
type SystemPingHandler struct {
	logger *zap.SugaredLogger
}

func NewSystemPingHandler(logger *zap.SugaredLogger) *SystemPingHandler {
	return &SystemPingHandler{logger: logger.Named("ping")}
}

func (h *SystemPingHandler) Name() string { return JobTypeSystemPing }

func (h *SystemPingHandler) Execute(ctx context.Context, job *Job) error {
	var payload struct {
		Message string `json:"message"`
	}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(err, "invalid ping payload")
		}
	}
	h.logger.Infow("Pong", "job_id", job.ID, "message", payload.Message)
	return nil
}

// RelationshipDecayHandler closes current-graph edges that have not been
// re-observed within the max age. History survives; only the projection
// and the active temporal version are ended.
type RelationshipDecayHandler struct {
	entities *ontology.Store
	logger   *zap.SugaredLogger
}

func NewRelationshipDecayHandler(entities *ontology.Store, logger *zap.SugaredLogger) *RelationshipDecayHandler {
	return &RelationshipDecayHandler{entities: entities, logger: logger.Named("decay")}
}

func (h *RelationshipDecayHandler) Name() string { return JobTypeRelationshipDecay }

// defaultDecayAge applies when the payload does not specify max_age_seconds
const defaultDecayAge = 24 * time.Hour

func (h *RelationshipDecayHandler) Execute(ctx context.Context, job *Job) error {
	maxAge := defaultDecayAge
	if len(job.Payload) > 0 {
		var payload struct {
			MaxAgeSeconds int `json:"max_age_seconds"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(err, "invalid decay payload")
		}
		if payload.MaxAgeSeconds > 0 {
			maxAge = time.Duration(payload.MaxAgeSeconds) * time.Second
		}
	}

	stale, err := h.entities.ListStaleEdges(ctx, maxAge)
	if err != nil {
		return err
	}

	closed := 0
	var firstErr error
	for _, edge := range stale {
		err := h.entities.CloseRelationship(ctx, edge.RelationshipType, edge.SourceLogicalID, edge.TargetLogicalID)
		if err != nil {
			// Keep going; a retry of this job picks up whatever is left
			if firstErr == nil {
				firstErr = err
			}
			h.logger.Warnw("Failed to close stale edge",
				"relationship_type", edge.RelationshipType,
				"source", edge.SourceLogicalID,
				"target", edge.TargetLogicalID,
				"error", err)
			continue
		}
		closed++
	}

	h.logger.Infow("Relationship decay sweep finished",
		"max_age", maxAge, "stale", len(stale), "closed", closed)
	return errors.Wrapf(firstErr, "decay sweep closed %d of %d edges", closed, len(stale))
}

// TelemetryRollupTriggerHandler fans one trigger job out into one
// TELEMETRY_ROLLUP child per registered entity type. Children carry
// parent_job_id, so they become runnable only after this job completes.
type TelemetryRollupTriggerHandler struct {
	entities *ontology.Store
	jobs     *Store
	logger   *zap.SugaredLogger
}

func NewTelemetryRollupTriggerHandler(entities *ontology.Store, jobs *Store, logger *zap.SugaredLogger) *TelemetryRollupTriggerHandler {
	return &TelemetryRollupTriggerHandler{entities: entities, jobs: jobs, logger: logger.Named("rollup")}
}

func (h *TelemetryRollupTriggerHandler) Name() string { return JobTypeTelemetryTrigger }

func (h *TelemetryRollupTriggerHandler) Execute(ctx context.Context, job *Job) error {
	types, err := h.entities.ListEntityTypes(ctx)
	if err != nil {
		return err
	}

	for _, et := range types {
		payload, err := json.Marshal(map[string]string{"entity_type_id": et.ID})
		if err != nil {
			return errors.Wrapf(err, "failed to build rollup payload for %s", et.Name)
		}
		// Keyed per (trigger, type): a retried trigger re-enqueues nothing
		_, err = h.jobs.Enqueue(ctx, JobTypeTelemetryRollup, payload, EnqueueOptions{
			IdempotencyKey: fmt.Sprintf("rollup:%s:%s", job.ID, et.ID),
			ParentJobID:    job.ID,
			MaxAttempts:    job.MaxAttempts,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to enqueue rollup for %s", et.Name)
		}
	}

	h.logger.Infow("Telemetry rollups scheduled", "job_id", job.ID, "entity_types", len(types))
	return nil
}

// TelemetryRollupHandler computes the per-type projection and event counts
type TelemetryRollupHandler struct {
	entities *ontology.Store
	logger   *zap.SugaredLogger
}

func NewTelemetryRollupHandler(entities *ontology.Store, logger *zap.SugaredLogger) *TelemetryRollupHandler {
	return &TelemetryRollupHandler{entities: entities, logger: logger.Named("rollup")}
}

func (h *TelemetryRollupHandler) Name() string { return JobTypeTelemetryRollup }

func (h *TelemetryRollupHandler) Execute(ctx context.Context, job *Job) error {
	var payload struct {
		EntityTypeID string `json:"entity_type_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "invalid rollup payload")
	}
	if payload.EntityTypeID == "" {
		return errors.New("rollup payload missing entity_type_id")
	}

	rollup, err := h.entities.RollupType(ctx, payload.EntityTypeID)
	if err != nil {
		return err
	}
	h.logger.Infow("Telemetry rollup",
		"entity_type_id", rollup.EntityTypeID,
		"entities", rollup.Entities,
		"events", rollup.Events)
	return nil
}

// IngestRunner executes one external-system synchronization. The concrete
// runner lives with the integration code; the orchestrator only schedules
// and retries it.
type IngestRunner interface {
	RunSync(ctx context.Context, integrationJobID string, payload json.RawMessage) error
}

// IntegrationSyncHandler delegates INTEGRATION_SYNC jobs to the wired
// ingest runner
type IntegrationSyncHandler struct {
	runner IngestRunner
	logger *zap.SugaredLogger
}

func NewIntegrationSyncHandler(runner IngestRunner, logger *zap.SugaredLogger) *IntegrationSyncHandler {
	return &IntegrationSyncHandler{runner: runner, logger: logger.Named("sync")}
}

func (h *IntegrationSyncHandler) Name() string { return JobTypeIntegrationSync }

func (h *IntegrationSyncHandler) Execute(ctx context.Context, job *Job) error {
	if h.runner == nil {
		return errors.New("no integration runner configured")
	}
	if job.IntegrationJobID == "" {
		return errors.New("integration sync job missing integration_job_id")
	}
	h.logger.Infow("Running integration sync",
		"job_id", job.ID, "integration_job_id", job.IntegrationJobID)
	return h.runner.RunSync(ctx, job.IntegrationJobID, job.Payload)
}
