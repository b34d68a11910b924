package identity

import (
	"context"
	"encoding/json"

	"github.com/ontoplane/ontos/errors"
	"github.com/ontoplane/ontos/orchestrator"
)

// ResolutionHandler runs fuzzy-match resolution as an orchestrator job.
// Candidate uniqueness makes retries and overlapping runs harmless.
type ResolutionHandler struct {
	service *Service
}

// NewResolutionHandler creates the IDENTITY_RESOLUTION job handler
func NewResolutionHandler(service *Service) *ResolutionHandler {
	return &ResolutionHandler{service: service}
}

func (h *ResolutionHandler) Name() string { return orchestrator.JobTypeIdentityResolution }

func (h *ResolutionHandler) Execute(ctx context.Context, job *orchestrator.Job) error {
	var payload struct {
		EntityTypeID string  `json:"entity_type_id"`
		Threshold    float64 `json:"threshold"`
		Limit        int     `json:"limit"`
	}
	if len(job.Payload) == 0 {
		return errors.New("resolution job missing payload")
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "invalid resolution payload")
	}
	if payload.EntityTypeID == "" {
		return errors.New("resolution payload missing entity_type_id")
	}

	_, err := h.service.RunFuzzyMatch(ctx, payload.EntityTypeID, payload.Threshold, payload.Limit)
	return err
}
