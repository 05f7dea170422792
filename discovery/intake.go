package discovery

import (
	"context"
	"fmt"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/idgen"
)

// CreateJob validates a collaborator request, stores a pending job and
// publishes its dispatch message. The caller has already authenticated the
// user and checked plan limits.
func (svc *Service) CreateJob(ctx context.Context, body []byte) (*CreateJobResponse, error) {
	var req CreateJobRequest
	if err := svc.valid.decode(schemaCreateJob, body, &req); err != nil {
		return nil, err
	}
	if err := svc.validatePlatform(req.Platform); err != nil {
		return nil, err
	}
	if req.ParentJobID != "" {
		if err := validateRef("parentJobId", req.ParentJobID); err != nil {
			return nil, err
		}
	}

	keywords := normalizeKeywords(req.Keywords, svc.config.Pipeline.MaxKeywords)
	kind := store.KindKeyword
	if len(keywords) == 0 {
		if req.SeedUsername == "" {
			return nil, fmt.Errorf("%w: no usable keywords", ErrInvalidInput)
		}
		kind = store.KindSimilar
	}

	now := svc.now()
	j := &store.Job{
		ID:            svc.newJobID(),
		UserID:        req.UserID,
		CampaignID:    req.CampaignID,
		Kind:          kind,
		ParentJobID:   req.ParentJobID,
		Platform:      req.Platform,
		Keywords:      keywords,
		TargetResults: req.TargetResults,
		SeedUsername:  req.SeedUsername,
		Options:       req.Options,
		CreatedAt:     now.UnixMilli(),
		TimeoutAt:     now.Add(svc.config.Pipeline.JobTimeout).UnixMilli(),
	}
	if err := svc.store.InsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("discovery: create job: %w", err)
	}
	log := svc.logger.With("job_id", j.ID, "stage", "intake")

	task := DispatchTask{
		JobID:         j.ID,
		Platform:      j.Platform,
		Keywords:      keywords,
		TargetResults: j.TargetResults,
		SeedUsername:  j.SeedUsername,
		Options:       j.Options,
	}
	if err := svc.publish(ctx, StageDispatch, idgen.Derive(j.ID, StageDispatch), task); err != nil {
		log.Error("intake: publish dispatch failed", "error", err)
		if _, ferr := svc.tracker.Fail(ctx, j.ID, "the job could not be queued"); ferr != nil {
			log.Error("intake: fail job", "error", ferr)
		}
		return nil, fmt.Errorf("discovery: queue job: %w", err)
	}

	log.Info("intake: job created", "kind", kind, "keywords", len(keywords), "target", j.TargetResults)
	svc.recorder.JobEvent(ctx, "job.created", j.ID, j.UserID, true,
		map[string]any{"platform": j.Platform, "kind": kind, "keywords": keywords})
	return &CreateJobResponse{JobID: j.ID, Status: string(store.StatusPending)}, nil
}
