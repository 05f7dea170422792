package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/provider"
)

// Enrich runs one enrich batch. Creators are enriched independently: a
// failing creator is recorded and the batch moves on. Transient failures
// send the batch back to the queue until the last attempt; a redelivery
// skips the creators already enriched, so each attempt only calls the
// provider for what is left. All provider calls of one invocation share
// Queue.HandlerTimeout.
func (svc *Service) Enrich(ctx context.Context, body []byte) (*EnrichResult, error) {
	var task EnrichTask
	if err := svc.valid.decode(schemaEnrich, body, &task); err != nil {
		return nil, err
	}
	if err := validateRef("jobId", task.JobID); err != nil {
		return nil, err
	}
	for _, id := range task.CreatorIDs {
		if err := validateRef("creatorIds", id); err != nil {
			return nil, err
		}
	}
	ctx = kit.WithStage(kit.WithJobID(ctx, task.JobID), StageEnrich)
	msgID := messageID(ctx, task.JobID, StageEnrich, strconv.Itoa(task.BatchIndex))
	log := svc.logger.With("job_id", task.JobID, "stage", StageEnrich, "message_id", msgID, "batch", task.BatchIndex)
	res := &EnrichResult{JobID: task.JobID}

	j, err := svc.Job(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.tracker.ExpireIfTimedOut(ctx, j.ID); err != nil {
		return nil, err
	}
	done, err := svc.store.BeginDelivery(ctx, msgID, j.ID, StageEnrich)
	if err != nil {
		return nil, err
	}
	if done {
		res.Skipped = "duplicate delivery"
		return res, nil
	}

	attempt := kit.GetAttempt(ctx)
	last := svc.lastAttempt(attempt)
	pctx, cancel := svc.providerContext(ctx)
	defer cancel()
	var (
		retry    error
		worst    provider.Kind
		failures int
	)
	for _, id := range task.CreatorIDs {
		c, err := svc.store.GetCreator(ctx, j.ID, id)
		if err != nil {
			return nil, err
		}
		if c == nil {
			log.Warn("enrich: creator not found", "creator_id", id)
			failures++
			continue
		}
		if c.Enriched && attempt > 1 {
			continue
		}

		var e *provider.Enrichment
		if err = pctx.Err(); err != nil {
			err = &provider.Error{Kind: provider.KindTimeout, Op: "enrich", Err: err}
		} else {
			e, err = svc.fetchEnrichment(pctx, c, task.Platform)
		}
		if err == nil {
			added, err := svc.applyEnrichment(ctx, c, e)
			if err != nil {
				return nil, err
			}
			res.CreatorsEnriched++
			res.EmailsFound += added
			continue
		}

		kind := provider.KindOf(err)
		if kind.Transient() && !last {
			log.Warn("enrich: provider failed, will retry", "creator_id", id, "error", err, "kind", kind)
			retry = err
			continue
		}
		log.Error("enrich: creator failed", "creator_id", id, "error", err, "kind", kind)
		failures++
		if worst == "" || kind.Rank() > worst.Rank() {
			worst = kind
		}
		if _, err := svc.store.MarkCreatorEnriched(ctx, j.ID, id); err != nil {
			return nil, err
		}
	}

	if worst != "" {
		res.Error = worst.Message()
		if _, err := svc.store.RecordError(ctx, j.ID, res.Error, worst.Rank()); err != nil {
			return nil, err
		}
	} else if failures > 0 {
		res.Error = fmt.Sprintf("%d creators could not be enriched", failures)
	}

	if retry != nil {
		if _, err := svc.store.FinishDelivery(ctx, msgID, store.DeliveryFailed, retry.Error()); err != nil {
			return nil, err
		}
		svc.recorder.StageOutcome(StageEnrich, "retry")
		return nil, fmt.Errorf("%w: enrich: %v", ErrRetry, retry)
	}
	if _, err := svc.store.FinishDelivery(ctx, msgID, store.DeliveryDone, res.Error); err != nil {
		return nil, err
	}

	completed, err := svc.tracker.CheckAndComplete(ctx, j.ID)
	if err != nil {
		log.Warn("enrich: completion check failed", "error", err)
	}
	res.Completed = completed

	log.Info("enrich: batch done", "enriched", res.CreatorsEnriched, "emails", res.EmailsFound,
		"failures", failures, "completed", completed)
	svc.recorder.StageOutcome(StageEnrich, "ok")
	return res, nil
}

// fetchEnrichment asks the provider about c.
func (svc *Service) fetchEnrichment(ctx context.Context, c *store.Creator, platform string) (*provider.Enrichment, error) {
	var pc provider.Creator
	if err := json.Unmarshal(c.Payload, &pc); err != nil {
		return nil, &provider.Error{Kind: provider.KindBadResponse, Op: "enrich", Err: err}
	}
	if platform == "" {
		platform = c.Platform
	}
	ref := pc.Ref()
	if ref == "" {
		ref = c.Handle
	}

	e, err := svc.adapter.Enrich(ctx, ref, platform)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &provider.Error{Kind: provider.KindBadResponse, Op: "enrich", Err: errors.New("empty enrichment")}
	}
	return e, nil
}

// applyEnrichment merges e into the row of c and marks it enriched. It
// returns the number of emails added.
func (svc *Service) applyEnrichment(ctx context.Context, c *store.Creator, e *provider.Enrichment) (int, error) {
	var added int
	_, err := svc.store.UpdateCreator(ctx, c.JobID, c.ID, func(payload []byte) ([]byte, error) {
		merged, n, err := mergeEnrichment(payload, e)
		added = n
		return merged, err
	})
	if err != nil {
		return 0, fmt.Errorf("discovery: store enrichment: %w", err)
	}
	return added, nil
}
