package discovery

import (
	"context"
	"strconv"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/provider"
)

const noTasksQueuedMessage = "no search tasks could be queued"

// Dispatch fans a job out into search tasks. The job-level dispatch flag
// is claimed before anything is published, so a redelivered dispatch
// message finds the flag set and does nothing.
func (svc *Service) Dispatch(ctx context.Context, body []byte) (*DispatchResult, error) {
	var task DispatchTask
	if err := svc.valid.decode(schemaDispatch, body, &task); err != nil {
		return nil, err
	}
	if err := validateRef("jobId", task.JobID); err != nil {
		return nil, err
	}
	ctx = kit.WithStage(kit.WithJobID(ctx, task.JobID), StageDispatch)
	log := svc.logger.With("job_id", task.JobID, "stage", StageDispatch)
	res := &DispatchResult{JobID: task.JobID}

	j, err := svc.Job(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.tracker.ExpireIfTimedOut(ctx, j.ID); err != nil {
		return nil, err
	}
	if j, err = svc.Job(ctx, j.ID); err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		res.Skipped = "job " + string(j.Status)
		return res, nil
	}
	if j.DispatchedAt != nil {
		res.Skipped = "already dispatched"
		return res, nil
	}

	terms := svc.searchTerms(ctx, j, task)
	tasks := make([]SearchTask, 0, max(len(terms), 1))
	for i, kw := range terms {
		tasks = append(tasks, SearchTask{
			JobID:         j.ID,
			Keyword:       kw,
			Platform:      j.Platform,
			TaskIndex:     i,
			TargetResults: j.TargetResults,
			Options:       j.Options,
		})
	}
	if len(tasks) == 0 && j.SeedUsername != "" {
		tasks = append(tasks, SearchTask{
			JobID:         j.ID,
			Platform:      j.Platform,
			SeedUsername:  j.SeedUsername,
			TargetResults: j.TargetResults,
			Options:       j.Options,
		})
	}
	if len(tasks) == 0 {
		if _, err := svc.tracker.Fail(ctx, j.ID, "the job has no search terms"); err != nil {
			return nil, err
		}
		res.Skipped = "no search terms"
		return res, nil
	}

	claimed, err := svc.store.ClaimDispatch(ctx, j.ID, len(tasks), terms, messageID(ctx, j.ID, StageDispatch))
	if err != nil {
		return nil, err
	}
	if !claimed {
		res.Skipped = "already dispatched"
		return res, nil
	}

	for _, t := range tasks {
		id := idgen.Derive(j.ID, StageSearch, strconv.Itoa(t.TaskIndex))
		if err := svc.publish(ctx, StageSearch, id, t); err != nil {
			log.Warn("dispatch: publish search task failed", "task", t.TaskIndex, "error", err)
			res.Failed++
			continue
		}
		res.Dispatched++
	}
	res.Keywords = terms

	if res.Failed > 0 {
		if err := svc.store.ReleaseDispatch(ctx, j.ID, res.Failed); err != nil {
			return nil, err
		}
	}
	if res.Dispatched == 0 {
		if _, err := svc.store.RecordError(ctx, j.ID, noTasksQueuedMessage, provider.KindUnavailable.Rank()); err != nil {
			return nil, err
		}
		if _, err := svc.tracker.CheckAndComplete(ctx, j.ID); err != nil {
			return nil, err
		}
	}

	log.Info("dispatch: search tasks published", "dispatched", res.Dispatched, "failed", res.Failed)
	svc.recorder.StageOutcome(StageDispatch, "ok")
	return res, nil
}

// searchTerms returns the terms to search, in order: the job keywords,
// then provider expansions when enabled, capped at MaxFanOut. Expansion
// failures only cost the extra terms.
func (svc *Service) searchTerms(ctx context.Context, j *store.Job, task DispatchTask) []string {
	fanOut := svc.config.Pipeline.MaxFanOut
	base := j.Keywords
	if len(base) == 0 {
		base = task.Keywords
	}
	terms := normalizeKeywords(base, fanOut)

	ex, ok := svc.adapter.(provider.Expander)
	if !svc.config.Pipeline.Expand || !ok || len(terms) == 0 {
		return terms
	}
	extra := make([]string, 0, fanOut)
	for _, kw := range terms {
		room := fanOut - len(terms) - len(extra)
		if room <= 0 {
			break
		}
		more, err := ex.Expand(ctx, kw, j.Platform, room)
		if err != nil {
			svc.logger.Warn("dispatch: keyword expansion failed", "job_id", j.ID, "keyword", kw, "error", err)
			continue
		}
		extra = append(extra, more...)
	}
	return normalizeKeywords(append(terms, extra...), fanOut)
}

// messageID returns the queue message id of the current delivery, or the
// id the message would have been published under.
func messageID(ctx context.Context, parts ...string) string {
	if id := kit.GetMessageID(ctx); id != "" {
		return id
	}
	return idgen.Derive(parts...)
}
