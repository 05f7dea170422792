package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/provider"
)

// Search runs one search task: it pages through the provider, persists the
// creators new to the job and counts the task as completed, in one
// transaction keyed by the delivery. A provider failure still counts the
// task once the queue stops retrying.
func (svc *Service) Search(ctx context.Context, body []byte) (*SearchResult, error) {
	var task SearchTask
	if err := svc.valid.decode(schemaSearch, body, &task); err != nil {
		return nil, err
	}
	if err := validateRef("jobId", task.JobID); err != nil {
		return nil, err
	}
	ctx = kit.WithStage(kit.WithJobID(ctx, task.JobID), StageSearch)
	msgID := messageID(ctx, task.JobID, StageSearch, strconv.Itoa(task.TaskIndex))
	log := svc.logger.With("job_id", task.JobID, "stage", StageSearch, "message_id", msgID)
	res := &SearchResult{JobID: task.JobID, Keyword: task.Keyword}

	j, err := svc.Job(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.tracker.ExpireIfTimedOut(ctx, j.ID); err != nil {
		return nil, err
	}
	done, err := svc.store.BeginDelivery(ctx, msgID, j.ID, StageSearch)
	if err != nil {
		return nil, err
	}
	if done {
		res.Skipped = "duplicate delivery"
		return res, nil
	}
	if j, err = svc.Job(ctx, j.ID); err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		if _, err := svc.store.FinishDelivery(ctx, msgID, store.DeliveryDone, ""); err != nil {
			return nil, err
		}
		res.Skipped = "job " + string(j.Status)
		return res, nil
	}

	pctx, cancel := svc.providerContext(ctx)
	found, cursor, pages, searchErr := svc.collect(pctx, task)
	cancel()
	res.Pages = pages
	if searchErr != nil {
		kind := provider.KindOf(searchErr)
		if kind.Transient() && !svc.lastAttempt(kit.GetAttempt(ctx)) && len(found) == 0 {
			log.Warn("search: provider failed, retrying", "error", searchErr, "kind", kind, "attempt", kit.GetAttempt(ctx))
			if _, err := svc.store.FinishDelivery(ctx, msgID, store.DeliveryFailed, searchErr.Error()); err != nil {
				return nil, err
			}
			svc.recorder.StageOutcome(StageSearch, "retry")
			return nil, fmt.Errorf("%w: search: %v", ErrRetry, searchErr)
		}
		log.Error("search: provider failed", "error", searchErr, "kind", kind, "collected", len(found))
		res.Error = kind.Message()
		if _, err := svc.store.RecordError(ctx, j.ID, res.Error, kind.Rank()); err != nil {
			return nil, err
		}
	}
	res.CreatorsFound = len(found)

	candidates := make([]store.NewCreator, 0, len(found))
	for _, c := range found {
		if c.Platform == "" {
			c.Platform = task.Platform
		}
		key := creatorKey(c.Platform, c)
		if key == "" {
			continue
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("discovery: encode creator: %w", err)
		}
		candidates = append(candidates, store.NewCreator{
			ID:       svc.newCrtID(),
			Platform: c.Platform,
			Handle:   c.Handle,
			Key:      key,
			Payload:  payload,
		})
	}

	applied, err := svc.store.CompleteSearch(ctx, store.SearchOutcome{
		JobID:     j.ID,
		MessageID: msgID,
		Creators:  candidates,
		Cursor:    cursor,
	})
	if err != nil {
		return nil, err
	}
	if !applied.Applied {
		res.Skipped = "duplicate delivery"
		return res, nil
	}
	res.CreatorsNew = len(applied.Inserted)

	batches := chunk(applied.Inserted, svc.config.Pipeline.EnrichBatchSize)
	for i, ids := range batches {
		et := EnrichTask{JobID: j.ID, Platform: task.Platform, CreatorIDs: ids, BatchIndex: i, TotalBatches: len(batches)}
		if err := svc.publish(ctx, StageEnrich, idgen.Derive(j.ID, StageEnrich, msgID, strconv.Itoa(i)), et); err != nil {
			// The sweeper re-queues creators left unenriched.
			log.Warn("search: publish enrich batch failed", "batch", i, "error", err)
			continue
		}
		res.EnrichBatches++
	}
	if len(applied.Inserted) > 0 {
		if _, err := svc.store.MarkEnrichmentStarted(ctx, j.ID); err != nil {
			return nil, err
		}
	}

	log.Info("search: task completed", "keyword", task.Keyword, "found", res.CreatorsFound,
		"new", res.CreatorsNew, "pages", res.Pages, "counted", applied.Counted)
	svc.recorder.CreatorsFound(task.Platform, res.CreatorsNew)
	svc.recorder.StageOutcome(StageSearch, "ok")

	if _, err := svc.tracker.CheckAndComplete(ctx, j.ID); err != nil {
		log.Warn("search: completion check failed", "error", err)
	}
	return res, nil
}

// collect pages through the provider until MaxSearchPages, the end of the
// results or TargetResults creators. It returns what was gathered before
// any error.
func (svc *Service) collect(ctx context.Context, task SearchTask) ([]provider.Creator, string, int, error) {
	var (
		found  []provider.Creator
		cursor string
		pages  int
	)
	target := task.TargetResults
	for pages < svc.config.Pipeline.MaxSearchPages {
		page, err := svc.adapter.Search(ctx, provider.Query{
			Keyword:      task.Keyword,
			Platform:     task.Platform,
			Cursor:       cursor,
			SeedUsername: task.SeedUsername,
			Limit:        svc.config.Pipeline.SearchPageSize,
			Options:      task.Options,
		})
		if err != nil {
			return found, cursor, pages, err
		}
		pages++
		found = append(found, page.Creators...)
		cursor = page.NextCursor
		if target > 0 && len(found) >= target {
			found = found[:target]
			break
		}
		if cursor == "" {
			break
		}
	}
	return found, cursor, pages, nil
}

// creatorKey is the identity of a creator within a job: the platform and
// the lowercased handle, or the profile id when there is no handle. Display
// names never take part.
func creatorKey(platform string, c provider.Creator) string {
	id := strings.TrimPrefix(strings.TrimSpace(c.Handle), "@")
	if id == "" {
		id = strings.TrimSpace(c.ProfileID)
	}
	if id == "" {
		return ""
	}
	return strings.ToLower(platform) + ":" + strings.ToLower(id)
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
