package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/provider"
)

// Client-facing status labels. processing is reported as one of its two
// phases.
const (
	LabelPending   = "pending"
	LabelSearching = "searching"
	LabelEnriching = "enriching"
)

// Status assembles the job summary and one page of creators. A processing
// job first gets a completion and staleness check, folded into the
// response. Only terminal successful responses are cached; pending and
// processing ones are always rebuilt.
func (svc *Service) Status(ctx context.Context, req StatusRequest) (*StatusResponse, error) {
	if err := validateRef("jobId", req.JobID); err != nil {
		return nil, err
	}
	offset, limit := svc.page(req.Offset, req.Limit)
	cacheKey := fmt.Sprintf("status:%s:%d:%d", req.JobID, offset, limit)

	if !svc.config.Cache.Disabled {
		if body, ok, err := svc.store.GetCached(ctx, cacheKey); err != nil {
			svc.logger.Warn("status: cache read failed", "job_id", req.JobID, "error", err)
		} else if ok {
			var resp StatusResponse
			if err := json.Unmarshal(body, &resp); err == nil {
				return &resp, nil
			}
		}
	}

	j, err := svc.Job(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	changed, err := svc.tracker.ExpireIfTimedOut(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if !changed && j.Status == store.StatusProcessing {
		if changed, err = svc.tracker.CheckAndComplete(ctx, j.ID); err != nil {
			return nil, err
		}
		if !changed {
			if changed, err = svc.tracker.CheckStaleAndComplete(ctx, j.ID); err != nil {
				return nil, err
			}
		}
	}
	if changed {
		if j, err = svc.Job(ctx, j.ID); err != nil {
			return nil, err
		}
	}

	counts, err := svc.store.CountCreators(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	rows, err := svc.store.ListCreators(ctx, j.ID, offset, limit)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		Status:  statusLabel(j),
		Message: statusMessage(j, counts),
		Error:   j.Error,
		Progress: Progress{
			KeywordsDispatched: j.KeywordsDispatched,
			KeywordsCompleted:  j.KeywordsCompleted,
			CreatorsFound:      counts.Total,
			CreatorsEnriched:   counts.Enriched,
			PercentComplete:    percentComplete(j, counts),
		},
		Results:    []ResultSet{},
		Pagination: Pagination{Offset: offset, Limit: limit, Total: counts.Total},
		Job:        summarize(j),
	}
	if offset+limit < counts.Total {
		next := offset + limit
		resp.Pagination.NextOffset = &next
	}
	if len(rows) > 0 {
		views := make([]CreatorView, 0, len(rows))
		for _, c := range rows {
			v := CreatorView{ID: c.ID, Enriched: c.Enriched, CreatedAt: c.CreatedAt}
			if err := json.Unmarshal(c.Payload, &v.Creator); err != nil {
				svc.logger.Warn("status: bad creator payload", "job_id", j.ID, "creator_id", c.ID, "error", err)
				v.Creator = provider.Creator{Handle: c.Handle, Platform: c.Platform}
			}
			views = append(views, v)
		}
		resp.Results = append(resp.Results, ResultSet{ID: j.ID, Creators: views})
	}

	if cacheable(j.Status) && !svc.config.Cache.Disabled {
		if body, err := json.Marshal(resp); err == nil {
			if err := svc.store.PutCached(ctx, cacheKey, j.ID, body, svc.config.Cache.TTL); err != nil {
				svc.logger.Warn("status: cache write failed", "job_id", j.ID, "error", err)
			}
		}
	}
	return resp, nil
}

func (svc *Service) page(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = svc.config.HTTP.DefaultPageSize
	}
	return offset, min(limit, svc.config.HTTP.MaxPageSize)
}

func cacheable(s store.Status) bool {
	return s == store.StatusCompleted || s == store.StatusPartial
}

func statusLabel(j *store.Job) string {
	switch j.Status {
	case store.StatusPending:
		return LabelPending
	case store.StatusProcessing:
		if j.EnrichmentStatus == store.EnrichmentNotStarted {
			return LabelSearching
		}
		return LabelEnriching
	}
	return string(j.Status)
}

func statusMessage(j *store.Job, c store.Counts) string {
	switch j.Status {
	case store.StatusPending:
		return "Waiting to start"
	case store.StatusProcessing:
		if j.EnrichmentStatus == store.EnrichmentNotStarted {
			return fmt.Sprintf("Searching: %d of %d searches done", j.KeywordsCompleted, j.KeywordsDispatched)
		}
		return fmt.Sprintf("Enriching: %d of %d creators done", c.Enriched, c.Total)
	case store.StatusCompleted:
		return fmt.Sprintf("Found %d creators", c.Total)
	case store.StatusPartial:
		return fmt.Sprintf("Found %d creators, some steps failed", c.Total)
	case store.StatusTimeout:
		return TimeoutMessage
	case store.StatusError:
		if c.Total == 0 {
			return NoResultsMessage
		}
		return "The job failed"
	}
	return ""
}

// percentComplete weighs search and enrichment progress equally. A zero
// denominator makes its half zero; a completed job is 100.
func percentComplete(j *store.Job, c store.Counts) int {
	if j.Status == store.StatusCompleted {
		return 100
	}
	var p float64
	if j.KeywordsDispatched > 0 {
		p += 50 * float64(j.KeywordsCompleted) / float64(j.KeywordsDispatched)
	}
	if c.Total > 0 {
		p += 50 * float64(c.Enriched) / float64(c.Total)
	}
	return int(math.Round(min(p, 100)))
}
