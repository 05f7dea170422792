package discovery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/idgen"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned   int   `json:"scanned"`
	Expired   int   `json:"expired"`
	Completed int   `json:"completed"`
	Stale     int   `json:"stale"`
	Requeued  int   `json:"requeued"`
	Purged    int64 `json:"purged"`
}

// Sweeper settles active jobs that nobody polls: it applies the timeout,
// the completion check and the staleness check, and re-queues enrichment
// for creators of stale jobs still left unenriched.
type Sweeper struct {
	svc      *Service
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewSweeper creates a Sweeper for svc using the tracker configuration.
func NewSweeper(svc *Service) *Sweeper {
	return &Sweeper{
		svc:      svc,
		logger:   svc.logger,
		interval: svc.config.Tracker.SweepInterval,
		batch:    svc.config.Tracker.SweepBatch,
	}
}

// Run sweeps every interval. Blocks until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.logger.Info("sweeper: started", "interval", sw.interval)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper: stopped")
			return
		case <-ticker.C:
			res := sw.SweepOnce(ctx)
			if res.Expired+res.Completed+res.Stale+res.Requeued > 0 || res.Purged > 0 {
				sw.logger.Info("sweeper: cycle done", "scanned", res.Scanned, "expired", res.Expired,
					"completed", res.Completed, "stale", res.Stale, "requeued", res.Requeued, "purged", res.Purged)
			}
		}
	}
}

// SweepOnce runs one pass over the oldest active jobs.
func (sw *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	t := sw.svc.tracker

	jobs, err := sw.svc.store.ListActiveJobs(ctx, sw.batch)
	if err != nil {
		sw.logger.Warn("sweeper: list active jobs", "error", err)
		return res
	}
	for _, j := range jobs {
		res.Scanned++
		log := sw.logger.With("job_id", j.ID)

		if ok, err := t.ExpireIfTimedOut(ctx, j.ID); err != nil {
			log.Warn("sweeper: expire", "error", err)
			continue
		} else if ok {
			res.Expired++
			continue
		}
		if j.Status != store.StatusProcessing {
			continue
		}
		if ok, err := t.CheckAndComplete(ctx, j.ID); err != nil {
			log.Warn("sweeper: check", "error", err)
			continue
		} else if ok {
			res.Completed++
			continue
		}
		if ok, err := t.CheckStaleAndComplete(ctx, j.ID); err != nil {
			log.Warn("sweeper: stale check", "error", err)
			continue
		} else if ok {
			res.Stale++
			continue
		}
		n, err := sw.requeue(ctx, j)
		if err != nil {
			log.Warn("sweeper: requeue enrichment", "error", err)
			continue
		}
		res.Requeued += n
	}

	purged, err := sw.svc.store.PurgeExpiredCache(ctx)
	if err != nil {
		sw.logger.Warn("sweeper: purge cache", "error", err)
	}
	res.Purged = purged
	return res
}

// requeue publishes enrich batches for the unenriched creators of a job
// whose searches are over and which started before the staleness window.
// Message ids carry the window number, so each window re-queues a creator
// at most once.
func (sw *Sweeper) requeue(ctx context.Context, j *store.Job) (int, error) {
	stale := sw.svc.config.Tracker.StaleAfter
	now := sw.svc.now()
	if !j.SearchDone() || j.StartedAt == nil || *j.StartedAt > now.Add(-stale).UnixMilli() {
		return 0, nil
	}

	ids, err := sw.svc.store.UnenrichedCreatorIDs(ctx, j.ID, sw.svc.config.Pipeline.EnrichBatchSize*10)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	window := strconv.FormatInt(now.UnixMilli()/max(stale.Milliseconds(), 1), 10)
	batches := chunk(ids, sw.svc.config.Pipeline.EnrichBatchSize)
	var n int
	for i, b := range batches {
		task := EnrichTask{JobID: j.ID, Platform: j.Platform, CreatorIDs: b, BatchIndex: i, TotalBatches: len(batches)}
		id := idgen.Derive(j.ID, StageEnrich, "sweep", window, b[0])
		if err := sw.svc.publish(ctx, StageEnrich, id, task); err != nil {
			return n, err
		}
		n += len(b)
	}
	return n, nil
}
