package discovery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/hazyhaar/scout/discovery/internal/store"
)

// TimeoutMessage is the error recorded on jobs that miss their deadline.
const TimeoutMessage = "The job did not finish before its deadline"

// NoResultsMessage is the error recorded when a job ends with nothing to
// show and an earlier failure explains why.
const NoResultsMessage = "no usable results"

// Tracker decides from durable state whether a job has finished. Every
// terminal transition goes through a single conditional update, so among
// concurrent callers exactly one wins and only the winner notifies.
type Tracker struct {
	store  *store.Store
	cfg    TrackerConfig
	logger *slog.Logger
	now    func() time.Time
	// notify runs once per job, for the caller whose update won.
	notify func(ctx context.Context, j *store.Job)
}

func newTracker(s *store.Store, cfg TrackerConfig, logger *slog.Logger, now func() time.Time) *Tracker {
	return &Tracker{store: s, cfg: cfg, logger: logger, now: now}
}

// CheckAndComplete completes a processing job once its searches are done
// and every creator row is enriched, recounting rows inside the update. A
// job whose searches found nobody is settled too. It reports whether this
// call performed the transition.
func (t *Tracker) CheckAndComplete(ctx context.Context, jobID string) (bool, error) {
	c, err := t.store.CountCreators(ctx, jobID)
	if err != nil {
		return false, err
	}

	var done bool
	if c.Total == 0 {
		done, err = t.store.CompleteIfEmpty(ctx, jobID)
	} else if c.Enriched == c.Total {
		done, err = t.store.CompleteIfEnriched(ctx, jobID)
	}
	if err != nil || !done {
		return false, err
	}
	t.logger.Info("tracker: job completed", "job_id", jobID, "creators", c.Total)
	t.fire(ctx, jobID)
	return true, nil
}

// CheckStaleAndComplete force-completes a job that has been processing
// longer than the staleness window with at least the watermark fraction of
// its creators enriched, once every dispatched search has finished. Below
// the watermark, or with a search still retrying, it does nothing; the job
// then waits for its deadline.
func (t *Tracker) CheckStaleAndComplete(ctx context.Context, jobID string) (bool, error) {
	c, err := t.store.CountCreators(ctx, jobID)
	if err != nil || c.Total == 0 {
		return false, err
	}
	needed := watermarkCount(c.Total, t.cfg.Watermark)
	if c.Enriched < needed {
		return false, nil
	}
	startedBefore := t.now().Add(-t.cfg.StaleAfter).UnixMilli()
	done, err := t.store.CompleteIfStale(ctx, jobID, startedBefore, c.Total, needed)
	if err != nil || !done {
		return false, err
	}
	t.logger.Warn("tracker: stale job force-completed",
		"job_id", jobID, "enriched", c.Enriched, "total", c.Total, "watermark", t.cfg.Watermark)
	t.fire(ctx, jobID)
	return true, nil
}

// ExpireIfTimedOut rewrites a pending or processing job past its deadline
// to timeout.
func (t *Tracker) ExpireIfTimedOut(ctx context.Context, jobID string) (bool, error) {
	done, err := t.store.ExpireJob(ctx, jobID, TimeoutMessage)
	if err != nil || !done {
		return false, err
	}
	t.logger.Warn("tracker: job timed out", "job_id", jobID)
	t.fire(ctx, jobID)
	return true, nil
}

// Fail moves a job that cannot make progress to error.
func (t *Tracker) Fail(ctx context.Context, jobID, msg string) (bool, error) {
	done, err := t.store.FailJob(ctx, jobID, msg)
	if err != nil || !done {
		return false, err
	}
	t.logger.Warn("tracker: job failed", "job_id", jobID, "error", msg)
	t.fire(ctx, jobID)
	return true, nil
}

func (t *Tracker) fire(ctx context.Context, jobID string) {
	if t.notify == nil {
		return
	}
	j, err := t.store.GetJob(ctx, jobID)
	if err != nil || j == nil {
		t.logger.Warn("tracker: reload after transition failed", "job_id", jobID, "error", err)
		return
	}
	t.notify(ctx, j)
}

// watermarkCount is the smallest enriched count reaching fraction w of
// total.
func watermarkCount(total int, w float64) int {
	return int(math.Ceil(float64(total)*w - 1e-9))
}
