package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const jobColumns = `id, user_id, campaign_id, kind, parent_job_id, platform, keywords,
	used_keywords, target_results, seed_username, options, status, enrichment_status,
	keywords_dispatched, keywords_completed, failed_dispatches, creators_found,
	creators_enriched, search_cursor, error, error_rank, completion_reason, message_id,
	created_at, dispatched_at, started_at, completed_at, timeout_at`

// activeStatuses is the SQL guard shared by every progress write.
const activeStatuses = `status IN ('pending', 'processing')`

// InsertJob creates a pending job.
func (s *Store) InsertJob(ctx context.Context, j *Job) error {
	if j.CreatedAt == 0 {
		j.CreatedAt = s.nowMs()
	}
	if j.Kind == "" {
		j.Kind = KindKeyword
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.EnrichmentStatus == "" {
		j.EnrichmentStatus = EnrichmentNotStarted
	}
	keywords, err := json.Marshal(nonNil(j.Keywords))
	if err != nil {
		return fmt.Errorf("store: encode keywords: %w", err)
	}
	options := []byte("{}")
	if len(j.Options) > 0 {
		if options, err = json.Marshal(j.Options); err != nil {
			return fmt.Errorf("store: encode options: %w", err)
		}
	}

	_, err = s.DB.ExecContext(ctx, s.q(
		`INSERT INTO jobs (id, user_id, campaign_id, kind, parent_job_id, platform, keywords,
		target_results, seed_username, options, status, enrichment_status, created_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.UserID, j.CampaignID, j.Kind, nullIfEmpty(j.ParentJobID), j.Platform, string(keywords),
		j.TargetResults, j.SeedUsername, string(options), string(j.Status), string(j.EnrichmentStatus),
		j.CreatedAt, j.TimeoutAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

// ListActiveJobs returns up to limit pending or processing jobs, oldest
// first.
func (s *Store) ListActiveJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT `+jobColumns+` FROM jobs WHERE `+activeStatuses+`
		ORDER BY created_at, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimDispatch sets the job-level dispatch flag, moves the job to
// processing and reserves n dispatched keywords. It returns false when the
// job was already dispatched or is no longer pending.
func (s *Store) ClaimDispatch(ctx context.Context, id string, n int, used []string, messageID string) (bool, error) {
	usedJSON, err := json.Marshal(nonNil(used))
	if err != nil {
		return false, fmt.Errorf("store: encode used keywords: %w", err)
	}
	now := s.nowMs()
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'processing', dispatched_at = ?, started_at = ?,
		keywords_dispatched = keywords_dispatched + ?, used_keywords = ?, message_id = ?
		WHERE id = ? AND dispatched_at IS NULL AND status = 'pending'`),
		now, now, n, string(usedJSON), messageID, id,
	)
	if err != nil {
		return false, fmt.Errorf("store: claim dispatch: %w", err)
	}
	return affected(res)
}

// ReleaseDispatch gives back reserved keywords whose search task could not
// be published. The release never drops keywords_dispatched below
// keywords_completed.
func (s *Store) ReleaseDispatch(ctx context.Context, id string, failed int) error {
	if failed <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET keywords_dispatched = keywords_dispatched - ?,
		failed_dispatches = failed_dispatches + ?
		WHERE id = ? AND keywords_dispatched - ? >= keywords_completed AND `+activeStatuses),
		failed, failed, id, failed,
	)
	if err != nil {
		return fmt.Errorf("store: release dispatch: %w", err)
	}
	return nil
}

// MarkEnrichmentStarted moves enrichment_status from not_started to
// in_progress. It returns true for the caller that performed the move.
func (s *Store) MarkEnrichmentStarted(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET enrichment_status = 'in_progress'
		WHERE id = ? AND enrichment_status = 'not_started' AND `+activeStatuses), id)
	if err != nil {
		return false, fmt.Errorf("store: mark enrichment started: %w", err)
	}
	return affected(res)
}

// RecordError stores msg as the job error unless an error of equal or
// higher rank is already recorded, or the job is terminal.
func (s *Store) RecordError(ctx context.Context, id, msg string, rank int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET error = ?, error_rank = ?
		WHERE id = ? AND `+activeStatuses+` AND (error IS NULL OR error_rank < ?)`),
		msg, rank, id, rank,
	)
	if err != nil {
		return false, fmt.Errorf("store: record error: %w", err)
	}
	return affected(res)
}

// SetSearchCursor records the last provider cursor seen for the job.
func (s *Store) SetSearchCursor(ctx context.Context, id, cursor string) error {
	_, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET search_cursor = ? WHERE id = ? AND `+activeStatuses), cursor, id)
	return err
}

// CompleteIfEnriched is the recount-and-swap completion: it moves a
// processing job to completed (partial when an error is recorded) only if
// the search phase is over and, counted inside the same statement, the job
// has creators and none is left unenriched.
func (s *Store) CompleteIfEnriched(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET
			status = CASE WHEN error IS NULL THEN 'completed' ELSE 'partial' END,
			enrichment_status = 'done', completed_at = ?, completion_reason = ?
		WHERE id = ? AND status = 'processing'
			AND dispatched_at IS NOT NULL AND keywords_completed >= keywords_dispatched
			AND EXISTS (SELECT 1 FROM creators WHERE job_id = ?)
			AND NOT EXISTS (SELECT 1 FROM creators WHERE job_id = ? AND enriched = 0)`),
		s.nowMs(), ReasonAllEnriched, id, id, id,
	)
	if err != nil {
		return false, fmt.Errorf("store: complete job: %w", err)
	}
	return affected(res)
}

// CompleteIfEmpty settles a processing job whose searches all finished
// without finding anyone: completed, or error when an error is recorded.
func (s *Store) CompleteIfEmpty(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET
			status = CASE WHEN error IS NULL THEN 'completed' ELSE 'error' END,
			enrichment_status = 'done', completed_at = ?, completion_reason = ?
		WHERE id = ? AND status = 'processing'
			AND dispatched_at IS NOT NULL AND keywords_completed >= keywords_dispatched
			AND NOT EXISTS (SELECT 1 FROM creators WHERE job_id = ?)`),
		s.nowMs(), ReasonNoResults, id, id,
	)
	if err != nil {
		return false, fmt.Errorf("store: complete empty job: %w", err)
	}
	return affected(res)
}

// CompleteIfStale force-completes a processing job started at or before
// startedBefore, provided the row counts still match what the caller
// measured: exactly total creators with at least needed enriched. Every
// dispatched search must have finished.
func (s *Store) CompleteIfStale(ctx context.Context, id string, startedBefore int64, total, needed int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET
			status = CASE WHEN error IS NULL THEN 'completed' ELSE 'partial' END,
			enrichment_status = 'done', completed_at = ?, completion_reason = ?
		WHERE id = ? AND status = 'processing' AND started_at <= ?
			AND dispatched_at IS NOT NULL AND keywords_completed >= keywords_dispatched
			AND (SELECT COUNT(*) FROM creators WHERE job_id = ?) = ?
			AND (SELECT COUNT(*) FROM creators WHERE job_id = ? AND enriched = 1) >= ?`),
		s.nowMs(), ReasonStale, id, startedBefore, id, total, id, needed,
	)
	if err != nil {
		return false, fmt.Errorf("store: complete stale job: %w", err)
	}
	return affected(res)
}

// ExpireJob moves a pending or processing job whose deadline has passed
// to timeout with msg as its error.
func (s *Store) ExpireJob(ctx context.Context, id, msg string) (bool, error) {
	now := s.nowMs()
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'timeout', error = ?, completed_at = ?, completion_reason = ?
		WHERE id = ? AND `+activeStatuses+` AND timeout_at <= ?`),
		msg, now, ReasonTimeout, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: expire job: %w", err)
	}
	return affected(res)
}

// FailJob moves a pending or processing job to error.
func (s *Store) FailJob(ctx context.Context, id, msg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = 'error', error = ?, completed_at = ?, completion_reason = ?
		WHERE id = ? AND `+activeStatuses),
		msg, s.nowMs(), ReasonFailed, id,
	)
	if err != nil {
		return false, fmt.Errorf("store: fail job: %w", err)
	}
	return affected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var parent, errMsg sql.NullString
	var status, enrichment, keywords, used, options string
	err := row.Scan(
		&j.ID, &j.UserID, &j.CampaignID, &j.Kind, &parent, &j.Platform, &keywords,
		&used, &j.TargetResults, &j.SeedUsername, &options, &status, &enrichment,
		&j.KeywordsDispatched, &j.KeywordsCompleted, &j.FailedDispatches, &j.CreatorsFound,
		&j.CreatorsEnriched, &j.SearchCursor, &errMsg, &j.ErrorRank, &j.CompletionReason, &j.MessageID,
		&j.CreatedAt, &j.DispatchedAt, &j.StartedAt, &j.CompletedAt, &j.TimeoutAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ParentJobID = parent.String
	j.Error = errMsg.String
	j.Status = Status(status)
	j.EnrichmentStatus = EnrichmentStatus(enrichment)
	if err := json.Unmarshal([]byte(keywords), &j.Keywords); err != nil {
		return nil, fmt.Errorf("scan job: keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(used), &j.UsedKeywords); err != nil {
		return nil, fmt.Errorf("scan job: used keywords: %w", err)
	}
	if options != "" && options != "{}" {
		if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
			return nil, fmt.Errorf("scan job: options: %w", err)
		}
	}
	return &j, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
