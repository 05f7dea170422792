package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/scout/dbopen"
)

const creatorColumns = `id, job_id, platform, handle, creator_key, payload, enriched, created_at, enriched_at`

// SearchOutcome is what one search delivery persists.
type SearchOutcome struct {
	JobID     string
	MessageID string
	Creators  []NewCreator
	Cursor    string
}

// SearchApplied reports what CompleteSearch wrote.
type SearchApplied struct {
	// Applied is false when another delivery of the same message already
	// completed it; nothing was written in that case.
	Applied bool
	// Inserted holds the ids of creators new to the job, in input order.
	Inserted []string
	// Counted is true when keywords_completed was incremented. It stays
	// false for terminal jobs and when the counter already reached
	// keywords_dispatched.
	Counted bool
}

// CompleteSearch records one search delivery in a single transaction:
// the ledger row moves to done, creators absent from the job are inserted
// together with their normalized key, and keywords_completed grows by one.
// Redeliveries of a completed message change nothing.
func (s *Store) CompleteSearch(ctx context.Context, out SearchOutcome) (*SearchApplied, error) {
	var result *SearchApplied
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		result = &SearchApplied{}
		now := s.nowMs()

		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE deliveries SET status = 'done', error = '', updated_at = ?
			WHERE message_id = ? AND status <> 'done'`), now, out.MessageID)
		if err != nil {
			return fmt.Errorf("store: finish delivery: %w", err)
		}
		if ok, err := affected(res); err != nil || !ok {
			return err
		}
		result.Applied = true

		for i, c := range out.Creators {
			res, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO creator_keys (job_id, creator_key, creator_id) VALUES (?, ?, ?)
				ON CONFLICT (job_id, creator_key) DO NOTHING`), out.JobID, c.Key, c.ID)
			if err != nil {
				return fmt.Errorf("store: insert creator key: %w", err)
			}
			fresh, err := affected(res)
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
			// now+i keeps provider order within one delivery.
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO creators (id, job_id, platform, handle, creator_key, payload, enriched, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?)`),
				c.ID, out.JobID, c.Platform, c.Handle, c.Key, string(c.Payload), now+int64(i),
			); err != nil {
				return fmt.Errorf("store: insert creator: %w", err)
			}
			result.Inserted = append(result.Inserted, c.ID)
		}

		res, err = tx.ExecContext(ctx, s.q(
			`UPDATE jobs SET keywords_completed = keywords_completed + 1,
			creators_found = creators_found + ?,
			search_cursor = CASE WHEN ? <> '' THEN ? ELSE search_cursor END
			WHERE id = ? AND `+activeStatuses+` AND keywords_completed < keywords_dispatched`),
			len(result.Inserted), out.Cursor, out.Cursor, out.JobID,
		)
		if err != nil {
			return fmt.Errorf("store: count search: %w", err)
		}
		result.Counted, err = affected(res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCreator returns a creator of jobID, or nil.
func (s *Store) GetCreator(ctx context.Context, jobID, id string) (*Creator, error) {
	row := s.DB.QueryRowContext(ctx, s.q(
		`SELECT `+creatorColumns+` FROM creators WHERE job_id = ? AND id = ?`), jobID, id)
	return scanCreator(row)
}

// UpdateCreator rewrites a creator payload through merge and marks it
// enriched. merge receives the stored payload and returns the new one.
// It returns true when this call flipped enriched from 0 to 1, in which
// case creators_enriched is incremented too.
func (s *Store) UpdateCreator(ctx context.Context, jobID, id string, merge func([]byte) ([]byte, error)) (bool, error) {
	var flipped bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		flipped = false
		var payload string
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT payload FROM creators WHERE job_id = ? AND id = ?`+s.forUpdate()), jobID, id,
		).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: creator %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("store: read creator: %w", err)
		}

		merged, err := merge([]byte(payload))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE creators SET payload = ? WHERE job_id = ? AND id = ?`), string(merged), jobID, id,
		); err != nil {
			return fmt.Errorf("store: update creator: %w", err)
		}
		flipped, err = s.flipEnriched(ctx, tx, jobID, id)
		return err
	})
	return flipped, err
}

// MarkCreatorEnriched marks a creator done without touching its payload,
// for creators whose enrichment failed for good.
func (s *Store) MarkCreatorEnriched(ctx context.Context, jobID, id string) (bool, error) {
	var flipped bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		flipped, err = s.flipEnriched(ctx, tx, jobID, id)
		return err
	})
	return flipped, err
}

func (s *Store) flipEnriched(ctx context.Context, tx *sql.Tx, jobID, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE creators SET enriched = 1, enriched_at = ?
		WHERE job_id = ? AND id = ? AND enriched = 0`), s.nowMs(), jobID, id)
	if err != nil {
		return false, fmt.Errorf("store: mark enriched: %w", err)
	}
	flipped, err := affected(res)
	if err != nil || !flipped {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`UPDATE jobs SET creators_enriched = creators_enriched + 1 WHERE id = ? AND `+activeStatuses), jobID,
	); err != nil {
		return false, fmt.Errorf("store: count enriched: %w", err)
	}
	return true, nil
}

// CountCreators counts the creator rows of a job.
func (s *Store) CountCreators(ctx context.Context, jobID string) (Counts, error) {
	var c Counts
	var enriched sql.NullInt64
	err := s.DB.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*), SUM(enriched) FROM creators WHERE job_id = ?`), jobID,
	).Scan(&c.Total, &enriched)
	if err != nil {
		return Counts{}, fmt.Errorf("store: count creators: %w", err)
	}
	c.Enriched = int(enriched.Int64)
	return c, nil
}

// ListCreators returns one page of a job's creators in insertion order.
func (s *Store) ListCreators(ctx context.Context, jobID string, offset, limit int) ([]*Creator, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT `+creatorColumns+` FROM creators WHERE job_id = ?
		ORDER BY created_at, id LIMIT ? OFFSET ?`), jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creators := []*Creator{}
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		creators = append(creators, c)
	}
	return creators, rows.Err()
}

// UnenrichedCreatorIDs returns up to limit creator ids of a job still
// waiting for enrichment.
func (s *Store) UnenrichedCreatorIDs(ctx context.Context, jobID string, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT id FROM creators WHERE job_id = ? AND enriched = 0
		ORDER BY created_at, id LIMIT ?`), jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCreator(row rowScanner) (*Creator, error) {
	var c Creator
	var payload string
	var enriched int
	err := row.Scan(&c.ID, &c.JobID, &c.Platform, &c.Handle, &c.Key, &payload, &enriched, &c.CreatedAt, &c.EnrichedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan creator: %w", err)
	}
	c.Payload = []byte(payload)
	c.Enriched = enriched != 0
	return &c, nil
}
