// Package vtq implements a Visibility Timeout Queue backed by the relational
// store (SQLite or Postgres).
//
// Rows in the queue are invisible to consumers for a configurable duration
// after being claimed. If the holder processes the row successfully it acks
// (deletes) it. If the holder fails, the row is retried after a backoff
// delay; if it crashes or exceeds the timeout the row reappears on its own
// and another instance claims it. A message that keeps failing past
// MaxAttempts is moved to the vtq_dead table with its last error.
//
// Message ids are chosen by the publisher. Publishing an id that is already
// queued is a no-op, so producers can derive ids from the unit of work and
// republish safely after a crash.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_messages (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     TEXT NOT NULL,
//	    visible_at  BIGINT NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  BIGINT NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT
//	);
//	CREATE TABLE IF NOT EXISTS vtq_dead ( ... same columns + dead_at ... );
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scout/dbopen"
)

// Message is a row in the queue.
type Message struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues share the table.
	Queue string
	// Visibility is how long a claimed message stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loops.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts is the number of deliveries after which a failing message
	// is dead-lettered. 0 means unlimited.
	MaxAttempts int
	// RetryBase is the first retry delay; each further attempt doubles it
	// up to RetryMax. Defaults: 2s and 5m.
	RetryBase time.Duration
	RetryMax  time.Duration
	// Dialect selects placeholder syntax. Default: SQLite.
	Dialect dbopen.Dialect
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
	if o.Dialect == "" {
		o.Dialect = dbopen.SQLite
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Publish
// and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Name returns the logical queue name.
func (q *Q) Name() string { return q.opts.Queue }

// MaxAttempts returns the configured delivery limit (0 = unlimited).
func (q *Q) MaxAttempts() int { return q.opts.MaxAttempts }

func (q *Q) rebind(query string) string { return q.opts.Dialect.Rebind(query) }

const tableSchema = `
CREATE TABLE IF NOT EXISTS vtq_messages (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	visible_at  BIGINT NOT NULL DEFAULT 0,
	created_at  BIGINT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_messages (queue, visible_at);

CREATE TABLE IF NOT EXISTS vtq_dead (
	id          TEXT NOT NULL,
	queue       TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	attempts    INTEGER NOT NULL,
	last_error  TEXT,
	dead_at     BIGINT NOT NULL,
	PRIMARY KEY (queue, id)
);
`

// EnsureTable creates the queue tables and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	if err := dbopen.ExecScript(ctx, q.db, tableSchema); err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a message that is immediately visible. An id that is
// already queued is left untouched and Publish returns nil.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	return q.PublishAfter(ctx, id, payload, 0)
}

// PublishAfter inserts a message that becomes visible after delay.
func (q *Q) PublishAfter(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	now := q.opts.Now()
	_, err := dbopen.Exec(ctx, q.db, q.rebind(
		`INSERT INTO vtq_messages (id, queue, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (id) DO NOTHING`),
		id, q.opts.Queue, string(payload), now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return nil
}

// Claim atomically picks the oldest visible message, marks it invisible
// for the configured visibility duration, and returns it. Returns nil, nil
// if no message is available.
func (q *Q) Claim(ctx context.Context) (*Message, error) {
	msgs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// BatchClaim atomically claims up to n visible messages. It returns an
// empty (non-nil) slice when none are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Message, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	// The outer visible_at guard makes a concurrent claimer that blocked on
	// the same row skip it once the first claim commits (Postgres).
	rows, err := q.db.QueryContext(ctx, q.rebind(`
		UPDATE vtq_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM vtq_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		) AND visible_at <= ?
		RETURNING id, queue, payload, visible_at, created_at, attempts, last_error`),
		hideUntil, q.opts.Queue, now.UnixMilli(), n, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		var payload string
		var visAt, creAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&m.ID, &m.Queue, &payload, &visAt, &creAt, &m.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("vtq: scan claimed: %w", err)
		}
		m.Payload = []byte(payload)
		m.VisibleAt = time.UnixMilli(visAt)
		m.CreatedAt = time.UnixMilli(creAt)
		m.LastError = lastErr.String
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Ack deletes a successfully processed message.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, q.rebind(
		`DELETE FROM vtq_messages WHERE id = ? AND queue = ?`), id, q.opts.Queue,
	)
	return err
}

// Nack makes a message immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	return q.Retry(ctx, id, 0, "")
}

// Retry makes a message visible again after delay and records reason as
// its last error.
func (q *Q) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	visibleAt := q.opts.Now().Add(delay).UnixMilli()
	_, err := dbopen.Exec(ctx, q.db, q.rebind(
		`UPDATE vtq_messages SET visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`),
		visibleAt, nullIfEmpty(reason), id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a message that needs
// more processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := q.opts.Now().Add(extra).UnixMilli()
	_, err := dbopen.Exec(ctx, q.db, q.rebind(
		`UPDATE vtq_messages SET visible_at = ? WHERE id = ? AND queue = ?`),
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// DeadLetter moves a message to vtq_dead with reason as its last error.
func (q *Q) DeadLetter(ctx context.Context, m *Message, reason string) error {
	now := q.opts.Now().UnixMilli()
	return dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q.rebind(
			`INSERT INTO vtq_dead (id, queue, payload, created_at, attempts, last_error, dead_at)
			 VALUES (?,?,?,?,?,?,?)
			 ON CONFLICT (queue, id) DO UPDATE SET
			   attempts = excluded.attempts, last_error = excluded.last_error, dead_at = excluded.dead_at`),
			m.ID, q.opts.Queue, string(m.Payload), m.CreatedAt.UnixMilli(), m.Attempts, nullIfEmpty(reason), now,
		); err != nil {
			return fmt.Errorf("vtq: dead-letter insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.rebind(
			`DELETE FROM vtq_messages WHERE id = ? AND queue = ?`), m.ID, q.opts.Queue,
		); err != nil {
			return fmt.Errorf("vtq: dead-letter delete: %w", err)
		}
		return nil
	})
}

// Dead lists dead-lettered messages of this queue, newest first.
func (q *Q) Dead(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT id, queue, payload, created_at, attempts, last_error
		 FROM vtq_dead WHERE queue = ? ORDER BY dead_at DESC LIMIT ?`),
		q.opts.Queue, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var payload string
		var creAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&m.ID, &m.Queue, &payload, &creAt, &m.Attempts, &lastErr); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		m.CreatedAt = time.UnixMilli(creAt)
		m.LastError = lastErr.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Purge deletes all pending messages in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, q.rebind(`DELETE FROM vtq_messages WHERE queue = ?`), q.opts.Queue)
	return err
}

// Len returns the number of pending messages (visible + invisible).
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT COUNT(*) FROM vtq_messages WHERE queue = ?`), q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Backoff returns the retry delay after the given number of failed
// attempts: RetryBase, 2×RetryBase, 4×RetryBase, ... capped at RetryMax.
func (q *Q) Backoff(attempts int) time.Duration {
	d := q.opts.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.RetryMax {
			return q.opts.RetryMax
		}
	}
	return d
}

// Handler processes a claimed message. Return nil to ack, non-nil to retry.
type Handler func(ctx context.Context, m *Message) error

// Run polls for visible messages and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler)
		}
	}
}

// Drain claims and handles messages until none is visible. It returns the
// number of messages handled (acked, retried or dead-lettered).
func (q *Q) Drain(ctx context.Context, handler Handler) int {
	return q.poll(ctx, handler)
}

func (q *Q) poll(ctx context.Context, handler Handler) int {
	handled := 0
	for ctx.Err() == nil {
		m, err := q.Claim(ctx)
		if err != nil {
			q.opts.Logger.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			return handled
		}
		if m == nil {
			return handled
		}
		q.handle(ctx, context.WithoutCancel(ctx), m, handler)
		handled++
	}
	return handled
}

// handle runs handler and settles the message. settleCtx outlives ctx in
// RunBatch so that in-flight results are recorded during shutdown.
func (q *Q) handle(ctx, settleCtx context.Context, m *Message, handler Handler) {
	log := q.opts.Logger

	// A holder crashed mid-handling on the last allowed attempt.
	if q.opts.MaxAttempts > 0 && m.Attempts > q.opts.MaxAttempts {
		log.Warn("vtq: message exceeded max attempts, dead-lettering",
			"id", m.ID, "attempts", m.Attempts, "queue", q.opts.Queue)
		if err := q.DeadLetter(settleCtx, m, "max attempts exceeded"); err != nil {
			log.Error("vtq: dead-letter failed", "id", m.ID, "error", err)
		}
		return
	}

	err := handler(ctx, m)
	if err == nil {
		if err := q.Ack(settleCtx, m.ID); err != nil {
			log.Error("vtq: ack failed", "id", m.ID, "error", err, "queue", q.opts.Queue)
		}
		return
	}

	var perm *PermanentError
	if errors.As(err, &perm) || (q.opts.MaxAttempts > 0 && m.Attempts >= q.opts.MaxAttempts) {
		log.Warn("vtq: handler failed, dead-lettering", "id", m.ID, "attempts", m.Attempts, "error", err, "queue", q.opts.Queue)
		if err := q.DeadLetter(settleCtx, m, err.Error()); err != nil {
			log.Error("vtq: dead-letter failed", "id", m.ID, "error", err)
		}
		return
	}

	delay := q.Backoff(m.Attempts)
	log.Warn("vtq: handler failed, retrying", "id", m.ID, "attempts", m.Attempts, "delay", delay, "error", err, "queue", q.opts.Queue)
	if err := q.Retry(settleCtx, m.ID, delay, err.Error()); err != nil {
		log.Error("vtq: retry failed", "id", m.ID, "error", err)
	}
}

// RunBatch polls in batches and processes messages with bounded
// concurrency. It blocks until ctx is cancelled, draining in-flight
// handlers before returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: batch consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("vtq: batch consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			msgs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, m := range msgs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(context.Background(), m.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(m *Message) {
					defer wg.Done()
					defer func() { <-sem }()
					q.handle(ctx, context.Background(), m, handler)
				}(m)
			}
		}
	}
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the queue dead-letters the message at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
