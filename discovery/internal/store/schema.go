package store

// Schema is the complete discovery schema. Timestamps are unix
// milliseconds; JSON documents are stored as TEXT.
const Schema = `
-- One row per discovery request.
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    campaign_id         TEXT NOT NULL DEFAULT '',
    kind                TEXT NOT NULL DEFAULT 'keyword',
    parent_job_id       TEXT,
    platform            TEXT NOT NULL,
    keywords            TEXT NOT NULL DEFAULT '[]',
    used_keywords       TEXT NOT NULL DEFAULT '[]',
    target_results      INTEGER NOT NULL DEFAULT 0,
    seed_username       TEXT NOT NULL DEFAULT '',
    options             TEXT NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL DEFAULT 'pending',
    enrichment_status   TEXT NOT NULL DEFAULT 'not_started',
    keywords_dispatched INTEGER NOT NULL DEFAULT 0,
    keywords_completed  INTEGER NOT NULL DEFAULT 0,
    failed_dispatches   INTEGER NOT NULL DEFAULT 0,
    creators_found      INTEGER NOT NULL DEFAULT 0,
    creators_enriched   INTEGER NOT NULL DEFAULT 0,
    search_cursor       TEXT NOT NULL DEFAULT '',
    error               TEXT,
    error_rank          INTEGER NOT NULL DEFAULT 0,
    completion_reason   TEXT NOT NULL DEFAULT '',
    message_id          TEXT NOT NULL DEFAULT '',
    created_at          BIGINT NOT NULL,
    dispatched_at       BIGINT,
    started_at          BIGINT,
    completed_at        BIGINT,
    timeout_at          BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, started_at);

-- Creators found for a job. Not deduplicated across jobs.
CREATE TABLE IF NOT EXISTS creators (
    id          TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    platform    TEXT NOT NULL,
    handle      TEXT NOT NULL DEFAULT '',
    creator_key TEXT NOT NULL,
    payload     TEXT NOT NULL,
    enriched    INTEGER NOT NULL DEFAULT 0,
    created_at  BIGINT NOT NULL,
    enriched_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_creators_job ON creators(job_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_creators_enriched ON creators(job_id, enriched);

-- Normalized identity per job: platform:lower(handle or profile id).
CREATE TABLE IF NOT EXISTS creator_keys (
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    creator_key TEXT NOT NULL,
    creator_id  TEXT NOT NULL,
    PRIMARY KEY (job_id, creator_key)
);

-- Inbound stage deliveries by queue message id.
CREATE TABLE IF NOT EXISTS deliveries (
    message_id TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'processing',
    attempts   INTEGER NOT NULL DEFAULT 1,
    error      TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_job ON deliveries(job_id, stage);

-- Status responses of finished jobs.
CREATE TABLE IF NOT EXISTS response_cache (
    cache_key  TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    body       TEXT NOT NULL,
    expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_response_cache_expiry ON response_cache(expires_at);
`
