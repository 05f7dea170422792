package store

import "encoding/json"

// Status is the stored job state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusError, StatusTimeout:
		return true
	}
	return false
}

// EnrichmentStatus tracks the enrich phase of a processing job.
type EnrichmentStatus string

const (
	EnrichmentNotStarted EnrichmentStatus = "not_started"
	EnrichmentInProgress EnrichmentStatus = "in_progress"
	EnrichmentDone       EnrichmentStatus = "done"
)

// Job kinds.
const (
	KindKeyword = "keyword"
	KindSimilar = "similar"
)

// Delivery statuses.
const (
	DeliveryProcessing = "processing"
	DeliveryDone       = "done"
	DeliveryFailed     = "failed"
)

// Completion reasons recorded on terminal jobs.
const (
	ReasonAllEnriched = "all_enriched"
	ReasonNoResults   = "no_results"
	ReasonStale       = "stale"
	ReasonTimeout     = "timeout"
	ReasonFailed      = "failed"
)

// Job is one discovery request and its progress. CreatorsFound and
// CreatorsEnriched are advisory; completion is always decided on row
// counts.
type Job struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	CampaignID         string           `json:"campaign_id"`
	Kind               string           `json:"kind"`
	ParentJobID        string           `json:"parent_job_id,omitempty"`
	Platform           string           `json:"platform"`
	Keywords           []string         `json:"keywords"`
	UsedKeywords       []string         `json:"used_keywords"`
	TargetResults      int              `json:"target_results"`
	SeedUsername       string           `json:"seed_username,omitempty"`
	Options            map[string]any   `json:"options,omitempty"`
	Status             Status           `json:"status"`
	EnrichmentStatus   EnrichmentStatus `json:"enrichment_status"`
	KeywordsDispatched int              `json:"keywords_dispatched"`
	KeywordsCompleted  int              `json:"keywords_completed"`
	FailedDispatches   int              `json:"failed_dispatches"`
	CreatorsFound      int              `json:"creators_found"`
	CreatorsEnriched   int              `json:"creators_enriched"`
	SearchCursor       string           `json:"search_cursor,omitempty"`
	Error              string           `json:"error,omitempty"`
	ErrorRank          int              `json:"error_rank"`
	CompletionReason   string           `json:"completion_reason,omitempty"`
	MessageID          string           `json:"message_id,omitempty"`
	CreatedAt          int64            `json:"created_at"`
	DispatchedAt       *int64           `json:"dispatched_at,omitempty"`
	StartedAt          *int64           `json:"started_at,omitempty"`
	CompletedAt        *int64           `json:"completed_at,omitempty"`
	TimeoutAt          int64            `json:"timeout_at"`
}

// SearchDone reports whether every dispatched search task has completed.
func (j *Job) SearchDone() bool {
	return j.DispatchedAt != nil && j.KeywordsCompleted >= j.KeywordsDispatched
}

// Creator is one stored creator row. Payload is the provider-shaped
// document, opaque to the store.
type Creator struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Platform   string          `json:"platform"`
	Handle     string          `json:"handle"`
	Key        string          `json:"creator_key"`
	Payload    json.RawMessage `json:"payload"`
	Enriched   bool            `json:"enriched"`
	CreatedAt  int64           `json:"created_at"`
	EnrichedAt *int64          `json:"enriched_at,omitempty"`
}

// NewCreator is a creator candidate produced by a search task.
type NewCreator struct {
	ID       string
	Platform string
	Handle   string
	Key      string
	Payload  json.RawMessage
}

// Counts are the authoritative creator row counts of a job.
type Counts struct {
	Total    int `json:"total"`
	Enriched int `json:"enriched"`
}

// Delivery is one ledger row.
type Delivery struct {
	MessageID string `json:"message_id"`
	JobID     string `json:"job_id"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}
