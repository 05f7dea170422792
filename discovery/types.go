package discovery

import (
	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/provider"
)

// Stage names, also the queue names and the last segment of the worker
// URLs.
const (
	StageDispatch = "dispatch"
	StageSearch   = "search"
	StageEnrich   = "enrich"
)

// Stages lists every stage in pipeline order.
var Stages = []string{StageDispatch, StageSearch, StageEnrich}

// CreateJobRequest is produced by the intake collaborator, which has
// already authenticated the user and checked plan limits.
type CreateJobRequest struct {
	UserID        string         `json:"userId"`
	CampaignID    string         `json:"campaignId,omitempty"`
	Platform      string         `json:"platform"`
	Keywords      []string       `json:"keywords,omitempty"`
	TargetResults int            `json:"targetResults"`
	SeedUsername  string         `json:"seedUsername,omitempty"`
	ParentJobID   string         `json:"parentJobId,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// CreateJobResponse is returned by intake.
type CreateJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// DispatchTask is the dispatch stage message.
type DispatchTask struct {
	JobID         string         `json:"jobId"`
	Platform      string         `json:"platform"`
	Keywords      []string       `json:"keywords"`
	TargetResults int            `json:"targetResults"`
	SeedUsername  string         `json:"seedUsername,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// DispatchResult reports one dispatch invocation.
type DispatchResult struct {
	JobID      string   `json:"jobId"`
	Dispatched int      `json:"dispatched"`
	Failed     int      `json:"failedDispatches"`
	Keywords   []string `json:"keywords,omitempty"`
	Skipped    string   `json:"skipped,omitempty"`
}

// SearchTask is the search stage message. An empty Keyword with a
// SeedUsername runs a similar-creators search.
type SearchTask struct {
	JobID         string         `json:"jobId"`
	Keyword       string         `json:"keyword,omitempty"`
	Platform      string         `json:"platform"`
	SeedUsername  string         `json:"seedUsername,omitempty"`
	TaskIndex     int            `json:"taskIndex"`
	TargetResults int            `json:"targetResults,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// SearchResult reports one search invocation.
type SearchResult struct {
	JobID         string `json:"jobId"`
	Keyword       string `json:"keyword,omitempty"`
	CreatorsFound int    `json:"creatorsFound"`
	CreatorsNew   int    `json:"creatorsNew"`
	EnrichBatches int    `json:"enrichBatches"`
	Pages         int    `json:"pages"`
	Error         string `json:"error,omitempty"`
	Skipped       string `json:"skipped,omitempty"`
}

// EnrichTask is the enrich stage message.
type EnrichTask struct {
	JobID        string   `json:"jobId"`
	Platform     string   `json:"platform"`
	CreatorIDs   []string `json:"creatorIds"`
	BatchIndex   int      `json:"batchIndex"`
	TotalBatches int      `json:"totalBatches"`
}

// EnrichResult reports one enrich invocation.
type EnrichResult struct {
	JobID            string `json:"jobId"`
	CreatorsEnriched int    `json:"creatorsEnriched"`
	EmailsFound      int    `json:"emailsFound"`
	Error            string `json:"error,omitempty"`
	Completed        bool   `json:"completed,omitempty"`
	Skipped          string `json:"skipped,omitempty"`
}

// StatusRequest selects one page of a job's creators.
type StatusRequest struct {
	JobID  string `json:"jobId"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// StatusResponse is the client-facing job summary.
type StatusResponse struct {
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Error      string      `json:"error,omitempty"`
	Progress   Progress    `json:"progress"`
	Results    []ResultSet `json:"results"`
	Pagination Pagination  `json:"pagination"`
	Job        *JobSummary `json:"job,omitempty"`
}

// Progress is the client view of job progress.
type Progress struct {
	KeywordsDispatched int `json:"keywordsDispatched"`
	KeywordsCompleted  int `json:"keywordsCompleted"`
	CreatorsFound      int `json:"creatorsFound"`
	CreatorsEnriched   int `json:"creatorsEnriched"`
	PercentComplete    int `json:"percentComplete"`
}

// ResultSet groups one page of creators of a job.
type ResultSet struct {
	ID       string        `json:"id"`
	Creators []CreatorView `json:"creators"`
}

// CreatorView is a stored creator as returned to clients.
type CreatorView struct {
	ID        string `json:"id"`
	Enriched  bool   `json:"enriched"`
	CreatedAt int64  `json:"createdAt"`
	provider.Creator
}

// Pagination describes the returned page. NextOffset is nil when no rows
// remain.
type Pagination struct {
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	NextOffset *int `json:"nextOffset"`
}

// JobSummary carries the request parameters and lifecycle timestamps.
type JobSummary struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Platform     string   `json:"platform"`
	Keywords     []string `json:"keywords"`
	UsedKeywords []string `json:"usedKeywords"`
	CreatedAt    int64    `json:"createdAt"`
	StartedAt    *int64   `json:"startedAt,omitempty"`
	CompletedAt  *int64   `json:"completedAt,omitempty"`
	TimeoutAt    int64    `json:"timeoutAt"`
}

func summarize(j *store.Job) *JobSummary {
	return &JobSummary{
		ID:           j.ID,
		Kind:         j.Kind,
		Platform:     j.Platform,
		Keywords:     j.Keywords,
		UsedKeywords: j.UsedKeywords,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		TimeoutAt:    j.TimeoutAt,
	}
}
