// Package discovery runs the creator discovery pipeline: intake creates a
// job, the dispatch stage fans it out into search tasks, search tasks
// persist creators and queue enrich batches, and the tracker settles the
// job from row counts. Stages are stateless handlers invoked by signed
// queue deliveries; all coordination happens in the Job Store.
package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/discovery/internal/store"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/observability"
	"github.com/hazyhaar/scout/provider"
	"github.com/hazyhaar/scout/vtq"
)

// Publisher puts a message on a stage queue. Publishing an id that is
// already queued is a no-op.
type Publisher interface {
	Publish(ctx context.Context, id string, payload []byte) error
}

// Service is the discovery orchestrator.
type Service struct {
	store      *store.Store
	queues     map[string]*vtq.Q
	publishers map[string]Publisher
	adapter    provider.Adapter
	tracker    *Tracker
	recorder   *observability.Recorder
	config     *Config
	logger     *slog.Logger
	valid      *validator
	newJobID   idgen.Generator
	newCrtID   idgen.Generator
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRecorder records business events and metrics through r.
func WithRecorder(r *observability.Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now for the service, its store and its queues.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithPublisher replaces the queue used to publish messages of stage.
func WithPublisher(stage string, p Publisher) ServiceOption {
	return func(s *Service) { s.publishers[stage] = p }
}

// WithIDGenerators overrides the job and creator id generators.
func WithIDGenerators(job, creator idgen.Generator) ServiceOption {
	return func(s *Service) {
		s.newJobID = job
		s.newCrtID = creator
	}
}

// New creates the service on db, applies the schema and creates the stage
// queues on the same database.
func New(ctx context.Context, db *sql.DB, dialect dbopen.Dialect, adapter provider.Adapter, cfg *Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if dialect == "" {
		dialect = dbopen.SQLite
	}

	valid, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	svc := &Service{
		store:      store.NewStore(db, dialect),
		queues:     make(map[string]*vtq.Q, len(Stages)),
		publishers: make(map[string]Publisher, len(Stages)),
		adapter:    adapter,
		config:     cfg,
		logger:     slog.Default(),
		valid:      valid,
		newJobID:   idgen.Job,
		newCrtID:   idgen.Creator,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.store.Now = svc.now

	if err := svc.store.ApplySchema(ctx); err != nil {
		return nil, fmt.Errorf("discovery: apply schema: %w", err)
	}
	for _, stage := range Stages {
		q := vtq.New(db, vtq.Options{
			Queue:        stage,
			Visibility:   cfg.Queue.Visibility,
			PollInterval: cfg.Queue.PollInterval,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			RetryBase:    cfg.Queue.RetryBase,
			RetryMax:     cfg.Queue.RetryMax,
			Dialect:      dialect,
			Logger:       svc.logger,
			Now:          svc.now,
		})
		if err := q.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("discovery: queue %s: %w", stage, err)
		}
		svc.queues[stage] = q
		if _, ok := svc.publishers[stage]; !ok {
			svc.publishers[stage] = q
		}
	}

	svc.tracker = newTracker(svc.store, cfg.Tracker, svc.logger, svc.now)
	svc.tracker.notify = svc.onTerminal
	return svc, nil
}

// providerContext bounds the provider calls of one stage invocation, so
// the delivery is answered before its message becomes visible again.
func (svc *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, svc.config.Queue.HandlerTimeout)
}

// Queue returns the queue of stage, for relays.
func (svc *Service) Queue(stage string) *vtq.Q { return svc.queues[stage] }

// Tracker returns the job tracker.
func (svc *Service) Tracker() *Tracker { return svc.tracker }

// Config returns the effective configuration.
func (svc *Service) Config() *Config { return svc.config }

// Job returns a stored job, or ErrJobNotFound.
func (svc *Service) Job(ctx context.Context, jobID string) (*store.Job, error) {
	j, err := svc.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (svc *Service) publish(ctx context.Context, stage, id string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", stage, err)
	}
	return svc.publishers[stage].Publish(ctx, id, payload)
}

// lastAttempt reports whether the delivery in ctx is the last one the
// queue will make.
func (svc *Service) lastAttempt(attempt int) bool {
	return attempt >= svc.config.Queue.MaxAttempts
}

func (svc *Service) onTerminal(ctx context.Context, j *store.Job) {
	var ran time.Duration
	if j.StartedAt != nil && j.CompletedAt != nil {
		ran = time.Duration(*j.CompletedAt-*j.StartedAt) * time.Millisecond
	}
	svc.recorder.JobEvent(ctx, "job."+string(j.Status), j.ID, j.UserID,
		j.Status == store.StatusCompleted || j.Status == store.StatusPartial,
		map[string]any{"reason": j.CompletionReason, "error": j.Error, "keywords_completed": j.KeywordsCompleted})
	svc.recorder.JobFinished(string(j.Status), ran)
}
