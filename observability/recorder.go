package observability

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Recorder turns pipeline happenings into business events and metrics.
// A nil *Recorder, or one built with nil parts, records nothing.
type Recorder struct {
	events  *EventLogger
	metrics *MetricsManager
	service string
}

// NewRecorder returns a Recorder writing events and metrics for service.
func NewRecorder(events *EventLogger, metrics *MetricsManager, service string) *Recorder {
	return &Recorder{events: events, metrics: metrics, service: service}
}

// JobEvent records a job lifecycle event ("job.created", "job.completed",
// ...). details is marshalled to JSON when non-nil.
func (r *Recorder) JobEvent(ctx context.Context, eventType, jobID, userID string, success bool, details any) {
	if r == nil || r.events == nil {
		return
	}
	var raw string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			raw = string(b)
		}
	}
	r.events.LogEvent(ctx, BusinessEvent{
		EventType:   eventType,
		ServiceName: r.service,
		EntityType:  "job",
		EntityID:    jobID,
		UserID:      userID,
		Action:      eventType,
		Details:     raw,
		Success:     success,
	})
}

// JobFinished records a terminal transition and how long the job ran.
func (r *Recorder) JobFinished(status string, ran time.Duration) {
	if r == nil || r.metrics == nil {
		return
	}
	labels := map[string]string{"status": status}
	r.metrics.Count(MetricJobsCompleted, labels)
	if ran > 0 {
		r.metrics.Duration(MetricJobDurationMs, ran, labels)
	}
}

// StageOutcome counts one stage invocation result ("ok", "retry",
// "rejected", "failed").
func (r *Recorder) StageOutcome(stage, outcome string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Count(MetricStageOutcome, map[string]string{"stage": stage, "outcome": outcome})
}

// CreatorsFound records how many new creators a search task persisted.
func (r *Recorder) CreatorsFound(platform string, n int) {
	if r == nil || r.metrics == nil || n <= 0 {
		return
	}
	r.metrics.Record(&Metric{Name: MetricCreatorsFound, Value: float64(n), Unit: "count",
		Labels: map[string]string{"platform": platform}})
}

// Delivery records one relay delivery attempt. status is 0 when no
// response was received.
func (r *Recorder) Delivery(queue string, status int, d time.Duration, err error) {
	if r == nil || r.metrics == nil {
		return
	}
	labels := map[string]string{"queue": queue, "status": strconv.Itoa(status)}
	if err != nil {
		labels["result"] = "error"
	} else {
		labels["result"] = "ok"
	}
	r.metrics.Count(MetricDeliveryCount, labels)
	r.metrics.Duration(MetricDeliveryDurationMs, d, labels)
}
