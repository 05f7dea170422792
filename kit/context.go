package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "queue"
	RequestIDKey contextKey = "kit_request_id"
	TraceIDKey   contextKey = "kit_trace_id"
	JobIDKey     contextKey = "kit_job_id"
	StageKey     contextKey = "kit_stage"
	MessageIDKey contextKey = "kit_message_id"
	AttemptKey   contextKey = "kit_attempt"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}
func GetStage(ctx context.Context) string {
	v, _ := ctx.Value(StageKey).(string)
	return v
}

// WithDelivery records the queue message id and the 1-based delivery
// attempt of the message currently being handled.
func WithDelivery(ctx context.Context, messageID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, MessageIDKey, messageID)
	return context.WithValue(ctx, AttemptKey, attempt)
}

// GetMessageID returns the queue message id, or "" outside a delivery.
func GetMessageID(ctx context.Context) string {
	v, _ := ctx.Value(MessageIDKey).(string)
	return v
}

// GetAttempt returns the delivery attempt, 1 when unknown.
func GetAttempt(ctx context.Context) int {
	if v, ok := ctx.Value(AttemptKey).(int); ok && v > 0 {
		return v
	}
	return 1
}
