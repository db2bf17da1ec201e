package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskKey struct{}
type instanceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches the task id being executed to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts the task id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok {
		return v
	}
	return ""
}

// WithInstanceID attaches the agent instance id to the context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceKey{}, instanceID)
}

// InstanceID extracts the agent instance id from context. Returns "" if absent.
func InstanceID(ctx context.Context) string {
	if v, ok := ctx.Value(instanceKey{}).(string); ok {
		return v
	}
	return ""
}

// NewInstanceID generates an instance id for an agent loop, prefixed by role
// so log lines and claimed_by columns stay readable.
func NewInstanceID(role string) string {
	return role + "-" + uuid.NewString()[:8]
}
