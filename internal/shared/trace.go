package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type unitIDKey struct{}
type runIDKey struct{}
type occurrenceKey struct{}

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

// WithUnitID attaches the executing work unit's id to the context.
func WithUnitID(ctx context.Context, unitID string) context.Context {
	return context.WithValue(ctx, unitIDKey{}, unitID)
}

// UnitID extracts the work unit id from context. Returns "" if absent.
func UnitID(ctx context.Context) string {
	if v, ok := ctx.Value(unitIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithOccurrence attaches the scheduled occurrence (RFC3339) the current run
// serves. Idempotency keys for mutating tool calls include it so a retried
// run of the same occurrence dedupes while distinct occurrences do not.
func WithOccurrence(ctx context.Context, occurrence string) context.Context {
	return context.WithValue(ctx, occurrenceKey{}, occurrence)
}

// Occurrence extracts the scheduled occurrence from context. Returns "" if absent.
func Occurrence(ctx context.Context) string {
	if v, ok := ctx.Value(occurrenceKey{}).(string); ok {
		return v
	}
	return ""
}
