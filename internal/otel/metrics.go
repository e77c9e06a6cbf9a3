package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all minder metrics instruments.
type Metrics struct {
	RunDuration       metric.Float64Histogram
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	SandboxDuration   metric.Float64Histogram
	ActiveRuns        metric.Int64UpDownCounter
	StepsTotal        metric.Int64Counter
	RetriesScheduled  metric.Int64Counter
	PausesEngaged     metric.Int64Counter
	RepairsOpened     metric.Int64Counter
	EscalationsTotal  metric.Int64Counter
	ReconcileOutcomes metric.Int64Counter
}

// NewNoopMetrics returns instruments bound to a no-op meter, so call
// sites in partially wired components need no nil guards.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("minder.run.duration",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("minder.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("minder.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("minder.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("minder.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxDuration, err = meter.Float64Histogram("minder.sandbox.duration",
		metric.WithDescription("Script evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("minder.run.active",
		metric.WithDescription("Number of currently executing runs"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsTotal, err = meter.Int64Counter("minder.run.steps",
		metric.WithDescription("Total agent steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("minder.retry.scheduled",
		metric.WithDescription("Failed runs scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.PausesEngaged, err = meter.Int64Counter("minder.pause.engaged",
		metric.WithDescription("Global admission pauses engaged"),
	)
	if err != nil {
		return nil, err
	}

	m.RepairsOpened, err = meter.Int64Counter("minder.maintenance.repairs",
		metric.WithDescription("Repair items opened by the maintenance controller"),
	)
	if err != nil {
		return nil, err
	}

	m.EscalationsTotal, err = meter.Int64Counter("minder.maintenance.escalations",
		metric.WithDescription("Workflows escalated to the operator"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileOutcomes, err = meter.Int64Counter("minder.reconcile.outcomes",
		metric.WithDescription("Reconciliation outcomes by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
