package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksClaimed    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRejected   metric.Int64Counter
	TasksRecovered  metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	ActiveInstances metric.Int64UpDownCounter
	QueueDepth      metric.Int64Gauge
	ProviderErrors  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("taskbrew.tasks.created",
		metric.WithDescription("Tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("taskbrew.tasks.claimed",
		metric.WithDescription("Tasks claimed by agent instances"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskbrew.tasks.completed",
		metric.WithDescription("Tasks terminally completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskbrew.tasks.failed",
		metric.WithDescription("Task failure reports, transient requeues included"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("taskbrew.tasks.rejected",
		metric.WithDescription("Tasks rejected back to their source role"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRecovered, err = meter.Int64Counter("taskbrew.tasks.recovered",
		metric.WithDescription("Orphaned tasks returned to pending"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskbrew.task.duration",
		metric.WithDescription("Claim-to-terminal task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInstances, err = meter.Int64UpDownCounter("taskbrew.agents.active",
		metric.WithDescription("Running agent instances"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge("taskbrew.queue.depth",
		metric.WithDescription("Pending tasks per role"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderErrors, err = meter.Int64Counter("taskbrew.provider.errors",
		metric.WithDescription("Provider invocation errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
