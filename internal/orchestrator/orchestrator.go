// Package orchestrator owns the lifecycle: it opens the store, freezes the
// role registry, wires the bus, board, router, and fleet together, and
// exposes the command surface the dashboard consumes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskbrew/internal/board"
	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/config"
	"github.com/basket/taskbrew/internal/fleet"
	"github.com/basket/taskbrew/internal/otel"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/provider"
	"github.com/basket/taskbrew/internal/roles"
	"github.com/basket/taskbrew/internal/router"
	"github.com/basket/taskbrew/internal/schedule"
)

// Exit codes for the process boundary.
const (
	ExitClean            = 0
	ExitDeadlineExceeded = 1
	ExitStoreFailure     = 2
)

// Option customizes construction.
type Option func(*Orchestrator)

// WithProviders replaces the provider registry (tests inject fakes here).
func WithProviders(p *provider.Registry) Option {
	return func(o *Orchestrator) { o.providers = p }
}

// WithFleetConfig overrides fleet timing (tests compress the clocks).
func WithFleetConfig(cfg fleet.Config) Option {
	return func(o *Orchestrator) { o.fleetConfig = cfg }
}

// Orchestrator wires the core together.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *persistence.Store
	bus       *bus.Bus
	registry  *roles.Registry
	board     *board.Board
	router    *router.Router
	fleet     *fleet.Fleet
	providers *provider.Registry
	scheduler *schedule.Scheduler
	otelProv  *otel.Provider
	metrics   *otel.Metrics

	fleetConfig fleet.Config

	cancel   context.CancelFunc
	degraded chan struct{}
	degOnce  sync.Once
	started  bool
}

// New opens the store and constructs every component. Call Start to run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry, err := roles.NewRegistry(cfg.Roles)
	if err != nil {
		return nil, fmt.Errorf("role registry: %w", err)
	}

	guardrails := persistence.Guardrails{
		MaxTaskDepth:        cfg.Team.Guardrails.MaxTaskDepth,
		MaxTasksPerGroup:    cfg.Team.Guardrails.MaxTasksPerGroup,
		RejectionCycleLimit: cfg.Team.Guardrails.RejectionCycleLimit,
	}
	store, err := persistence.Open(cfg.Team.DatabasePath, guardrails)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		bus:      bus.NewWithLogger(logger),
		degraded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.providers == nil {
		o.providers = provider.NewRegistry()
		for name, pc := range cfg.Team.Providers {
			if err := o.providers.Build(name, "cli", pc.Command, pc.Args); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
	}

	o.board = board.New(store, registry, o.bus, logger)
	o.router = router.New(o.board, registry, o.bus, logger)
	o.fleet = fleet.New(o.board, registry, o.bus, o.providers, logger, o.fleetConfig)
	o.scheduler = schedule.NewScheduler(schedule.Config{
		Store:     store,
		Submitter: o,
		Logger:    logger,
	})
	return o, nil
}

// Start wires subscriptions, repairs groups, and starts the fleet and the
// scheduler.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)

	otelProv, err := otel.Init(ctx, o.cfg.Team.Otel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	o.otelProv = otelProv
	o.metrics, err = otel.NewMetrics(otelProv.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// The router consumes completions asynchronously; a child's
	// task.created therefore always follows its parent's task.completed.
	o.bus.SubscribeFunc(bus.TopicTaskCompleted, func(e bus.Event) {
		o.router.HandleEvent(ctx, e)
	})

	// Every event lands in the durable log, bounded to the history limit.
	o.bus.SubscribeFunc("*", func(e bus.Event) {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		if err := o.store.AppendEvent(context.Background(), e.Topic, string(payload)); err != nil {
			o.logger.Warn("event persistence failed", "topic", e.Topic, "error", err)
		}
	})

	o.wireMetrics(ctx)

	// Durability faults end the run.
	o.bus.SubscribeSync(bus.TopicStoreDegraded, func(bus.Event) {
		o.degOnce.Do(func() { close(o.degraded) })
	})

	// Repair pass over every live group before agents start claiming.
	groups, err := o.store.ListGroups(ctx, true)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if _, err := o.board.UnblockScan(ctx, g.ID); err != nil {
			return fmt.Errorf("unblock scan %s: %w", g.ID, err)
		}
	}

	if err := o.fleet.Start(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}
	o.scheduler.Start(ctx)
	o.logger.Info("orchestrator started", "roles", len(o.registry.All()), "groups", len(groups))
	return nil
}

func (o *Orchestrator) wireMetrics(ctx context.Context) {
	o.bus.SubscribeSync(bus.TopicTaskCreated, func(bus.Event) { o.metrics.TasksCreated.Add(ctx, 1) })
	o.bus.SubscribeSync(bus.TopicTaskClaimed, func(bus.Event) { o.metrics.TasksClaimed.Add(ctx, 1) })
	o.bus.SubscribeSync(bus.TopicTaskCompleted, func(bus.Event) { o.metrics.TasksCompleted.Add(ctx, 1) })
	o.bus.SubscribeSync(bus.TopicTaskFailed, func(bus.Event) { o.metrics.TasksFailed.Add(ctx, 1) })
	o.bus.SubscribeSync(bus.TopicTaskRejected, func(bus.Event) { o.metrics.TasksRejected.Add(ctx, 1) })
	o.bus.SubscribeSync(bus.TopicTaskRecovered, func(bus.Event) { o.metrics.TasksRecovered.Add(ctx, 1) })

	// Queue depth is sampled, not event-driven: unblocks and requeues move
	// tasks to pending without a dedicated topic.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, role := range o.registry.All() {
					depth, err := o.store.PendingCount(ctx, role.Name)
					if err != nil {
						continue
					}
					o.metrics.QueueDepth.Record(ctx, int64(depth),
						metric.WithAttributes(attribute.String("role", role.Name)))
				}
			}
		}
	}()
}

// Stop drains the fleet within the shutdown deadline, then tears the rest
// down. Returns the process exit code.
func (o *Orchestrator) Stop() int {
	deadline := o.cfg.Team.ShutdownDeadline()
	clean := o.fleet.Stop(deadline)
	o.scheduler.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.fleet.Wait()
	o.bus.Close()
	if o.otelProv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = o.otelProv.Shutdown(shutdownCtx)
		cancel()
	}
	storeErr := o.store.Close()

	switch {
	case o.isDegraded() || storeErr != nil:
		return ExitStoreFailure
	case !clean:
		return ExitDeadlineExceeded
	default:
		return ExitClean
	}
}

// Run starts the orchestrator and blocks until ctx is cancelled or the
// store degrades, then stops and returns the exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	if err := o.Start(ctx); err != nil {
		o.logger.Error("startup failed", "error", err)
		_ = o.store.Close()
		return ExitStoreFailure
	}
	select {
	case <-ctx.Done():
	case <-o.degraded:
		o.logger.Error("store degraded; shutting down")
	}
	return o.Stop()
}

func (o *Orchestrator) isDegraded() bool {
	select {
	case <-o.degraded:
		return true
	default:
		return false
	}
}

// Bus exposes the event bus for external consumers (dashboard adapters).
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// Board exposes the task board.
func (o *Orchestrator) Board() *board.Board {
	return o.board
}

// --- Command surface ---

// SubmitGoal creates a group and its root task. The root is assigned to the
// first configured role, which makes the first role document the goal
// intake role by convention.
func (o *Orchestrator) SubmitGoal(ctx context.Context, title, description string) (string, string, error) {
	all := o.registry.All()
	if len(all) == 0 {
		return "", "", fmt.Errorf("no roles configured")
	}
	intake := all[0]
	taskType := "goal"
	if len(intake.Accepts) > 0 {
		taskType = intake.Accepts[0]
	}

	group, err := o.store.CreateGroup(ctx, title, description)
	if err != nil {
		return "", "", err
	}
	task, err := o.board.CreateTask(ctx, persistence.TaskSpec{
		GroupID:     group.ID,
		Title:       title,
		Description: description,
		TaskType:    taskType,
		AssignedTo:  intake.Name,
		Priority:    persistence.PriorityHigh,
	})
	if err != nil {
		return "", "", err
	}
	o.logger.Info("goal submitted", "group_id", group.ID, "root_task_id", task.ID)
	return group.ID, task.ID, nil
}

// CreateTask creates one task through the board.
func (o *Orchestrator) CreateTask(ctx context.Context, spec persistence.TaskSpec) (string, error) {
	task, err := o.board.CreateTask(ctx, spec)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// CancelTask cancels a live task and its dependents.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason string) error {
	return o.board.CancelTask(ctx, taskID, reason)
}

// RetryTask re-queues a terminally failed task.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) error {
	return o.store.RetryTask(ctx, taskID)
}

// ReassignTask moves a blocked or pending task to another role. In-progress
// tasks must be cancelled and re-created instead.
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, role string) error {
	if _, ok := o.registry.Get(role); !ok {
		return &board.GuardrailError{Detail: fmt.Sprintf("unknown role %q", role)}
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &board.StateError{Op: "reassign task", TaskID: taskID, Detail: "task does not exist"}
	}
	if task.Status == persistence.StatusInProgress {
		return &board.StateError{Op: "reassign task", TaskID: taskID,
			Detail: "in_progress tasks must be cancelled and re-created"}
	}
	err = o.store.ReassignTask(ctx, taskID, role)
	var conflict *persistence.ConflictError
	if errors.As(err, &conflict) {
		return &board.StateError{Op: "reassign task", TaskID: taskID, Detail: conflict.Detail}
	}
	return err
}

// PauseRole pauses one role or "all".
func (o *Orchestrator) PauseRole(role string) {
	o.fleet.PauseRole(role)
}

// ResumeRole resumes one role or "all".
func (o *Orchestrator) ResumeRole(role string) {
	o.fleet.ResumeRole(role)
}

// ListTasks returns tasks matching the filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// GetTask returns one task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*persistence.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListAgents returns the live agent instances.
func (o *Orchestrator) ListAgents(ctx context.Context) ([]persistence.Agent, error) {
	return o.store.ListAgents(ctx, false)
}
