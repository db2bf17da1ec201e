// Package fleet runs the agent workers: one Loop per agent instance, owned
// and supervised by the Fleet (spawning, autoscaling, heartbeat monitoring,
// orphan recovery, pause/resume).
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskbrew/internal/board"
	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/provider"
	"github.com/basket/taskbrew/internal/roles"
	"github.com/basket/taskbrew/internal/shared"
)

// LoopConfig tunes a Loop's timing. Zero values take the production
// defaults; tests compress them.
type LoopConfig struct {
	PollInterval      time.Duration // floor between claim attempts (default 1s)
	HeartbeatInterval time.Duration // instance liveness stamp (default 15s)
}

func (c LoopConfig) normalized() LoopConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Loop is one running agent instance: poll, claim, execute, report.
type Loop struct {
	instanceID string
	role       roles.Definition
	board      *board.Board
	bus        *bus.Bus
	provider   provider.Provider
	logger     *slog.Logger
	config     LoopConfig

	// paused is consulted between tasks; supplied by the fleet.
	paused func() bool

	busy      atomic.Bool
	idleSince atomic.Int64 // unix nanos
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewLoop builds a Loop for one instance of a role.
func NewLoop(instanceID string, role roles.Definition, brd *board.Board, eventBus *bus.Bus, prov provider.Provider, paused func() bool, logger *slog.Logger, cfg LoopConfig) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	l := &Loop{
		instanceID: instanceID,
		role:       role,
		board:      brd,
		bus:        eventBus,
		provider:   prov,
		logger:     logger.With("instance_id", instanceID, "role", role.Name),
		config:     cfg.normalized(),
		paused:     paused,
	}
	l.idleSince.Store(time.Now().UnixNano())
	return l
}

// InstanceID returns the loop's instance id.
func (l *Loop) InstanceID() string { return l.instanceID }

// Role returns the loop's role name.
func (l *Loop) Role() string { return l.role.Name }

// Busy reports whether the loop is executing a task.
func (l *Loop) Busy() bool { return l.busy.Load() }

// IdleSince returns when the loop last finished (or never started) work.
// Meaningless while Busy.
func (l *Loop) IdleSince() time.Time { return time.Unix(0, l.idleSince.Load()) }

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop cancels the loop and waits for it to exit. An in-flight provider
// invocation is aborted; its task returns to pending through the stale
// recovery path.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Wait blocks until the loop goroutines exit.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	store := l.board.Store()
	if err := store.RegisterAgent(ctx, l.instanceID, l.role.Name); err != nil {
		l.logger.Error("register agent", "error", err)
		return
	}
	l.setStatus(ctx, persistence.AgentIdle, "")

	// Instance heartbeat, busy or idle, for the whole loop lifetime.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.HeartbeatAgent(context.Background(), l.instanceID); err != nil {
					l.logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	// Wake on new or recovered work for this role, with a coarse polling
	// floor so nothing is ever missed.
	sub := l.bus.Subscribe("task.*")
	defer l.bus.Unsubscribe(sub)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	wasPaused := false
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		default:
		}

		if l.paused() {
			if !wasPaused {
				wasPaused = true
				l.setStatus(ctx, persistence.AgentPaused, "")
			}
			select {
			case <-ctx.Done():
				l.shutdown()
				return
			case <-ticker.C:
			}
			continue
		}
		if wasPaused {
			wasPaused = false
			l.setStatus(ctx, persistence.AgentIdle, "")
		}

		task, err := l.board.ClaimNext(ctx, l.role.Name, l.instanceID)
		if err != nil {
			l.logger.Error("claim failed", "error", err)
		}
		if task == nil {
			// Poll: wait for a matching event or the timer.
			l.waitForWork(ctx, sub, ticker)
			continue
		}
		l.execute(ctx, task)
	}
}

// waitForWork blocks until a task.created/task.recovered event for this
// role arrives, the poll timer fires, or the context ends.
func (l *Loop) waitForWork(ctx context.Context, sub *bus.Subscription, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			if e.Topic != bus.TopicTaskCreated && e.Topic != bus.TopicTaskRecovered {
				continue
			}
			if payload, ok := e.Payload.(bus.TaskEvent); ok && payload.Role == l.role.Name {
				return
			}
		}
	}
}

// shutdown returns any in-flight claim to pending and marks the instance
// stopped. Uses a background context: the loop context is already dead.
func (l *Loop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.board.RecoverStale(ctx, l.instanceID, time.Now().UTC().Add(time.Second)); err != nil {
		l.logger.Warn("recover on shutdown failed", "error", err)
	}
	l.setStatus(ctx, persistence.AgentStopped, "")
}

func (l *Loop) setStatus(ctx context.Context, status persistence.AgentStatus, taskID string) {
	store := l.board.Store()
	var old persistence.AgentStatus
	if agent, err := store.GetAgent(ctx, l.instanceID); err == nil && agent != nil {
		old = agent.Status
	}
	if err := store.SetAgentStatus(ctx, l.instanceID, status, taskID); err != nil {
		l.logger.Warn("set agent status failed", "error", err)
		return
	}
	if l.bus != nil && old != status {
		l.bus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusEvent{
			InstanceID: l.instanceID,
			Role:       l.role.Name,
			OldStatus:  string(old),
			NewStatus:  string(status),
		})
	}
}

// execute runs the provider for one claimed task and reports the outcome.
func (l *Loop) execute(ctx context.Context, task *persistence.Task) {
	l.busy.Store(true)
	l.setStatus(ctx, persistence.AgentBusy, task.ID)
	defer func() {
		l.busy.Store(false)
		l.idleSince.Store(time.Now().UnixNano())
		l.setStatus(ctx, persistence.AgentIdle, "")
	}()

	traceID := shared.NewTraceID()
	taskCtx := shared.WithTraceID(ctx, traceID)
	taskCtx = shared.WithTaskID(taskCtx, task.ID)
	taskCtx = shared.WithInstanceID(taskCtx, l.instanceID)
	taskCtx, cancel := context.WithTimeout(taskCtx, l.role.TaskTimeout)
	defer cancel()

	l.logger.Info("task execution started", "task_id", task.ID, "trace_id", traceID)

	outcome, err := l.provider.Invoke(taskCtx, provider.Request{
		TaskID:          task.ID,
		Role:            l.role.Name,
		Model:           l.role.Model,
		SystemPrompt:    l.role.SystemPrompt,
		Tools:           l.role.Tools,
		Title:           task.Title,
		Description:     task.Description,
		RejectionReason: task.RejectionReason,
		OnPartial: func(text string) {
			if l.bus != nil {
				l.bus.Publish(bus.TopicAgentText, bus.AgentTextEvent{
					InstanceID: l.instanceID,
					TaskID:     task.ID,
					Text:       text,
				})
			}
		},
	})

	// Reports outlive the loop context so a late result is still recorded
	// consistently; the board rejects anything whose claim moved on.
	bgCtx, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bgCancel()

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Instance stop: the task returns to pending via shutdown's
			// stale recovery, not as a failure.
			l.logger.Info("task aborted by shutdown", "task_id", task.ID)
			return
		}
		transient := provider.IsTransient(err)
		l.logger.Warn("provider invocation failed", "task_id", task.ID, "transient", transient, "error", err.Error())
		if ferr := l.board.FailTask(bgCtx, task.ID, l.instanceID, err.Error(), transient); ferr != nil {
			l.logger.Error("report failure failed", "task_id", task.ID, "error", ferr)
		}
		l.publishResult(task.ID, "fail")
		if transient {
			l.backoff(ctx, task.Attempt+1)
		}
		return
	}

	switch outcome.Kind {
	case provider.OutcomeReject:
		if _, rerr := l.board.RejectTask(bgCtx, task.ID, l.instanceID, outcome.Reason, outcome.BackToRole); rerr != nil {
			l.logger.Error("report rejection failed", "task_id", task.ID, "error", rerr)
		}
		l.publishResult(task.ID, "reject")
	case provider.OutcomeFail:
		if ferr := l.board.FailTask(bgCtx, task.ID, l.instanceID, outcome.Reason, outcome.Transient); ferr != nil {
			l.logger.Error("report failure failed", "task_id", task.ID, "error", ferr)
		}
		l.publishResult(task.ID, "fail")
	default:
		payload, merr := json.Marshal(outcome)
		if merr != nil {
			payload = []byte(`{"outcome":"success"}`)
		}
		if cerr := l.board.CompleteTask(bgCtx, task.ID, l.instanceID, string(payload)); cerr != nil {
			l.logger.Error("report completion failed", "task_id", task.ID, "error", cerr)
			return
		}
		l.publishResult(task.ID, "success")
		l.logger.Info("task execution finished", "task_id", task.ID, "children", len(outcome.Children))
	}
}

func (l *Loop) publishResult(taskID, outcome string) {
	if l.bus != nil {
		l.bus.Publish(bus.TopicAgentResult, bus.AgentResultEvent{
			InstanceID: l.instanceID,
			TaskID:     taskID,
			Outcome:    outcome,
		})
	}
}

// backoff sleeps exponentially on transient failures so a flapping provider
// is not hammered. attempt is 1-based.
func (l *Loop) backoff(ctx context.Context, attempt int) {
	const maxBackoff = 30 * time.Second
	delay := l.config.PollInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
