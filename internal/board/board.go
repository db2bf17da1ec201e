// Package board is the authority on task state. Every task mutation flows
// through here: guardrail validation, the claim protocol, completion with
// dependent unblocking, failure cascades, rejection cycles, and the
// idempotent unblock scan. The board emits the task.* events other
// components react to.
package board

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/roles"
)

// GuardrailError reports that creating or mutating a task would violate a
// hard limit: depth, per-group cap, dependency cycle, or an unknown role.
type GuardrailError struct {
	Detail string
	Err    error
}

func (e *GuardrailError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guardrail: %s: %v", e.Detail, e.Err)
	}
	return "guardrail: " + e.Detail
}

func (e *GuardrailError) Unwrap() error { return e.Err }

// StateError reports a transition that is illegal from the task's current
// state, including completions from an instance that no longer holds the
// claim.
type StateError struct {
	Op     string
	TaskID string
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.TaskID, e.Detail)
}

// Board coordinates the store, the role registry, and the event bus.
type Board struct {
	store    *persistence.Store
	registry *roles.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	claimsHalted atomic.Bool
}

// New builds a Board.
func New(store *persistence.Store, registry *roles.Registry, b *bus.Bus, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{store: store, registry: registry, bus: b, logger: logger}
}

// HaltClaims stops ClaimNext from handing out work. Used when the store
// reports a durability fault.
func (b *Board) HaltClaims() {
	b.claimsHalted.Store(true)
}

// ClaimsHalted reports whether claiming is suspended.
func (b *Board) ClaimsHalted() bool {
	return b.claimsHalted.Load()
}

// checkDegraded publishes store.degraded on the first durability fault.
func (b *Board) checkDegraded(err error) {
	if err == nil || !persistence.IsDurability(err) {
		return
	}
	if b.claimsHalted.CompareAndSwap(false, true) {
		b.logger.Error("store degraded; halting claims", "error", err)
		b.publish(bus.TopicStoreDegraded, map[string]string{"error": err.Error()})
	}
}

func (b *Board) publish(topic string, payload interface{}) {
	if b.bus != nil {
		b.bus.Publish(topic, payload)
	}
}

func taskEvent(t persistence.Task, reason string) bus.TaskEvent {
	return bus.TaskEvent{
		TaskID:  t.ID,
		GroupID: t.GroupID,
		Role:    t.AssignedTo,
		Status:  string(t.Status),
		Reason:  reason,
	}
}

// validateSpec fills the role prefix and checks the role and task type
// against the registry.
func (b *Board) validateSpec(spec *persistence.TaskSpec) error {
	role, ok := b.registry.Get(spec.AssignedTo)
	if !ok {
		return &GuardrailError{Detail: fmt.Sprintf("unknown role %q", spec.AssignedTo)}
	}
	if spec.Prefix == "" {
		spec.Prefix = role.Prefix
	}
	if len(role.Accepts) > 0 && !role.AcceptsType(spec.TaskType) {
		return &GuardrailError{Detail: fmt.Sprintf("role %q does not accept task type %q", spec.AssignedTo, spec.TaskType)}
	}
	return nil
}

func (b *Board) wrapCreateErr(err error) error {
	if err == nil {
		return nil
	}
	b.checkDegraded(err)
	if persistence.IsIntegrity(err) {
		return &GuardrailError{Detail: "task creation rejected", Err: err}
	}
	return err
}

// CreateTask validates and creates one task, emitting task.created.
func (b *Board) CreateTask(ctx context.Context, spec persistence.TaskSpec) (*persistence.Task, error) {
	if err := b.validateSpec(&spec); err != nil {
		return nil, err
	}
	task, err := b.store.CreateTask(ctx, spec)
	if err != nil {
		return nil, b.wrapCreateErr(err)
	}
	b.publish(bus.TopicTaskCreated, taskEvent(*task, ""))
	return task, nil
}

// CreateTaskGraph atomically creates a batch of tasks with sibling
// dependencies (the router's child graphs). Either all tasks exist with
// their edges, or none do.
func (b *Board) CreateTaskGraph(ctx context.Context, specs []persistence.TaskSpec) ([]persistence.Task, error) {
	for i := range specs {
		if err := b.validateSpec(&specs[i]); err != nil {
			return nil, err
		}
	}
	tasks, err := b.store.CreateTasks(ctx, specs)
	if err != nil {
		return nil, b.wrapCreateErr(err)
	}
	for _, task := range tasks {
		b.publish(bus.TopicTaskCreated, taskEvent(task, ""))
	}
	return tasks, nil
}

// ClaimNext hands the instance the best pending task for its role, or nil.
// Race losses are silent: the caller just polls again.
func (b *Board) ClaimNext(ctx context.Context, role, instanceID string) (*persistence.Task, error) {
	if b.claimsHalted.Load() {
		return nil, nil
	}
	task, err := b.store.ClaimNext(ctx, role, instanceID)
	if err != nil {
		if persistence.IsConflict(err) {
			return nil, nil
		}
		b.checkDegraded(err)
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	b.publish(bus.TopicTaskClaimed, taskEvent(*task, ""))
	return task, nil
}

// CompleteTask records a successful result, unblocking dependents in the
// same transaction, and emits task.completed.
func (b *Board) CompleteTask(ctx context.Context, taskID, instanceID, result string) error {
	const op = "complete task"
	unblocked, err := b.store.RecordCompletion(ctx, taskID, instanceID, result)
	if err != nil {
		b.checkDegraded(err)
		if persistence.IsConflict(err) {
			return &StateError{Op: op, TaskID: taskID, Detail: err.Error()}
		}
		return err
	}
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		b.checkDegraded(err)
		return err
	}
	b.publish(bus.TopicTaskCompleted, taskEvent(*task, ""))
	if len(unblocked) > 0 {
		b.logger.Info("dependents unblocked", "task_id", taskID, "unblocked", unblocked)
	}
	return nil
}

// FailTask reports a failed execution. Transient failures with attempts
// remaining revert the task to pending; otherwise the task terminally fails
// and the failure cascades through its dependents. A task.failed event is
// emitted for the reported task on every call, a transient requeue included,
// and then one per cascaded dependent, in topological order.
func (b *Board) FailTask(ctx context.Context, taskID, instanceID, errMsg string, transient bool) error {
	const op = "fail task"
	decision, err := b.store.HandleFailure(ctx, taskID, instanceID, errMsg, transient)
	if err != nil {
		b.checkDegraded(err)
		if persistence.IsConflict(err) {
			return &StateError{Op: op, TaskID: taskID, Detail: err.Error()}
		}
		return err
	}

	task, err := b.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		b.checkDegraded(err)
		return err
	}
	b.publish(bus.TopicTaskFailed, taskEvent(*task, errMsg))
	if decision.Outcome == persistence.FailureRequeued {
		return nil
	}
	for _, id := range decision.CascadeFailed {
		cascaded, err := b.store.GetTask(ctx, id)
		if err != nil || cascaded == nil {
			b.checkDegraded(err)
			continue
		}
		b.publish(bus.TopicTaskFailed, taskEvent(*cascaded, "upstream failure"))
	}
	return nil
}

// RejectTask sends a task back to its source role. Within the cycle limit a
// replacement child is created in the same transaction; when the
// (role, task type) pair has already been through the loop
// rejection_cycle_limit times, the replacement is born terminally failed
// and the loop ends.
func (b *Board) RejectTask(ctx context.Context, taskID, instanceID, reason, backToRole string) (*persistence.Task, error) {
	const op = "reject task"
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		b.checkDegraded(err)
		return nil, err
	}
	if task == nil {
		return nil, &StateError{Op: op, TaskID: taskID, Detail: "task does not exist"}
	}
	role, ok := b.registry.Get(backToRole)
	if !ok {
		return nil, &GuardrailError{Detail: fmt.Sprintf("unknown rejection target role %q", backToRole)}
	}

	chain, err := b.store.AncestorChain(ctx, taskID)
	if err != nil {
		b.checkDegraded(err)
		return nil, err
	}
	// Count how many times this (role, task type) pair already appears in
	// the rejection ancestry, the task itself included. The new child makes
	// one more.
	occurrences := 1
	if task.AssignedTo == backToRole {
		occurrences++
	}
	for _, ancestor := range chain {
		if ancestor.AssignedTo == backToRole && ancestor.TaskType == task.TaskType {
			occurrences++
		}
	}
	childFailReason := ""
	if occurrences > b.store.Guardrails().RejectionCycleLimit {
		childFailReason = "rejection cycle limit exceeded"
	}

	childSpec := persistence.TaskSpec{
		GroupID:         task.GroupID,
		Title:           task.Title,
		Description:     task.Description,
		TaskType:        task.TaskType,
		AssignedTo:      backToRole,
		Prefix:          role.Prefix,
		Priority:        task.Priority,
		ParentID:        task.ID,
		RejectionReason: reason,
	}
	child, terminal, err := b.store.RejectTask(ctx, taskID, instanceID, reason, &childSpec, childFailReason)
	if err != nil {
		b.checkDegraded(err)
		if persistence.IsConflict(err) {
			return nil, &StateError{Op: op, TaskID: taskID, Detail: err.Error()}
		}
		if persistence.IsIntegrity(err) {
			return nil, &GuardrailError{Detail: "rejection child rejected", Err: err}
		}
		return nil, err
	}

	rejected, err := b.store.GetTask(ctx, taskID)
	if err == nil && rejected != nil {
		b.publish(bus.TopicTaskRejected, taskEvent(*rejected, reason))
		if terminal {
			b.publish(bus.TopicTaskFailed, taskEvent(*rejected, "rejection cycle limit exceeded"))
		}
	}
	if child != nil {
		b.publish(bus.TopicTaskCreated, taskEvent(*child, ""))
		if child.Status == persistence.StatusFailed {
			b.publish(bus.TopicTaskFailed, taskEvent(*child, childFailReason))
		}
	}
	return child, nil
}

// CancelTask moves any live task to cancelled and cascades to its
// dependents, emitting task.cancelled per affected task.
func (b *Board) CancelTask(ctx context.Context, taskID, reason string) error {
	const op = "cancel task"
	cancelled, cascaded, err := b.store.CancelTask(ctx, taskID, reason)
	if err != nil {
		b.checkDegraded(err)
		return err
	}
	if !cancelled {
		return &StateError{Op: op, TaskID: taskID, Detail: "not in a live state"}
	}
	task, err := b.store.GetTask(ctx, taskID)
	if err == nil && task != nil {
		b.publish(bus.TopicTaskCancelled, taskEvent(*task, reason))
	}
	for _, id := range cascaded {
		dep, err := b.store.GetTask(ctx, id)
		if err != nil || dep == nil {
			continue
		}
		b.publish(bus.TopicTaskCancelled, taskEvent(*dep, "upstream cancelled"))
	}
	return nil
}

// RecoverStale returns every in-progress task claimed by the instance and
// started before the cutoff to pending, emitting task.recovered per task.
// Reused by both the heartbeat reaper and loop shutdown.
func (b *Board) RecoverStale(ctx context.Context, instanceID string, cutoff time.Time) ([]string, error) {
	reverted, err := b.store.ResetStale(ctx, instanceID, cutoff)
	if err != nil {
		b.checkDegraded(err)
		return nil, err
	}
	for _, id := range reverted {
		task, err := b.store.GetTask(ctx, id)
		if err != nil || task == nil {
			continue
		}
		b.publish(bus.TopicTaskRecovered, taskEvent(*task, "stale claim recovered"))
	}
	return reverted, nil
}

// UnblockScan runs the idempotent repair pass on a group, emitting events
// for any cascades it performs.
func (b *Board) UnblockScan(ctx context.Context, groupID string) (persistence.UnblockResult, error) {
	result, err := b.store.UnblockScan(ctx, groupID)
	if err != nil {
		b.checkDegraded(err)
		return persistence.UnblockResult{}, err
	}
	for _, id := range result.Failed {
		task, err := b.store.GetTask(ctx, id)
		if err != nil || task == nil {
			continue
		}
		b.publish(bus.TopicTaskFailed, taskEvent(*task, "upstream failure"))
	}
	for _, id := range result.Cancelled {
		task, err := b.store.GetTask(ctx, id)
		if err != nil || task == nil {
			continue
		}
		b.publish(bus.TopicTaskCancelled, taskEvent(*task, "upstream cancelled"))
	}
	return result, nil
}

// Store exposes the underlying store for read paths.
func (b *Board) Store() *persistence.Store {
	return b.store
}

// Registry exposes the role registry snapshot.
func (b *Board) Registry() *roles.Registry {
	return b.registry
}
