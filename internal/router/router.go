// Package router turns completed tasks into follow-up work. On every
// task.completed event it reads the completion's produces payload, resolves
// each produced task type to a consumer role through the registry's routing
// rules, and creates the child graph atomically through the board.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/taskbrew/internal/board"
	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/provider"
	"github.com/basket/taskbrew/internal/roles"
)

// Router is an event-bus subscriber; it owns no state beyond its wiring.
type Router struct {
	board    *board.Board
	registry *roles.Registry
	bus      *bus.Bus
	logger   *slog.Logger
}

// New builds a Router.
func New(b *board.Board, registry *roles.Registry, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{board: b, registry: registry, bus: eventBus, logger: logger}
}

// HandleEvent is the bus subscription entry point for task.completed.
func (r *Router) HandleEvent(ctx context.Context, event bus.Event) {
	payload, ok := event.Payload.(bus.TaskEvent)
	if !ok {
		return
	}
	if err := r.Route(ctx, payload.TaskID); err != nil {
		r.logger.Error("routing failed", "task_id", payload.TaskID, "error", err)
	}
}

// Route creates the follow-up tasks for one completed task. The child graph
// is created in a single transaction: either every child exists with its
// dependency edges, or none do.
func (r *Router) Route(ctx context.Context, taskID string) error {
	task, err := r.board.Store().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != persistence.StatusCompleted {
		return nil
	}
	if task.ResultPayload == "" {
		return nil
	}
	outcome, err := provider.ParseOutcome(task.ResultPayload)
	if err != nil {
		return fmt.Errorf("parse completion payload: %w", err)
	}
	if outcome.Kind != provider.OutcomeSuccess || len(outcome.Children) == 0 {
		return nil
	}

	source, ok := r.registry.Get(task.AssignedTo)
	if !ok {
		return fmt.Errorf("completed task %s has unknown role %q", taskID, task.AssignedTo)
	}

	// Filter to routable children; everything illegal is dropped with an
	// event rather than failing the legal remainder.
	type routed struct {
		child  provider.ChildSpec
		target roles.Definition
	}
	var accepted []routed
	for _, child := range outcome.Children {
		if len(source.Produces) > 0 && !source.ProducesType(child.TaskType) {
			r.drop(task, child.TaskType)
			continue
		}
		target, ok := r.registry.ConsumerFor(source, child.TaskType)
		if !ok {
			r.drop(task, child.TaskType)
			continue
		}
		accepted = append(accepted, routed{child: child, target: target})
	}
	if len(accepted) == 0 {
		return nil
	}

	// Topologically order the accepted children so dependency edges always
	// point at earlier ids.
	order, err := topoSort(len(accepted), func(i int) (string, []string) {
		return childName(accepted[i].child, i), accepted[i].child.BlockedBy
	})
	if err != nil {
		return fmt.Errorf("order children of %s: %w", taskID, err)
	}

	// Position of each local name in the final spec order.
	position := make(map[string]int, len(order))
	for pos, idx := range order {
		position[childName(accepted[idx].child, idx)] = pos
	}

	specs := make([]persistence.TaskSpec, 0, len(order))
	for _, idx := range order {
		entry := accepted[idx]
		var blockedBy []string
		for _, ref := range entry.child.BlockedBy {
			if pos, ok := position[ref]; ok {
				blockedBy = append(blockedBy, persistence.SiblingRef(pos))
				continue
			}
			// Not a sibling: must be an existing task id in the group; the
			// store validates existence and group membership.
			blockedBy = append(blockedBy, ref)
		}
		specs = append(specs, persistence.TaskSpec{
			GroupID:     task.GroupID,
			Title:       entry.child.Title,
			Description: entry.child.Description,
			TaskType:    entry.child.TaskType,
			AssignedTo:  entry.target.Name,
			Prefix:      entry.target.Prefix,
			Priority:    persistence.Priority(entry.child.Priority),
			ParentID:    task.ID,
			BlockedBy:   blockedBy,
		})
	}

	created, err := r.board.CreateTaskGraph(ctx, specs)
	if err != nil {
		return fmt.Errorf("create children of %s: %w", taskID, err)
	}
	r.logger.Info("routed completion", "task_id", taskID, "children", len(created))
	return nil
}

func (r *Router) drop(task *persistence.Task, taskType string) {
	r.logger.Warn("dropped unroutable task type",
		"task_id", task.ID, "role", task.AssignedTo, "task_type", taskType)
	if r.bus != nil {
		r.bus.Publish(bus.TopicRouterDropped, bus.RouterDroppedEvent{
			SourceTaskID: task.ID,
			SourceRole:   task.AssignedTo,
			TaskType:     taskType,
		})
	}
}

// childName returns the local name used for sibling references; unnamed
// children get a positional fallback that cannot collide with user names.
func childName(child provider.ChildSpec, idx int) string {
	if child.Name != "" {
		return child.Name
	}
	return fmt.Sprintf("#%d", idx)
}

// topoSort runs Kahn's algorithm over the children, treating references to
// non-sibling names as external (no edge). Returns original indexes in an
// order where every sibling dependency precedes its dependent.
func topoSort(count int, nameAndDeps func(i int) (string, []string)) ([]int, error) {
	names := make(map[string]int, count)
	for i := 0; i < count; i++ {
		name, _ := nameAndDeps(i)
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("duplicate child name %q", name)
		}
		names[name] = i
	}

	indegree := make([]int, count)
	dependents := make(map[int][]int)
	for i := 0; i < count; i++ {
		_, deps := nameAndDeps(i)
		for _, dep := range deps {
			if j, ok := names[dep]; ok {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	var queue []int
	for i := 0; i < count; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	var order []int
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != count {
		return nil, fmt.Errorf("dependency cycle among %d children", count)
	}
	return order, nil
}
