package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SiblingRef marks a BlockedBy entry that refers to another spec in the same
// CreateTasks batch by index, e.g. "@0". The router uses this to wire child
// graphs before ids exist.
func SiblingRef(index int) string {
	return "@" + strconv.Itoa(index)
}

func parseSiblingRef(ref string) (int, bool) {
	if !strings.HasPrefix(ref, "@") {
		return 0, false
	}
	idx, err := strconv.Atoi(ref[1:])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// nextIDTx allocates the next sequential id for a role prefix.
func nextIDTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO id_counters (prefix, next) VALUES (?, 1)
		ON CONFLICT(prefix) DO UPDATE SET next = next + 1;
	`, prefix); err != nil {
		return "", fmt.Errorf("bump id counter: %w", err)
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM id_counters WHERE prefix = ?;`, prefix).Scan(&n); err != nil {
		return "", fmt.Errorf("read id counter: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

// CreateTask creates a single task. See CreateTasks.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	tasks, err := s.CreateTasks(ctx, []TaskSpec{spec})
	if err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// CreateTasks creates a batch of tasks in one transaction. BlockedBy entries
// may name existing task ids or siblings in the batch via SiblingRef. Either
// every task is created with its dependency edges, or none are.
//
// Invariants enforced here: the group exists and is active, dependencies live
// in the same group, the sibling graph is acyclic, depth stays within
// MaxTaskDepth, and the group's live-task count stays within
// MaxTasksPerGroup.
func (s *Store) CreateTasks(ctx context.Context, specs []TaskSpec) ([]Task, error) {
	const op = "create tasks"
	if len(specs) == 0 {
		return nil, nil
	}
	var created []Task
	err := retryOnBusy(ctx, 5, func() error {
		created = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		created, err = s.createTasksTx(ctx, tx, specs)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return durability(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) createTasksTx(ctx context.Context, tx *sql.Tx, specs []TaskSpec) ([]Task, error) {
	const op = "create tasks"

	groupID := specs[0].GroupID
	for _, spec := range specs {
		if spec.GroupID != groupID {
			return nil, &IntegrityError{Op: op, Detail: "batch spans multiple groups"}
		}
		if spec.AssignedTo == "" || spec.TaskType == "" || spec.Prefix == "" {
			return nil, &IntegrityError{Op: op, Detail: "assigned_to, task_type and prefix are required"}
		}
		if spec.Priority != "" && !ValidPriority(spec.Priority) {
			return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("unknown priority %q", spec.Priority)}
		}
	}

	var groupStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM groups WHERE id = ?;`, groupID).Scan(&groupStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("group %s does not exist", groupID)}
		}
		return nil, durability(op, err)
	}
	if groupStatus != "active" {
		return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("group %s is archived", groupID)}
	}

	// Guardrail: per-group live task cap.
	var live int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE group_id = ? AND status NOT IN ('completed', 'failed', 'rejected', 'cancelled');
	`, groupID).Scan(&live); err != nil {
		return nil, durability(op, err)
	}
	if live+len(specs) > s.guardrails.MaxTasksPerGroup {
		return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf(
			"group %s live task cap exceeded: %d live + %d new > %d",
			groupID, live, len(specs), s.guardrails.MaxTasksPerGroup)}
	}

	// The sibling dependency graph must be acyclic before ids are assigned.
	if err := checkSiblingCycles(specs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, len(specs))
	tasks := make([]Task, len(specs))
	edges := make([][]string, len(specs))

	// Ids are allocated up front so sibling references may point forward in
	// the batch; edges are written after every row exists.
	for i := range specs {
		id, err := nextIDTx(ctx, tx, specs[i].Prefix)
		if err != nil {
			return nil, durability(op, err)
		}
		ids[i] = id
	}

	for i, spec := range specs {
		id := ids[i]
		depth := 0
		if spec.ParentID != "" {
			var parentDepth int
			var parentGroup string
			if err := tx.QueryRowContext(ctx, `SELECT depth, group_id FROM tasks WHERE id = ?;`, spec.ParentID).Scan(&parentDepth, &parentGroup); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("parent %s does not exist", spec.ParentID)}
				}
				return nil, durability(op, err)
			}
			if parentGroup != groupID {
				return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("parent %s belongs to another group", spec.ParentID)}
			}
			depth = parentDepth + 1
		}
		if depth > s.guardrails.MaxTaskDepth {
			return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf(
				"task depth %d exceeds max %d", depth, s.guardrails.MaxTaskDepth)}
		}

		priority := spec.Priority
		if priority == "" {
			priority = PriorityMedium
		}

		// Resolve dependencies: sibling refs to batch ids, everything else
		// must be an existing task in the same group.
		var deps []string
		blocked := false
		for _, ref := range spec.BlockedBy {
			if idx, ok := parseSiblingRef(ref); ok {
				if idx < 0 || idx >= len(specs) || idx == i {
					return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("invalid sibling reference %q", ref)}
				}
				deps = append(deps, ids[idx])
				blocked = true
				continue
			}
			var depStatus TaskStatus
			var depGroup string
			if err := tx.QueryRowContext(ctx, `SELECT status, group_id FROM tasks WHERE id = ?;`, ref).Scan(&depStatus, &depGroup); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("dependency %s does not exist", ref)}
				}
				return nil, durability(op, err)
			}
			if depGroup != groupID {
				return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("dependency %s crosses group boundary", ref)}
			}
			if depStatus.Terminal() && !depStatus.TerminalSuccess() {
				return nil, &IntegrityError{Op: op, Detail: fmt.Sprintf("dependency %s already terminal in state %s", ref, depStatus)}
			}
			deps = append(deps, ref)
			if !depStatus.TerminalSuccess() {
				blocked = true
			}
		}

		status := StatusPending
		if blocked {
			status = StatusBlocked
		}

		var parent sql.NullString
		if spec.ParentID != "" {
			parent = sql.NullString{Valid: true, String: spec.ParentID}
		}
		var rejectionReason sql.NullString
		if spec.RejectionReason != "" {
			rejectionReason = sql.NullString{Valid: true, String: spec.RejectionReason}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, group_id, title, description, task_type, assigned_to,
				priority, status, parent_id, depth, max_attempts,
				rejection_reason, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, groupID, spec.Title, spec.Description, spec.TaskType, spec.AssignedTo,
			priority.Rank(), status, parent, depth, defaultMaxAttempts, rejectionReason, now, now); err != nil {
			return nil, durability(op, err)
		}
		edges[i] = deps

		tasks[i] = Task{
			ID:          id,
			GroupID:     groupID,
			Title:       spec.Title,
			Description: spec.Description,
			TaskType:    spec.TaskType,
			AssignedTo:  spec.AssignedTo,
			Priority:    priority,
			Status:      status,
			ParentID:        spec.ParentID,
			Depth:           depth,
			RejectionReason: spec.RejectionReason,
			MaxAttempts: defaultMaxAttempts,
			BlockedBy:   deps,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	for i, deps := range edges {
		for _, dep := range deps {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?);
			`, ids[i], dep); err != nil {
				return nil, durability(op, err)
			}
		}
	}
	return tasks, nil
}

// checkSiblingCycles runs Kahn's algorithm over the batch-internal edges.
func checkSiblingCycles(specs []TaskSpec) error {
	indegree := make([]int, len(specs))
	dependents := make(map[int][]int)
	for i, spec := range specs {
		for _, ref := range spec.BlockedBy {
			if idx, ok := parseSiblingRef(ref); ok && idx >= 0 && idx < len(specs) {
				indegree[i]++
				dependents[idx] = append(dependents[idx], i)
			}
		}
	}
	var queue []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(specs) {
		return &IntegrityError{Op: "create tasks", Detail: "dependency cycle in task batch"}
	}
	return nil
}

// TryClaim conditionally binds a pending, unclaimed task to an instance.
func (s *Store) TryClaim(ctx context.Context, taskID, instanceID string) error {
	const op = "try claim"
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by IS NULL;
		`, StatusInProgress, instanceID, time.Now().UTC(), taskID, StatusPending)
		if err != nil {
			return durability(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return durability(op, err)
		}
		if n == 1 {
			return nil
		}
		var status TaskStatus
		var claimedBy sql.NullString
		err = s.db.QueryRowContext(ctx, `SELECT status, claimed_by FROM tasks WHERE id = ?;`, taskID).Scan(&status, &claimedBy)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return &ConflictError{Op: op, TaskID: taskID, Detail: "task does not exist"}
		case err != nil:
			return durability(op, err)
		case status == StatusInProgress:
			return &ConflictError{Op: op, TaskID: taskID, Detail: "already_claimed by " + claimedBy.String}
		default:
			return &ConflictError{Op: op, TaskID: taskID, Detail: "not_pending: " + string(status)}
		}
	})
}

// ClaimNext selects and claims the best pending task for a role in one
// transaction: highest priority first, then oldest created_at, then id.
// Returns nil when no pending task exists or the race was lost.
func (s *Store) ClaimNext(ctx context.Context, role, instanceID string) (*Task, error) {
	const op = "claim next"
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ? AND assigned_to = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1;
		`, StatusPending, role)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return durability(op, scanErr)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by IS NULL;
		`, StatusInProgress, instanceID, now, task.ID, StatusPending)
		if err != nil {
			return durability(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return durability(op, err)
		}
		if n != 1 {
			// Another claimer won between select and update.
			return nil
		}
		if err := tx.Commit(); err != nil {
			return durability(op, err)
		}
		task.Status = StatusInProgress
		task.ClaimedBy = instanceID
		task.StartedAt = &now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordCompletion terminally completes an in-progress task and, in the same
// transaction, drops the completed dependency from every dependent and moves
// newly dependency-free blocked tasks to pending. Returns the ids unblocked.
func (s *Store) RecordCompletion(ctx context.Context, taskID, instanceID, result string) ([]string, error) {
	const op = "record completion"
	var unblocked []string
	err := retryOnBusy(ctx, 5, func() error {
		unblocked = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.requireClaimedTx(ctx, tx, op, taskID, instanceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result_payload = ?, claimed_by = NULL,
				completed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, StatusCompleted, result, time.Now().UTC(), taskID); err != nil {
			return durability(op, err)
		}

		unblocked, err = s.releaseDependentsTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return durability(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unblocked, nil
}

// releaseDependentsTx drops the edge from every dependent of taskID and
// transitions blocked tasks with no remaining dependencies to pending.
func (s *Store) releaseDependentsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	const op = "release dependents"
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on = ?;`, taskID)
	if err != nil {
		return nil, durability(op, err)
	}
	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, durability(op, err)
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}

	var unblocked []string
	for _, dep := range dependents {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ?;
		`, dep, taskID); err != nil {
			return nil, durability(op, err)
		}
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_dependencies WHERE task_id = ?;`, dep).Scan(&remaining); err != nil {
			return nil, durability(op, err)
		}
		if remaining > 0 {
			continue
		}
		ok, err := s.transitionTaskTx(ctx, tx, dep, []TaskStatus{StatusBlocked}, StatusPending)
		if err != nil {
			return nil, durability(op, err)
		}
		if ok {
			unblocked = append(unblocked, dep)
		}
	}
	return unblocked, nil
}

func (s *Store) requireClaimedTx(ctx context.Context, tx *sql.Tx, op, taskID, instanceID string) error {
	var status TaskStatus
	var claimedBy sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT status, claimed_by FROM tasks WHERE id = ?;`, taskID).Scan(&status, &claimedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ConflictError{Op: op, TaskID: taskID, Detail: "task does not exist"}
		}
		return durability(op, err)
	}
	if status != StatusInProgress {
		return &ConflictError{Op: op, TaskID: taskID, Detail: "not in_progress: " + string(status)}
	}
	if claimedBy.String != instanceID {
		return &ConflictError{Op: op, TaskID: taskID, Detail: fmt.Sprintf("claimed by %q, not %q", claimedBy.String, instanceID)}
	}
	return nil
}

// FailureOutcome describes what HandleFailure decided.
type FailureOutcome string

const (
	FailureRequeued FailureOutcome = "requeued"
	FailureTerminal FailureOutcome = "terminal"
)

// FailureDecision is the result of HandleFailure.
type FailureDecision struct {
	Outcome       FailureOutcome
	Attempt       int
	CascadeFailed []string
}

// HandleFailure applies retry-or-terminal-fail policy to an in-progress
// task. Transient failures revert to pending until the attempt budget is
// spent; everything else terminally fails and cascades to all transitive
// dependents inside the same transaction (topological order).
func (s *Store) HandleFailure(ctx context.Context, taskID, instanceID, errMsg string, transient bool) (FailureDecision, error) {
	const op = "handle failure"
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		decision = FailureDecision{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.requireClaimedTx(ctx, tx, op, taskID, instanceID); err != nil {
			return err
		}

		var attempt, maxAttempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM tasks WHERE id = ?;`, taskID).Scan(&attempt, &maxAttempts); err != nil {
			return durability(op, err)
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		nextAttempt := attempt + 1
		decision.Attempt = nextAttempt

		if transient && nextAttempt < maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, claimed_by = NULL, started_at = NULL,
					attempt = ?, error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, StatusPending, nextAttempt, errMsg, taskID); err != nil {
				return durability(op, err)
			}
			decision.Outcome = FailureRequeued
			if err := tx.Commit(); err != nil {
				return durability(op, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = NULL, attempt = ?, error = ?,
				completed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, StatusFailed, nextAttempt, errMsg, time.Now().UTC(), taskID); err != nil {
			return durability(op, err)
		}
		cascaded, err := s.cascadeTx(ctx, tx, taskID, StatusFailed, "upstream failure")
		if err != nil {
			return err
		}
		decision.Outcome = FailureTerminal
		decision.CascadeFailed = cascaded
		if err := tx.Commit(); err != nil {
			return durability(op, err)
		}
		return nil
	})
	if err != nil {
		return FailureDecision{}, err
	}
	return decision, nil
}

// cascadeTx walks the dependent graph breadth-first from taskID and moves
// every live transitive dependent to the terminal state. Parents are always
// visited before their dependents, so the returned order is topological.
func (s *Store) cascadeTx(ctx context.Context, tx *sql.Tx, taskID string, terminal TaskStatus, reason string) ([]string, error) {
	const op = "cascade"
	var order []string
	seen := map[string]bool{taskID: true}
	frontier := []string{taskID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on = ?;`, current)
		if err != nil {
			return nil, durability(op, err)
		}
		var dependents []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, durability(op, err)
			}
			dependents = append(dependents, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, durability(op, err)
		}

		for _, dep := range dependents {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			ok, err := s.transitionTaskTx(ctx, tx, dep, []TaskStatus{StatusBlocked, StatusPending, StatusInProgress}, terminal)
			if err != nil {
				return nil, durability(op, err)
			}
			if ok {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET claimed_by = NULL, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
				`, reason, dep); err != nil {
					return nil, durability(op, err)
				}
				order = append(order, dep)
			}
			frontier = append(frontier, dep)
		}
	}
	return order, nil
}

// RejectTask transitions an in-progress task to its rejection outcome. When
// childSpec is non-nil a replacement task is created in the same
// transaction; childFailReason, if non-empty, creates that child already
// terminally failed (rejection cycle exceeded). When the task's own
// rejection budget is spent the task terminally fails instead and no child
// is created.
func (s *Store) RejectTask(ctx context.Context, taskID, instanceID, reason string, childSpec *TaskSpec, childFailReason string) (*Task, bool, error) {
	const op = "reject task"
	var child *Task
	var terminal bool
	err := retryOnBusy(ctx, 5, func() error {
		child, terminal = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.requireClaimedTx(ctx, tx, op, taskID, instanceID); err != nil {
			return err
		}

		var rejections int
		if err := tx.QueryRowContext(ctx, `SELECT rejection_count FROM tasks WHERE id = ?;`, taskID).Scan(&rejections); err != nil {
			return durability(op, err)
		}
		rejections++

		now := time.Now().UTC()
		if rejections > s.guardrails.RejectionCycleLimit {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, claimed_by = NULL, rejection_count = ?,
					rejection_reason = ?, error = 'rejection cycle limit exceeded',
					completed_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, StatusFailed, rejections, reason, now, taskID); err != nil {
				return durability(op, err)
			}
			terminal = true
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = NULL, rejection_count = ?,
				rejection_reason = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, StatusRejected, rejections, reason, now, taskID); err != nil {
			return durability(op, err)
		}

		if childSpec != nil {
			created, err := s.createTasksTx(ctx, tx, []TaskSpec{*childSpec})
			if err != nil {
				return err
			}
			child = &created[0]
			if childFailReason != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, error = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, StatusFailed, childFailReason, now, child.ID); err != nil {
					return durability(op, err)
				}
				child.Status = StatusFailed
				child.Error = childFailReason
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return child, terminal, nil
}

// CancelTask moves any live task to cancelled and cascades the cancellation
// to all transitive dependents in the same transaction. Dependents keep
// their rejection counts. Returns false when the task was already terminal.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (bool, []string, error) {
	const op = "cancel task"
	var cancelled bool
	var cascaded []string
	err := retryOnBusy(ctx, 5, func() error {
		cancelled, cascaded = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusBlocked, StatusPending, StatusInProgress}, StatusCancelled)
		if err != nil {
			return durability(op, err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET claimed_by = NULL, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, reason, taskID); err != nil {
			return durability(op, err)
		}
		cascaded, err = s.cascadeTx(ctx, tx, taskID, StatusCancelled, "upstream cancelled")
		if err != nil {
			return err
		}
		cancelled = true
		return tx.Commit()
	})
	if err != nil {
		return false, nil, err
	}
	return cancelled, cascaded, nil
}

// ResetStale reverts every in-progress task claimed by instanceID and
// started before cutoff back to pending. Idempotent for a stopped instance.
func (s *Store) ResetStale(ctx context.Context, instanceID string, cutoff time.Time) ([]string, error) {
	const op = "reset stale"
	var reverted []string
	err := retryOnBusy(ctx, 5, func() error {
		reverted = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE claimed_by = ? AND status = ? AND started_at < ?;
		`, instanceID, StatusInProgress, cutoff)
		if err != nil {
			return durability(op, err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return durability(op, err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return durability(op, err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, claimed_by = NULL, started_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, StatusPending, id, StatusInProgress); err != nil {
				return durability(op, err)
			}
			reverted = append(reverted, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

// UnblockResult is what an UnblockScan changed.
type UnblockResult struct {
	Unblocked []string
	Failed    []string
	Cancelled []string
}

// UnblockScan is the idempotent repair pass run at startup and after bulk
// operations: blocked tasks whose dependencies all completed move to
// pending; blocked tasks with a failed/rejected dependency cascade to
// failed; with a cancelled dependency, to cancelled. Runs to fixpoint so
// chains settle in one call.
func (s *Store) UnblockScan(ctx context.Context, groupID string) (UnblockResult, error) {
	const op = "unblock scan"
	var result UnblockResult
	err := retryOnBusy(ctx, 5, func() error {
		result = UnblockResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return durability(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		for {
			changed, err := s.unblockPassTx(ctx, tx, groupID, &result)
			if err != nil {
				return err
			}
			if !changed {
				break
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return UnblockResult{}, err
	}
	return result, nil
}

func (s *Store) unblockPassTx(ctx context.Context, tx *sql.Tx, groupID string, result *UnblockResult) (bool, error) {
	const op = "unblock scan"
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE group_id = ? AND status = ? ORDER BY id;
	`, groupID, StatusBlocked)
	if err != nil {
		return false, durability(op, err)
	}
	var blocked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, durability(op, err)
		}
		blocked = append(blocked, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, durability(op, err)
	}

	changed := false
	for _, id := range blocked {
		depRows, err := tx.QueryContext(ctx, `
			SELECT t.id, t.status
			FROM task_dependencies d JOIN tasks t ON t.id = d.depends_on
			WHERE d.task_id = ?;
		`, id)
		if err != nil {
			return false, durability(op, err)
		}
		allSuccess := true
		hasFailure := false
		hasCancel := false
		var successDeps []string
		for depRows.Next() {
			var depID string
			var depStatus TaskStatus
			if err := depRows.Scan(&depID, &depStatus); err != nil {
				depRows.Close()
				return false, durability(op, err)
			}
			switch {
			case depStatus.TerminalSuccess():
				successDeps = append(successDeps, depID)
			case depStatus == StatusFailed || depStatus == StatusRejected:
				hasFailure = true
				allSuccess = false
			case depStatus == StatusCancelled:
				hasCancel = true
				allSuccess = false
			default:
				allSuccess = false
			}
		}
		depRows.Close()
		if err := depRows.Err(); err != nil {
			return false, durability(op, err)
		}

		switch {
		case hasFailure:
			ok, err := s.transitionTaskTx(ctx, tx, id, []TaskStatus{StatusBlocked}, StatusFailed)
			if err != nil {
				return false, durability(op, err)
			}
			if ok {
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET error = 'upstream failure' WHERE id = ?;`, id); err != nil {
					return false, durability(op, err)
				}
				result.Failed = append(result.Failed, id)
				changed = true
			}
		case hasCancel:
			ok, err := s.transitionTaskTx(ctx, tx, id, []TaskStatus{StatusBlocked}, StatusCancelled)
			if err != nil {
				return false, durability(op, err)
			}
			if ok {
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET error = 'upstream cancelled' WHERE id = ?;`, id); err != nil {
					return false, durability(op, err)
				}
				result.Cancelled = append(result.Cancelled, id)
				changed = true
			}
		case allSuccess:
			// Completed dependencies also shed their edges so a later scan
			// sees the same picture RecordCompletion would have left.
			for _, depID := range successDeps {
				if _, err := tx.ExecContext(ctx, `
					DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ?;
				`, id, depID); err != nil {
					return false, durability(op, err)
				}
			}
			ok, err := s.transitionTaskTx(ctx, tx, id, []TaskStatus{StatusBlocked}, StatusPending)
			if err != nil {
				return false, durability(op, err)
			}
			if ok {
				result.Unblocked = append(result.Unblocked, id)
				changed = true
			}
		}
	}
	return changed, nil
}

// RetryTask is the operator override that re-queues a terminally failed
// task with a fresh attempt budget.
func (s *Store) RetryTask(ctx context.Context, taskID string) error {
	const op = "retry task"
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempt = 0, error = NULL, claimed_by = NULL,
			started_at = NULL, completed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, StatusPending, taskID, StatusFailed)
	if err != nil {
		return durability(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return durability(op, err)
	}
	if n != 1 {
		return &ConflictError{Op: op, TaskID: taskID, Detail: "not failed"}
	}
	return nil
}

// ReassignTask moves a blocked or pending task to another role. In-progress
// tasks must be cancelled and re-created instead.
func (s *Store) ReassignTask(ctx context.Context, taskID, role string) error {
	const op = "reassign task"
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_to = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, role, taskID, StatusBlocked, StatusPending)
	if err != nil {
		return durability(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return durability(op, err)
	}
	if n != 1 {
		return &ConflictError{Op: op, TaskID: taskID, Detail: "not blocked or pending"}
	}
	return nil
}

// GetTask loads one task with its remaining dependency edges.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	const op = "get task"
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, durability(op, err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on;`, taskID)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, durability(op, err)
		}
		task.BlockedBy = append(task.BlockedBy, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	GroupID string
	Status  TaskStatus
	Role    string
}

// ListTasks returns tasks matching the filter ordered by creation.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	const op = "list tasks"
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.GroupID != "" {
		query += ` AND group_id = ?`
		args = append(args, filter.GroupID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Role != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.Role)
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, durability(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}

// PendingCount returns the pending queue depth for a role.
func (s *Store) PendingCount(ctx context.Context, role string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status = ? AND assigned_to = ?;
	`, StatusPending, role).Scan(&n); err != nil {
		return 0, durability("pending count", err)
	}
	return n, nil
}

// AncestorChain walks parent_id links from taskID to the root, nearest
// ancestor first. The task itself is not included.
func (s *Store) AncestorChain(ctx context.Context, taskID string) ([]Task, error) {
	const op = "ancestor chain"
	var chain []Task
	current := taskID
	for {
		var parent sql.NullString
		if err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM tasks WHERE id = ?;`, current).Scan(&parent); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return chain, nil
			}
			return nil, durability(op, err)
		}
		if !parent.Valid || parent.String == "" {
			return chain, nil
		}
		task, err := s.GetTask(ctx, parent.String)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return chain, nil
		}
		chain = append(chain, *task)
		current = task.ID
	}
}
