// Package persistence owns the durable state of the orchestrator: groups,
// tasks, dependency edges, agent instances, events, and schedules, all in a
// single SQLite file. Every compound mutation the task board relies on is a
// single transaction here.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tb-v1-2026-07-task-graph"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	// eventHistoryLimit bounds the persisted event log.
	eventHistoryLimit = 10000

	defaultMaxAttempts = 3
)

// Guardrails are the hard limits enforced inside Store transactions.
type Guardrails struct {
	MaxTaskDepth        int
	MaxTasksPerGroup    int
	RejectionCycleLimit int
}

// DefaultGuardrails returns the stock limits.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxTaskDepth:        10,
		MaxTasksPerGroup:    50,
		RejectionCycleLimit: 3,
	}
}

func (g Guardrails) normalized() Guardrails {
	d := DefaultGuardrails()
	if g.MaxTaskDepth <= 0 {
		g.MaxTaskDepth = d.MaxTaskDepth
	}
	if g.MaxTasksPerGroup <= 0 {
		g.MaxTasksPerGroup = d.MaxTasksPerGroup
	}
	if g.RejectionCycleLimit <= 0 {
		g.RejectionCycleLimit = d.RejectionCycleLimit
	}
	return g
}

// TaskStatus is the task state machine's state.
type TaskStatus string

const (
	StatusBlocked    TaskStatus = "blocked"
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusRejected   TaskStatus = "rejected"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// TerminalSuccess reports whether the state satisfies dependents.
func (s TaskStatus) TerminalSuccess() bool {
	return s == StatusCompleted
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusBlocked: {
		StatusPending:   {},
		StatusFailed:    {}, // upstream cascade
		StatusCancelled: {},
	},
	StatusPending: {
		StatusInProgress: {},
		StatusFailed:     {}, // upstream cascade
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusPending:   {}, // transient retry, orphan recovery
		StatusFailed:    {},
		StatusRejected:  {},
		StatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Priority orders claim selection.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps priorities onto the integer order persisted in the tasks table.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// PriorityFromRank is the inverse of Rank; unknown ranks map to medium.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityCritical
	case 2:
		return PriorityHigh
	case 0:
		return PriorityLow
	}
	return PriorityMedium
}

// ValidPriority reports whether p is one of the four known priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Task is a row in the tasks table plus its dependency edges.
type Task struct {
	ID              string     `json:"id"`
	GroupID         string     `json:"group_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	TaskType        string     `json:"task_type"`
	AssignedTo      string     `json:"assigned_to"`
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ParentID        string     `json:"parent_id,omitempty"`
	Depth           int        `json:"depth"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	RejectionCount  int        `json:"rejection_count"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Error           string     `json:"error,omitempty"`
	ResultPayload   string     `json:"result_payload,omitempty"`
	BlockedBy       []string   `json:"blocked_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	GroupID     string
	Title       string
	Description string
	TaskType    string
	AssignedTo  string
	Prefix      string // role prefix for id allocation, e.g. "CD"
	Priority    Priority
	ParentID    string
	BlockedBy   []string // task ids, or sibling indexes resolved by the caller
	// RejectionReason carries the reviewer's reason onto a rework child.
	RejectionReason string
}

// AgentStatus is an agent instance's lifecycle state.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentPaused   AgentStatus = "paused"
	AgentStopping AgentStatus = "stopping"
	AgentStopped  AgentStatus = "stopped"
)

// Agent is a row in the agents table: one running (or stopped) worker.
type Agent struct {
	InstanceID      string      `json:"instance_id"`
	Role            string      `json:"role"`
	Status          AgentStatus `json:"status"`
	CurrentTaskID   string      `json:"current_task_id,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Group is the set of tasks derived from one goal.
type Group struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventRecord is a persisted bus event.
type EventRecord struct {
	EventID   int64     `json:"event_id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictError reports optimistic contention: a precondition held by the
// caller no longer holds in the database (typically a lost claim race).
type ConflictError struct {
	Op     string
	TaskID string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflict: %s", e.Op, e.TaskID, e.Detail)
}

// IntegrityError reports an invariant violation: cycle, depth overflow,
// group cap breach, or a dangling reference.
type IntegrityError struct {
	Op     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity: %s", e.Op, e.Detail)
}

// DurabilityError reports an I/O fault from the underlying database. The
// orchestrator halts new claims when it sees one.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("%s: durability: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsDurability reports whether err is a DurabilityError.
func IsDurability(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}

func durability(op string, err error) error {
	return &DurabilityError{Op: op, Err: err}
}

// Store wraps the SQLite database.
type Store struct {
	db         *sql.DB
	guardrails Guardrails
}

// DefaultDBPath returns the conventional database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbrew", "taskbrew.db")
}

// Open opens (creating if necessary) the database at path and applies
// migrations.
func Open(path string, guardrails Guardrails) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, guardrails: guardrails.normalized()}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Guardrails returns the limits this store enforces.
func (s *Store) Guardrails() Guardrails {
	return s.guardrails
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'archived')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL REFERENCES groups(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			assigned_to TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL CHECK(status IN ('blocked', 'pending', 'in_progress', 'completed', 'failed', 'rejected', 'cancelled')),
			claimed_by TEXT,
			parent_id TEXT REFERENCES tasks(id),
			depth INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			rejection_count INTEGER NOT NULL DEFAULT 0,
			rejection_reason TEXT,
			error TEXT,
			result_payload JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			depends_on TEXT NOT NULL REFERENCES tasks(id),
			PRIMARY KEY (task_id, depends_on)
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			instance_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'busy', 'paused', 'stopping', 'stopped')),
			current_task_id TEXT,
			last_heartbeat_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			goal_title TEXT NOT NULL,
			goal_description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS id_counters (
			prefix TEXT PRIMARY KEY,
			next INTEGER NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, assigned_to, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stale ON tasks(claimed_by, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role, status);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat_at);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// transitionTaskTx moves a task from one of allowedFrom to the target state,
// stamping timestamps appropriate to the target. Returns false without error
// when the row is missing or not in an allowed source state.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	completedClause := "completed_at"
	if to.Terminal() {
		completedClause = "CURRENT_TIMESTAMP"
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks
		SET status = ?, completed_at = %s, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, completedClause), to, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return affected == 1, nil
}

func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		claimedBy       sql.NullString
		parentID        sql.NullString
		rejectionReason sql.NullString
		errMsg          sql.NullString
		result          sql.NullString
		startedAt       sql.NullTime
		completedAt     sql.NullTime
		rank            int
	)
	if err := scan(
		&t.ID, &t.GroupID, &t.Title, &t.Description, &t.TaskType, &t.AssignedTo,
		&rank, &t.Status, &claimedBy, &parentID, &t.Depth, &t.Attempt,
		&t.MaxAttempts, &t.RejectionCount, &rejectionReason, &errMsg, &result,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	t.Priority = PriorityFromRank(rank)
	t.ClaimedBy = claimedBy.String
	t.ParentID = parentID.String
	t.RejectionReason = rejectionReason.String
	t.Error = errMsg.String
	t.ResultPayload = result.String
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return nil
}

const taskColumns = `
	id, group_id, title, description, task_type, assigned_to,
	priority, status, claimed_by, parent_id, depth, attempt,
	max_attempts, rejection_count, rejection_reason, error, result_payload,
	created_at, started_at, completed_at, updated_at`
