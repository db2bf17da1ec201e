package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RegisterAgent inserts or reactivates an agent instance row.
func (s *Store) RegisterAgent(ctx context.Context, instanceID, role string) error {
	const op = "register agent"
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (instance_id, role, status, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = excluded.updated_at;
	`, instanceID, role, AgentIdle, now, now, now); err != nil {
		return durability(op, err)
	}
	return nil
}

// SetAgentStatus updates an agent's lifecycle state and current task.
func (s *Store) SetAgentStatus(ctx context.Context, instanceID string, status AgentStatus, currentTaskID string) error {
	const op = "set agent status"
	var task sql.NullString
	if currentTaskID != "" {
		task = sql.NullString{Valid: true, String: currentTaskID}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = ?, current_task_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ?;
	`, status, task, instanceID); err != nil {
		return durability(op, err)
	}
	return nil
}

// HeartbeatAgent stamps the instance's liveness.
func (s *Store) HeartbeatAgent(ctx context.Context, instanceID string) error {
	const op = "heartbeat agent"
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ?;
	`, time.Now().UTC(), instanceID); err != nil {
		return durability(op, err)
	}
	return nil
}

func scanAgent(scan func(dest ...any) error, a *Agent) error {
	var currentTask sql.NullString
	if err := scan(&a.InstanceID, &a.Role, &a.Status, &currentTask, &a.LastHeartbeatAt, &a.CreatedAt); err != nil {
		return err
	}
	a.CurrentTaskID = currentTask.String
	return nil
}

const agentColumns = `instance_id, role, status, current_task_id, last_heartbeat_at, created_at`

// GetAgent returns one agent row or nil.
func (s *Store) GetAgent(ctx context.Context, instanceID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE instance_id = ?;
	`, instanceID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, durability("get agent", err)
	}
	return &a, nil
}

// ListAgents returns all non-stopped agents, or every agent when all is set.
func (s *Store) ListAgents(ctx context.Context, all bool) ([]Agent, error) {
	const op = "list agents"
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !all {
		query += ` WHERE status != 'stopped'`
	}
	query += ` ORDER BY role, instance_id;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, durability(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}

// StaleAgents returns non-stopped agents whose last heartbeat predates
// cutoff.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	const op = "stale agents"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status != 'stopped' AND last_heartbeat_at < ?
		ORDER BY instance_id;
	`, cutoff)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, durability(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}
