package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateGroup creates the task group for a new goal.
func (s *Store) CreateGroup(ctx context.Context, title, description string) (*Group, error) {
	const op = "create group"
	g := &Group{
		ID:          "grp-" + uuid.NewString()[:8],
		Title:       title,
		Description: description,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, g.ID, g.Title, g.Description, g.Status, g.CreatedAt, g.CreatedAt); err != nil {
		return nil, durability(op, err)
	}
	return g, nil
}

// GetGroup returns one group or nil.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, created_at FROM groups WHERE id = ?;
	`, groupID).Scan(&g.ID, &g.Title, &g.Description, &g.Status, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, durability("get group", err)
	}
	return &g, nil
}

// ListGroups returns groups, optionally only active ones.
func (s *Store) ListGroups(ctx context.Context, activeOnly bool) ([]Group, error) {
	const op = "list groups"
	query := `SELECT id, title, description, status, created_at FROM groups`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY created_at ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.Status, &g.CreatedAt); err != nil {
			return nil, durability(op, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}

// GroupTerminal reports whether every task in the group reached a terminal
// state. Empty groups are not terminal.
func (s *Store) GroupTerminal(ctx context.Context, groupID string) (bool, error) {
	var total, live int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN status NOT IN ('completed', 'failed', 'rejected', 'cancelled') THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE group_id = ?;
	`, groupID).Scan(&total, &live); err != nil {
		return false, durability("group terminal", err)
	}
	return total > 0 && live == 0, nil
}
