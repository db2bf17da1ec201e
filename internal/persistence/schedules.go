package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Schedule submits a recurring goal when its cron expression fires.
type Schedule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CronExpr        string     `json:"cron_expr"`
	GoalTitle       string     `json:"goal_title"`
	GoalDescription string     `json:"goal_description"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CreateSchedule stores a new recurring goal.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr, goalTitle, goalDescription string) (*Schedule, error) {
	const op = "create schedule"
	sched := &Schedule{
		ID:              "sch-" + uuid.NewString()[:8],
		Name:            name,
		CronExpr:        cronExpr,
		GoalTitle:       goalTitle,
		GoalDescription: goalDescription,
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, goal_title, goal_description, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?);
	`, sched.ID, sched.Name, sched.CronExpr, sched.GoalTitle, sched.GoalDescription, sched.CreatedAt); err != nil {
		return nil, durability(op, err)
	}
	return sched, nil
}

// ListSchedules returns all enabled schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	const op = "list schedules"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, goal_title, goal_description, enabled, last_run_at, created_at
		FROM schedules WHERE enabled = 1 ORDER BY created_at;
	`)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.GoalTitle,
			&sched.GoalDescription, &sched.Enabled, &lastRun, &sched.CreatedAt); err != nil {
			return nil, durability(op, err)
		}
		if lastRun.Valid {
			v := lastRun.Time
			sched.LastRunAt = &v
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}

// MarkScheduleRun stamps a schedule's last firing time.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ? WHERE id = ?;
	`, at.UTC(), scheduleID); err != nil {
		return durability("mark schedule run", err)
	}
	return nil
}

// DisableSchedule turns a schedule off.
func (s *Store) DisableSchedule(ctx context.Context, scheduleID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = 0 WHERE id = ?;
	`, scheduleID); err != nil {
		return durability("disable schedule", err)
	}
	return nil
}
