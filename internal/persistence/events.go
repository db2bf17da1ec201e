package persistence

import (
	"context"
	"time"
)

// AppendEvent persists a bus event and prunes the log to its bound.
func (s *Store) AppendEvent(ctx context.Context, topic, payloadJSON string) error {
	const op = "append event"
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO events (topic, payload_json, created_at) VALUES (?, ?, ?);
	`, topic, payloadJSON, time.Now().UTC()); err != nil {
		return durability(op, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE event_id <= (SELECT MAX(event_id) FROM events) - ?;
	`, eventHistoryLimit); err != nil {
		return durability(op, err)
	}
	return nil
}

// ListEvents returns up to limit most recent events for a topic ("" for
// all), oldest first.
func (s *Store) ListEvents(ctx context.Context, topic string, limit int) ([]EventRecord, error) {
	const op = "list events"
	if limit <= 0 || limit > eventHistoryLimit {
		limit = eventHistoryLimit
	}
	query := `
		SELECT event_id, topic, payload_json, created_at FROM (
			SELECT event_id, topic, payload_json, created_at
			FROM events`
	var args []any
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += `
			ORDER BY event_id DESC
			LIMIT ?
		) ORDER BY event_id ASC;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, durability(op, err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.EventID, &e.Topic, &e.Payload, &e.CreatedAt); err != nil {
			return nil, durability(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, durability(op, err)
	}
	return out, nil
}
