package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foliohq/folio/internal/auth/storage"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// enqueueAuthEvent inserts an event row inside the caller's transaction or
// connection. Rows with a dedupe key already seen are silently skipped, so
// callers may retry the surrounding write without duplicating events.
func enqueueAuthEvent(ctx context.Context, db execer, event storage.AuthEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return fmt.Errorf("event type is required")
	}
	payload := event.PayloadJSON
	if payload == "" {
		payload = "{}"
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO auth_events (id, event_type, payload_json, dedupe_key, created_at, processed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
`,
		event.ID,
		event.EventType,
		payload,
		event.DedupeKey,
		toMillis(event.CreatedAt),
		nullableMillis(event.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue auth event: %w", err)
	}
	return nil
}

// EnqueueAuthEvent records a durable notification event.
func (s *Store) EnqueueAuthEvent(ctx context.Context, event storage.AuthEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return enqueueAuthEvent(ctx, s.sqlDB, event)
}

// ListPendingAuthEvents returns unprocessed events, oldest first.
func (s *Store) ListPendingAuthEvents(ctx context.Context, limit int) ([]storage.AuthEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event_type, payload_json, dedupe_key, created_at, processed_at
FROM auth_events WHERE processed_at IS NULL
ORDER BY created_at ASC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending auth events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuthEvent
	for rows.Next() {
		var event storage.AuthEvent
		var createdAt int64
		var processedAt sql.NullInt64
		err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.PayloadJSON,
			&event.DedupeKey,
			&createdAt,
			&processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan auth event: %w", err)
		}
		event.CreatedAt = fromMillis(createdAt)
		if processedAt.Valid {
			value := fromMillis(processedAt.Int64)
			event.ProcessedAt = &value
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth events: %w", err)
	}
	return events, nil
}

// MarkAuthEventProcessed stamps an event as delivered.
func (s *Store) MarkAuthEventProcessed(ctx context.Context, id string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("event id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE auth_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL
`, toMillis(processedAt), id)
	if err != nil {
		return fmt.Errorf("mark auth event processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark auth event processed: %w", err)
	}
	if affected == 0 {
		var exists int
		err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM auth_events WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("mark auth event processed: %w", err)
		}
	}
	return nil
}
