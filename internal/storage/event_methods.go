package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

// CreateEventLog creates an event log entry
func (s *SQLStore) CreateEventLog(ctx context.Context, event models.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := s.rebind(`
		INSERT INTO event_logs (
			id, created_at_ns, type, level, description, details
		) VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		event.ID.String(), event.CreatedAt.UnixNano(), string(event.Type),
		string(event.Level), event.Description, event.Details,
	)

	return err
}

// ListEventLogs lists event logs with filters, newest first
func (s *SQLStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit int) ([]models.Event, error) {
	query := `SELECT id, created_at_ns, type, level, description, details FROM event_logs WHERE 1=1`
	args := []interface{}{}

	if filters.Type != nil {
		query += " AND type = ?"
		args = append(args, string(*filters.Type))
	}

	if filters.Level != nil {
		query += " AND level = ?"
		args = append(args, string(*filters.Level))
	}

	if filters.Since != nil {
		query += " AND created_at_ns >= ?"
		args = append(args, filters.Since.UnixNano())
	}

	query += " ORDER BY created_at_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query event logs: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev        models.Event
			id        string
			createdNs int64
			typ       string
			level     string
		)
		if err := rows.Scan(&id, &createdNs, &typ, &level, &ev.Description, &ev.Details); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		ev.CreatedAt = time.Unix(0, createdNs)
		ev.Type = models.EventType(typ)
		ev.Level = models.EventLevel(level)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// EventSink adapts a Store to events.Sink
type EventSink struct {
	Store   Store
	Timeout time.Duration
}

// Name implements events.Sink
func (s EventSink) Name() string { return "storage" }

// Publish implements events.Sink
func (s EventSink) Publish(ev models.Event) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Store.CreateEventLog(ctx, ev)
}
