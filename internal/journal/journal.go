// Package journal persists traffic events published by the other modules
// into SQLite, giving operators an audit trail of registrations, denials,
// submissions, and relay activity.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/pkg/models"
)

// migrations is the journal's versioned schema.
var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create traffic_events table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS traffic_events (
					id         TEXT PRIMARY KEY,
					event_type TEXT NOT NULL,
					device_id  TEXT NOT NULL DEFAULT '',
					address    TEXT NOT NULL DEFAULT '',
					outcome    TEXT NOT NULL DEFAULT '',
					detail     TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_traffic_events_device
					ON traffic_events(device_id);
				CREATE INDEX IF NOT EXISTS idx_traffic_events_type
					ON traffic_events(event_type);
				CREATE INDEX IF NOT EXISTS idx_traffic_events_created
					ON traffic_events(created_at DESC);
			`)
			return err
		},
	},
}

// repository wraps the SQL operations on traffic_events.
type repository struct {
	store plugin.Store
}

// insert persists one traffic event.
func (r *repository) insert(ctx context.Context, e *models.TrafficEvent) error {
	_, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO traffic_events (id, event_type, device_id, address, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.DeviceID, e.Address, e.Outcome, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert traffic event: %w", err)
	}
	return nil
}

// Filter narrows an event query. Zero values mean "no constraint".
type Filter struct {
	DeviceID  string
	EventType string
	Since     time.Time
	Limit     int
}

const defaultQueryLimit = 100

// query returns events newest first, narrowed by the filter.
func (r *repository) query(ctx context.Context, f Filter) ([]*models.TrafficEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}

	q := "SELECT id, event_type, device_id, address, outcome, detail, created_at FROM traffic_events"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	rows, err := r.store.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query traffic events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.TrafficEvent, 0)
	for rows.Next() {
		var e models.TrafficEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.DeviceID, &e.Address, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan traffic event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// prune deletes events older than the cutoff and reports how many went.
func (r *repository) prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.DB().ExecContext(ctx,
		"DELETE FROM traffic_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune traffic events: %w", err)
	}
	return res.RowsAffected()
}
