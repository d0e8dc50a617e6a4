package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EventQuery represents query parameters for retrieving events
type EventQuery struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Device string // "amplifier", "tuner", "combo" or "" for all
	Kind   string
	Failed bool // only events carrying an error
}

// DeviceSummary is the journal state of one device
type DeviceSummary struct {
	Device        string    `json:"device"`
	LastEventID   int64     `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
	LastMessage   string    `json:"last_message"`
	UnackedFaults int       `json:"unacked_faults"`
	TotalEvents   int       `json:"total_events"`
}

// EventStats represents database statistics
type EventStats struct {
	TotalEvents   int       `json:"total_events"`
	TotalFaults   int       `json:"total_faults"`
	TotalIntents  int       `json:"total_intents"`
	FailedIntents int       `json:"failed_intents"`
	LastCleanup   time.Time `json:"last_cleanup"`
}

const eventColumns = "id, timestamp, kind, device, message, error"

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &ev.Device, &ev.Message, &ev.Error); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetEvents retrieves events based on query parameters, newest first
func (es *EventStore) GetEvents(query EventQuery) ([]Event, error) {
	var args []interface{}
	var conditions []string

	sqlQuery := "SELECT " + eventColumns + " FROM events WHERE 1=1"

	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *query.Since)
	}

	if query.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *query.Until)
	}

	if query.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, query.Device)
	}

	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, query.Kind)
	}

	if query.Failed {
		conditions = append(conditions, "error != ''")
	}

	for _, condition := range conditions {
		sqlQuery += " AND " + condition
	}

	sqlQuery += " ORDER BY timestamp DESC, id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := es.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetRecentEvents retrieves the most recent events
func (es *EventStore) GetRecentEvents(limit int) ([]Event, error) {
	return es.GetEvents(EventQuery{Limit: limit})
}

// GetEventsByDevice retrieves the events of one device
func (es *EventStore) GetEventsByDevice(device string, limit int, offset int) ([]Event, error) {
	return es.GetEvents(EventQuery{
		Device: device,
		Limit:  limit,
		Offset: offset,
	})
}

// GetDeviceSummaries retrieves the per-device journal summaries
func (es *EventStore) GetDeviceSummaries() ([]DeviceSummary, error) {
	rows, err := es.db.Query(`
		SELECT d.device, d.last_event_id, d.last_event_time, d.unacked_faults,
			   e.message,
			   (SELECT COUNT(*) FROM events WHERE device = d.device) as total_events
		FROM devices d
		LEFT JOIN events e ON d.last_event_id = e.id
		ORDER BY d.last_event_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var summaries []DeviceSummary
	for rows.Next() {
		var s DeviceSummary
		var lastEventID sql.NullInt64
		var lastMessage sql.NullString

		err := rows.Scan(
			&s.Device,
			&lastEventID,
			&s.LastEventTime,
			&s.UnackedFaults,
			&lastMessage,
			&s.TotalEvents,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device summary: %w", err)
		}

		if lastEventID.Valid {
			s.LastEventID = lastEventID.Int64
		}
		if lastMessage.Valid {
			s.LastMessage = lastMessage.String
		}

		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// AcknowledgeFaults resets the unacknowledged fault count of a device
func (es *EventStore) AcknowledgeFaults(device string) error {
	_, err := es.db.Exec(`
		UPDATE devices SET unacked_faults = 0, updated_at = CURRENT_TIMESTAMP
		WHERE device = ?
	`, device)
	if err != nil {
		return fmt.Errorf("failed to acknowledge faults: %w", err)
	}
	return nil
}

// GetEventStats retrieves database statistics
func (es *EventStore) GetEventStats() (*EventStats, error) {
	var stats EventStats
	var lastCleanup sql.NullTime

	err := es.db.QueryRow(`
		SELECT total_events, total_faults, total_intents, failed_intents, last_cleanup
		FROM event_stats WHERE id = 1
	`).Scan(&stats.TotalEvents, &stats.TotalFaults, &stats.TotalIntents, &stats.FailedIntents, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get event stats: %w", err)
	}

	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	return &stats, nil
}

// SearchEvents searches event messages and errors
func (es *EventStore) SearchEvents(searchTerm string, limit int) ([]Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE message LIKE ? OR error LIKE ?
		ORDER BY timestamp DESC, id DESC`

	pattern := "%" + searchTerm + "%"
	args := []interface{}{pattern, pattern}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := es.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventCount returns the number of stored events
func (es *EventStore) GetEventCount() (int, error) {
	var count int
	err := es.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}
