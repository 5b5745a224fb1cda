package web

import (
	"database/sql"
	"fmt"

	"github.com/lucasnoah/specfactory/internal/db"
)

// recentActivity returns the most recent pipeline events across all specs,
// newest first.
func (s *Server) recentActivity(limit int) ([]db.PipelineEvent, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, spec_id, session_id, event, step, attempt, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	events := []db.PipelineEvent{}
	for rows.Next() {
		var e db.PipelineEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SpecID, &e.SessionID, &e.Event, &e.Step, &e.Attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
