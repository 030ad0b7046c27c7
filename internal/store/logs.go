package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type LogEntry struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	AgentID   string          `json:"agent_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Store) SaveLog(entry *LogEntry) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	var agentID, metadata any
	if entry.AgentID != "" {
		agentID = entry.AgentID
	}
	if len(entry.Metadata) > 0 {
		metadata = string(entry.Metadata)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO session_logs (session_id, level, message, agent_id, metadata_json)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Level, entry.Message, agentID, metadata)
	if err != nil {
		return fmt.Errorf("save log: %w: %w", ErrStorage, err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// RecentLogs returns the last limit entries for a session in chronological
// order (newest last), ready for display.
func (s *Store) RecentLogs(sessionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, level, message, agent_id, metadata_json, timestamp
		FROM session_logs
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var agentID, metadata *string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Level, &e.Message, &agentID, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w: %w", ErrStorage, err)
		}
		if agentID != nil {
			e.AgentID = *agentID
		}
		if metadata != nil {
			e.Metadata = json.RawMessage(*metadata)
		}
		entries = append(entries, e)
	}

	// Reverse to get chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, rows.Err()
}
