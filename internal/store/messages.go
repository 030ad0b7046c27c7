package store

import (
	"fmt"
	"time"
)

type Message struct {
	ID        int64     `json:"id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveMessages inserts a batch of inter-agent messages in one transaction.
func (s *Store) SaveMessages(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save messages: %w: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (from_agent, to_agent, content)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save messages: %w: %w", ErrStorage, err)
	}
	defer stmt.Close()

	for _, m := range messages {
		if _, err := stmt.ExecContext(ctx, m.FromAgent, m.ToAgent, m.Content); err != nil {
			return fmt.Errorf("save message: %w: %w", ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save messages: %w: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) CountMessages() (int, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w: %w", ErrStorage, err)
	}
	return n, nil
}

func (s *Store) RecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, content, timestamp
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w: %w", ErrStorage, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
