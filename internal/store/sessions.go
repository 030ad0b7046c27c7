package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Session struct {
	ID        string          `json:"id"`
	SwarmID   string          `json:"swarm_id"`
	SwarmName string          `json:"swarm_name"`
	Objective string          `json:"objective"`
	Status    string          `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const sessionColumns = `id, swarm_id, swarm_name, objective, status, config, created_at, updated_at`

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*Session, error) {
	sess := &Session{}
	var cfg *string
	err := scanner.Scan(&sess.ID, &sess.SwarmID, &sess.SwarmName, &sess.Objective, &sess.Status, &cfg, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		sess.Config = json.RawMessage(*cfg)
	}
	return sess, nil
}

func (s *Store) SaveSession(sess *Session) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	var cfg any
	if len(sess.Config) > 0 {
		cfg = string(sess.Config)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, swarm_id, swarm_name, objective, status, config)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SwarmID, sess.SwarmName, sess.Objective, sess.Status, cfg)
	if err != nil {
		return fmt.Errorf("save session: %w: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w: %w", ErrStorage, err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by creation time, optionally
// filtered by status. An empty status returns all sessions.
func (s *Store) ListSessions(status string) ([]Session, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w: %w", ErrStorage, err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatusIf transitions a session's status in a single guarded
// UPDATE so that check-then-act races cannot produce a partial transition.
// It returns true when the transition happened, false when the session is
// missing or not in the expected state.
func (s *Store) UpdateSessionStatusIf(id, from, to string) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("update session status: %w: %w", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session status: %w: %w", ErrStorage, err)
	}
	return n == 1, nil
}

func (s *Store) UpdateSessionStatus(id, status string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w: %w", ErrStorage, err)
	}
	return nil
}
