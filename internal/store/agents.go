package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Agent struct {
	ID        string    `json:"id"`
	SwarmID   string    `json:"swarm_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveAgents inserts a batch of agents in a single transaction. Callers
// chunk large pools so no one transaction holds the writer lock for long.
func (s *Store) SaveAgents(agents []Agent) error {
	if len(agents) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save agents: %w: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agents (id, swarm_id, name, type, status)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save agents: %w: %w", ErrStorage, err)
	}
	defer stmt.Close()

	for _, a := range agents {
		if _, err := stmt.ExecContext(ctx, a.ID, a.SwarmID, a.Name, a.Type, a.Status); err != nil {
			return fmt.Errorf("save agent %s: %w: %w", a.ID, ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save agents: %w: %w", ErrStorage, err)
	}
	return nil
}

// DeleteAgents removes a batch of agents in a single transaction.
func (s *Store) DeleteAgents(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	query := `DELETE FROM agents WHERE id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete agents: %w: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	a := &Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, swarm_id, name, type, status, created_at
		FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.SwarmID, &a.Name, &a.Type, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w: %w", ErrStorage, err)
	}
	return a, nil
}

// ListAgents returns a swarm's agents in stable creation order, which is
// the pool iteration order used by distribution and removal.
func (s *Store) ListAgents(swarmID string) ([]Agent, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, swarm_id, name, type, status, created_at
		FROM agents WHERE swarm_id = ?
		ORDER BY created_at, id`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.SwarmID, &a.Name, &a.Type, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w: %w", ErrStorage, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) CountAgents(swarmID string) (int, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE swarm_id = ?`, swarmID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w: %w", ErrStorage, err)
	}
	return n, nil
}

func (s *Store) UpdateAgentStatus(id, status string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update agent status: %w: %w", ErrStorage, err)
	}
	return nil
}
