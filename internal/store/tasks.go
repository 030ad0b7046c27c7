package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Task struct {
	ID           string     `json:"id"`
	SwarmID      string     `json:"swarm_id"`
	AgentID      string     `json:"agent_id,omitempty"` // empty until distributed
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var agentID, deps *string
	err := scanner.Scan(&t.ID, &t.SwarmID, &agentID, &t.Description, &t.Status, &deps, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		t.AgentID = *agentID
	}
	if deps != nil && *deps != "" {
		if err := json.Unmarshal([]byte(*deps), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("task %s dependencies: %w", t.ID, err)
		}
	}
	return t, nil
}

const taskColumns = `id, swarm_id, agent_id, description, status, dependencies, created_at, completed_at`

// SaveTasks inserts a batch of tasks in a single transaction.
func (s *Store) SaveTasks(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save tasks: %w: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (id, swarm_id, agent_id, description, status, dependencies)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save tasks: %w: %w", ErrStorage, err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		var agentID, deps any
		if t.AgentID != "" {
			agentID = t.AgentID
		}
		if len(t.Dependencies) > 0 {
			data, err := json.Marshal(t.Dependencies)
			if err != nil {
				return fmt.Errorf("marshal task dependencies: %w", err)
			}
			deps = string(data)
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.SwarmID, agentID, t.Description, t.Status, deps); err != nil {
			return fmt.Errorf("save task %s: %w: %w", t.ID, ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save tasks: %w: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w: %w", ErrStorage, err)
	}
	return t, nil
}

func (s *Store) ListTasks(swarmID string) ([]Task, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE swarm_id = ? ORDER BY created_at, id`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w: %w", ErrStorage, err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the per-status task counts for a swarm,
// used for session progress reporting.
func (s *Store) CountTasksByStatus(swarmID string) (map[string]int, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks
		WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w: %w", ErrStorage, err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateTaskStatus mutates a task's status, stamping completed_at for
// terminal completion.
func (s *Store) UpdateTaskStatus(id, status string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
		    completed_at = CASE WHEN ? = 'completed' THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w: %w", ErrStorage, err)
	}
	return nil
}
