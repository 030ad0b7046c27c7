package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Objective string    `json:"objective"`
	Topology  string    `json:"topology"`
	QueenType string    `json:"queen_type"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveSwarm(sw *Swarm) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, name, objective, topology, queen_type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			objective = excluded.objective,
			topology = excluded.topology,
			queen_type = excluded.queen_type`,
		sw.ID, sw.Name, sw.Objective, sw.Topology, sw.QueenType)
	if err != nil {
		return fmt.Errorf("save swarm: %w: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	sw := &Swarm{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, objective, topology, queen_type, created_at
		FROM swarms WHERE id = ?`, id).
		Scan(&sw.ID, &sw.Name, &sw.Objective, &sw.Topology, &sw.QueenType, &sw.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w: %w", ErrStorage, err)
	}
	return sw, nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, objective, topology, queen_type, created_at
		FROM swarms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		var sw Swarm
		if err := rows.Scan(&sw.ID, &sw.Name, &sw.Objective, &sw.Topology, &sw.QueenType, &sw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan swarm: %w: %w", ErrStorage, err)
		}
		swarms = append(swarms, sw)
	}
	return swarms, rows.Err()
}

func (s *Store) DeleteSwarm(id string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete swarm: %w: %w", ErrStorage, err)
	}
	return nil
}
