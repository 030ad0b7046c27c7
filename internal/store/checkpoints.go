package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Checkpoint struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Checkpoint payloads are opaque JSON blobs that can grow large for
// long-running swarms, so they are zstd-compressed at rest.
var (
	cpEncoder, _ = zstd.NewWriter(nil)
	cpDecoder, _ = zstd.NewReader(nil)
)

func (s *Store) SaveCheckpoint(sessionID, name string, payload []byte) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	blob := cpEncoder.EncodeAll(payload, nil)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, name, payload_json)
		VALUES (?, ?, ?)`, sessionID, name, blob)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w: %w", ErrStorage, err)
	}
	return nil
}

func scanCheckpoint(scanner interface {
	Scan(dest ...any) error
}) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var blob []byte
	if err := scanner.Scan(&cp.ID, &cp.SessionID, &cp.Name, &blob, &cp.Timestamp); err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		payload, err := cpDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %d: %w: %v", cp.ID, ErrPayload, err)
		}
		cp.Payload = json.RawMessage(payload)
	}
	return cp, nil
}

const checkpointColumns = `id, session_id, name, payload_json, timestamp`

// LatestCheckpoint returns the most recent checkpoint for a session, or
// nil when the session has none.
func (s *Store) LatestCheckpoint(sessionID string) (*Checkpoint, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, sessionID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetCheckpoint returns the most recent checkpoint with the given name.
func (s *Store) GetCheckpoint(sessionID, name string) (*Checkpoint, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ? AND name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, sessionID, name)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(sessionID string) ([]Checkpoint, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}
