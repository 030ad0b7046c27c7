package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nkaragias/hivemind/internal/config"
	_ "modernc.org/sqlite"
)

// ErrStorage marks any failure of the underlying persistence layer.
// Callers test for it with errors.Is.
var ErrStorage = errors.New("storage failure")

// ErrPayload marks a checkpoint payload that could not be decoded.
var ErrPayload = errors.New("corrupt checkpoint payload")

type Store struct {
	db      *sql.DB
	timeout time.Duration
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &Store{db: db, timeout: timeout}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// opCtx bounds a single store call. No statement may block indefinitely;
// on expiry the driver aborts the statement and the transaction rolls back.
func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL,
			swarm_name      TEXT NOT NULL,
			objective       TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			config          TEXT,
			checkpoint_data TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			name         TEXT NOT NULL,
			payload_json BLOB,
			timestamp    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS session_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			level         TEXT NOT NULL,
			message       TEXT NOT NULL,
			agent_id      TEXT,
			metadata_json TEXT,
			timestamp     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON session_logs(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS swarms (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			objective  TEXT NOT NULL,
			topology   TEXT NOT NULL DEFAULT 'hierarchical',
			queen_type TEXT NOT NULL DEFAULT 'strategic',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			swarm_id   TEXT NOT NULL REFERENCES swarms(id),
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL REFERENCES swarms(id),
			agent_id     TEXT REFERENCES agents(id),
			description  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			dependencies TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			from_agent TEXT NOT NULL REFERENCES agents(id),
			to_agent   TEXT NOT NULL REFERENCES agents(id),
			content    TEXT NOT NULL,
			timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			metric_type TEXT NOT NULL,
			value       REAL NOT NULL,
			agent_count INTEGER NOT NULL DEFAULT 0,
			timestamp   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type ON performance_metrics(metric_type, agent_count)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
