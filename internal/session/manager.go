package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nkaragias/hivemind/internal/consensus"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/vault"
)

var (
	// ErrValidation is returned for bad input, e.g. an empty objective.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidState is returned for illegal lifecycle transitions.
	ErrInvalidState = errors.New("invalid session state")
)

// Session lifecycle states.
const (
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusTerminated = "terminated"
)

// recentLogLines is how many log entries a resume summary includes.
const recentLogLines = 10

// Manager owns session lifecycle on top of the store. The NATS client and
// vault are optional: without a client no events are published, without a
// vault checkpoint payloads are stored unencrypted.
type Manager struct {
	store  *store.Store
	client *natsbus.Client
	vault  *vault.Vault
}

func NewManager(s *store.Store, client *natsbus.Client, v *vault.Vault) *Manager {
	return &Manager{store: s, client: client, vault: v}
}

// CreateSession inserts a new active session for a swarm.
func (m *Manager) CreateSession(swarmID, swarmName, objective string, cfg json.RawMessage) (*store.Session, error) {
	if swarmID == "" {
		return nil, fmt.Errorf("create session: swarm id is required: %w", ErrValidation)
	}
	if objective == "" {
		return nil, fmt.Errorf("create session: objective is required: %w", ErrValidation)
	}

	sess := &store.Session{
		ID:        uuid.New().String(),
		SwarmID:   swarmID,
		SwarmName: swarmName,
		Objective: objective,
		Status:    StatusActive,
		Config:    cfg,
	}
	if err := m.store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.LogEvent(sess.ID, "info", "Session created", "", nil)
	m.publishEvent(sess.ID, "session_created", map[string]any{
		"swarm_id":  swarmID,
		"objective": objective,
	})
	return sess, nil
}

// PauseSession transitions an active session to paused. While paused, no
// agent work may be dispatched against the session.
func (m *Manager) PauseSession(id string) error {
	ok, err := m.store.UpdateSessionStatusIf(id, StatusActive, StatusPaused)
	if err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	if !ok {
		sess, err := m.store.GetSession(id)
		if err != nil {
			return fmt.Errorf("pause session: %w", err)
		}
		if sess == nil {
			return fmt.Errorf("pause session %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("pause session %s: session is not active: %w", id, ErrInvalidState)
	}

	m.LogEvent(id, "info", "Session paused", "", nil)
	m.publishEvent(id, "session_paused", nil)
	return nil
}

// ResumeSession transitions a paused session back to active and returns
// the session. The state check and transition are one guarded UPDATE, so a
// failed resume leaves the session paused with no partial mutation.
func (m *Manager) ResumeSession(id string) (*store.Session, error) {
	ok, err := m.store.UpdateSessionStatusIf(id, StatusPaused, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if !ok {
		sess, err := m.store.GetSession(id)
		if err != nil {
			return nil, fmt.Errorf("resume session: %w", err)
		}
		if sess == nil {
			return nil, fmt.Errorf("resume session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("resume session %s: session is not paused: %w", id, ErrInvalidState)
	}

	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	m.LogEvent(id, "info", "Session resumed", "", nil)
	m.publishEvent(id, "session_resumed", nil)
	return sess, nil
}

// TerminateSession marks a session terminated. Sessions are never deleted.
func (m *Manager) TerminateSession(id string) error {
	for _, from := range []string{StatusActive, StatusPaused} {
		ok, err := m.store.UpdateSessionStatusIf(id, from, StatusTerminated)
		if err != nil {
			return fmt.Errorf("terminate session: %w", err)
		}
		if ok {
			m.LogEvent(id, "info", "Session terminated", "", nil)
			m.publishEvent(id, "session_terminated", nil)
			return nil
		}
	}

	sess, err := m.store.GetSession(id)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("terminate session %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("terminate session %s: session already terminated: %w", id, ErrInvalidState)
}

// SaveCheckpoint appends a named checkpoint without touching session
// status. With a vault configured the payload is sealed before it is
// written, so checkpoints are unreadable without the passphrase.
func (m *Manager) SaveCheckpoint(sessionID, name string, payload json.RawMessage) error {
	if name == "" {
		return fmt.Errorf("save checkpoint: name is required: %w", ErrValidation)
	}

	data := []byte(payload)
	if m.vault != nil {
		sealed, err := m.vault.Seal(data)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		data = sealed
	}

	if err := m.store.SaveCheckpoint(sessionID, name, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	m.LogEvent(sessionID, "info", fmt.Sprintf("Checkpoint %q saved", name), "", nil)
	m.publishEvent(sessionID, "checkpoint_saved", map[string]any{"name": name})
	return nil
}

// LoadCheckpoint returns the payload of a named checkpoint, or the most
// recent one when name is empty.
func (m *Manager) LoadCheckpoint(sessionID, name string) (json.RawMessage, error) {
	var (
		cp  *store.Checkpoint
		err error
	)
	if name == "" {
		cp, err = m.store.LatestCheckpoint(sessionID)
	} else {
		cp, err = m.store.GetCheckpoint(sessionID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", sessionID, name, ErrNotFound)
	}
	return m.openPayload(cp)
}

func (m *Manager) openPayload(cp *store.Checkpoint) (json.RawMessage, error) {
	data := []byte(cp.Payload)
	if m.vault != nil {
		opened, err := m.vault.Open(data)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %q: %w: %w", cp.Name, store.ErrPayload, err)
		}
		data = opened
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("checkpoint %q: %w", cp.Name, store.ErrPayload)
	}
	return json.RawMessage(data), nil
}

// RecordDecision aggregates agent votes under the given strategy and
// persists the outcome as a session log entry. Decisions are agent work,
// so the session must be active.
func (m *Manager) RecordDecision(sessionID, topic string, votes []consensus.Vote, strategy string, threshold float64) (consensus.Decision, error) {
	if topic == "" {
		return consensus.Decision{}, fmt.Errorf("record decision: topic is required: %w", ErrValidation)
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return consensus.Decision{}, fmt.Errorf("record decision: %w", err)
	}
	if sess == nil {
		return consensus.Decision{}, fmt.Errorf("record decision %s: %w", sessionID, ErrNotFound)
	}
	if sess.Status != StatusActive {
		return consensus.Decision{}, fmt.Errorf("record decision %s: session is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	decision, err := consensus.Decide(votes, strategy, threshold)
	if err != nil {
		return consensus.Decision{}, fmt.Errorf("record decision %q: %w", topic, err)
	}

	metadata, _ := json.Marshal(map[string]any{
		"topic":      topic,
		"strategy":   strategy,
		"votes":      len(votes),
		"agreement":  decision.Agreement,
		"confidence": decision.Confidence,
	})
	m.LogEvent(sessionID, "info",
		fmt.Sprintf("Consensus %q: agreement=%t (confidence %.2f)", topic, decision.Agreement, decision.Confidence),
		"", metadata)
	m.publishEvent(sessionID, "consensus_decided", map[string]any{
		"topic":      topic,
		"strategy":   strategy,
		"agreement":  decision.Agreement,
		"confidence": decision.Confidence,
	})
	return decision, nil
}

// LogEvent appends a session log entry. Logging never fails the caller;
// store errors are reported on the diagnostic log and swallowed.
func (m *Manager) LogEvent(sessionID, level, message, agentID string, metadata json.RawMessage) {
	err := m.store.SaveLog(&store.LogEntry{
		SessionID: sessionID,
		Level:     level,
		Message:   message,
		AgentID:   agentID,
		Metadata:  metadata,
	})
	if err != nil {
		slog.Warn("session log dropped", "session", sessionID, "message", message, "error", err)
	}
}

// GetSession returns a session or nil when it does not exist.
func (m *Manager) GetSession(id string) (*store.Session, error) {
	return m.store.GetSession(id)
}

// SessionInfo is a session with derived progress fields.
type SessionInfo struct {
	store.Session
	ProgressPercent float64        `json:"progress_percent"`
	TaskBreakdown   map[string]int `json:"task_breakdown"`
}

// ListSessions returns sessions with derived progress, optionally filtered
// by status.
func (m *Manager) ListSessions(status string) ([]SessionInfo, error) {
	sessions, err := m.store.ListSessions(status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		breakdown, err := m.store.CountTasksByStatus(sess.SwarmID)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		infos = append(infos, SessionInfo{
			Session:         sess,
			ProgressPercent: progressPercent(breakdown),
			TaskBreakdown:   breakdown,
		})
	}
	return infos, nil
}

// ResumeSummary is the single contract the CLI consumes after a resume. It
// carries everything needed to report continuity without store access.
type ResumeSummary struct {
	SessionID        string            `json:"session_id"`
	Objective        string            `json:"objective"`
	ProgressPercent  float64           `json:"progress_percent"`
	TaskBreakdown    map[string]int    `json:"task_breakdown"`
	RecentLogLines   []string          `json:"recent_log_lines"`
	LatestCheckpoint *store.Checkpoint `json:"latest_checkpoint,omitempty"`
}

/// BuildResumeSummary reconstructs the state of a session: objective,
// progress, task breakdown, the last few log lines in chronological order,
// and the most recent checkpoint. A corrupted checkpoint payload degrades
// to a warning instead of failing the summary.
func (m *Manager) BuildResumeSummary(sessionID string) (*ResumeSummary, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume summary: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("resume summary %s: %w", sessionID, ErrNotFound)
	}

	breakdown, err := m.store.CountTasksByStatus(sess.SwarmID)
	if err != nil {
		return nil, fmt.Errorf("resume summary: %w", err)
	}

	logs, err := m.store.RecentLogs(sessionID, recentLogLines)
	if err != nil {
		return nil, fmt.Errorf("resume summary: %w", err)
	}
	lines := make([]string, 0, len(logs))
	for _, e := range logs {
		lines = append(lines, formatLogLine(e))
	}

	summary := &ResumeSummary{
		SessionID:       sessionID,
		Objective:       sess.Objective,
		ProgressPercent: progressPercent(breakdown),
		TaskBreakdown:   breakdown,
		RecentLogLines:  lines,
	}

	cp, err := m.store.LatestCheckpoint(sessionID)
	switch {
	case errors.Is(err, store.ErrPayload):
		slog.Warn("latest checkpoint unreadable, omitting from summary", "session", sessionID, "error", err)
	case err != nil:
		return nil, fmt.Errorf("resume summary: %w", err)
	case cp != nil:
		payload, err := m.openPayload(cp)
		if err != nil {
			slog.Warn("latest checkpoint unreadable, omitting from summary", "session", sessionID, "error", err)
			break
		}
		cp.Payload = payload
		summary.LatestCheckpoint = cp
	}

	return summary, nil
}

func progressPercent(breakdown map[string]int) float64 {
	total := 0
	for _, n := range breakdown {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(breakdown["completed"]) / float64(total) * 100
}

func formatLogLine(e store.LogEntry) string {
	line := fmt.Sprintf("%s [%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Message)
	if e.AgentID != "" {
		line += " (agent " + e.AgentID + ")"
	}
	return line
}

func (m *Manager) publishEvent(sessionID, eventType string, data map[string]any) {
	if m.client == nil {
		return
	}

	event := map[string]any{
		"type":       eventType,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data":       data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = m.client.Publish(natsbus.TopicEventsSession(sessionID), payload)
}
