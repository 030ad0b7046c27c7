package session

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/consensus"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/vault"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SaveSwarm(&store.Swarm{
		ID:        "swarm-1",
		Name:      "test swarm",
		Objective: "build the thing",
		Topology:  "hierarchical",
		QueenType: "strategic",
	}); err != nil {
		t.Fatalf("failed to seed swarm: %v", err)
	}
	return NewManager(s, nil, nil), s
}

func createTestSession(t *testing.T, m *Manager) *store.Session {
	t.Helper()
	sess, err := m.CreateSession("swarm-1", "test swarm", "build the thing", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sess
}

func TestCreateSessionValidation(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.CreateSession("", "name", "objective", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty swarm id, got %v", err)
	}
	if _, err := m.CreateSession("swarm-1", "name", "", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty objective, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	if sess.Status != StatusActive {
		t.Fatalf("expected new session active, got %s", sess.Status)
	}

	if err := m.PauseSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	resumed, err := m.ResumeSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("expected active after resume, got %s", resumed.Status)
	}

	// Resuming an already-active session is an invalid transition.
	_, err = m.ResumeSession(sess.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !strings.Contains(err.Error(), "not paused") {
		t.Fatalf("expected message to mention not paused, got %q", err.Error())
	}
}

func TestResumeUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ResumeSession("no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPauseRequiresActive(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	if err := m.PauseSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.PauseSession(sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double pause, got %v", err)
	}
	if err := m.PauseSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminateSession(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	if err := m.TerminateSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.TerminateSession(sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double terminate, got %v", err)
	}
	if _, err := m.ResumeSession(sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState resuming terminated session, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	payload := json.RawMessage(`{"phase":"features","completed_steps":["scaffold","api"],"pending":["tests"]}`)
	if err := m.SaveCheckpoint(sess.ID, "after-features", payload); err != nil {
		t.Fatal(err)
	}
	// A later checkpoint must not shadow a lookup by name.
	if err := m.SaveCheckpoint(sess.ID, "after-tests", json.RawMessage(`{"phase":"tests"}`)); err != nil {
		t.Fatal(err)
	}

	got, err := m.LoadCheckpoint(sess.ID, "after-features")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch:\nwant %s\ngot  %s", payload, got)
	}

	latest, err := m.LoadCheckpoint(sess.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(latest) != `{"phase":"tests"}` {
		t.Fatalf("expected latest checkpoint, got %s", latest)
	}
}

func TestCheckpointVaultRoundTrip(t *testing.T) {
	m, s := newTestManager(t)
	m.vault = vault.New("swarm-passphrase")
	sess := createTestSession(t, m)

	payload := json.RawMessage(`{"secret_state":42}`)
	if err := m.SaveCheckpoint(sess.ID, "sealed", payload); err != nil {
		t.Fatal(err)
	}

	// The stored blob must not contain the plaintext.
	cp, err := s.GetCheckpoint(sess.ID, "sealed")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(cp.Payload), "secret_state") {
		t.Fatal("checkpoint stored unencrypted")
	}

	got, err := m.LoadCheckpoint(sess.ID, "sealed")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %s, got %s", payload, got)
	}
}

func TestCheckpointValidation(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	if err := m.SaveCheckpoint(sess.ID, "", json.RawMessage(`{}`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty name, got %v", err)
	}
	if _, err := m.LoadCheckpoint(sess.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressCalculation(t *testing.T) {
	m, s := newTestManager(t)
	sess := createTestSession(t, m)

	if err := s.SaveTasks([]store.Task{
		{ID: "t1", SwarmID: "swarm-1", Description: "a", Status: "completed"},
		{ID: "t2", SwarmID: "swarm-1", Description: "b", Status: "completed"},
		{ID: "t3", SwarmID: "swarm-1", Description: "c", Status: "in_progress"},
		{ID: "t4", SwarmID: "swarm-1", Description: "d", Status: "pending"},
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := m.BuildResumeSummary(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ProgressPercent != 50 {
		t.Fatalf("expected 50%% progress, got %f", summary.ProgressPercent)
	}
	want := map[string]int{"completed": 2, "in_progress": 1, "pending": 1}
	for status, n := range want {
		if summary.TaskBreakdown[status] != n {
			t.Fatalf("expected %d %s tasks, got %d", n, status, summary.TaskBreakdown[status])
		}
	}
}

func TestProgressWithNoTasks(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	summary, err := m.BuildResumeSummary(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ProgressPercent != 0 {
		t.Fatalf("expected 0%% progress with no tasks, got %f", summary.ProgressPercent)
	}
}

func TestBuildResumeSummary(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)

	for i := 0; i < 15; i++ {
		m.LogEvent(sess.ID, "info", string(rune('a'+i))+" happened", "", nil)
	}
	if err := m.SaveCheckpoint(sess.ID, "latest", json.RawMessage(`{"step":9}`)); err != nil {
		t.Fatal(err)
	}

	summary, err := m.BuildResumeSummary(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Objective != "build the thing" {
		t.Fatalf("unexpected objective %q", summary.Objective)
	}
	if len(summary.RecentLogLines) != 10 {
		t.Fatalf("expected 10 recent log lines, got %d", len(summary.RecentLogLines))
	}
	// Chronological order: the checkpoint log is the newest entry.
	last := summary.RecentLogLines[len(summary.RecentLogLines)-1]
	if !strings.Contains(last, "Checkpoint") {
		t.Fatalf("expected newest entry last, got %q", last)
	}
	if summary.LatestCheckpoint == nil {
		t.Fatal("expected latest checkpoint in summary")
	}
	if string(summary.LatestCheckpoint.Payload) != `{"step":9}` {
		t.Fatalf("unexpected checkpoint payload %s", summary.LatestCheckpoint.Payload)
	}
}

func TestSummaryOmitsCorruptCheckpoint(t *testing.T) {
	m, s := newTestManager(t)
	sess := createTestSession(t, m)

	// Bypass the store API to plant a blob that is not valid zstd.
	_, err := s.DB().Exec(`
		INSERT INTO checkpoints (session_id, name, payload_json)
		VALUES (?, ?, ?)`, sess.ID, "corrupt", []byte("not a checkpoint"))
	if err != nil {
		t.Fatal(err)
	}

	summary, err := m.BuildResumeSummary(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.LatestCheckpoint != nil {
		t.Fatal("expected corrupt checkpoint to be omitted")
	}
}

func TestSummaryUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.BuildResumeSummary("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsWithProgress(t *testing.T) {
	m, s := newTestManager(t)
	sess := createTestSession(t, m)

	if err := s.SaveTasks([]store.Task{
		{ID: "t1", SwarmID: "swarm-1", Description: "a", Status: "completed"},
		{ID: "t2", SwarmID: "swarm-1", Description: "b", Status: "pending"},
	}); err != nil {
		t.Fatal(err)
	}

	infos, err := m.ListSessions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != sess.ID {
		t.Fatalf("expected the created session, got %+v", infos)
	}
	if infos[0].ProgressPercent != 50 {
		t.Fatalf("expected 50%% progress, got %f", infos[0].ProgressPercent)
	}

	paused, err := m.ListSessions(StatusPaused)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 0 {
		t.Fatalf("expected no paused sessions, got %d", len(paused))
	}
}

func TestLogEventSwallowsStoreFailure(t *testing.T) {
	m, s := newTestManager(t)
	sess := createTestSession(t, m)

	s.Close()
	// Must not panic or surface the error.
	m.LogEvent(sess.ID, "info", "after close", "", nil)
}

func TestRecordDecision(t *testing.T) {
	m, s := newTestManager(t)
	sess := createTestSession(t, m)

	votes := []consensus.Vote{
		{AgentID: "a1", Approve: true},
		{AgentID: "a2", Approve: true},
		{AgentID: "a3", Approve: true},
		{AgentID: "a4", Approve: false},
	}
	decision, err := m.RecordDecision(sess.ID, "adopt plan", votes, consensus.Quorum, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Agreement {
		t.Fatalf("expected agreement at 3/4 approval, got %+v", decision)
	}
	if decision.Confidence != 0.75 {
		t.Fatalf("expected confidence 0.75, got %v", decision.Confidence)
	}

	// The outcome must survive as a session log entry with its metadata.
	logs, err := s.RecentLogs(sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	last := logs[len(logs)-1]
	if !strings.Contains(last.Message, "Consensus") {
		t.Fatalf("expected consensus log entry, got %q", last.Message)
	}
	var meta struct {
		Topic     string `json:"topic"`
		Agreement bool   `json:"agreement"`
		Votes     int    `json:"votes"`
	}
	if err := json.Unmarshal(last.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Topic != "adopt plan" || !meta.Agreement || meta.Votes != 4 {
		t.Fatalf("unexpected decision metadata: %+v", meta)
	}
}

func TestRecordDecisionValidation(t *testing.T) {
	m, _ := newTestManager(t)
	sess := createTestSession(t, m)
	votes := []consensus.Vote{{AgentID: "a1", Approve: true}}

	if _, err := m.RecordDecision(sess.ID, "", votes, consensus.Quorum, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty topic, got %v", err)
	}
	if _, err := m.RecordDecision("nope", "topic", votes, consensus.Quorum, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.RecordDecision(sess.ID, "topic", votes, "majority-ish", 0); !errors.Is(err, consensus.ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}

	if err := m.PauseSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordDecision(sess.ID, "topic", votes, consensus.Quorum, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while paused, got %v", err)
	}
}
