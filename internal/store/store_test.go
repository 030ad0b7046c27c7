package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nkaragias/hivemind/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSwarm(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.SaveSwarm(&Swarm{ID: id, Name: id, Objective: "test objective", Topology: "mesh", QueenType: "strategic"}); err != nil {
		t.Fatalf("seed swarm: %v", err)
	}
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")

	sess := &Session{ID: "sess-1", SwarmID: "sw-1", SwarmName: "alpha", Objective: "build the thing", Status: "active"}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Objective != "build the thing" {
		t.Errorf("expected objective 'build the thing', got '%s'", got.Objective)
	}
	if got.Status != "active" {
		t.Errorf("expected status active, got '%s'", got.Status)
	}

	// Not found
	got, err = s.GetSession("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent session")
	}

	// List with status filter
	_ = s.SaveSession(&Session{ID: "sess-2", SwarmID: "sw-1", SwarmName: "alpha", Objective: "other", Status: "paused"})
	all, err := s.ListSessions("")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}
	paused, _ := s.ListSessions("paused")
	if len(paused) != 1 || paused[0].ID != "sess-2" {
		t.Errorf("expected only sess-2 paused, got %v", paused)
	}
}

func TestUpdateSessionStatusIf(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveSession(&Session{ID: "sess-1", SwarmID: "sw-1", SwarmName: "alpha", Objective: "o", Status: "active"})

	ok, err := s.UpdateSessionStatusIf("sess-1", "active", "paused")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to apply")
	}

	// Guard holds: session is no longer active
	ok, err = s.UpdateSessionStatusIf("sess-1", "active", "paused")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if ok {
		t.Fatal("expected guarded transition to be rejected")
	}

	// Missing session
	ok, _ = s.UpdateSessionStatusIf("nope", "paused", "active")
	if ok {
		t.Fatal("expected no transition for missing session")
	}

	got, _ := s.GetSession("sess-1")
	if got.Status != "paused" {
		t.Errorf("expected status paused, got '%s'", got.Status)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveSession(&Session{ID: "sess-1", SwarmID: "sw-1", SwarmName: "alpha", Objective: "o", Status: "active"})

	payload := map[string]any{
		"completed_steps": []any{"design", "scaffold"},
		"pending_steps":   []any{"tests"},
		"progress":        42.5,
	}
	data, _ := json.Marshal(payload)

	if err := s.SaveCheckpoint("sess-1", "after-features", data); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	// A later checkpoint under a different name must not shadow lookups by name.
	_ = s.SaveCheckpoint("sess-1", "after-tests", []byte(`{"progress":80}`))

	cp, err := s.GetCheckpoint("sess-1", "after-features")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("expected checkpoint, got nil")
	}

	var got map[string]any
	if err := json.Unmarshal(cp.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["progress"] != 42.5 {
		t.Errorf("expected progress 42.5, got %v", got["progress"])
	}
	steps, ok := got["completed_steps"].([]any)
	if !ok || len(steps) != 2 {
		t.Errorf("expected 2 completed steps, got %v", got["completed_steps"])
	}

	latest, err := s.LatestCheckpoint("sess-1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Name != "after-tests" {
		t.Errorf("expected latest checkpoint 'after-tests', got '%s'", latest.Name)
	}

	// No checkpoints for unknown session
	none, err := s.LatestCheckpoint("other")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if none != nil {
		t.Error("expected nil checkpoint for unknown session")
	}
}

func TestCheckpointCorruptPayload(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveSession(&Session{ID: "sess-1", SwarmID: "sw-1", SwarmName: "alpha", Objective: "o", Status: "active"})

	// Write garbage directly, bypassing the compressing writer.
	_, err := s.DB().Exec(`INSERT INTO checkpoints (session_id, name, payload_json) VALUES (?, ?, ?)`,
		"sess-1", "bad", []byte("not zstd"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.LatestCheckpoint("sess-1")
	if !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload, got %v", err)
	}
}

func TestRecentLogsChronological(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveSession(&Session{ID: "sess-1", SwarmID: "sw-1", SwarmName: "alpha", Objective: "o", Status: "active"})

	for i := 0; i < 15; i++ {
		if err := s.SaveLog(&LogEntry{SessionID: "sess-1", Level: "info", Message: fmt.Sprintf("event %02d", i)}); err != nil {
			t.Fatalf("save log: %v", err)
		}
	}

	logs, err := s.RecentLogs("sess-1", 10)
	if err != nil {
		t.Fatalf("recent logs: %v", err)
	}
	if len(logs) != 10 {
		t.Fatalf("expected 10 logs, got %d", len(logs))
	}
	// Last 10 entries, oldest first
	if logs[0].Message != "event 05" {
		t.Errorf("expected first log 'event 05', got '%s'", logs[0].Message)
	}
	if logs[9].Message != "event 14" {
		t.Errorf("expected last log 'event 14', got '%s'", logs[9].Message)
	}
}

func TestAgentBatchInsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")

	agents := make([]Agent, 100)
	for i := range agents {
		agents[i] = Agent{
			ID:      fmt.Sprintf("agent-%03d", i),
			SwarmID: "sw-1",
			Name:    fmt.Sprintf("worker-%03d", i),
			Type:    "coder",
			Status:  "active",
		}
	}
	if err := s.SaveAgents(agents); err != nil {
		t.Fatalf("save agents: %v", err)
	}

	n, err := s.CountAgents("sw-1")
	if err != nil {
		t.Fatalf("count agents: %v", err)
	}
	if n != 100 {
		t.Errorf("expected 100 agents, got %d", n)
	}

	listed, err := s.ListAgents("sw-1")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if listed[0].ID != "agent-000" {
		t.Errorf("expected stable iteration order, first agent %s", listed[0].ID)
	}

	ids := make([]string, 40)
	for i := range ids {
		ids[i] = listed[i].ID
	}
	if err := s.DeleteAgents(ids); err != nil {
		t.Fatalf("delete agents: %v", err)
	}
	n, _ = s.CountAgents("sw-1")
	if n != 60 {
		t.Errorf("expected 60 agents after delete, got %d", n)
	}
}

func TestTaskBatchAndStatusCounts(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveAgents([]Agent{{ID: "a1", SwarmID: "sw-1", Name: "w1", Type: "coder", Status: "active"}})

	tasks := []Task{
		{ID: "t1", SwarmID: "sw-1", AgentID: "a1", Description: "one", Status: "completed"},
		{ID: "t2", SwarmID: "sw-1", AgentID: "a1", Description: "two", Status: "completed"},
		{ID: "t3", SwarmID: "sw-1", AgentID: "a1", Description: "three", Status: "in_progress"},
		{ID: "t4", SwarmID: "sw-1", Description: "four", Status: "pending", Dependencies: []string{"t1", "t3"}},
	}
	if err := s.SaveTasks(tasks); err != nil {
		t.Fatalf("save tasks: %v", err)
	}

	counts, err := s.CountTasksByStatus("sw-1")
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if counts["completed"] != 2 || counts["in_progress"] != 1 || counts["pending"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	got, err := s.GetTask("t4")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AgentID != "" {
		t.Errorf("expected unassigned task, got agent '%s'", got.AgentID)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[0] != "t1" {
		t.Errorf("unexpected dependencies: %v", got.Dependencies)
	}

	if err := s.UpdateTaskStatus("t3", "completed"); err != nil {
		t.Fatalf("update task status: %v", err)
	}
	got, _ = s.GetTask("t3")
	if got.Status != "completed" {
		t.Errorf("expected status completed, got '%s'", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestMessageBatchInsert(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, "sw-1")
	_ = s.SaveAgents([]Agent{
		{ID: "a1", SwarmID: "sw-1", Name: "w1", Type: "coder", Status: "active"},
		{ID: "a2", SwarmID: "sw-1", Name: "w2", Type: "tester", Status: "active"},
	})

	msgs := make([]Message, 20)
	for i := range msgs {
		msgs[i] = Message{FromAgent: "a1", ToAgent: "a2", Content: "ping"}
	}
	if err := s.SaveMessages(msgs); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	n, err := s.CountMessages()
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20 messages, got %d", n)
	}
}

func TestMetricAggregates(t *testing.T) {
	s := newTestStore(t)

	for _, sample := range []struct {
		value float64
		count int
	}{
		{10, 5}, {20, 5}, {30, 10},
	} {
		if err := s.SaveMetric("memory_heap", sample.value, sample.count); err != nil {
			t.Fatalf("save metric: %v", err)
		}
	}
	_ = s.SaveMetric("scale_time", 1.5, 10)

	aggs, err := s.AggregateMetrics()
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	if len(aggs) != 3 {
		t.Fatalf("expected 3 aggregate groups, got %d", len(aggs))
	}

	// memory_heap @ 5 agents: two samples averaging 15
	first := aggs[0]
	if first.MetricType != "memory_heap" || first.AgentCount != 5 {
		t.Fatalf("unexpected first group: %+v", first)
	}
	if first.Samples != 2 || first.Avg != 15 || first.Min != 10 || first.Max != 20 {
		t.Errorf("unexpected aggregate: %+v", first)
	}

	series, err := s.ListMetrics("memory_heap")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(series) != 3 {
		t.Errorf("expected 3 raw samples, got %d", len(series))
	}
}
