package swarm

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/store"
)

// fakeClock advances a fixed step on every read so durations are
// deterministic under test.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
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
		Objective: "test objective",
		Topology:  "mesh",
		QueenType: "strategic",
	}); err != nil {
		t.Fatalf("failed to seed swarm: %v", err)
	}

	o, err := New("swarm-1", s, nil, config.SwarmConfig{
		SpawnBatchSize: 50,
		AgentTypes:     []string{"researcher", "coder", "analyst", "tester", "coordinator"},
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	o.now = (&fakeClock{t: time.Unix(1700000000, 0), step: 5 * time.Millisecond}).Now
	o.rng = rand.New(rand.NewSource(1))
	return o, s
}

func TestSpawnMixedDeterministic(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	agents, err := o.SpawnAgents(7, TypeMixed)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"researcher", "coder", "analyst", "tester", "coordinator", "researcher", "coder"}
	for i, a := range agents {
		if a.Type != want[i] {
			t.Errorf("agent %d: expected type %s, got %s", i, want[i], a.Type)
		}
	}

	// A second mixed spawn continues from the current offset.
	more, err := o.SpawnAgents(2, TypeMixed)
	if err != nil {
		t.Fatal(err)
	}
	if more[0].Type != "analyst" || more[1].Type != "tester" {
		t.Errorf("expected offset to continue, got %s, %s", more[0].Type, more[1].Type)
	}
}

func TestSpawnLargePool(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(100, "coder"); err != nil {
		t.Fatal(err)
	}
	count, err := s.CountAgents("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 100 {
		t.Fatalf("expected 100 persisted agents, got %d", count)
	}
	if o.AgentCount() != 100 {
		t.Fatalf("expected pool size 100, got %d", o.AgentCount())
	}
}

func TestRemoveMoreThanExist(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(3, "tester"); err != nil {
		t.Fatal(err)
	}
	removed, err := o.RemoveAgents(10)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	count, err := s.CountAgents("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected empty pool, got %d", count)
	}
}

func TestDistributionFairness(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(5, TypeMixed); err != nil {
		t.Fatal(err)
	}
	res, err := o.DistributeTasks(10)
	if err != nil {
		t.Fatal(err)
	}
	if res.TasksCreated != 10 {
		t.Fatalf("expected 10 tasks created, got %d", res.TasksCreated)
	}
	if res.AgentsUsed != 5 {
		t.Fatalf("expected 5 agents used, got %d", res.AgentsUsed)
	}
	if res.AvgTasksPerAgent != 2 {
		t.Fatalf("expected avg 2 tasks per agent, got %f", res.AvgTasksPerAgent)
	}

	tasks, err := s.ListTasks("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	perAgent := make(map[string]int)
	for _, task := range tasks {
		if task.AgentID == "" {
			t.Fatalf("task %s has no assignment", task.ID)
		}
		perAgent[task.AgentID]++
	}
	total := 0
	for _, n := range perAgent {
		total += n
		if n != 2 {
			t.Errorf("expected exactly 2 tasks per agent, got %d", n)
		}
	}
	if total != 10 {
		t.Fatalf("expected 10 assigned tasks, got %d", total)
	}
}

func TestDistributionRemainder(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(3, "coder"); err != nil {
		t.Fatal(err)
	}
	res, err := o.DistributeTasks(7)
	if err != nil {
		t.Fatal(err)
	}
	if res.AgentsUsed != 3 {
		t.Fatalf("expected 3 agents used, got %d", res.AgentsUsed)
	}

	tasks, err := s.ListTasks("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	perAgent := make(map[string]int)
	for _, task := range tasks {
		perAgent[task.AgentID]++
	}
	total, min, max := 0, 7, 0
	for _, n := range perAgent {
		total += n
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if total != 7 {
		t.Fatalf("expected 7 tasks total, got %d", total)
	}
	if max-min > 1 {
		t.Fatalf("expected per-agent counts to differ by at most 1, got min=%d max=%d", min, max)
	}
}

func TestDistributeFewerTasksThanAgents(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(5, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := o.DistributeTasks(3)
	if err != nil {
		t.Fatal(err)
	}
	if res.TasksCreated != 3 {
		t.Fatalf("expected 3 tasks, got %d", res.TasksCreated)
	}
	if res.AgentsUsed != 3 {
		t.Fatalf("expected 3 agents used, got %d", res.AgentsUsed)
	}
}

func TestDistributeNoAgents(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.DistributeTasks(10)
	if !errors.Is(err, ErrNoAgents) {
		t.Fatalf("expected ErrNoAgents, got %v", err)
	}
}

func TestScaleIdempotence(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	first, err := o.ScaleAgents(10, TypeMixed)
	if err != nil {
		t.Fatal(err)
	}
	if first.CurrentCount != 10 {
		t.Fatalf("expected current 10, got %d", first.CurrentCount)
	}

	second, err := o.ScaleAgents(10, TypeMixed)
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousCount != 10 || second.CurrentCount != 10 {
		t.Fatalf("expected 10 -> 10, got %d -> %d", second.PreviousCount, second.CurrentCount)
	}
}

func TestScaleBookkeeping(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.ScaleAgents(30, TypeMixed); err != nil {
		t.Fatal(err)
	}
	res, err := o.ScaleAgents(15, TypeMixed)
	if err != nil {
		t.Fatal(err)
	}
	if res.PreviousCount != 30 || res.CurrentCount != 15 {
		t.Fatalf("expected 30 -> 15, got %d -> %d", res.PreviousCount, res.CurrentCount)
	}
	count, err := s.CountAgents("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 15 {
		t.Fatalf("expected 15 live agents, got %d", count)
	}

	// Scaling emits a scale_time sample keyed by the target count.
	metrics, err := s.ListMetrics("scale_time")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 scale_time samples, got %d", len(metrics))
	}
	if metrics[len(metrics)-1].AgentCount != 15 {
		t.Fatalf("expected last sample keyed by target 15, got %d", metrics[len(metrics)-1].AgentCount)
	}
}

func TestScaleReconcilesExternalEdits(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.ScaleAgents(5, "coder"); err != nil {
		t.Fatal(err)
	}

	// Administrative cleanup removes agents behind the orchestrator's back.
	agents, err := s.ListAgents("swarm-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAgents([]string{agents[0].ID, agents[1].ID}); err != nil {
		t.Fatal(err)
	}

	res, err := o.ScaleAgents(5, "coder")
	if err != nil {
		t.Fatal(err)
	}
	if res.PreviousCount != 3 || res.CurrentCount != 5 {
		t.Fatalf("expected 3 -> 5 after reconcile, got %d -> %d", res.PreviousCount, res.CurrentCount)
	}
}

func TestCommunicationRequiresTwoAgents(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.SimulateCommunication(5); !errors.Is(err, ErrInsufficientAgents) {
		t.Fatalf("expected ErrInsufficientAgents on empty pool, got %v", err)
	}

	if _, err := o.SpawnAgents(1, "coder"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SimulateCommunication(5); !errors.Is(err, ErrInsufficientAgents) {
		t.Fatalf("expected ErrInsufficientAgents with 1 agent, got %v", err)
	}
}

func TestSimulateCommunication(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(5, TypeMixed); err != nil {
		t.Fatal(err)
	}
	res, err := o.SimulateCommunication(20)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesSent != 20 {
		t.Fatalf("expected 20 messages sent, got %d", res.MessagesSent)
	}
	if res.TotalTime <= 0 {
		t.Fatal("expected positive total time")
	}

	messages, err := s.RecentMessages(50)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 20 {
		t.Fatalf("expected 20 persisted messages, got %d", len(messages))
	}
	for _, m := range messages {
		if m.FromAgent == m.ToAgent {
			t.Fatalf("message %d sent to self", m.ID)
		}
	}

	metrics, err := s.ListMetrics("communication_latency")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].AgentCount != 5 {
		t.Fatalf("expected one latency sample keyed by 5 agents, got %+v", metrics)
	}
}

func TestMeasureResourceUsage(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if _, err := o.SpawnAgents(5, TypeMixed); err != nil {
		t.Fatal(err)
	}
	if _, err := o.DistributeTasks(10); err != nil {
		t.Fatal(err)
	}

	usage, err := o.MeasureResourceUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage.AgentCount != 5 {
		t.Fatalf("expected agent count 5, got %d", usage.AgentCount)
	}
	if usage.TaskCount != 10 {
		t.Fatalf("expected task count 10, got %d", usage.TaskCount)
	}
	if usage.MemoryHeap == 0 {
		t.Fatal("expected non-zero heap usage")
	}

	for _, metricType := range []string{"memory_heap", "cpu_total"} {
		metrics, err := s.ListMetrics(metricType)
		if err != nil {
			t.Fatal(err)
		}
		if len(metrics) != 1 {
			t.Fatalf("expected one %s sample, got %d", metricType, len(metrics))
		}
		if metrics[0].AgentCount != 5 {
			t.Fatalf("expected %s sample keyed by 5 agents, got %d", metricType, metrics[0].AgentCount)
		}
	}
}

func TestGetPerformanceReport(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.ScaleAgents(5, TypeMixed); err != nil {
		t.Fatal(err)
	}
	if _, err := o.DistributeTasks(10); err != nil {
		t.Fatal(err)
	}
	if _, err := o.MeasureResourceUsage(); err != nil {
		t.Fatal(err)
	}

	report, err := o.GetPerformanceReport()
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.AgentCount != 5 {
		t.Fatalf("expected agent count 5, got %d", report.Summary.AgentCount)
	}
	if report.Summary.TaskCount != 10 {
		t.Fatalf("expected task count 10, got %d", report.Summary.TaskCount)
	}
	if report.Summary.TaskBreakdown["pending"] != 10 {
		t.Fatalf("expected 10 pending tasks, got %+v", report.Summary.TaskBreakdown)
	}
	if len(report.Metrics) == 0 || len(report.Detailed) == 0 {
		t.Fatal("expected grouped and raw metric series")
	}
	if report.Summary.MetricSamples != len(report.Detailed) {
		t.Fatalf("summary sample count %d does not match raw series %d",
			report.Summary.MetricSamples, len(report.Detailed))
	}
}

func TestStartTaskDependencyGate(t *testing.T) {
	o, s := newTestOrchestrator(t)

	if err := s.SaveTasks([]store.Task{
		{ID: "t1", SwarmID: "swarm-1", Description: "build", Status: "pending"},
		{ID: "t2", SwarmID: "swarm-1", Description: "test", Status: "pending", Dependencies: []string{"t1"}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.StartTask("t2"); !errors.Is(err, ErrDependencyNotSatisfied) {
		t.Fatalf("expected ErrDependencyNotSatisfied, got %v", err)
	}

	if err := s.UpdateTaskStatus("t1", "completed"); err != nil {
		t.Fatal(err)
	}
	if err := o.StartTask("t2"); err != nil {
		t.Fatal(err)
	}

	task, err := s.GetTask("t2")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", task.Status)
	}
}

func TestStartTaskUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if err := o.StartTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
