package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/store"
)

var (
	// ErrNoAgents is returned when an operation needs a non-empty pool.
	ErrNoAgents = errors.New("no agents in swarm")
	// ErrInsufficientAgents is returned when an operation needs at least
	// two live agents.
	ErrInsufficientAgents = errors.New("communication requires at least 2 agents")
)

// TypeMixed assigns agent types round-robin over the configured type list.
const TypeMixed = "mixed"

// Orchestrator owns the live agent pool of a single swarm. The pool slice
// is a cache over the agents table; ReloadPool reconciles it before any
// decision that depends on counts.
type Orchestrator struct {
	swarmID string
	store   *store.Store
	client  *natsbus.Client
	cfg     config.SwarmConfig

	now func() time.Time
	rng *rand.Rand

	mu          sync.Mutex
	pool        []store.Agent
	mixedOffset int
	spawnSeq    int
}

// New builds an orchestrator for one swarm and loads its live pool from
// the store.
func New(swarmID string, s *store.Store, client *natsbus.Client, cfg config.SwarmConfig) (*Orchestrator, error) {
	o := &Orchestrator{
		swarmID: swarmID,
		store:   s,
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if o.cfg.SpawnBatchSize <= 0 {
		o.cfg.SpawnBatchSize = 50
	}
	if len(o.cfg.AgentTypes) == 0 {
		o.cfg.AgentTypes = []string{"researcher", "coder", "analyst", "tester", "coordinator"}
	}
	if err := o.ReloadPool(); err != nil {
		return nil, err
	}
	return o, nil
}

// ReloadPool re-reads the live pool from the store, replacing the cached
// view. Long-lived processes call this before trusting counts so external
// edits to the agents table are picked up.
func (o *Orchestrator) ReloadPool() error {
	agents, err := o.store.ListAgents(o.swarmID)
	if err != nil {
		return fmt.Errorf("reload pool: %w", err)
	}
	o.mu.Lock()
	o.pool = agents
	o.spawnSeq = len(agents)
	o.mu.Unlock()
	return nil
}

// AgentCount returns the cached pool size.
func (o *Orchestrator) AgentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pool)
}

// Agents returns a copy of the cached pool in iteration order.
func (o *Orchestrator) Agents() []store.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]store.Agent, len(o.pool))
	copy(out, o.pool)
	return out
}

// SpawnAgents creates count agents of the given type. TypeMixed assigns
// types round-robin over the configured type list, so a mixed pool is
// deterministic for a given offset and count. Inserts are chunked so no
// single transaction exceeds the spawn batch size.
func (o *Orchestrator) SpawnAgents(count int, agentType string) ([]store.Agent, error) {
	if count <= 0 {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	agents := make([]store.Agent, 0, count)
	for i := 0; i < count; i++ {
		typ := agentType
		if agentType == TypeMixed {
			typ = o.cfg.AgentTypes[o.mixedOffset%len(o.cfg.AgentTypes)]
			o.mixedOffset++
		}
		o.spawnSeq++
		agents = append(agents, store.Agent{
			ID:      uuid.New().String(),
			SwarmID: o.swarmID,
			Name:    fmt.Sprintf("%s-%d", typ, o.spawnSeq),
			Type:    typ,
			Status:  "active",
		})
	}

	for start := 0; start < len(agents); start += o.cfg.SpawnBatchSize {
		end := start + o.cfg.SpawnBatchSize
		if end > len(agents) {
			end = len(agents)
		}
		if err := o.store.SaveAgents(agents[start:end]); err != nil {
			// Earlier chunks already committed; reflect them in the
			// cache so counts stay honest.
			o.pool = append(o.pool, agents[:start]...)
			return agents[:start], fmt.Errorf("spawn agents: %w", err)
		}
	}

	o.pool = append(o.pool, agents...)
	o.publishEvent("agents_spawned", map[string]any{
		"count":      len(agents),
		"agent_type": agentType,
		"pool_size":  len(o.pool),
	})
	return agents, nil
}

// RemoveAgents evicts count agents in pool iteration order. Removing more
// agents than exist removes all of them. Returns the number removed.
func (o *Orchestrator) RemoveAgents(count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if count > len(o.pool) {
		count = len(o.pool)
	}
	if count == 0 {
		return 0, nil
	}

	ids := make([]string, count)
	for i := 0; i < count; i++ {
		ids[i] = o.pool[i].ID
	}

	removed := 0
	for start := 0; start < len(ids); start += o.cfg.SpawnBatchSize {
		end := start + o.cfg.SpawnBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := o.store.DeleteAgents(ids[start:end]); err != nil {
			o.pool = o.pool[removed:]
			return removed, fmt.Errorf("remove agents: %w", err)
		}
		removed = end
	}

	o.pool = o.pool[count:]
	o.publishEvent("agents_removed", map[string]any{
		"count":     count,
		"pool_size": len(o.pool),
	})
	return count, nil
}

// ScaleResult reports one scaling operation.
type ScaleResult struct {
	PreviousCount int           `json:"previous_count"`
	CurrentCount  int           `json:"current_count"`
	ScaleTime     time.Duration `json:"scale_time"`
}

// ScaleAgents grows or shrinks the pool to targetCount. Scaling to the
// current size is a no-op. The elapsed time is recorded as a scale_time
// metric sample keyed by the target count.
func (o *Orchestrator) ScaleAgents(targetCount int, agentType string) (*ScaleResult, error) {
	if targetCount < 0 {
		targetCount = 0
	}
	if agentType == "" {
		agentType = TypeMixed
	}

	if err := o.ReloadPool(); err != nil {
		return nil, err
	}

	start := o.now()
	previous := o.AgentCount()

	switch {
	case targetCount > previous:
		if _, err := o.SpawnAgents(targetCount-previous, agentType); err != nil {
			return nil, fmt.Errorf("scale up: %w", err)
		}
	case targetCount < previous:
		if _, err := o.RemoveAgents(previous - targetCount); err != nil {
			return nil, fmt.Errorf("scale down: %w", err)
		}
	}

	res := &ScaleResult{
		PreviousCount: previous,
		CurrentCount:  o.AgentCount(),
		ScaleTime:     o.now().Sub(start),
	}
	if err := o.RecordMetric("scale_time", float64(res.ScaleTime.Milliseconds()), targetCount); err != nil {
		return nil, err
	}
	o.publishEvent("swarm_scaled", map[string]any{
		"previous": res.PreviousCount,
		"current":  res.CurrentCount,
	})
	return res, nil
}

// DistributionResult reports one task-distribution run.
type DistributionResult struct {
	TasksCreated     int           `json:"tasks_created"`
	AgentsUsed       int           `json:"agents_used"`
	AvgTasksPerAgent float64       `json:"avg_tasks_per_agent"`
	DistributionTime time.Duration `json:"distribution_time"`
}

// DistributeTasks creates taskCount tasks and assigns them across the live
// pool: base = taskCount/agents, and the first taskCount%agents agents in
// iteration order take one extra. Every task is assigned, and per-agent
// counts differ by at most one.
func (o *Orchestrator) DistributeTasks(taskCount int) (*DistributionResult, error) {
	if err := o.ReloadPool(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.pool) == 0 {
		return nil, ErrNoAgents
	}
	if taskCount < 0 {
		taskCount = 0
	}

	start := o.now()
	base := taskCount / len(o.pool)
	remainder := taskCount % len(o.pool)

	tasks := make([]store.Task, 0, taskCount)
	seq := 0
	for i, agent := range o.pool {
		n := base
		if i < remainder {
			n++
		}
		for j := 0; j < n; j++ {
			seq++
			tasks = append(tasks, store.Task{
				ID:          uuid.New().String(),
				SwarmID:     o.swarmID,
				AgentID:     agent.ID,
				Description: fmt.Sprintf("Task %d assigned to %s", seq, agent.Name),
				Status:      "pending",
			})
		}
	}

	for s := 0; s < len(tasks); s += o.cfg.SpawnBatchSize {
		end := s + o.cfg.SpawnBatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		if err := o.store.SaveTasks(tasks[s:end]); err != nil {
			return nil, fmt.Errorf("distribute tasks: %w", err)
		}
	}

	// Each assignment is announced on the agent's inbox topic so a live
	// worker can pick it up without polling.
	if o.client != nil {
		for _, task := range tasks {
			_ = o.client.PublishJSON(natsbus.TopicAgentInbox(task.AgentID), map[string]any{
				"task_id":     task.ID,
				"description": task.Description,
			})
		}
	}

	agentsUsed := len(o.pool)
	if base == 0 {
		agentsUsed = remainder
	}

	res := &DistributionResult{
		TasksCreated:     taskCount,
		AgentsUsed:       agentsUsed,
		AvgTasksPerAgent: float64(taskCount) / float64(len(o.pool)),
		DistributionTime: o.now().Sub(start),
	}
	o.publishEvent("tasks_distributed", map[string]any{
		"tasks_created": res.TasksCreated,
		"agents_used":   res.AgentsUsed,
	})
	return res, nil
}

// CommunicationResult reports one communication simulation run.
type CommunicationResult struct {
	MessagesSent      int           `json:"messages_sent"`
	TotalTime         time.Duration `json:"total_time"`
	AvgLatency        float64       `json:"avg_latency_ms"`
	MessagesPerSecond float64       `json:"messages_per_second"`
}

// SimulateCommunication generates messageCount random agent-to-agent
// messages with distinct sender and receiver, publishes them on the swarm
// chat topic, and persists them in bulk. The average per-message latency
// is recorded as a communication_latency sample keyed by pool size.
func (o *Orchestrator) SimulateCommunication(messageCount int) (*CommunicationResult, error) {
	if err := o.ReloadPool(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.pool) < 2 {
		return nil, ErrInsufficientAgents
	}
	if messageCount < 0 {
		messageCount = 0
	}

	start := o.now()
	messages := make([]store.Message, 0, messageCount)
	for i := 0; i < messageCount; i++ {
		from := o.rng.Intn(len(o.pool))
		// Offsetting by 1..n-1 guarantees to != from.
		to := (from + 1 + o.rng.Intn(len(o.pool)-1)) % len(o.pool)
		msg := store.Message{
			FromAgent: o.pool[from].ID,
			ToAgent:   o.pool[to].ID,
			Content:   fmt.Sprintf("status update %d from %s", i+1, o.pool[from].Name),
		}
		messages = append(messages, msg)
		if o.client != nil {
			_ = o.client.PublishJSON(natsbus.TopicSwarmChat(o.swarmID), msg)
		}
	}

	for s := 0; s < len(messages); s += o.cfg.SpawnBatchSize {
		end := s + o.cfg.SpawnBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		if err := o.store.SaveMessages(messages[s:end]); err != nil {
			return nil, fmt.Errorf("simulate communication: %w", err)
		}
	}

	elapsed := o.now().Sub(start)
	res := &CommunicationResult{
		MessagesSent: messageCount,
		TotalTime:    elapsed,
	}
	if messageCount > 0 {
		res.AvgLatency = float64(elapsed.Microseconds()) / float64(messageCount) / 1000.0
	}
	if elapsed > 0 {
		res.MessagesPerSecond = float64(messageCount) / elapsed.Seconds()
	}
	if err := o.RecordMetric("communication_latency", res.AvgLatency, len(o.pool)); err != nil {
		return nil, err
	}
	o.publishEvent("communication_simulated", map[string]any{
		"messages_sent": res.MessagesSent,
	})
	return res, nil
}

// ResourceUsage is a point-in-time snapshot of process resource counters
// and live pool sizes.
type ResourceUsage struct {
	MemoryHeap uint64    `json:"memory_heap_bytes"`
	CPUTotal   float64   `json:"cpu_total_seconds"`
	AgentCount int       `json:"agent_count"`
	TaskCount  int       `json:"task_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// MeasureResourceUsage snapshots heap usage and cumulative CPU time and
// records memory_heap and cpu_total samples keyed by the current pool size.
func (o *Orchestrator) MeasureResourceUsage() (*ResourceUsage, error) {
	if err := o.ReloadPool(); err != nil {
		return nil, err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var ru syscall.Rusage
	cpu := 0.0
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		cpu = rusageSeconds(ru.Utime) + rusageSeconds(ru.Stime)
	}

	counts, err := o.store.CountTasksByStatus(o.swarmID)
	if err != nil {
		return nil, fmt.Errorf("measure resource usage: %w", err)
	}
	taskCount := 0
	for _, n := range counts {
		taskCount += n
	}

	usage := &ResourceUsage{
		MemoryHeap: mem.HeapAlloc,
		CPUTotal:   cpu,
		AgentCount: o.AgentCount(),
		TaskCount:  taskCount,
		Timestamp:  o.now().UTC(),
	}
	if err := o.RecordMetric("memory_heap", float64(usage.MemoryHeap), usage.AgentCount); err != nil {
		return nil, err
	}
	if err := o.RecordMetric("cpu_total", usage.CPUTotal, usage.AgentCount); err != nil {
		return nil, err
	}
	return usage, nil
}

func rusageSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}

// RecordMetric appends one performance sample. Unlike session logging,
// metric failures propagate so a sample is never silently dropped.
func (o *Orchestrator) RecordMetric(metricType string, value float64, agentCount int) error {
	if err := o.store.SaveMetric(metricType, value, agentCount); err != nil {
		return fmt.Errorf("record metric %s: %w", metricType, err)
	}
	return nil
}

// ReportSummary is the headline block of a performance report.
type ReportSummary struct {
	AgentCount    int            `json:"agent_count"`
	TaskCount     int            `json:"task_count"`
	TaskBreakdown map[string]int `json:"task_breakdown"`
	MetricSamples int            `json:"metric_samples"`
}

// PerformanceReport groups the swarm's metrics for scaling analysis.
type PerformanceReport struct {
	SwarmID     string                  `json:"swarm_id"`
	GeneratedAt time.Time               `json:"generated_at"`
	Summary     ReportSummary           `json:"summary"`
	Metrics     []store.MetricAggregate `json:"metrics"`
	Detailed    []store.Metric          `json:"detailed"`
}

// GetPerformanceReport aggregates all recorded metric samples grouped by
// type and agent count, alongside the raw series.
func (o *Orchestrator) GetPerformanceReport() (*PerformanceReport, error) {
	if err := o.ReloadPool(); err != nil {
		return nil, err
	}

	aggregates, err := o.store.AggregateMetrics()
	if err != nil {
		return nil, fmt.Errorf("performance report: %w", err)
	}
	detailed, err := o.store.ListMetrics("")
	if err != nil {
		return nil, fmt.Errorf("performance report: %w", err)
	}
	breakdown, err := o.store.CountTasksByStatus(o.swarmID)
	if err != nil {
		return nil, fmt.Errorf("performance report: %w", err)
	}
	taskCount := 0
	for _, n := range breakdown {
		taskCount += n
	}

	return &PerformanceReport{
		SwarmID:     o.swarmID,
		GeneratedAt: o.now().UTC(),
		Summary: ReportSummary{
			AgentCount:    o.AgentCount(),
			TaskCount:     taskCount,
			TaskBreakdown: breakdown,
			MetricSamples: len(detailed),
		},
		Metrics:  aggregates,
		Detailed: detailed,
	}, nil
}

func (o *Orchestrator) publishEvent(eventType string, data map[string]any) {
	if o.client == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"swarm_id":  o.swarmID,
		"timestamp": o.now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = o.client.Publish(natsbus.TopicEventsSwarm(o.swarmID), payload)
}
