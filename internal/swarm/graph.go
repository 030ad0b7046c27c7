package swarm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/store"
)

var (
	// ErrCycle is returned when the dependency graph is not a DAG.
	ErrCycle = errors.New("task graph contains a cycle")
	// ErrDependencyNotSatisfied is returned when a task is started before
	// all of its dependencies completed.
	ErrDependencyNotSatisfied = errors.New("task dependencies not satisfied")
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskGraph holds task dependency edges. Edges point from a task to the
// tasks it depends on.
type TaskGraph struct {
	mu   sync.RWMutex
	deps map[string][]string
}

func NewTaskGraph() *TaskGraph {
	return &TaskGraph{deps: make(map[string][]string)}
}

// GraphFromTasks builds a graph from persisted task rows.
func GraphFromTasks(tasks []store.Task) *TaskGraph {
	g := NewTaskGraph()
	for _, t := range tasks {
		g.AddTask(t.ID, t.Dependencies...)
	}
	return g
}

// AddTask registers a task and the ids it depends on. Re-adding a task
// replaces its dependency set.
func (g *TaskGraph) AddTask(id string, dependencies ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deps[id] = append([]string(nil), dependencies...)
}

// Dependencies returns the dependency ids of a task.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[id]...)
}

// AffectedTasks returns the tasks whose dependency set intersects the
// changed ids, sorted for stable output. Used to decide which tasks must
// re-run after a change.
func (g *TaskGraph) AffectedTasks(changed []string) []string {
	changedSet := make(map[string]bool, len(changed))
	for _, id := range changed {
		changedSet[id] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var affected []string
	for id, deps := range g.deps {
		for _, dep := range deps {
			if changedSet[dep] {
				affected = append(affected, id)
				break
			}
		}
	}
	sort.Strings(affected)
	return affected
}

// TopologicalOrder returns the task ids in dependency order using Kahn's
// algorithm, with lexicographic tie-breaking so the order is stable. Tasks
// with equal depth sort among themselves.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// dependents[a] lists tasks blocked on a. Dependencies on ids that
	// were never added as tasks are ignored (already satisfied upstream).
	dependents := make(map[string][]string, len(g.deps))
	inDegree := make(map[string]int, len(g.deps))
	for id := range g.deps {
		inDegree[id] = 0
	}
	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, known := g.deps[dep]; !known {
				continue
			}
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		sort.Strings(ready)
		var next []string
		for _, id := range ready {
			order = append(order, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if len(order) != len(g.deps) {
		return nil, ErrCycle
	}
	return order, nil
}

// StartTask transitions a task to in_progress once every dependency is
// completed. The check reads current task rows so it reflects completions
// reported by external workers.
func (o *Orchestrator) StartTask(taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("start task %s: %w", taskID, ErrTaskNotFound)
	}

	for _, dep := range task.Dependencies {
		depTask, err := o.store.GetTask(dep)
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		if depTask == nil || depTask.Status != "completed" {
			return fmt.Errorf("task %s depends on %s: %w", taskID, dep, ErrDependencyNotSatisfied)
		}
	}

	if err := o.store.UpdateTaskStatus(taskID, "in_progress"); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	o.publishEvent("task_started", map[string]any{"task_id": taskID})
	return nil
}

// FinishTask records a worker's outcome and announces it on the task's
// result topic so anything blocked on the dependency can re-check.
func (o *Orchestrator) FinishTask(taskID string, success bool) error {
	status := "completed"
	if !success {
		status = "failed"
	}
	if err := o.store.UpdateTaskStatus(taskID, status); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	if o.client != nil {
		_ = o.client.PublishJSON(natsbus.TopicTaskResult(taskID), map[string]any{
			"task_id": taskID,
			"success": success,
		})
	}
	o.publishEvent("task_finished", map[string]any{"task_id": taskID, "success": success})
	return nil
}
