package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/swarm"
)

// ErrAgentGone is returned when a task's assigned agent no longer exists,
// e.g. after a scale-down raced the distribution.
var ErrAgentGone = errors.New("assigned agent no longer exists")

// Dispatcher hands distributed tasks to a launcher and folds the results
// back into task status and the session log.
type Dispatcher struct {
	launcher Launcher
	store    *store.Store
	sessions *session.Manager
	orch     *swarm.Orchestrator
}

func NewDispatcher(l Launcher, s *store.Store, sessions *session.Manager, orch *swarm.Orchestrator) *Dispatcher {
	return &Dispatcher{launcher: l, store: s, sessions: sessions, orch: orch}
}

// Dispatch runs one task to completion. No work is dispatched against a
// session that is not active, and the task's agent assignment is
// re-validated against the store before launch.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, taskID string) (*Result, error) {
	sess, err := d.sessions.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("dispatch task %s: %w", taskID, session.ErrNotFound)
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("dispatch task %s: session is %s: %w", taskID, sess.Status, session.ErrInvalidState)
	}

	task, err := d.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("dispatch task %s: %w", taskID, swarm.ErrTaskNotFound)
	}
	if task.AgentID != "" {
		agent, err := d.store.GetAgent(task.AgentID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		if agent == nil {
			return nil, fmt.Errorf("dispatch task %s: agent %s: %w", taskID, task.AgentID, ErrAgentGone)
		}
	}

	// The dependency gate transitions the task to in_progress.
	if err := d.orch.StartTask(taskID); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	res, err := d.launcher.Launch(ctx, *task)
	if err != nil {
		if uerr := d.store.UpdateTaskStatus(taskID, "failed"); uerr != nil {
			return nil, fmt.Errorf("dispatch task %s: launch: %w; status update: %w", taskID, err, uerr)
		}
		d.sessions.LogEvent(sessionID, "error",
			fmt.Sprintf("Task %s launch failed: %v", taskID, err), task.AgentID, nil)
		return nil, fmt.Errorf("dispatch task %s: %w", taskID, err)
	}

	level := "info"
	message := fmt.Sprintf("Task %s completed", taskID)
	if !res.Success {
		level = "error"
		message = fmt.Sprintf("Task %s failed: %s", taskID, res.Error)
	}

	if err := d.orch.FinishTask(taskID, res.Success); err != nil {
		return nil, fmt.Errorf("dispatch task %s: %w", taskID, err)
	}

	meta, _ := json.Marshal(map[string]any{"task_id": taskID, "success": res.Success})
	d.sessions.LogEvent(sessionID, level, message, task.AgentID, meta)
	return res, nil
}
