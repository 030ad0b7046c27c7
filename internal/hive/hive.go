// Package hive bootstraps a swarm: the swarm record, its session, and the
// initial agent pool are created as one compensated flow, so a failure
// part-way through leaves no orphaned rows behind.
package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/saga"
	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/swarm"
)

// LaunchRequest describes a new swarm.
type LaunchRequest struct {
	Name          string `json:"name"`
	Objective     string `json:"objective"`
	Topology      string `json:"topology"`
	QueenType     string `json:"queen_type"`
	InitialAgents int    `json:"initial_agents"`
	AgentType     string `json:"agent_type"`
}

// Launch is the result of a successful bootstrap.
type Launch struct {
	Swarm        *store.Swarm       `json:"swarm"`
	Session      *store.Session     `json:"session"`
	Orchestrator *swarm.Orchestrator `json:"-"`
}

// Hive creates and tracks swarms with their sessions and orchestrators.
type Hive struct {
	store    *store.Store
	client   *natsbus.Client
	sessions *session.Manager
	cfg      config.SwarmConfig
}

func New(s *store.Store, client *natsbus.Client, sessions *session.Manager, cfg config.SwarmConfig) *Hive {
	return &Hive{store: s, client: client, sessions: sessions, cfg: cfg}
}

// LaunchSwarm creates the swarm row, an active session, and the initial
// agent pool. Each step compensates on failure: a spawn error removes the
// session and swarm again rather than leaving a half-initialized hive.
func (h *Hive) LaunchSwarm(ctx context.Context, req LaunchRequest) (*Launch, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("launch swarm: name is required: %w", session.ErrValidation)
	}
	if req.Objective == "" {
		return nil, fmt.Errorf("launch swarm: objective is required: %w", session.ErrValidation)
	}
	if req.Topology == "" {
		req.Topology = h.cfg.Topology
	}
	if req.QueenType == "" {
		req.QueenType = h.cfg.QueenType
	}
	if req.AgentType == "" {
		req.AgentType = swarm.TypeMixed
	}
	if req.InitialAgents > h.cfg.MaxWorkers {
		return nil, fmt.Errorf("launch swarm: %d agents exceeds the worker limit %d: %w",
			req.InitialAgents, h.cfg.MaxWorkers, session.ErrValidation)
	}

	sw := &store.Swarm{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Objective: req.Objective,
		Topology:  req.Topology,
		QueenType: req.QueenType,
	}

	launch := &Launch{Swarm: sw}
	cfgJSON, _ := json.Marshal(map[string]any{
		"queen_type":  req.QueenType,
		"topology":    req.Topology,
		"max_workers": h.cfg.MaxWorkers,
	})

	steps := []saga.Step{
		{
			Name: "create_swarm",
			Run: func(context.Context) error {
				return h.store.SaveSwarm(sw)
			},
			Compensate: func(context.Context) error {
				return h.store.DeleteSwarm(sw.ID)
			},
		},
		{
			Name: "create_session",
			Run: func(context.Context) error {
				sess, err := h.sessions.CreateSession(sw.ID, sw.Name, sw.Objective, cfgJSON)
				if err != nil {
					return err
				}
				launch.Session = sess
				return nil
			},
			Compensate: func(context.Context) error {
				// Sessions are never deleted; mark the aborted one
				// terminated instead.
				return h.store.UpdateSessionStatus(launch.Session.ID, session.StatusTerminated)
			},
		},
		{
			Name: "spawn_agents",
			Run: func(context.Context) error {
				o, err := swarm.New(sw.ID, h.store, h.client, h.cfg)
				if err != nil {
					return err
				}
				if spawned, err := o.SpawnAgents(req.InitialAgents, req.AgentType); err != nil {
					// Undo any chunk that committed before the failure.
					ids := make([]string, len(spawned))
					for i, a := range spawned {
						ids[i] = a.ID
					}
					if derr := h.store.DeleteAgents(ids); derr != nil {
						slog.Warn("failed to clean up partial spawn", "swarm", sw.ID, "error", derr)
					}
					return err
				}
				launch.Orchestrator = o
				return nil
			},
		},
	}

	if err := saga.Execute(ctx, steps); err != nil {
		return nil, fmt.Errorf("launch swarm %s: %w", req.Name, err)
	}

	slog.Info("swarm launched",
		"swarm", sw.ID, "session", launch.Session.ID,
		"agents", req.InitialAgents, "topology", sw.Topology)
	return launch, nil
}
