// Package checkpointer periodically snapshots active sessions so a crash
// or interrupt can be resumed with recent state. Each tick it writes an
// automatic checkpoint per active session and samples resource usage for
// each swarm with an active session.
package checkpointer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/schedule"
	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/swarm"
)

type Checkpointer struct {
	store    *store.Store
	sessions *session.Manager
	swarmCfg config.SwarmConfig
	cadence  *schedule.Cadence

	mu     sync.Mutex
	swarms map[string]*swarm.Orchestrator // swarm id -> live orchestrator
}

func New(s *store.Store, sessions *session.Manager, swarmCfg config.SwarmConfig, cfg config.CheckpointConfig) (*Checkpointer, error) {
	normalized, err := schedule.Normalize(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	cadence, err := schedule.Parse(normalized)
	if err != nil {
		return nil, err
	}
	return &Checkpointer{
		store:    s,
		sessions: sessions,
		swarmCfg: swarmCfg,
		cadence:  cadence,
		swarms:   make(map[string]*swarm.Orchestrator),
	}, nil
}

// Start runs the checkpoint loop until the context is cancelled.
func (c *Checkpointer) Start(ctx context.Context) {
	interval := c.cadence.Interval(time.Now())
	if interval <= 0 {
		slog.Info("checkpointer disabled, cadence never fires", "cadence", c.cadence.Describe())
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("checkpointer started", "cadence", c.cadence.Describe())

	for {
		select {
		case <-ctx.Done():
			slog.Info("checkpointer stopped")
			return
		case <-ticker.C:
			c.tick()
			if next := c.cadence.Interval(time.Now()); next > 0 {
				ticker.Reset(next)
			} else {
				slog.Info("checkpointer cadence spent")
				return
			}
		}
	}
}

func (c *Checkpointer) tick() {
	sessions, err := c.store.ListSessions(session.StatusActive)
	if err != nil {
		slog.Error("checkpointer failed to list sessions", "error", err)
		return
	}

	c.sampleResources(sessions)
	for _, sess := range sessions {
		c.checkpointSession(&sess)
	}
}

// checkpointSession writes an automatic checkpoint capturing the session's
// task breakdown at this instant.
func (c *Checkpointer) checkpointSession(sess *store.Session) {
	breakdown, err := c.store.CountTasksByStatus(sess.SwarmID)
	if err != nil {
		slog.Error("checkpointer failed to read task breakdown", "session", sess.ID, "error", err)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"auto":           true,
		"taken_at":       time.Now().UTC().Format(time.RFC3339),
		"task_breakdown": breakdown,
	})
	if err != nil {
		return
	}

	name := "auto-" + time.Now().UTC().Format("20060102T150405Z")
	if err := c.sessions.SaveCheckpoint(sess.ID, name, payload); err != nil {
		slog.Error("automatic checkpoint failed", "session", sess.ID, "error", err)
	}
}

// sampleResources records a resource usage metric for every swarm that has
// an active session. Orchestrators are built on demand and dropped once
// their swarm has no active session left.
func (c *Checkpointer) sampleResources(sessions []store.Session) {
	live := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		live[sess.SwarmID] = true
	}

	c.mu.Lock()
	for id := range c.swarms {
		if !live[id] {
			delete(c.swarms, id)
		}
	}
	orchestrators := make([]*swarm.Orchestrator, 0, len(live))
	for id := range live {
		o, ok := c.swarms[id]
		if !ok {
			var err error
			o, err = swarm.New(id, c.store, nil, c.swarmCfg)
			if err != nil {
				slog.Error("checkpointer failed to build orchestrator", "swarm", id, "error", err)
				continue
			}
			c.swarms[id] = o
		}
		orchestrators = append(orchestrators, o)
	}
	c.mu.Unlock()

	for _, o := range orchestrators {
		if _, err := o.MeasureResourceUsage(); err != nil {
			slog.Error("resource sample failed", "error", err)
		}
	}
}
