package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nkaragias/hivemind/internal/consensus"
	"github.com/nkaragias/hivemind/internal/hive"
	"github.com/nkaragias/hivemind/internal/runner"
	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Sessions
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/summary", s.getSessionSummary)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.pauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.resumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/terminate", s.terminateSession)
	mux.HandleFunc("GET /api/sessions/{id}/checkpoints", s.listCheckpoints)
	mux.HandleFunc("POST /api/sessions/{id}/checkpoints", s.saveCheckpoint)
	mux.HandleFunc("POST /api/sessions/{id}/consensus", s.recordConsensus)
	mux.HandleFunc("POST /api/sessions/{id}/tasks/{taskID}/dispatch", s.dispatchTask)

	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.launchSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/report", s.getSwarmReport)
	mux.HandleFunc("POST /api/swarms/{id}/scale", s.scaleSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/tasks", s.distributeTasks)
	mux.HandleFunc("POST /api/swarms/{id}/communicate", s.simulateCommunication)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.ListSessions(r.URL.Query().Get("status"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, infos)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) getSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.BuildResumeSummary(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, summary)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.PauseSession(id); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]string{"status": session.StatusPaused})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.ResumeSession(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.TerminateSession(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]string{"status": session.StatusTerminated})
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.store.ListCheckpoints(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	// Payloads may be sealed; only names and timestamps are listed.
	out := make([]map[string]any, 0, len(cps))
	for _, cp := range cps {
		out = append(out, map[string]any{
			"name":      cp.Name,
			"timestamp": cp.Timestamp,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) saveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SaveCheckpoint(r.PathValue("id"), body.Name, body.Payload); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]string{"name": body.Name})
}

func (s *Server) recordConsensus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topic     string           `json:"topic"`
		Strategy  string           `json:"strategy"`
		Threshold float64          `json:"threshold"`
		Votes     []consensus.Vote `json:"votes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := s.sessions.RecordDecision(r.PathValue("id"), body.Topic, body.Votes, body.Strategy, body.Threshold)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, decision)
}

func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		jsonError(w, "task dispatch unavailable", http.StatusServiceUnavailable)
		return
	}

	taskID := r.PathValue("taskID")
	task, err := s.store.GetTask(taskID)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	o, err := s.orchestratorFor(task.SwarmID)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if o == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	d := runner.NewDispatcher(s.launcher, s.store, s.sessions, o)
	res, err := d.Dispatch(r.Context(), r.PathValue("id"), taskID)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.store.ListSwarms()
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, swarms)
}

func (s *Server) launchSwarm(w http.ResponseWriter, r *http.Request) {
	var req hive.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	launch, err := s.hive.LaunchSwarm(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]any{
		"swarm":   launch.Swarm,
		"session": launch.Session,
	})
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sw, err := s.store.GetSwarm(id)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if sw == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	count, err := s.store.CountAgents(id)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]any{
		"swarm":       sw,
		"agent_count": count,
	})
}

// orchestratorFor builds an orchestrator over the swarm's current pool.
// Reports and scaling always reconcile against the store, so a fresh
// instance per request is safe.
func (s *Server) orchestratorFor(id string) (*swarm.Orchestrator, error) {
	sw, err := s.store.GetSwarm(id)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, nil
	}
	return swarm.New(id, s.store, s.nats, s.swarmCfg)
}

func (s *Server) getSwarmReport(w http.ResponseWriter, r *http.Request) {
	o, err := s.orchestratorFor(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if o == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	report, err := o.GetPerformanceReport()
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, report)
}

func (s *Server) scaleSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetCount int    `json:"target_count"`
		AgentType   string `json:"agent_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.TargetCount > s.swarmCfg.MaxWorkers {
		jsonError(w, "target exceeds worker limit", http.StatusBadRequest)
		return
	}

	o, err := s.orchestratorFor(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if o == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	res, err := o.ScaleAgents(body.TargetCount, body.AgentType)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) distributeTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.orchestratorFor(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if o == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	res, err := o.DistributeTasks(body.Count)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) simulateCommunication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.orchestratorFor(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if o == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}

	res, err := o.SimulateCommunication(body.Count)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.bus != nil {
		status["nats_clients"] = s.bus.NumClients()
	}
	jsonResponse(w, status)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, swarm.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrValidation),
		errors.Is(err, consensus.ErrUnknownStrategy),
		errors.Is(err, consensus.ErrNoLeader):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, swarm.ErrNoAgents),
		errors.Is(err, swarm.ErrInsufficientAgents),
		errors.Is(err, swarm.ErrDependencyNotSatisfied),
		errors.Is(err, runner.ErrAgentGone):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
