// Package web exposes the monitoring and control API: session lifecycle,
// swarm scaling and reports, plus a websocket stream of swarm events.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/hive"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/runner"
	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	sessions  *session.Manager
	hive      *hive.Hive
	swarmCfg  config.SwarmConfig
	launcher  runner.Launcher
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

// SetLauncher enables the task dispatch endpoint. Without a launcher
// dispatch requests are answered with 503.
func (s *Server) SetLauncher(l runner.Launcher) {
	s.launcher = l
}

func NewServer(s *store.Store, bus *natsbus.Bus, sessions *session.Manager, h *hive.Hive, swarmCfg config.SwarmConfig, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		bus:       bus,
		sessions:  sessions,
		hive:      h,
		swarmCfg:  swarmCfg,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// subscribeEvents forwards every swarm and session event to websocket
// clients as raw JSON.
func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		s.hub.Broadcast(msg.Data)
	})
}
