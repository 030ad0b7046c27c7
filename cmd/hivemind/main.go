package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nkaragias/hivemind/internal/checkpointer"
	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/hive"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nkaragias/hivemind/internal/notify"
	"github.com/nkaragias/hivemind/internal/runner"
	"github.com/nkaragias/hivemind/internal/session"
	"github.com/nkaragias/hivemind/internal/store"
	"github.com/nkaragias/hivemind/internal/vault"
	"github.com/nkaragias/hivemind/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("hivemind %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "resume":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: hivemind resume <sessionId>")
			os.Exit(1)
		}
		if err := runResume(os.Args[2]); err != nil {
			os.Exit(1)
		}
	case "sessions":
		if err := runSessions(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hivemind <command>

Commands:
  gateway    Start the hivemind gateway service
  resume     Resume a paused session: hivemind resume <sessionId>
  sessions   List sessions with status and progress
  backup     Archive the data directory: hivemind backup -f <out.tar.zst>
  restore    Restore a data directory archive: hivemind restore -f <in.tar.zst>
  version    Print version
`)
}

// openStack loads config and opens the store plus the optional checkpoint
// vault. CLI commands share this with the gateway.
func openStack() (*config.Config, *store.Store, *session.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init store: %w", err)
	}

	var v *vault.Vault
	if cfg.Checkpoint.Passphrase != "" {
		v = vault.New(cfg.Checkpoint.Passphrase)
	}

	return cfg, db, session.NewManager(db, nil, v), nil
}

func runResume(sessionID string) error {
	_, db, sessions, err := openStack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	defer db.Close()

	if _, err := sessions.ResumeSession(sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			fmt.Printf("Session %s not found\n", sessionID)
		case errors.Is(err, session.ErrInvalidState):
			fmt.Println("Session is not paused")
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return err
	}

	summary, err := sessions.BuildResumeSummary(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	fmt.Println("Session resumed successfully!")
	fmt.Print(renderSummary(summary))
	return nil
}

func renderSummary(s *session.ResumeSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective: %s\n", s.Objective)
	fmt.Fprintf(&sb, "Progress:  %.0f%%\n", s.ProgressPercent)

	if len(s.TaskBreakdown) > 0 {
		sb.WriteString("Tasks:\n")
		for _, status := range []string{"pending", "in_progress", "completed", "failed", "cancelled"} {
			if n, ok := s.TaskBreakdown[status]; ok && n > 0 {
				fmt.Fprintf(&sb, "  %-12s %d\n", status, n)
			}
		}
	}

	if len(s.RecentLogLines) > 0 {
		sb.WriteString("Recent activity:\n")
		for _, line := range s.RecentLogLines {
			fmt.Fprintf(&sb, "  %s\n", line)
		}
	}

	if s.LatestCheckpoint != nil {
		fmt.Fprintf(&sb, "Last checkpoint: %s (%s)\n",
			s.LatestCheckpoint.Name,
			s.LatestCheckpoint.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	}
	return sb.String()
}

func runSessions() error {
	_, db, sessions, err := openStack()
	if err != nil {
		return err
	}
	defer db.Close()

	infos, err := sessions.ListSessions("")
	if err != nil {
		return err
	}

	shown := 0
	for _, info := range infos {
		if info.Status == session.StatusTerminated {
			continue
		}
		if shown == 0 {
			fmt.Printf("%-36s  %-8s  %-9s  %s\n", "SESSION", "STATUS", "PROGRESS", "OBJECTIVE")
		}
		fmt.Printf("%-36s  %-8s  %7.0f%%  %s\n", info.ID, info.Status, info.ProgressPercent, info.Objective)
		shown++
	}
	if shown == 0 {
		fmt.Println("No active or paused sessions found")
	}
	return nil
}

func runGateway() error {
	cfg, db, sessions, err := openStack()
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("starting hivemind gateway", "version", version, "store", cfg.Store.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	// Re-create the session manager with the event client attached.
	var v *vault.Vault
	if cfg.Checkpoint.Passphrase != "" {
		v = vault.New(cfg.Checkpoint.Passphrase)
	}
	sessions = session.NewManager(db, client, v)

	h := hive.New(db, client, sessions, cfg.Swarm)

	// Automatic checkpoints
	if cfg.Checkpoint.Enabled {
		cp, err := checkpointer.New(db, sessions, cfg.Swarm, cfg.Checkpoint)
		if err != nil {
			return fmt.Errorf("init checkpointer: %w", err)
		}
		go cp.Start(ctx)
	}

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram, bus)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		go func() {
			if err := notifier.Start(ctx); err != nil {
				slog.Error("notifier error", "error", err)
			}
		}()
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, sessions, h, cfg.Swarm, cfg.Web, version)
		if launcher, err := runner.NewDockerLauncher(cfg.Runner); err != nil {
			slog.Warn("docker unavailable, task dispatch disabled", "error", err)
		} else {
			srv.SetLauncher(launcher)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}
