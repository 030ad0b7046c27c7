package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Web        WebConfig        `yaml:"web"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Runner     RunnerConfig     `yaml:"runner"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type StoreConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SwarmConfig struct {
	QueenType      string   `yaml:"queen_type"`
	Topology       string   `yaml:"topology"`
	MaxWorkers     int      `yaml:"max_workers"`
	SpawnBatchSize int      `yaml:"spawn_batch_size"`
	AgentTypes     []string `yaml:"agent_types"`
}

type CheckpointConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	Passphrase string `yaml:"passphrase"`
}

type RunnerConfig struct {
	Image      string `yaml:"image"`
	Network    string `yaml:"network"`
	MaxRunning int    `yaml:"max_running"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path:    "data/hivemind.db",
			Timeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Swarm: SwarmConfig{
			QueenType:      "strategic",
			Topology:       "hierarchical",
			MaxWorkers:     100,
			SpawnBatchSize: 50,
			AgentTypes:     []string{"researcher", "coder", "analyst", "tester", "coordinator"},
		},
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			Schedule: `{"kind":"interval","interval_ms":300000}`,
		},
		Runner: RunnerConfig{
			Image:      "hivemind-worker:latest",
			Network:    "hivemind",
			MaxRunning: 10,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEMIND_CONFIG")
	if path == "" {
		path = "config/hivemind.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEMIND_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEMIND_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVEMIND_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVEMIND_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVEMIND_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HIVEMIND_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("HIVEMIND_CHECKPOINT_PASSPHRASE"); v != "" {
		cfg.Checkpoint.Passphrase = v
	}
	if v := os.Getenv("HIVEMIND_RUNNER_IMAGE"); v != "" {
		cfg.Runner.Image = v
	}
}
