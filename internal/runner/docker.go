package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/store"
)

const labelPrefix = "hivemind"

// DockerLauncher runs each task as a one-shot container and reads the
// worker's verdict from its exit code and output.
type DockerLauncher struct {
	docker  *client.Client
	cfg     config.RunnerConfig
	mu      sync.Mutex
	running int
	network string
}

func NewDockerLauncher(cfg config.RunnerConfig) (*DockerLauncher, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerLauncher{docker: docker, cfg: cfg}, nil
}

func (l *DockerLauncher) ensureNetwork(ctx context.Context) error {
	if l.network != "" {
		return nil
	}

	name := l.cfg.Network
	if name == "" {
		name = "hivemind-net"
	}

	_, err := l.docker.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		l.network = name
		return nil
	}

	_, err = l.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	l.network = name
	slog.Info("created docker network", "network", name)
	return nil
}

func (l *DockerLauncher) acquireSlot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.MaxRunning > 0 && l.running >= l.cfg.MaxRunning {
		return fmt.Errorf("max workers (%d) already running", l.cfg.MaxRunning)
	}
	l.running++
	return nil
}

func (l *DockerLauncher) releaseSlot() {
	l.mu.Lock()
	l.running--
	l.mu.Unlock()
}

// Launch runs a worker container for the task and blocks until it exits.
// A non-zero exit code is a failed result, not a launch error.
func (l *DockerLauncher) Launch(ctx context.Context, task store.Task) (*Result, error) {
	if err := l.acquireSlot(); err != nil {
		return nil, err
	}
	defer l.releaseSlot()

	if err := l.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("hivemind-worker-%s", task.ID)

	// Remove any stale container left by a previous run of the same task.
	_ = l.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	resp, err := l.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: l.cfg.Image,
			Env: []string{
				"TASK_ID=" + task.ID,
				"TASK_DESCRIPTION=" + task.Description,
				"SWARM_ID=" + task.SwarmID,
				"AGENT_ID=" + task.AgentID,
			},
			Labels: map[string]string{
				labelPrefix + ".managed": "true",
				labelPrefix + ".task":    task.ID,
			},
		},
		&dockercontainer.HostConfig{
			NetworkMode: dockercontainer.NetworkMode(l.network),
		},
		&network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create worker container: %w", err)
	}
	defer func() {
		_ = l.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := l.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start worker container: %w", err)
	}
	slog.Info("worker started", "task", task.ID, "container", resp.ID[:12])

	waitCh, errCh := l.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-waitCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		return nil, fmt.Errorf("wait for worker: %w", err)
	case <-ctx.Done():
		timeout := 5
		_ = l.docker.ContainerStop(context.Background(), resp.ID, dockercontainer.StopOptions{Timeout: &timeout})
		return nil, ctx.Err()
	}

	output, logErr := l.readLogs(ctx, resp.ID)
	if logErr != nil {
		slog.Warn("failed to read worker logs", "task", task.ID, "error", logErr)
	}

	res := &Result{
		Success: exitCode == 0,
		Output:  output,
	}
	if exitCode != 0 {
		res.Error = fmt.Sprintf("worker exited with code %d", exitCode)
	}
	return res, nil
}

func (l *DockerLauncher) readLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := l.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", err
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return strings.TrimSpace(out), nil
}

// CleanupStale removes worker containers from previous runs that are no
// longer tracked.
func (l *DockerLauncher) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := l.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list worker containers: %w", err)
	}

	for _, c := range containers {
		slog.Info("cleaning up stale worker", "container", c.ID[:12])
		_ = l.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

var _ Launcher = (*DockerLauncher)(nil)
