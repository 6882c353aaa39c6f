package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

func init() {
	RegisterAction(TypeDockerRestart, newDockerAction)
}

type dockerConfig struct {
	// Container is the container id or name to restart.
	Container string `json:"container"`
}

type dockerAction struct {
	cfg    dockerConfig
	runner CommandRunner
}

func newDockerAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c dockerConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("docker config: %w", err)
	}
	if c.Container == "" {
		return nil, fmt.Errorf("docker config: container required")
	}
	return &dockerAction{cfg: c, runner: deps.Runner}, nil
}

func (a *dockerAction) Execute(ctx context.Context, _ Material) error {
	if _, err := a.runner.Run(ctx, "docker", "restart", a.cfg.Container); err != nil {
		return fmt.Errorf("restarting container %s: %w", a.cfg.Container, err)
	}

	// Success criterion: the container is back in the running state.
	out, err := a.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", a.cfg.Container)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", a.cfg.Container, err)
	}
	if strings.TrimSpace(out) != "true" {
		return fmt.Errorf("container %s is not running after restart", a.cfg.Container)
	}
	return nil
}

// execRunner invokes external CLIs with captured output.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, args[0], err, stderr.String())
	}
	return stdout.String(), nil
}
