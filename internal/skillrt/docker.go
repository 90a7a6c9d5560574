package skillrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs a skill inside a throwaway container, the sandbox the
// engine uses for skills that touch untrusted input (spec §4.5: "skills
// that operate on model- or user-supplied file content run sandboxed").
// Adapted from the teacher's agent-dispatch container runner: same
// bind-mount-a-context-dir-then-exec shape, repurposed to run one skill to
// completion and collect its JSON result instead of an interactive agent
// session.
type DockerBackend struct {
	Image string
	cli   *client.Client
}

func NewDockerBackend(image string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("skillrt: docker client: %w", err)
	}
	return &DockerBackend{Image: image, cli: cli}, nil
}

func (b *DockerBackend) Run(ctx context.Context, inv Invocation) (Result, error) {
	ctxDir, err := os.MkdirTemp("", "agentengine-skill-ctx-")
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: context dir: %w", err)
	}
	defer os.RemoveAll(ctxDir)

	argsJSON, err := json.Marshal(inv.Args)
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: marshal args: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ctxDir, "args.json"), argsJSON, 0644); err != nil {
		return Result{}, fmt.Errorf("skillrt: write args: %w", err)
	}

	workDirAbs, err := filepath.Abs(inv.WorkDir)
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: resolve workdir: %w", err)
	}
	if err := os.MkdirAll(workDirAbs, 0755); err != nil {
		return Result{}, fmt.Errorf("skillrt: create workdir: %w", err)
	}

	name := fmt.Sprintf("agentengine-skill-%s-%d", sanitizeName(inv.SkillName), time.Now().UnixNano())

	cfg := &container.Config{
		Image:      b.Image,
		Cmd:        []string{"/skill-entrypoint", inv.SkillName, "/skill-ctx/args.json"},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ctxDir, Target: "/skill-ctx", ReadOnly: true},
			{Type: mount.TypeBind, Source: workDirAbs, Target: "/workspace"},
		},
		AutoRemove: false,
		NetworkMode: "none",
	}

	resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: create container: %w", err)
	}
	defer b.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("skillrt: start container: %w", err)
	}

	waitCh, errCh := b.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		return Result{OK: false, ErrorMsg: "timeout"}, fmt.Errorf("skillrt: %s sandbox timed out: %w", inv.SkillName, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("skillrt: wait container: %w", err)
		}
	case w := <-waitCh:
		exitCode = w.StatusCode
	}

	logs, err := b.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: read container logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)

	if exitCode != 0 {
		return Result{OK: false, ErrorMsg: strings.TrimSpace(stderr.String())}, nil
	}

	var output map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return Result{OK: false, ErrorMsg: "skill produced non-JSON output: " + stdout.String()}, nil
	}
	return Result{OK: true, Output: output}, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
}
