package skillrt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// NativeBackend runs a skill as a direct subprocess on the host, used for
// trusted, built-in skills (e.g. a markdown linter shipped with the
// engine). Untrusted or filesystem-mutating skills should use DockerBackend
// instead.
type NativeBackend struct {
	// Command resolves a skill's argv given its declared args. Skills
	// register their own resolver; the runtime never constructs shell
	// strings from model-controlled input.
	Command func(inv Invocation) (argv []string, err error)
}

func (b *NativeBackend) Run(ctx context.Context, inv Invocation) (Result, error) {
	argv, err := b.Command(inv)
	if err != nil {
		return Result{}, fmt.Errorf("skillrt: resolve command for %s: %w", inv.SkillName, err)
	}
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("skillrt: empty command for %s", inv.SkillName)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{OK: false, ErrorMsg: "timeout"}, fmt.Errorf("skillrt: %s timed out: %w", inv.SkillName, ctx.Err())
		}
		return Result{OK: false, ErrorMsg: stderr.String()}, nil
	}

	return Result{OK: true, Output: map[string]any{"stdout": stdout.String()}}, nil
}
