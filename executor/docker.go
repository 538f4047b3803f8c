package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Docker runs container CLI commands and returns their trimmed stdout.
type Docker interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// DockerCLI shells out to the docker binary.
type DockerCLI struct {
	Binary string
}

func (d DockerCLI) Run(ctx context.Context, args ...string) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("docker %s: %s", args[0], strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available reports whether the container daemon answers.
func Available(ctx context.Context, d Docker) bool {
	_, err := d.Run(ctx, "info", "--format", "{{.ServerVersion}}")
	return err == nil
}
