// Package repo enumerates tracked files and commit history from a Git
// repository and derives per-file frecency scores and the repo state hash.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner executes an external program and returns its stdout.
// Production code shells out to the git binary; tests inject a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs through os/exec.
type ExecRunner struct{}

// Run executes the program and returns stdout. Stderr is folded into the
// error on failure.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%s %v: %w: %s", name, args, err, msg)
		}
		return nil, fmt.Errorf("%s %v: %w", name, args, err)
	}
	return stdout.Bytes(), nil
}
