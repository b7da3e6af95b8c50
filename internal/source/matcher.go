package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Matcher runs a regex pattern against a flattened corpus and returns the
// matching lines verbatim. Production code invokes an external matcher
// program; tests inject a fake.
type Matcher interface {
	Match(ctx context.Context, pattern string, corpus io.Reader) ([]string, error)
}

// ExternalMatcher shells out to ripgrep, falling back to grep when ripgrep
// is not installed. The corpus is piped on stdin; stdout holds the matching
// lines.
type ExternalMatcher struct {
	program string
	args    []string
}

// NewExternalMatcher picks the available matcher program.
func NewExternalMatcher() *ExternalMatcher {
	if _, err := exec.LookPath("rg"); err == nil {
		return &ExternalMatcher{program: "rg", args: []string{"--color=never", "--no-line-number", "-e"}}
	}
	return &ExternalMatcher{program: "grep", args: []string{"-E", "-e"}}
}

// Match runs the pattern over the corpus. A run with no matches returns an
// empty slice, not an error.
func (m *ExternalMatcher) Match(ctx context.Context, pattern string, corpus io.Reader) ([]string, error) {
	args := append(append([]string{}, m.args...), pattern)
	cmd := exec.CommandContext(ctx, m.program, args...)
	cmd.Stdin = corpus

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Exit status 1 means "no matches" for both rg and grep.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	out := strings.TrimRight(stdout.String(), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
