package facade

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hellblazer/seagoat/internal/config"
	"github.com/Hellblazer/seagoat/internal/embed"
	"github.com/Hellblazer/seagoat/internal/engine"
	"github.com/Hellblazer/seagoat/internal/errors"
)

// fakeGit serves a fixed tree as git would.
type fakeGit struct {
	files map[string]string
	when  time.Time
}

func blobID(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "ls-tree"):
		paths := make([]string, 0, len(f.files))
		for p := range f.files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		var b strings.Builder
		for _, p := range paths {
			fmt.Fprintf(&b, "100644 blob %s\t%s\n", blobID(f.files[p]), p)
		}
		return []byte(b.String()), nil
	case strings.Contains(joined, "log"):
		var b strings.Builder
		fmt.Fprintf(&b, ">>%d\n", f.when.Unix())
		for p := range f.files {
			fmt.Fprintf(&b, "%s\n", p)
		}
		return []byte(b.String()), nil
	case strings.Contains(joined, "cat-file"):
		want := args[len(args)-1]
		for _, content := range f.files {
			if blobID(content) == want {
				return []byte(content), nil
			}
		}
		return nil, fmt.Errorf("no such blob")
	}
	return nil, fmt.Errorf("unexpected git invocation")
}

type goMatcher struct{}

func (goMatcher) Match(_ context.Context, pattern string, corpus io.Reader) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var matched []string
	scanner := bufio.NewScanner(corpus)
	for scanner.Scan() {
		if re.MatchString(scanner.Text()) {
			matched = append(matched, scanner.Text())
		}
	}
	return matched, scanner.Err()
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Default()
	cfg.Server.CacheRoot = t.TempDir()
	cfg.Server.IdleInterval = "1h" // drive analysis explicitly

	git := &fakeGit{
		files: map[string]string{
			"handler.go": "package web\n\nfunc registerRoutes() {\n\tmux.Handle()\n}\n",
		},
		when: time.Now(),
	}

	f, err := New(cfg, "/repo",
		engine.WithRunner(git),
		engine.WithMatcher(goMatcher{}),
		engine.WithEmbedder(embed.NewStaticEmbedder()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	h, err := f.Analyze()
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	return f
}

func TestSubmitQuery_ResolvesWithShapedResponse(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.SubmitQuery("registerRoutes", DefaultQueryOptions())
	require.NoError(t, err)

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	resp, ok := v.(*QueryResponse)
	require.True(t, ok)

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "handler.go", resp.Results[0].Path)
	require.NotEmpty(t, resp.Results[0].Blocks)

	var hasResultLine bool
	for _, block := range resp.Results[0].Blocks {
		for _, line := range block.Lines {
			assert.NotEmpty(t, line.ResultTypes)
			for _, ty := range line.ResultTypes {
				assert.Contains(t, []string{"result", "context", "bridge"}, ty)
				if ty == "result" {
					hasResultLine = true
				}
			}
		}
	}
	assert.True(t, hasResultLine)
	assert.False(t, resp.Partial)
}

func TestSubmitQuery_EmptyTextResolvesWithError(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.SubmitQuery("   ", DefaultQueryOptions())
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeEmptyQuery))
}

func TestSubmitQuery_InvalidRegexMarkedPartial(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.SubmitQuery("foo[", DefaultQueryOptions())
	require.NoError(t, err)

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	resp := v.(*QueryResponse)

	assert.True(t, resp.Partial)
	assert.Equal(t, errors.ErrCodeInvalidRegex, resp.RegexError)
}

func TestSubmitQuery_MaxResultsCapsBlocks(t *testing.T) {
	f := newTestFacade(t)

	opts := DefaultQueryOptions()
	opts.MaxResults = 1
	h, err := f.SubmitQuery("package", opts)
	require.NoError(t, err)

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	resp := v.(*QueryResponse)

	total := 0
	for _, fr := range resp.Results {
		total += len(fr.Blocks)
	}
	assert.LessOrEqual(t, total, 1)
}

func TestGetStatus(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.GetStatus()
	require.NoError(t, err)

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	status := v.(*StatusResponse)

	assert.Equal(t, 1, status.TotalFiles)
	assert.Positive(t, status.ChunksAnalyzed)
	assert.Positive(t, status.LastAnalyzedAtUnix)
	assert.False(t, status.Stale)
}

func TestSubmitQuery_ExpiredDeadlineCancelled(t *testing.T) {
	f := newTestFacade(t)

	opts := DefaultQueryOptions()
	opts.Deadline = time.Now().Add(-time.Second)
	h, err := f.SubmitQuery("registerRoutes", opts)
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCancelled))
}

func TestReloadConfig_RebuildsEngineAndKeepsServing(t *testing.T) {
	f := newTestFacade(t)

	reloaded := config.Default()
	reloaded.Server.CacheRoot = t.TempDir()
	reloaded.Server.IdleInterval = "1h"
	f.SetConfigLoader(func() (*config.Config, error) { return reloaded, nil })

	// A query queued before the reload drains first; nothing is cancelled.
	qh, err := f.SubmitQuery("registerRoutes", DefaultQueryOptions())
	require.NoError(t, err)
	rh, err := f.ReloadConfig()
	require.NoError(t, err)

	_, err = qh.Wait(context.Background())
	require.NoError(t, err)
	_, err = rh.Wait(context.Background())
	require.NoError(t, err)

	// The rebuilt engine serves queries after a fresh analyze.
	ah, err := f.Analyze()
	require.NoError(t, err)
	_, err = ah.Wait(context.Background())
	require.NoError(t, err)

	h, err := f.SubmitQuery("registerRoutes", DefaultQueryOptions())
	require.NoError(t, err)
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, v.(*QueryResponse).Results)
}

func TestClose_Idempotent(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}
