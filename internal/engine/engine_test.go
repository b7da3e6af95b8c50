package engine

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
	"github.com/Hellblazer/seagoat/internal/errors"
	"github.com/Hellblazer/seagoat/internal/source"
)

// fakeGit simulates a git repository: tracked files with committed content
// and a linear history of (timestamp, touched paths).
type fakeGit struct {
	files   map[string]string // path -> content
	history []fakeCommit
	fail    bool
}

type fakeCommit struct {
	when  time.Time
	paths []string
}

func blobID(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	if f.fail {
		return nil, fmt.Errorf("git unavailable")
	}
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
		for _, c := range f.history {
			fmt.Fprintf(&b, ">>%d\n", c.when.Unix())
			for _, p := range c.paths {
				fmt.Fprintf(&b, "%s\n", p)
			}
			b.WriteString("\n")
		}
		return []byte(b.String()), nil

	case strings.Contains(joined, "cat-file"):
		want := args[len(args)-1]
		for _, content := range f.files {
			if blobID(content) == want {
				return []byte(content), nil
			}
		}
		return nil, fmt.Errorf("no such blob %s", want)
	}
	return nil, fmt.Errorf("unexpected git invocation: %s", joined)
}

// goMatcher stands in for ripgrep using Go's regexp.
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

// failingMatcher simulates a broken external matcher binary.
type failingMatcher struct{}

func (failingMatcher) Match(context.Context, string, io.Reader) ([]string, error) {
	return nil, fmt.Errorf("matcher binary exploded")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.CacheRoot = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, git *fakeGit, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{
		WithRunner(git),
		WithMatcher(goMatcher{}),
		WithEmbedder(embed.NewStaticEmbedder()),
	}, opts...)
	e, err := New(testConfig(t), "/repo", all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func defaultRepo(now time.Time) *fakeGit {
	return &fakeGit{
		files: map[string]string{
			"server.go": "package main\n\nfunc startHTTPServer() {\n\tlisten()\n}\n",
			"db.go":     "package main\n\nfunc openDatabase() {\n\tconnect()\n}\n",
		},
		history: []fakeCommit{
			{when: now, paths: []string{"server.go"}},
			{when: now.AddDate(-1, 0, 0), paths: []string{"db.go"}},
		},
	}
}

func TestAnalyze_PopulatesIndexes(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, defaultRepo(now), WithClock(func() time.Time { return now }))

	require.NoError(t, e.Analyze(context.Background()))

	stats := e.Stats()
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 2, stats.ChunksAnalyzed)
	assert.False(t, stats.Stale)
	assert.Equal(t, now.Unix(), stats.LastAnalyzedAt.Unix())
}

func TestAnalyze_SecondPassIsNoOp(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))

	require.NoError(t, e.Analyze(context.Background()))
	before := e.Stats()

	// Unchanged repo: BeginAnalysis short-circuits entirely.
	analysis, err := e.BeginAnalysis(context.Background())
	require.NoError(t, err)
	assert.Nil(t, analysis)

	require.NoError(t, e.Analyze(context.Background()))
	after := e.Stats()
	assert.Equal(t, before.ChunksAnalyzed, after.ChunksAnalyzed)
}

func TestQuery_FindsBothSources(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))
	require.NoError(t, e.Analyze(context.Background()))

	res, meta, err := e.Query(context.Background(), QueryRequest{Text: "startHTTPServer", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)
	assert.False(t, meta.Partial)
	require.NotEmpty(t, res.Blocks)

	// The regex side matched the exact identifier on line 3.
	found := false
	for _, b := range res.Blocks {
		if b.Path != "server.go" {
			continue
		}
		for _, l := range b.Lines {
			if l.Line == 3 {
				found = true
				assert.Contains(t, l.Sources, source.TagRegex)
			}
		}
	}
	assert.True(t, found, "expected a hit on server.go line 3")
}

func TestQuery_EmptyTextFails(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))

	_, _, err := e.Query(context.Background(), QueryRequest{Text: "  \t "})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeEmptyQuery))
}

func TestQuery_InvalidRegexDegradesToVectorOnly(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))
	require.NoError(t, e.Analyze(context.Background()))

	res, meta, err := e.Query(context.Background(), QueryRequest{Text: "foo["})
	require.NoError(t, err)

	assert.True(t, meta.Partial)
	assert.Equal(t, errors.ErrCodeInvalidRegex, meta.RegexError)
	assert.Empty(t, meta.VectorError)
	assert.NotNil(t, res)
}

func TestQuery_BrokenMatcherDegradesToVectorOnly(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()), WithMatcher(failingMatcher{}))
	require.NoError(t, e.Analyze(context.Background()))

	res, meta, err := e.Query(context.Background(), QueryRequest{Text: "open database"})
	require.NoError(t, err)

	assert.True(t, meta.Partial)
	assert.Equal(t, errors.ErrCodeBackendUnavailable, meta.RegexError)
	assert.NotNil(t, res)
}

func TestAnalyze_StaleChunksNeverServed(t *testing.T) {
	git := defaultRepo(time.Now())
	e := newTestEngine(t, git)
	require.NoError(t, e.Analyze(context.Background()))

	// Rewrite server.go: blob changes, the old identifier disappears.
	git.files["server.go"] = "package main\n\nfunc startGRPCServer() {\n\tserve()\n}\n"
	require.NoError(t, e.Analyze(context.Background()))

	res, _, err := e.Query(context.Background(), QueryRequest{Text: "startHTTPServer", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)

	for _, b := range res.Blocks {
		for _, l := range b.Lines {
			assert.NotContains(t, l.Text, "startHTTPServer",
				"no line from the superseded blob may appear")
		}
	}

	res, _, err = e.Query(context.Background(), QueryRequest{Text: "startGRPCServer", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Blocks)
}

func TestAnalyze_RemovedFilePurged(t *testing.T) {
	git := defaultRepo(time.Now())
	e := newTestEngine(t, git)
	require.NoError(t, e.Analyze(context.Background()))

	delete(git.files, "db.go")
	require.NoError(t, e.Analyze(context.Background()))

	res, _, err := e.Query(context.Background(), QueryRequest{Text: "openDatabase", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)
	for _, b := range res.Blocks {
		assert.NotEqual(t, "db.go", b.Path)
	}
	assert.Equal(t, 1, e.Stats().TotalFiles)
}

func TestAnalyze_BinaryFileSkippedOthersIndexed(t *testing.T) {
	git := defaultRepo(time.Now())
	git.files["blob.md"] = "binary\x00junk"
	e := newTestEngine(t, git)

	require.NoError(t, e.Analyze(context.Background()))

	// The bad file is skipped; the good ones are indexed.
	assert.Equal(t, 2, e.Stats().ChunksAnalyzed)
}

func TestAnalyze_RespectsIgnorePatternsAndExtensions(t *testing.T) {
	git := defaultRepo(time.Now())
	git.files["vendor/dep.go"] = "package dep\n"
	git.files["image.png"] = "not really an image"

	cfg := testConfig(t)
	cfg.Server.IgnorePatterns = []string{"vendor/**"}
	e, err := New(cfg, "/repo",
		WithRunner(git), WithMatcher(goMatcher{}), WithEmbedder(embed.NewStaticEmbedder()))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NoError(t, e.Analyze(context.Background()))

	res, _, qerr := e.Query(context.Background(), QueryRequest{Text: "package", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, qerr)
	for _, b := range res.Blocks {
		assert.NotEqual(t, "vendor/dep.go", b.Path)
		assert.NotEqual(t, "image.png", b.Path)
	}
}

func TestQuery_PathGlobFilters(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))
	require.NoError(t, e.Analyze(context.Background()))

	res, _, err := e.Query(context.Background(), QueryRequest{
		Text:         "package main",
		IncludeGlobs: []string{"db.go"},
		ContextAbove: 0, ContextBelow: 0,
	})
	require.NoError(t, err)
	for _, b := range res.Blocks {
		assert.Equal(t, "db.go", b.Path)
	}

	res, _, err = e.Query(context.Background(), QueryRequest{
		Text:         "package main",
		ExcludeGlobs: []string{"db.go"},
		ContextAbove: 0, ContextBelow: 0,
	})
	require.NoError(t, err)
	for _, b := range res.Blocks {
		assert.NotEqual(t, "db.go", b.Path)
	}
}

func TestQuery_FrecencyRanksRecentFileFirst(t *testing.T) {
	now := time.Now()
	git := &fakeGit{
		files: map[string]string{
			"fresh.go": "package main\n\nfunc computeChecksum() {}\n",
			"stale.go": "package main\n\nfunc computeChecksum() {}\n",
		},
		history: []fakeCommit{
			{when: now, paths: []string{"fresh.go"}},
			{when: now.AddDate(-1, 0, 0), paths: []string{"stale.go"}},
		},
	}
	e := newTestEngine(t, git, WithClock(func() time.Time { return now }))
	require.NoError(t, e.Analyze(context.Background()))

	res, _, err := e.Query(context.Background(), QueryRequest{Text: "computeChecksum", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Blocks), 2)

	assert.Equal(t, "fresh.go", res.Blocks[0].Path)
	assert.Greater(t, res.Blocks[0].Score, res.Blocks[1].Score)
}

func TestEngine_RestartRebuildsCorpusFromCache(t *testing.T) {
	cfg := testConfig(t)
	git := defaultRepo(time.Now())

	e1, err := New(cfg, "/repo",
		WithRunner(git), WithMatcher(goMatcher{}), WithEmbedder(embed.NewStaticEmbedder()))
	require.NoError(t, err)
	require.NoError(t, e1.Analyze(context.Background()))
	analyzed := e1.Stats().ChunksAnalyzed
	require.NoError(t, e1.Close())

	// Same cache root: the AnalyzedSet and vector store come back, and the
	// first analyze pass rebuilds the in-memory corpus.
	e2, err := New(cfg, "/repo",
		WithRunner(git), WithMatcher(goMatcher{}), WithEmbedder(embed.NewStaticEmbedder()))
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	assert.Equal(t, analyzed, e2.Stats().ChunksAnalyzed)

	require.NoError(t, e2.Analyze(context.Background()))
	res, _, err := e2.Query(context.Background(), QueryRequest{Text: "startHTTPServer", ContextAbove: 0, ContextBelow: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Blocks)
}

func TestAnalysis_StepwiseMatchesFullAnalyze(t *testing.T) {
	git := defaultRepo(time.Now())
	e := newTestEngine(t, git)

	analysis, err := e.BeginAnalysis(context.Background())
	require.NoError(t, err)
	require.NotNil(t, analysis)

	steps := 0
	for !analysis.Done() {
		require.NoError(t, analysis.Step(context.Background()))
		steps++
		require.Less(t, steps, 1000, "analysis must terminate")
	}
	require.NoError(t, analysis.Finish(context.Background()))

	assert.Equal(t, 2, e.Stats().ChunksAnalyzed)
	assert.False(t, e.Stats().Stale)
}

func TestAnalysis_StepHonorsCancellation(t *testing.T) {
	e := newTestEngine(t, defaultRepo(time.Now()))

	analysis, err := e.BeginAnalysis(context.Background())
	require.NoError(t, err)
	require.NotNil(t, analysis)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = analysis.Step(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCancelled))
}
