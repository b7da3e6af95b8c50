package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner serves canned git output keyed by subcommand.
type fakeRunner struct {
	lsTree  string
	log     string
	blobs   map[string]string
	failAll bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if f.failAll {
		return nil, fmt.Errorf("git unavailable")
	}
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "ls-tree"):
		return []byte(f.lsTree), nil
	case strings.Contains(joined, "log"):
		return []byte(f.log), nil
	case strings.Contains(joined, "cat-file"):
		blobID := args[len(args)-1]
		content, ok := f.blobs[blobID]
		if !ok {
			return nil, fmt.Errorf("no such blob %s", blobID)
		}
		return []byte(content), nil
	}
	return nil, fmt.Errorf("unexpected command: %s %s", name, joined)
}

func TestSnapshot_ParsesLsTree(t *testing.T) {
	runner := &fakeRunner{
		lsTree: "100644 blob aaa1\tmain.go\n" +
			"100644 blob bbb2\tinternal/engine.go\n" +
			"040000 tree ccc3\tinternal\n",
	}
	s := NewScanner("/repo", runner, 0)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Files, 2)
	// Sorted by path; tree entries skipped.
	assert.Equal(t, "internal/engine.go", snap.Files[0].Path)
	assert.Equal(t, "bbb2", snap.Files[0].BlobID)
	assert.Equal(t, "main.go", snap.Files[1].Path)
	assert.Equal(t, "aaa1", snap.ByPath["main.go"])
	assert.NotEmpty(t, snap.StateHash)
}

func TestSnapshot_StateHashChangesWithContent(t *testing.T) {
	base := &fakeRunner{lsTree: "100644 blob aaa1\tmain.go\n"}
	changed := &fakeRunner{lsTree: "100644 blob aaa2\tmain.go\n"}

	snap1, err := NewScanner("/repo", base, 0).Snapshot(context.Background())
	require.NoError(t, err)
	snap2, err := NewScanner("/repo", changed, 0).Snapshot(context.Background())
	require.NoError(t, err)
	snap3, err := NewScanner("/repo", base, 0).Snapshot(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, snap1.StateHash, snap2.StateHash)
	assert.Equal(t, snap1.StateHash, snap3.StateHash)
}

func TestSnapshot_GitFailureSurfaces(t *testing.T) {
	s := NewScanner("/repo", &fakeRunner{failAll: true}, 0)
	_, err := s.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestReadBlob(t *testing.T) {
	runner := &fakeRunner{blobs: map[string]string{"aaa1": "package main\n"}}
	s := NewScanner("/repo", runner, 0)

	data, err := s.ReadBlob(context.Background(), "aaa1")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, err = s.ReadBlob(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCommitTimes_ParsesLogBlocks(t *testing.T) {
	now := time.Now().Unix()
	runner := &fakeRunner{
		log: fmt.Sprintf(">>%d\nmain.go\nutil.go\n\n>>%d\nmain.go\n", now, now-86400),
	}
	s := NewScanner("/repo", runner, 0)

	times, err := s.CommitTimes(context.Background())
	require.NoError(t, err)

	require.Len(t, times["main.go"], 2)
	require.Len(t, times["util.go"], 1)
	assert.Equal(t, now, times["main.go"][0].Unix())
	assert.Equal(t, now-86400, times["main.go"][1].Unix())
}

func TestFrecency_RecentOutranksOld(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	times := map[string][]time.Time{
		"recent.go": {now},
		"old.go":    {now.AddDate(-1, 0, 0)}, // 365 days old
	}

	scores := Frecency(times, now)

	assert.InDelta(t, 1.0, scores["recent.go"], 1e-9)
	// exp(-ln2/90 * 365) ≈ 0.06
	assert.InDelta(t, 0.06, scores["old.go"], 0.01)
}

func TestFrecency_HalfLifeAt90Days(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	times := map[string][]time.Time{
		"today.go": {now},
		"aged.go":  {now.AddDate(0, 0, -90)},
	}

	scores := Frecency(times, now)
	assert.InDelta(t, 0.5, scores["aged.go"], 1e-6)
}

func TestFrecency_FrequencyAccumulates(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	times := map[string][]time.Time{
		"hot.go":  {now, now, now},
		"cold.go": {now},
	}

	scores := Frecency(times, now)
	assert.Equal(t, 1.0, scores["hot.go"])
	assert.InDelta(t, 1.0/3.0, scores["cold.go"], 1e-9)
}

func TestFrecency_EmptyHistory(t *testing.T) {
	scores := Frecency(map[string][]time.Time{}, time.Now())
	assert.Empty(t, scores)
}

func TestFrecency_MaxIsOneWheneverHistoryNonempty(t *testing.T) {
	now := time.Now()
	times := map[string][]time.Time{
		"a.go": {now.AddDate(0, 0, -500)},
		"b.go": {now.AddDate(0, 0, -700)},
	}

	scores := Frecency(times, now)

	var max float64
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		if s > max {
			max = s
		}
	}
	assert.InDelta(t, 1.0, max, 1e-9)
}

func TestIgnored(t *testing.T) {
	patterns := []string{
		"**/node_modules/**",
		"vendor/**",
		"*.min.js",
		"docs/*.txt",
	}

	tests := []struct {
		path string
		want bool
	}{
		{"a/node_modules/x/y.js", true},
		{"node_modules/y.js", true},
		{"vendor/lib/z.go", true},
		{"app/big.min.js", true},
		{"docs/readme.txt", true},
		{"docs/sub/readme.txt", false},
		{"internal/engine.go", false},
		{"vendored/file.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Ignored(tt.path, patterns), "path %s", tt.path)
	}
}
