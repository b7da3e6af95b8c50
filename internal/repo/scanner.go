package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Hellblazer/seagoat/internal/errors"
)

// commitMarker prefixes commit timestamp lines in git log output so they
// cannot be confused with file paths.
const commitMarker = ">>"

// FileEntry is one tracked file at the repository head.
type FileEntry struct {
	// Path is the repository-relative path.
	Path string

	// BlobID is the Git object hash of the committed content.
	BlobID string
}

// Snapshot is the working set at one repository head.
type Snapshot struct {
	// Files lists tracked files, sorted by path.
	Files []FileEntry

	// ByPath maps path to blob id for staleness checks.
	ByPath map[string]string

	// StateHash is the digest of the sorted (path, blob id) pairs. The
	// engine compares it against the cached hash to short-circuit
	// maintenance when nothing changed.
	StateHash string
}

// Scanner reads a Git repository through an external git binary.
type Scanner struct {
	repoPath   string
	runner     Runner
	maxCommits int
}

// NewScanner creates a Scanner for the repository at repoPath.
// maxCommits bounds the history walked for frecency (default 10000).
func NewScanner(repoPath string, runner Runner, maxCommits int) *Scanner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if maxCommits <= 0 {
		maxCommits = 10000
	}
	return &Scanner{repoPath: repoPath, runner: runner, maxCommits: maxCommits}
}

// Snapshot enumerates the tracked files at head and computes the state hash.
func (s *Scanner) Snapshot(ctx context.Context) (*Snapshot, error) {
	out, err := s.runner.Run(ctx, "git", "-C", s.repoPath, "ls-tree", "-r", "HEAD")
	if err != nil {
		return nil, errors.New(errors.ErrCodeRepoUnderlying, "failed to list tracked files", err)
	}

	var files []FileEntry
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		// Format: "<mode> blob <objectname>\t<path>"
		meta, path, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		files = append(files, FileEntry{Path: path, BlobID: fields[2]})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	byPath := make(map[string]string, len(files))
	for _, f := range files {
		byPath[f.Path] = f.BlobID
	}

	return &Snapshot{
		Files:     files,
		ByPath:    byPath,
		StateHash: stateHash(files),
	}, nil
}

// ReadBlob reads a committed blob's content by object id.
func (s *Scanner) ReadBlob(ctx context.Context, blobID string) ([]byte, error) {
	out, err := s.runner.Run(ctx, "git", "-C", s.repoPath, "cat-file", "blob", blobID)
	if err != nil {
		return nil, errors.New(errors.ErrCodeRepoUnderlying, fmt.Sprintf("failed to read blob %s", blobID), err)
	}
	return out, nil
}

// CommitTimes walks the history (most recent maxCommits commits) and
// returns, per path, the commit timestamps that touched it, most recent
// first.
func (s *Scanner) CommitTimes(ctx context.Context) (map[string][]time.Time, error) {
	out, err := s.runner.Run(ctx, "git", "-C", s.repoPath, "log",
		"--name-only",
		"--pretty=format:"+commitMarker+"%ct",
		"-n", strconv.Itoa(s.maxCommits))
	if err != nil {
		return nil, errors.New(errors.ErrCodeRepoUnderlying, "failed to walk history", err)
	}

	times := make(map[string][]time.Time)
	var current time.Time
	haveCommit := false

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if ts, ok := strings.CutPrefix(line, commitMarker); ok {
			unix, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				continue
			}
			current = time.Unix(unix, 0)
			haveCommit = true
			continue
		}
		if haveCommit {
			times[line] = append(times[line], current)
		}
	}

	return times, nil
}

// stateHash digests the sorted (path, blob id) pairs.
func stateHash(files []FileEntry) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(f.BlobID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
