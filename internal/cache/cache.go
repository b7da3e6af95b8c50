// Package cache persists the engine's analysis state between runs.
//
// Each repository gets its own directory under the cache root, keyed by a
// digest of (CACHE_FORMAT_VERSION, repo path). Bumping FormatVersion routes
// to a new directory, implicitly invalidating all prior caches. The payload
// is a single version-tagged gob file written under atomic rename.
package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/Hellblazer/seagoat/internal/errors"
)

// FormatVersion is the cache format version. Bump it whenever the payload
// layout or chunking scheme changes incompatibly.
const FormatVersion = 1

// payloadName is the cache payload file inside the repo's cache directory.
const payloadName = "state.bin"

// State is the persisted analysis state for one repository.
type State struct {
	// AnalyzedChunks is the set of chunk ids known to have been embedded
	// and upserted into the vector source.
	AnalyzedChunks map[string]struct{}

	// Frecency is the last-observed per-file frecency map.
	Frecency map[string]float64

	// RepoStateHash is the last-observed repo state hash.
	RepoStateHash string

	// LastAnalyzedAt is when the last analyze pass completed.
	LastAnalyzedAt time.Time
}

// NewState returns an empty cache state.
func NewState() *State {
	return &State{
		AnalyzedChunks: make(map[string]struct{}),
		Frecency:       make(map[string]float64),
	}
}

// persistedState is the on-disk gob layout.
type persistedState struct {
	Version        int
	AnalyzedChunks []string
	Frecency       map[string]float64
	RepoStateHash  string
	LastAnalyzedAt int64
}

// Dir returns the cache directory for a repository:
// <cacheRoot>/<first 32 hex digits of sha256(FormatVersion, NUL, cleaned repo path)>.
func Dir(cacheRoot, repoPath string) string {
	return filepath.Join(cacheRoot, repoDigest(repoPath))
}

func repoDigest(repoPath string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(FormatVersion)))
	h.Write([]byte{0})
	h.Write([]byte(filepath.Clean(repoPath)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Cache is a durable key-value store for one repository's analysis state.
type Cache struct {
	dir  string
	lock *flock.Flock
}

// Open creates (if needed) and locks the cache directory for a repository.
// The advisory lock guards against two engine processes mutating one cache
// directory concurrently.
func Open(cacheRoot, repoPath string) (*Cache, error) {
	dir := Dir(cacheRoot, repoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.ErrCodeCacheIO, "failed to create cache directory", err)
	}

	lock := flock.New(filepath.Join(dir, "cache.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeCacheIO, "failed to acquire cache lock", err)
	}
	if !locked {
		return nil, errors.New(errors.ErrCodeCacheIO,
			fmt.Sprintf("cache directory %s is locked by another engine instance", dir), nil)
	}

	return &Cache{dir: dir, lock: lock}, nil
}

// Path returns the cache directory.
func (c *Cache) Path() string {
	return c.dir
}

// VectorDir returns the directory reserved for the vector source's own
// on-disk data. Its contents are opaque to the core.
func (c *Cache) VectorDir() string {
	return filepath.Join(c.dir, "vectors")
}

// Load reads the persisted state. An absent or unreadable payload yields an
// empty state; a present but structurally invalid payload fails with
// CacheCorrupt, and the caller reacts by discarding and starting fresh.
func (c *Cache) Load() (*State, error) {
	f, err := os.Open(filepath.Join(c.dir, payloadName))
	if err != nil {
		return NewState(), nil
	}
	defer func() { _ = f.Close() }()

	var p persistedState
	if err := gob.NewDecoder(f).Decode(&p); err != nil {
		return nil, errors.CacheCorrupt("cache payload is malformed", err)
	}
	if p.Version != FormatVersion {
		return nil, errors.CacheCorrupt(
			fmt.Sprintf("cache payload version %d does not match format version %d", p.Version, FormatVersion), nil)
	}

	state := NewState()
	for _, id := range p.AnalyzedChunks {
		state.AnalyzedChunks[id] = struct{}{}
	}
	if p.Frecency != nil {
		state.Frecency = p.Frecency
	}
	state.RepoStateHash = p.RepoStateHash
	if p.LastAnalyzedAt > 0 {
		state.LastAnalyzedAt = time.Unix(p.LastAnalyzedAt, 0)
	}
	return state, nil
}

// Save persists the state atomically (write to temp, rename).
func (c *Cache) Save(state *State) error {
	p := persistedState{
		Version:       FormatVersion,
		Frecency:      state.Frecency,
		RepoStateHash: state.RepoStateHash,
	}
	if !state.LastAnalyzedAt.IsZero() {
		p.LastAnalyzedAt = state.LastAnalyzedAt.Unix()
	}
	p.AnalyzedChunks = make([]string, 0, len(state.AnalyzedChunks))
	for id := range state.AnalyzedChunks {
		p.AnalyzedChunks = append(p.AnalyzedChunks, id)
	}

	t, err := renameio.TempFile("", filepath.Join(c.dir, payloadName))
	if err != nil {
		return errors.New(errors.ErrCodeCacheIO, "failed to create cache temp file", err)
	}
	defer func() { _ = t.Cleanup() }()

	if err := gob.NewEncoder(t).Encode(&p); err != nil {
		return errors.New(errors.ErrCodeCacheIO, "failed to encode cache payload", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return errors.New(errors.ErrCodeCacheIO, "failed to replace cache payload", err)
	}
	return nil
}

// Discard removes the payload, leaving an empty cache. Used after a
// CacheCorrupt load.
func (c *Cache) Discard() error {
	err := os.Remove(filepath.Join(c.dir, payloadName))
	if err != nil && !os.IsNotExist(err) {
		return errors.New(errors.ErrCodeCacheIO, "failed to discard cache payload", err)
	}
	return nil
}

// Close releases the cache directory lock.
func (c *Cache) Close() error {
	return c.lock.Unlock()
}
