package source

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/renameio/v2"

	"github.com/Hellblazer/seagoat/internal/chunker"
	"github.com/Hellblazer/seagoat/internal/embed"
	"github.com/Hellblazer/seagoat/internal/errors"
)

// DefaultBatchSize bounds the number of chunks per upsert batch.
const DefaultBatchSize = 500

// chunkMeta is what the vector source remembers about an upserted chunk.
type chunkMeta struct {
	Path      string
	StartLine int
	BlobID    string
}

// VectorSource adapts the embedding database to the Source capability set.
// It embeds chunk contents on upsert, answers nearest-neighbor queries, and
// silently drops stale hits whose stored blob id no longer matches the
// current blob for the chunk's path.
type VectorSource struct {
	embedder  embed.Embedder
	index     *HNSWIndex
	batchSize int
	dir       string

	meta    map[string]chunkMeta // chunk id -> metadata
	byPos   map[string]string    // (path, start line) -> chunk id
	current map[string]string    // path -> current blob id
}

// NewVectorSource creates a vector source persisting under dir.
func NewVectorSource(embedder embed.Embedder, dir string, batchSize int) *VectorSource {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &VectorSource{
		embedder:  embedder,
		index:     NewHNSWIndex(embedder.Dimensions()),
		batchSize: batchSize,
		dir:       dir,
		meta:      make(map[string]chunkMeta),
		byPos:     make(map[string]string),
		current:   make(map[string]string),
	}
}

func posKey(path string, startLine int) string {
	return path + "\x00" + strconv.Itoa(startLine)
}

// SetCurrentBlobs records the current (path -> blob id) mapping at head.
// Query results are filtered against it; hits from superseded blobs are
// dropped.
func (v *VectorSource) SetCurrentBlobs(byPath map[string]string) {
	v.current = byPath
}

// Upsert embeds and stores chunks in bounded batches. A chunk replacing an
// earlier chunk at the same (path, start line) evicts the old entry, so no
// two stored chunks share a position with differing blob ids.
func (v *VectorSource) Upsert(ctx context.Context, chunks []chunker.Chunk) error {
	for start := 0; start < len(chunks); start += v.batchSize {
		end := start + v.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := v.upsertBatch(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (v *VectorSource) upsertBatch(ctx context.Context, batch []chunker.Chunk) error {
	// Chunks already stored keep their embedding; their metadata is still
	// refreshed so the recorded blob id tracks the current head.
	var fresh []chunker.Chunk
	for _, c := range batch {
		if _, stored := v.meta[c.ID]; !stored {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) > 0 {
		texts := make([]string, len(fresh))
		for i, c := range fresh {
			texts[i] = c.Content()
		}
		vectors, err := v.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return errors.BackendUnavailable("vector", err)
		}

		ids := make([]string, len(fresh))
		for i, c := range fresh {
			ids[i] = c.ID
		}
		if err := v.index.Add(ids, vectors); err != nil {
			return errors.BackendUnavailable("vector", err)
		}
	}

	for _, c := range batch {
		key := posKey(c.Path, c.StartLine)
		if oldID, ok := v.byPos[key]; ok && oldID != c.ID {
			v.index.Delete([]string{oldID})
			delete(v.meta, oldID)
		}
		v.byPos[key] = c.ID
		v.meta[c.ID] = chunkMeta{Path: c.Path, StartLine: c.StartLine, BlobID: c.BlobID}
	}
	return nil
}

// Query embeds the text and returns the nearest chunks as hits. Distance is
// converted to similarity 1/(1+d) and clamped to [0,1]. Stale hits are
// silently dropped.
func (v *VectorSource) Query(ctx context.Context, text string, limit int) ([]Hit, error) {
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.BackendUnavailable("vector", err)
	}

	neighbors, err := v.index.Search(vec, limit)
	if err != nil {
		return nil, errors.BackendUnavailable("vector", err)
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		m, ok := v.meta[n.ID]
		if !ok {
			continue
		}
		if v.current[m.Path] != m.BlobID {
			continue // stale: blob changed or path untracked
		}
		hits = append(hits, Hit{
			Path:   m.Path,
			Line:   m.StartLine,
			Score:  similarity(n.Distance),
			Source: TagVector,
		})
	}
	return hits, nil
}

// similarity converts a cosine-like distance to a score in [0,1].
func similarity(distance float32) float64 {
	s := 1.0 / (1.0 + float64(distance))
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Delete removes chunks by id.
func (v *VectorSource) Delete(ctx context.Context, ids []string) error {
	v.index.Delete(ids)
	for _, id := range ids {
		if m, ok := v.meta[id]; ok {
			key := posKey(m.Path, m.StartLine)
			if v.byPos[key] == id {
				delete(v.byPos, key)
			}
			delete(v.meta, id)
		}
	}
	return nil
}

// IDsForPath returns the stored chunk ids for a path.
func (v *VectorSource) IDsForPath(path string) []string {
	var ids []string
	for id, m := range v.meta {
		if m.Path == path {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// BlobForPath returns the blob id the source has stored for a path, if any.
// The engine compares it against head to decide whether to re-chunk.
func (v *VectorSource) BlobForPath(path string) (string, bool) {
	for _, m := range v.meta {
		if m.Path == path {
			return m.BlobID, true
		}
	}
	return "", false
}

// Paths returns every path with at least one stored chunk.
func (v *VectorSource) Paths() []string {
	seen := make(map[string]bool)
	for _, m := range v.meta {
		seen[m.Path] = true
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Contains reports whether a chunk id is stored.
func (v *VectorSource) Contains(id string) bool {
	_, ok := v.meta[id]
	return ok
}

// Count returns the number of stored chunks.
func (v *VectorSource) Count() int {
	return len(v.meta)
}

// metaFileName holds the chunk metadata next to the HNSW files.
const metaFileName = "chunks.meta"

// persistedMeta is the on-disk layout for chunk metadata.
type persistedMeta struct {
	Meta map[string]chunkMeta
}

// Save persists the index and chunk metadata into the source directory.
func (v *VectorSource) Save() error {
	if err := v.index.Save(v.dir); err != nil {
		return errors.BackendUnavailable("vector", err)
	}

	t, err := renameio.TempFile("", filepath.Join(v.dir, metaFileName))
	if err != nil {
		return errors.BackendUnavailable("vector", err)
	}
	defer func() { _ = t.Cleanup() }()

	if err := gob.NewEncoder(t).Encode(&persistedMeta{Meta: v.meta}); err != nil {
		return errors.BackendUnavailable("vector", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return errors.BackendUnavailable("vector", err)
	}
	return nil
}

// Load restores the index and chunk metadata. A missing directory leaves
// the source empty.
func (v *VectorSource) Load() error {
	if err := v.index.Load(v.dir); err != nil {
		return errors.BackendUnavailable("vector", err)
	}

	f, err := os.Open(filepath.Join(v.dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.BackendUnavailable("vector", err)
	}
	defer func() { _ = f.Close() }()

	var p persistedMeta
	if err := gob.NewDecoder(f).Decode(&p); err != nil {
		return errors.BackendUnavailable("vector", err)
	}

	v.meta = p.Meta
	v.byPos = make(map[string]string, len(p.Meta))
	for id, m := range p.Meta {
		v.byPos[posKey(m.Path, m.StartLine)] = id
	}
	return nil
}

// Close releases the embedder.
func (v *VectorSource) Close() error {
	return v.embedder.Close()
}
