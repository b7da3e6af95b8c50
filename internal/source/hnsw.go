package source

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex is the embedding database behind the vector source: a pure Go
// HNSW graph with string-id mapping and on-disk persistence. Its directory
// layout is opaque to the engine core.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]

	dimensions int

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64 // chunk id -> internal key
	keyMap  map[uint64]string // internal key -> chunk id
	nextKey uint64
}

// hnswMetadata stores ID mappings for persistence.
type hnswMetadata struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewHNSWIndex creates an empty index for vectors of the given dimension.
func NewHNSWIndex(dimensions int) *HNSWIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:      graph,
		dimensions: dimensions,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
	}
}

// Add inserts vectors with their IDs. An existing ID is replaced using lazy
// deletion: the old node is orphaned in the graph and dropped from results.
func (x *HNSWIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for i, id := range ids {
		if len(vectors[i]) != x.dimensions {
			return fmt.Errorf("dimension mismatch: expected %d, got %d", x.dimensions, len(vectors[i]))
		}

		if existingKey, exists := x.idMap[id]; exists {
			delete(x.keyMap, existingKey)
			delete(x.idMap, id)
		}

		key := x.nextKey
		x.nextKey++

		x.graph.Add(hnsw.MakeNode(key, vectors[i]))
		x.idMap[id] = key
		x.keyMap[key] = id
	}

	return nil
}

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	ID       string
	Distance float32
}

// Search finds the k nearest neighbors to the query vector.
// Lazy-deleted nodes are skipped.
func (x *HNSWIndex) Search(query []float32, k int) ([]Neighbor, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(query) != x.dimensions {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", x.dimensions, len(query))
	}
	if x.graph.Len() == 0 {
		return nil, nil
	}

	nodes := x.graph.Search(query, k)

	results := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		id, exists := x.keyMap[node.Key]
		if !exists {
			continue // orphaned by lazy deletion
		}
		results = append(results, Neighbor{
			ID:       id,
			Distance: x.graph.Distance(query, node.Value),
		})
	}

	return results, nil
}

// Delete removes vectors by ID using lazy deletion.
func (x *HNSWIndex) Delete(ids []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, id := range ids {
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
		}
	}
}

// Contains checks if an ID exists.
func (x *HNSWIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, exists := x.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (x *HNSWIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// graphFile and metaFile are the on-disk layout inside the index directory.
const (
	graphFile = "index.hnsw"
	metaFile  = "index.meta"
)

// Save persists the graph and id mappings into dir (temp file + rename).
func (x *HNSWIndex) Save(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, graphFile), func(f *os.File) error {
		return x.graph.Export(f)
	}); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	meta := hnswMetadata{IDMap: x.idMap, NextKey: x.nextKey, Dimensions: x.dimensions}
	if err := writeAtomic(filepath.Join(dir, metaFile), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(&meta)
	}); err != nil {
		return fmt.Errorf("failed to save index metadata: %w", err)
	}

	return nil
}

// Load restores the graph and id mappings from dir.
// A missing directory leaves the index empty.
func (x *HNSWIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	metaF, err := os.Open(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open index metadata: %w", err)
	}
	defer func() { _ = metaF.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaF).Decode(&meta); err != nil {
		return fmt.Errorf("failed to decode index metadata: %w", err)
	}
	if meta.Dimensions != x.dimensions {
		return fmt.Errorf("index dimension %d does not match embedder dimension %d", meta.Dimensions, x.dimensions)
	}

	graphF, err := os.Open(filepath.Join(dir, graphFile))
	if err != nil {
		return fmt.Errorf("failed to open graph file: %w", err)
	}
	defer func() { _ = graphF.Close() }()

	if err := x.graph.Import(bufio.NewReader(graphF)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	x.idMap = meta.IDMap
	x.nextKey = meta.NextKey
	x.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		x.keyMap[key] = id
	}

	return nil
}

// writeAtomic writes a file via temp + rename.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
