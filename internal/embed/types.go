// Package embed provides embedding functions for the vector source.
//
// An embedding function is opaque to the engine core; it only has to be
// deterministic per text. Two implementations ship: the static hash-based
// embedder (no network, always available) and an Ollama HTTP client.
package embed

import (
	"context"
	"math"
)

// StaticDimensions is the embedding dimension for the static embedder.
const StaticDimensions = 256

// DefaultBatchSize is the default batch size for embedding requests.
const DefaultBatchSize = 32

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
