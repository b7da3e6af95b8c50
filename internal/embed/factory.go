package embed

import (
	"fmt"
	"strings"
)

// New constructs the named embedding function.
//
// Recognized names (config key server.chroma.embeddingFunction):
//   - "static"          — deterministic hash-based embedder, no network
//   - "ollama:<model>"  — local Ollama server with the given model
//
// The result is wrapped with an LRU cache so repeated texts are embedded
// only once.
func New(name string) (Embedder, error) {
	var embedder Embedder

	switch {
	case name == "static":
		embedder = NewStaticEmbedder()

	case strings.HasPrefix(name, "ollama:"):
		model := strings.TrimPrefix(name, "ollama:")
		if model == "" {
			return nil, fmt.Errorf("embedding function %q is missing a model name", name)
		}
		embedder = NewOllamaEmbedder(OllamaConfig{Model: model})

	default:
		return nil, fmt.Errorf("unknown embedding function %q", name)
	}

	return NewCachedEmbedder(embedder, DefaultEmbeddingCacheSize), nil
}
