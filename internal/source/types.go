// Package source implements the two heterogeneous index sources: the vector
// source (embedding database adapter) and the regex source (line-indexed
// corpus with an external matcher). Both satisfy the same capability set so
// the merger and engine never depend on a concrete source.
package source

import (
	"context"

	"github.com/Hellblazer/seagoat/internal/chunker"
)

// Tag identifies which source produced a hit.
type Tag string

const (
	// TagVector marks hits from the embedding database.
	TagVector Tag = "vector"

	// TagRegex marks hits from the regex corpus.
	TagRegex Tag = "regex"
)

// Hit is a single match returned by a source.
type Hit struct {
	// Path is the repository-relative file path.
	Path string

	// Line is the 1-based line number of the match.
	Line int

	// Score is the raw source-specific score. Vector distances are
	// converted to similarity in [0,1]; regex matches score 1.0.
	Score float64

	// Source tags the producing source.
	Source Tag
}

// Source is the capability set both index sources satisfy.
type Source interface {
	// Upsert adds or replaces chunks.
	Upsert(ctx context.Context, chunks []chunker.Chunk) error

	// Query returns hits for the query text, at most limit.
	Query(ctx context.Context, text string, limit int) ([]Hit, error)

	// Delete removes chunks by id.
	Delete(ctx context.Context, ids []string) error
}
