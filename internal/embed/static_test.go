package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v1, err := e.Embed(context.Background(), "func handleRequest(w http.ResponseWriter)")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "func handleRequest(w http.ResponseWriter)")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestStaticEmbedder_DimensionsAndNorm(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v, err := e.Embed(context.Background(), "database connection pool")
	require.NoError(t, err)
	require.Len(t, v, StaticDimensions)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStaticEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v, err := e.Embed(context.Background(), "   \n\t ")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedder_DifferentTextsDiffer(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v1, err := e.Embed(context.Background(), "open the file")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "close the socket")
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := e.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])
}

func TestStaticEmbedder_ClosedFails(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "anything")
	assert.Error(t, err)
}

func TestSplitCamelCase(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"handleRequest", []string{"handle", "Request"}},
		{"HTTPServer", []string{"HTTP", "Server"}},
		{"simple", []string{"simple"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitCamelCase(tt.in), "input %q", tt.in)
	}
}

func TestTokenize_SplitsSnakeAndCamel(t *testing.T) {
	tokens := tokenize("read_file parseJSON")
	assert.Contains(t, tokens, "read")
	assert.Contains(t, tokens, "file")
	assert.Contains(t, tokens, "parse")
	assert.Contains(t, tokens, "json")
}
