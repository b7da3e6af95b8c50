// Package chunker splits file blobs into fixed-line overlapping chunks with
// stable content-addressed identifiers.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Hellblazer/seagoat/internal/errors"
)

// Chunking defaults.
const (
	// DefaultChunkLines is the maximum number of lines per chunk.
	DefaultChunkLines = 40

	// DefaultOverlap is the number of lines shared between adjacent chunks,
	// preserving semantic continuity across chunk boundaries.
	DefaultOverlap = 8
)

// idSeparator joins the id components before hashing. NUL cannot appear in
// a path or decoded text line, so the encoding is unambiguous.
const idSeparator = "\x00"

// Chunk is an ordered range of lines from one blob.
type Chunk struct {
	// ID is the stable content-addressed identifier:
	// hex(SHA-256(path || sep || start_line || sep || content)).
	ID string

	// Path is the repository-relative path of the owning file.
	Path string

	// StartLine is the 1-based line number of the first line.
	StartLine int

	// Lines holds the chunk's text, one element per line.
	Lines []string

	// BlobID is the Git object hash of the source blob.
	BlobID string
}

// EndLine returns the 1-based line number of the chunk's last line.
func (c *Chunk) EndLine() int {
	return c.StartLine + len(c.Lines) - 1
}

// Content returns the chunk text with lines joined by newlines.
func (c *Chunk) Content() string {
	return strings.Join(c.Lines, "\n")
}

// Chunker splits text blobs into overlapping line chunks.
type Chunker struct {
	chunkLines int
	overlap    int
}

// New creates a Chunker with the given window size and overlap.
// A non-positive window or a negative overlap falls back to the default; a
// zero overlap is kept. The overlap is clamped so
// the stride is always at least one line.
func New(chunkLines, overlap int) *Chunker {
	if chunkLines <= 0 {
		chunkLines = DefaultChunkLines
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= chunkLines {
		overlap = chunkLines - 1
	}
	return &Chunker{chunkLines: chunkLines, overlap: overlap}
}

// Split slices a blob's content into chunks. Empty blobs produce zero
// chunks. Content that is not valid UTF-8 is decoded lossily (invalid
// sequences replaced with U+FFFD) before hashing; content containing NUL
// bytes is treated as binary and rejected with UnreadableBlob.
func (c *Chunker) Split(path, blobID string, data []byte) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if bytes.IndexByte(data, 0) >= 0 {
		return nil, errors.UnreadableBlob(path, nil)
	}

	text := decodeLossy(data)
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, nil
	}

	stride := c.chunkLines - c.overlap

	var chunks []Chunk
	for start := 0; start < len(lines); start += stride {
		end := start + c.chunkLines
		if end > len(lines) {
			end = len(lines)
		}

		chunk := Chunk{
			Path:      path,
			StartLine: start + 1,
			Lines:     lines[start:end],
			BlobID:    blobID,
		}
		chunk.ID = ChunkID(path, chunk.StartLine, chunk.Content())
		chunks = append(chunks, chunk)

		if end == len(lines) {
			break
		}
	}

	return chunks, nil
}

// ChunkID computes the stable identifier for a chunk. It is a pure function
// of (path, start_line, content) so identical inputs always produce the
// identical id across runs and platforms.
func ChunkID(path string, startLine int, content string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte(idSeparator))
	h.Write([]byte(strconv.Itoa(startLine)))
	h.Write([]byte(idSeparator))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// decodeLossy returns data as a string with invalid UTF-8 sequences
// replaced by U+FFFD.
func decodeLossy(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// splitLines splits text on \n. The empty element after a trailing newline
// is dropped (it is the terminator, not a line); genuine trailing blank
// lines are retained.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}
