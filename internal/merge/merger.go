// Package merge combines hits from the vector and regex sources into
// ranked, context-bearing result blocks.
package merge

import (
	"math"
	"sort"
	"strings"

	"github.com/Hellblazer/seagoat/internal/errors"
	"github.com/Hellblazer/seagoat/internal/source"
)

// Scoring and shaping constants.
const (
	// SimilarityWeight and FrecencyWeight form the composite line score:
	// 0.7·similarity + 0.3·frecency.
	SimilarityWeight = 0.7
	FrecencyWeight   = 0.3

	// ContextDecay multiplies a context line's score per line of distance
	// from its originating hit.
	ContextDecay = 0.8

	// BridgePenalty multiplies the minimum neighbor score for bridge lines.
	BridgePenalty = 0.5

	// DefaultContextLines is the context radius around each hit.
	DefaultContextLines = 3

	// DefaultBridgeGap is the maximum number of intervening lines bridged
	// between two nearby blocks.
	DefaultBridgeGap = 2

	// DefaultLineLimit bounds the total lines in a result.
	DefaultLineLimit = 500
)

// LineType classifies how a result line entered the result.
type LineType string

const (
	// LineTypeResult marks a line that contributed an actual hit.
	LineTypeResult LineType = "result"

	// LineTypeContext marks a context expansion line.
	LineTypeContext LineType = "context"

	// LineTypeBridge marks a synthetic line filling a gap between blocks.
	LineTypeBridge LineType = "bridge"
)

// ResultLine is one line of a result block.
type ResultLine struct {
	// Line is the 1-based line number.
	Line int

	// Text is the line's content.
	Text string

	// Score is the best composite score that contributed to this line.
	Score float64

	// Types records how the line entered the result.
	Types []LineType

	// Sources records which sources contributed hits to this line.
	Sources []source.Tag
}

// ResultBlock is a maximal contiguous run of result lines from one file.
type ResultBlock struct {
	Path      string
	FirstLine int
	LastLine  int
	Lines     []ResultLine

	// Score is the maximum of the constituent line scores: a strong hit
	// promotes its whole block, weaker surroundings do not dilute it.
	Score float64
}

// Result is the merged, ranked output for one query.
type Result struct {
	// Blocks are sorted by descending block score, then ascending path,
	// then ascending first line.
	Blocks []ResultBlock
}

// FileBlocks groups a file's blocks for the transport shape.
type FileBlocks struct {
	Path   string
	Blocks []ResultBlock
}

// GroupByPath groups blocks by path, preserving the ranked order of each
// path's first appearance.
func (r *Result) GroupByPath() []FileBlocks {
	index := make(map[string]int)
	var groups []FileBlocks
	for _, b := range r.Blocks {
		i, ok := index[b.Path]
		if !ok {
			i = len(groups)
			index[b.Path] = i
			groups = append(groups, FileBlocks{Path: b.Path})
		}
		groups[i].Blocks = append(groups[i].Blocks, b)
	}
	return groups
}

// LineCount returns the total number of lines across all blocks.
func (r *Result) LineCount() int {
	n := 0
	for _, b := range r.Blocks {
		n += len(b.Lines)
	}
	return n
}

// LookupLine resolves a line's text from the corpus.
type LookupLine func(path string, line int) (string, bool)

// Options shape a merge.
type Options struct {
	// ContextAbove and ContextBelow are the context radii; a negative value
	// means the default 3 and zero disables context.
	ContextAbove int
	ContextBelow int

	// BridgeGap is the maximum bridged gap between blocks (default 2).
	BridgeGap int

	// LineLimit truncates the result to this many lines, bridge lines
	// included (default 500).
	LineLimit int
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.ContextAbove < 0 {
		o.ContextAbove = DefaultContextLines
	}
	if o.ContextBelow < 0 {
		o.ContextBelow = DefaultContextLines
	}
	if o.BridgeGap <= 0 {
		o.BridgeGap = DefaultBridgeGap
	}
	if o.LineLimit <= 0 {
		o.LineLimit = DefaultLineLimit
	}
	return o
}

// lineEntry accumulates per-(path, line) state during merging.
type lineEntry struct {
	score   float64
	types   map[LineType]bool
	sources map[source.Tag]bool
}

// Merge combines the two sources' hits into a ranked result.
// Fails with EmptyQuery when the query is blank after trimming.
// Zero hits yield an empty result, not an error.
func Merge(query string, vector, regex []source.Hit, frecency map[string]float64, lookup LookupLine, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.EmptyQuery()
	}
	opts = opts.withDefaults()

	entries := make(map[string]map[int]*lineEntry) // path -> line -> entry

	get := func(path string, line int) *lineEntry {
		byLine, ok := entries[path]
		if !ok {
			byLine = make(map[int]*lineEntry)
			entries[path] = byLine
		}
		e, ok := byLine[line]
		if !ok {
			e = &lineEntry{types: make(map[LineType]bool), sources: make(map[source.Tag]bool)}
			byLine[line] = e
		}
		return e
	}

	// Score hits. When both sources hit the same line the higher
	// similarity wins and both source tags are recorded.
	type scoredHit struct {
		path  string
		line  int
		score float64
	}
	var hits []scoredHit
	for _, h := range append(append([]source.Hit{}, vector...), regex...) {
		composite := SimilarityWeight*h.Score + FrecencyWeight*frecency[h.Path]
		e := get(h.Path, h.Line)
		if composite > e.score {
			e.score = composite
		}
		e.types[LineTypeResult] = true
		e.sources[h.Source] = true
		hits = append(hits, scoredHit{path: h.Path, line: h.Line, score: composite})
	}

	// Context expansion: ±context lines inherit the originating hit's
	// score decayed per line of distance.
	for _, h := range hits {
		expand := func(line, distance int) {
			if _, ok := lookup(h.path, line); !ok {
				return
			}
			decayed := h.score * math.Pow(ContextDecay, float64(distance))
			e := get(h.path, line)
			if decayed > e.score {
				e.score = decayed
			}
			if !e.types[LineTypeResult] {
				e.types[LineTypeContext] = true
			}
		}
		for d := 1; d <= opts.ContextAbove; d++ {
			expand(h.line-d, d)
		}
		for d := 1; d <= opts.ContextBelow; d++ {
			expand(h.line+d, d)
		}
	}

	blocks := buildBlocks(entries, lookup, opts.BridgeGap)
	sortBlocks(blocks)
	blocks = truncate(blocks, opts.LineLimit)

	return &Result{Blocks: blocks}, nil
}

// buildBlocks groups each path's lines into contiguous runs and bridges
// nearby runs into single maximal blocks.
func buildBlocks(entries map[string]map[int]*lineEntry, lookup LookupLine, bridgeGap int) []ResultBlock {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var blocks []ResultBlock
	for _, path := range paths {
		byLine := entries[path]
		numbers := make([]int, 0, len(byLine))
		for n := range byLine {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		var current []ResultLine
		flush := func() {
			if len(current) > 0 {
				blocks = append(blocks, finishBlock(path, current))
				current = nil
			}
		}

		for _, n := range numbers {
			line := makeLine(n, path, byLine[n], lookup)

			if len(current) == 0 {
				current = append(current, line)
				continue
			}

			prev := current[len(current)-1]
			gap := n - prev.Line - 1
			switch {
			case gap == 0:
				current = append(current, line)
			case gap <= bridgeGap:
				// Fill the gap with bridge lines scored at the minimum
				// of the two neighbors times the bridge penalty.
				bridgeScore := math.Min(prev.Score, line.Score) * BridgePenalty
				for b := prev.Line + 1; b < n; b++ {
					text, _ := lookup(path, b)
					current = append(current, ResultLine{
						Line:  b,
						Text:  text,
						Score: bridgeScore,
						Types: []LineType{LineTypeBridge},
					})
				}
				current = append(current, line)
			default:
				flush()
				current = append(current, line)
			}
		}
		flush()
	}

	return blocks
}

func makeLine(n int, path string, e *lineEntry, lookup LookupLine) ResultLine {
	text, _ := lookup(path, n)

	types := make([]LineType, 0, len(e.types))
	for t := range e.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	sources := make([]source.Tag, 0, len(e.sources))
	for s := range e.sources {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	return ResultLine{Line: n, Text: text, Score: e.score, Types: types, Sources: sources}
}

func finishBlock(path string, lines []ResultLine) ResultBlock {
	block := ResultBlock{
		Path:      path,
		FirstLine: lines[0].Line,
		LastLine:  lines[len(lines)-1].Line,
		Lines:     lines,
	}
	for _, l := range lines {
		if l.Score > block.Score {
			block.Score = l.Score
		}
	}
	return block
}

// sortBlocks orders blocks by descending score, then ascending path for
// stability, then ascending first line.
func sortBlocks(blocks []ResultBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Score != blocks[j].Score {
			return blocks[i].Score > blocks[j].Score
		}
		if blocks[i].Path != blocks[j].Path {
			return blocks[i].Path < blocks[j].Path
		}
		return blocks[i].FirstLine < blocks[j].FirstLine
	})
}

// truncate caps the result at limit lines, bridge lines counted, cutting
// mid-block when the budget runs out.
func truncate(blocks []ResultBlock, limit int) []ResultBlock {
	var out []ResultBlock
	remaining := limit
	for _, b := range blocks {
		if remaining <= 0 {
			break
		}
		if len(b.Lines) > remaining {
			b.Lines = b.Lines[:remaining]
			b.LastLine = b.Lines[len(b.Lines)-1].Line
		}
		remaining -= len(b.Lines)
		out = append(out, b)
	}
	return out
}
