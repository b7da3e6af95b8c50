package source

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Hellblazer/seagoat/internal/chunker"
	"github.com/Hellblazer/seagoat/internal/errors"
)

// wordQueryPattern recognizes "word" queries: alphanumeric with spaces.
// Anything else is treated as a regex and passed through.
var wordQueryPattern = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)

// corpusRecord remembers which lines a chunk contributed.
type corpusRecord struct {
	path      string
	startLine int
	lines     []string
}

// RegexSource materializes a line-indexed in-memory corpus and delegates
// matching to an external matcher fed the flattened corpus as lines of the
// form <path>:<line>:<content>.
type RegexSource struct {
	matcher Matcher
	records map[string]corpusRecord   // chunk id -> contributed lines
	corpus  map[string]map[int]string // path -> line number -> text
}

// NewRegexSource creates a regex source backed by the given matcher.
func NewRegexSource(matcher Matcher) *RegexSource {
	if matcher == nil {
		matcher = NewExternalMatcher()
	}
	return &RegexSource{
		matcher: matcher,
		records: make(map[string]corpusRecord),
		corpus:  make(map[string]map[int]string),
	}
}

// Upsert patches the corpus with the chunks' lines. Overlapping chunks
// rewrite the shared lines with identical content, so order is irrelevant.
func (r *RegexSource) Upsert(_ context.Context, chunks []chunker.Chunk) error {
	for _, c := range chunks {
		r.records[c.ID] = corpusRecord{path: c.Path, startLine: c.StartLine, lines: c.Lines}
		r.writeLines(c.Path, c.StartLine, c.Lines)
	}
	return nil
}

func (r *RegexSource) writeLines(path string, startLine int, lines []string) {
	fileLines, ok := r.corpus[path]
	if !ok {
		fileLines = make(map[int]string)
		r.corpus[path] = fileLines
	}
	for i, text := range lines {
		fileLines[startLine+i] = text
	}
}

// Delete removes chunks by id and rebuilds the affected paths' lines from
// the remaining records.
func (r *RegexSource) Delete(_ context.Context, ids []string) error {
	dirty := make(map[string]bool)
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			dirty[rec.path] = true
			delete(r.records, id)
		}
	}
	for path := range dirty {
		r.rebuildPath(path)
	}
	return nil
}

// RemovePath drops a path and all its chunk records from the corpus.
func (r *RegexSource) RemovePath(path string) {
	for id, rec := range r.records {
		if rec.path == path {
			delete(r.records, id)
		}
	}
	delete(r.corpus, path)
}

func (r *RegexSource) rebuildPath(path string) {
	delete(r.corpus, path)
	for _, rec := range r.records {
		if rec.path == path {
			r.writeLines(rec.path, rec.startLine, rec.lines)
		}
	}
}

// Query classifies the text as a word or regex query, compiles it, and runs
// the external matcher over the flattened corpus. Every matched corpus line
// becomes a hit with score 1.0.
func (r *RegexSource) Query(ctx context.Context, text string, limit int) ([]Hit, error) {
	pattern := text
	if wordQueryPattern.MatchString(strings.TrimSpace(text)) {
		pattern = wordsToRegex(text)
	}

	if _, err := regexp.Compile(pattern); err != nil {
		return nil, errors.InvalidRegex(text, err)
	}

	matched, err := r.matcher.Match(ctx, pattern, strings.NewReader(r.Flatten()))
	if err != nil {
		return nil, errors.BackendUnavailable("regex", err)
	}

	hits := make([]Hit, 0, len(matched))
	for _, line := range matched {
		path, lineNo, ok := r.parseMatch(line)
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			Path:   path,
			Line:   lineNo,
			Score:  1.0,
			Source: TagRegex,
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// wordsToRegex turns a word query into a tokenized regex with word
// boundaries, so "read file" matches lines mentioning both words in order.
func wordsToRegex(text string) string {
	words := strings.Fields(text)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `\b` + regexp.QuoteMeta(w) + `\b`
	}
	return strings.Join(quoted, `.*`)
}

// Flatten renders the corpus as <path>:<line>:<content> lines, paths and
// line numbers in ascending order.
func (r *RegexSource) Flatten() string {
	paths := make([]string, 0, len(r.corpus))
	for p := range r.corpus {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		fileLines := r.corpus[path]
		numbers := make([]int, 0, len(fileLines))
		for n := range fileLines {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		for _, n := range numbers {
			fmt.Fprintf(&b, "%s:%d:%s\n", path, n, fileLines[n])
		}
	}
	return b.String()
}

// parseMatch splits a matched corpus line back into (path, line number).
// Paths may contain colons, so each colon is tried as the separator until
// one yields a known path followed by a line number.
func (r *RegexSource) parseMatch(line string) (string, int, bool) {
	for idx := strings.IndexByte(line, ':'); idx >= 0; {
		path := line[:idx]
		rest := line[idx+1:]
		if _, known := r.corpus[path]; known {
			numStr, _, ok := strings.Cut(rest, ":")
			if ok {
				if n, err := strconv.Atoi(numStr); err == nil {
					return path, n, true
				}
			}
		}
		next := strings.IndexByte(rest, ':')
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return "", 0, false
}

// LineText returns the corpus text at (path, line).
func (r *RegexSource) LineText(path string, line int) (string, bool) {
	fileLines, ok := r.corpus[path]
	if !ok {
		return "", false
	}
	text, ok := fileLines[line]
	return text, ok
}

// LineBounds returns the smallest and largest line numbers stored for a
// path.
func (r *RegexSource) LineBounds(path string) (min, max int, ok bool) {
	fileLines, exists := r.corpus[path]
	if !exists || len(fileLines) == 0 {
		return 0, 0, false
	}
	first := true
	for n := range fileLines {
		if first {
			min, max = n, n
			first = false
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	return min, max, true
}
