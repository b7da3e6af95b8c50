// Package engine orchestrates the repository scanner, chunker, index
// sources, and cache behind the analyze / query / stats operations.
//
// All engine methods are designed to run on exactly one worker goroutine
// (the task queue's); only the submission side is concurrent.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Hellblazer/seagoat/internal/cache"
	"github.com/Hellblazer/seagoat/internal/chunker"
	"github.com/Hellblazer/seagoat/internal/config"
	"github.com/Hellblazer/seagoat/internal/embed"
	"github.com/Hellblazer/seagoat/internal/errors"
	"github.com/Hellblazer/seagoat/internal/merge"
	"github.com/Hellblazer/seagoat/internal/repo"
	"github.com/Hellblazer/seagoat/internal/source"
)

// DefaultSourceLimit is the per-source hit limit on queries.
const DefaultSourceLimit = 500

// Engine is the process-wide query engine and index maintainer for one
// repository.
type Engine struct {
	cfg      *config.Config
	repoPath string

	scanner *repo.Scanner
	cache   *cache.Cache
	state   *cache.State
	chunks  *chunker.Chunker
	vector  *source.VectorSource
	regex   *source.RegexSource

	retry errors.RetryConfig
	clock func() time.Time

	// ownsEmbedder is true when the engine built its embedder itself; an
	// embedder injected with WithEmbedder is left open on Close.
	ownsEmbedder bool

	// corpusReady is false until one analyze pass has rebuilt the
	// in-memory regex corpus, which does not survive restarts.
	corpusReady bool

	totalFiles int
	stale      bool
}

// Option customizes engine construction, mainly for tests.
type Option func(*options)

type options struct {
	runner   repo.Runner
	matcher  source.Matcher
	embedder embed.Embedder
	clock    func() time.Time
}

// WithRunner injects the external program runner used for git.
func WithRunner(r repo.Runner) Option { return func(o *options) { o.runner = r } }

// WithMatcher injects the external regex matcher.
func WithMatcher(m source.Matcher) Option { return func(o *options) { o.matcher = m } }

// WithEmbedder injects the embedding function, bypassing the factory. The
// caller keeps ownership: Engine.Close does not close an injected embedder.
func WithEmbedder(e embed.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithClock injects the time source.
func WithClock(c func() time.Time) Option { return func(o *options) { o.clock = c } }

// New constructs an engine for the repository at repoPath: opens and loads
// the cache (discarding a corrupt payload), builds the configured embedding
// function, and restores the persisted vector source.
func New(cfg *config.Config, repoPath string, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c, err := cache.Open(cfg.CacheRoot(), repoPath)
	if err != nil {
		return nil, err
	}

	state, err := c.Load()
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeCacheCorrupt) {
			slog.Warn("cache payload corrupt, rebuilding from scratch",
				slog.String("repo", repoPath), slog.String("error", err.Error()))
			if derr := c.Discard(); derr != nil {
				_ = c.Close()
				return nil, derr
			}
			state = cache.NewState()
		} else {
			_ = c.Close()
			return nil, err
		}
	}

	embedder := o.embedder
	ownsEmbedder := embedder == nil
	if embedder == nil {
		embedder, err = embed.New(cfg.Server.Chroma.EmbeddingFunction)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	vector := source.NewVectorSource(embedder, c.VectorDir(), cfg.Server.Chroma.BatchSize)
	if err := vector.Load(); err != nil {
		slog.Warn("vector store could not be restored, starting empty",
			slog.String("error", err.Error()))
	}

	return &Engine{
		cfg:      cfg,
		repoPath: repoPath,
		scanner:  repo.NewScanner(repoPath, o.runner, cfg.Server.ReadMaxCommits),
		cache:    c,
		state:    state,
		chunks:   chunker.New(chunker.DefaultChunkLines, chunker.DefaultOverlap),
		vector:   vector,
		regex:    source.NewRegexSource(o.matcher),
		retry:    errors.DefaultRetryConfig(),
		clock:    o.clock,

		ownsEmbedder: ownsEmbedder,
	}, nil
}

// fileWork is one file pending analysis.
type fileWork struct {
	path   string
	blobID string
}

// Analysis is an in-progress analyze pass, advanced one bounded step at a
// time so the task queue can interleave queries between steps.
type Analysis struct {
	eng      *Engine
	snapshot *repo.Snapshot
	frecency map[string]float64

	files   []fileWork
	pending []chunker.Chunk // chunks of the current file not yet upserted
	fileIdx int
}

// BeginAnalysis computes the current repo state and prepares an analyze
// pass. It returns nil when the repo is unchanged from the cached state
// hash and the in-memory corpus is already built.
func (e *Engine) BeginAnalysis(ctx context.Context) (*Analysis, error) {
	snapshot, err := e.scanner.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e.vector.SetCurrentBlobs(snapshot.ByPath)
	e.stale = snapshot.StateHash != e.state.RepoStateHash

	if !e.stale && e.corpusReady {
		return nil, nil
	}

	times, err := e.scanner.CommitTimes(ctx)
	if err != nil {
		return nil, err
	}
	frecency := repo.Frecency(times, e.clock())

	tracked := make(map[string]bool, len(snapshot.Files))
	var files []fileWork
	for _, f := range snapshot.Files {
		if !e.cfg.AllowedExtension(f.Path) {
			continue
		}
		if repo.Ignored(f.Path, e.cfg.Server.IgnorePatterns) {
			continue
		}
		tracked[f.Path] = true

		stored, known := e.vector.BlobForPath(f.Path)
		if known && stored == f.BlobID && e.corpusReady {
			continue // unchanged and already in the corpus
		}
		files = append(files, fileWork{path: f.Path, blobID: f.BlobID})
	}
	e.totalFiles = len(tracked)

	// Purge files that disappeared from head.
	for _, path := range e.vector.Paths() {
		if tracked[path] {
			continue
		}
		ids := e.vector.IDsForPath(path)
		_ = e.vector.Delete(ctx, ids)
		e.regex.RemovePath(path)
		for _, id := range ids {
			delete(e.state.AnalyzedChunks, id)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	return &Analysis{
		eng:      e,
		snapshot: snapshot,
		frecency: frecency,
		files:    files,
	}, nil
}

// Done reports whether every file has been processed.
func (a *Analysis) Done() bool {
	return a.fileIdx >= len(a.files) && len(a.pending) == 0
}

// Remaining returns how many files have not been fully processed.
func (a *Analysis) Remaining() int {
	n := len(a.files) - a.fileIdx
	if len(a.pending) > 0 {
		n++
	}
	return n
}

// Step performs one bounded unit of work: either chunking the next file or
// upserting one batch of its chunks. Per-file errors are contained — one
// bad file never aborts the pass. Backend failures surface after retries.
func (a *Analysis) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled("analysis cancelled")
	}
	e := a.eng

	// Upsert one batch of the current file's chunks.
	if len(a.pending) > 0 {
		batch := a.pending
		if len(batch) > e.cfg.Server.Chroma.BatchSize {
			batch = batch[:e.cfg.Server.Chroma.BatchSize]
		}
		a.pending = a.pending[len(batch):]

		// The vector source reuses embeddings for chunk ids it already
		// holds, so a corpus rebuild after restart is embedding-free.
		if err := e.retryBackend(ctx, func() error {
			return e.vector.Upsert(ctx, batch)
		}); err != nil {
			return err
		}
		if err := e.regex.Upsert(ctx, batch); err != nil {
			return err
		}
		for _, c := range batch {
			e.state.AnalyzedChunks[c.ID] = struct{}{}
		}
		return nil
	}

	// Move on to the next file.
	if a.fileIdx >= len(a.files) {
		return nil
	}
	work := a.files[a.fileIdx]
	a.fileIdx++

	data, err := e.scanner.ReadBlob(ctx, work.blobID)
	if err != nil {
		slog.Warn("skipping unreadable file",
			slog.String("path", work.path), slog.String("error", err.Error()))
		return nil
	}

	chunks, err := e.chunks.Split(work.path, work.blobID, data)
	if err != nil {
		slog.Warn("skipping file",
			slog.String("path", work.path), slog.String("error", err.Error()))
		return nil
	}

	// Drop the file's superseded chunks; ids reappearing in the new
	// chunking are kept so their embeddings are reused.
	newIDs := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		newIDs[c.ID] = true
	}
	var stale []string
	for _, id := range e.vector.IDsForPath(work.path) {
		if !newIDs[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_ = e.vector.Delete(ctx, stale)
		for _, id := range stale {
			delete(e.state.AnalyzedChunks, id)
		}
	}
	e.regex.RemovePath(work.path)

	a.pending = chunks
	return nil
}

// Finish persists the cache and vector store after a completed pass.
func (a *Analysis) Finish(ctx context.Context) error {
	e := a.eng

	e.state.Frecency = a.frecency
	e.state.RepoStateHash = a.snapshot.StateHash
	e.state.LastAnalyzedAt = e.clock()

	if err := e.vector.Save(); err != nil {
		return err
	}
	if err := e.cache.Save(e.state); err != nil {
		return err
	}

	e.corpusReady = true
	e.stale = false
	return nil
}

// Analyze runs a full analyze pass to completion. The task queue prefers
// the incremental Begin/Step/Finish surface; Analyze is the synchronous
// form used by tests and one-shot commands.
func (e *Engine) Analyze(ctx context.Context) error {
	analysis, err := e.BeginAnalysis(ctx)
	if err != nil {
		return err
	}
	if analysis == nil {
		return nil
	}
	for !analysis.Done() {
		if err := analysis.Step(ctx); err != nil {
			return err
		}
	}
	return analysis.Finish(ctx)
}

// QueryRequest describes one query.
type QueryRequest struct {
	// Text is the query string (non-empty).
	Text string

	// LimitLines bounds the total result lines (default 500).
	LimitLines int

	// ContextAbove and ContextBelow are the context radii (default 3;
	// negative means default, zero disables context).
	ContextAbove int
	ContextBelow int

	// IncludeGlobs restricts hits to matching paths when non-empty.
	IncludeGlobs []string

	// ExcludeGlobs drops hits from matching paths.
	ExcludeGlobs []string
}

// QueryMeta reports degradation alongside a result.
type QueryMeta struct {
	// Partial is true when one source failed and the other's results
	// were returned anyway.
	Partial bool

	// VectorError and RegexError carry the failed side's error code.
	VectorError string
	RegexError  string
}

// Query issues concurrent calls to both sources, filters hits, and merges
// them into ranked blocks. If one source fails the other's results are
// returned with Partial set; if both fail the error surfaces.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*merge.Result, QueryMeta, error) {
	var meta QueryMeta

	if strings.TrimSpace(req.Text) == "" {
		return nil, meta, errors.EmptyQuery()
	}

	limit := DefaultSourceLimit

	var vecHits, regexHits []source.Hit
	var vecErr, regexErr error

	// Both sources are queried concurrently; the engine itself mutates
	// nothing here, so the single-worker model holds. Each side records
	// its own error so one failure degrades instead of aborting.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, vecErr = e.queryWithRetry(gctx, e.vector, req.Text, limit)
		return nil
	})
	g.Go(func() error {
		regexHits, regexErr = e.queryWithRetry(gctx, e.regex, req.Text, limit)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil && regexErr != nil {
		return nil, meta, vecErr
	}
	if vecErr != nil {
		meta.Partial = true
		meta.VectorError = errors.GetCode(vecErr)
		slog.Warn("vector side failed, returning regex results only",
			slog.String("error", vecErr.Error()))
	}
	if regexErr != nil {
		meta.Partial = true
		meta.RegexError = errors.GetCode(regexErr)
		slog.Warn("regex side failed, returning vector results only",
			slog.String("error", regexErr.Error()))
	}

	vecHits = filterHits(vecHits, req.IncludeGlobs, req.ExcludeGlobs)
	regexHits = filterHits(regexHits, req.IncludeGlobs, req.ExcludeGlobs)

	result, err := merge.Merge(req.Text, vecHits, regexHits, e.state.Frecency, e.regex.LineText, merge.Options{
		ContextAbove: req.ContextAbove,
		ContextBelow: req.ContextBelow,
		LineLimit:    req.LimitLines,
	})
	if err != nil {
		return nil, meta, err
	}
	return result, meta, nil
}

// queryWithRetry calls a source, retrying backend failures with
// exponential backoff. Deterministic failures (e.g. InvalidRegex) are not
// retried.
func (e *Engine) queryWithRetry(ctx context.Context, s source.Source, text string, limit int) ([]source.Hit, error) {
	var hits []source.Hit
	attempt := func() error {
		var err error
		hits, err = s.Query(ctx, text, limit)
		return err
	}

	err := attempt()
	for i := 0; i < e.retry.MaxRetries && errors.IsRetryable(err); i++ {
		select {
		case <-ctx.Done():
			return nil, errors.Cancelled("query cancelled")
		case <-time.After(e.retry.InitialDelay << i):
		}
		err = attempt()
	}
	return hits, err
}

// retryBackend retries fn while it fails with a retryable backend error.
func (e *Engine) retryBackend(ctx context.Context, fn func() error) error {
	err := fn()
	for i := 0; i < e.retry.MaxRetries && errors.IsRetryable(err); i++ {
		select {
		case <-ctx.Done():
			return errors.Cancelled("operation cancelled")
		case <-time.After(e.retry.InitialDelay << i):
		}
		err = fn()
	}
	return err
}

// filterHits applies path glob inclusion and exclusion.
func filterHits(hits []source.Hit, include, exclude []string) []source.Hit {
	if len(include) == 0 && len(exclude) == 0 {
		return hits
	}
	var out []source.Hit
	for _, h := range hits {
		if len(include) > 0 && !repo.Ignored(h.Path, include) {
			continue
		}
		if repo.Ignored(h.Path, exclude) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Stats is the engine's statistics surface.
type Stats struct {
	ChunksAnalyzed int
	TotalFiles     int
	LastAnalyzedAt time.Time
	Stale          bool
}

// Stats returns (chunks_analyzed, total_files, last_analyzed_at) plus the
// staleness flag from the most recent state-hash comparison.
func (e *Engine) Stats() Stats {
	return Stats{
		ChunksAnalyzed: len(e.state.AnalyzedChunks),
		TotalFiles:     e.totalFiles,
		LastAnalyzedAt: e.state.LastAnalyzedAt,
		Stale:          e.stale,
	}
}

// Close persists state and releases the cache lock and, when the engine
// built it, the embedder.
func (e *Engine) Close() error {
	if e.corpusReady {
		if err := e.vector.Save(); err != nil {
			slog.Warn("failed to persist vector store on close", slog.String("error", err.Error()))
		}
		if err := e.cache.Save(e.state); err != nil {
			slog.Warn("failed to persist cache on close", slog.String("error", err.Error()))
		}
	}
	if e.ownsEmbedder {
		_ = e.vector.Close()
	}
	return e.cache.Close()
}
