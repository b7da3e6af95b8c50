// Package facade is the transport-independent request surface. It
// translates client requests into queued tasks so the single worker
// serializes every engine call, and shapes engine output into the wire
// types the transport layer serves.
package facade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hellblazer/seagoat/internal/config"
	"github.com/Hellblazer/seagoat/internal/engine"
	"github.com/Hellblazer/seagoat/internal/merge"
	"github.com/Hellblazer/seagoat/internal/queue"
)

// QueryOptions carry a query's optional filters.
type QueryOptions struct {
	// LimitLines bounds the total result lines (default 500).
	LimitLines int

	// ContextAbove and ContextBelow are the context radii.
	ContextAbove int
	ContextBelow int

	// IncludeGlobs restricts results to matching paths when non-empty.
	IncludeGlobs []string

	// ExcludeGlobs drops results from matching paths.
	ExcludeGlobs []string

	// MaxResults caps the number of result blocks (0 = unlimited).
	MaxResults int

	// Deadline drops the query if it has not begun executing by then.
	Deadline time.Time
}

// DefaultQueryOptions returns the documented defaults.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		LimitLines:   merge.DefaultLineLimit,
		ContextAbove: merge.DefaultContextLines,
		ContextBelow: merge.DefaultContextLines,
	}
}

// Line is one output line.
type Line struct {
	Line        int      `json:"line"`
	LineText    string   `json:"lineText"`
	Score       float64  `json:"score"`
	ResultTypes []string `json:"resultTypes"`
}

// Block is one contiguous run of lines.
type Block struct {
	Lines []Line `json:"lines"`
}

// FileResult groups a file's blocks.
type FileResult struct {
	Path   string  `json:"path"`
	Blocks []Block `json:"blocks"`
}

// QueryResponse is the wire shape of a query result.
type QueryResponse struct {
	Results     []FileResult `json:"results"`
	Partial     bool         `json:"partial,omitempty"`
	VectorError string       `json:"vector_error,omitempty"`
	RegexError  string       `json:"regex_error,omitempty"`
}

// StatusResponse is the wire shape of the stats surface.
type StatusResponse struct {
	QueueDepth         int   `json:"queue_depth"`
	ChunksAnalyzed     int   `json:"chunks_analyzed"`
	TotalFiles         int   `json:"total_files"`
	LastAnalyzedAtUnix int64 `json:"last_analyzed_at_unix"`
	Stale              bool  `json:"stale"`
}

// Facade fronts one engine instance with the task queue.
type Facade struct {
	repoPath   string
	engineOpts []engine.Option
	loadConfig func() (*config.Config, error)

	mu     sync.RWMutex
	eng    *engine.Engine
	queue  *queue.Queue
	closed bool
}

// New constructs the facade: one engine and one task queue per repository.
func New(cfg *config.Config, repoPath string, opts ...engine.Option) (*Facade, error) {
	eng, err := engine.New(cfg, repoPath, opts...)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		repoPath:   repoPath,
		engineOpts: opts,
		loadConfig: func() (*config.Config, error) { return config.Load(repoPath) },
		eng:        eng,
	}
	f.queue = queue.New(queue.Config{
		Capacity:     cfg.Server.QueueSize,
		IdleInterval: cfg.IdleIntervalDuration(),
		Maintenance:  f.maintenance,
	})
	return f, nil
}

// engine returns the current engine instance.
func (f *Facade) engine() *engine.Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.eng
}

// maintenance prepares an incremental analyze pass for the queue's idle
// maintenance cycle. The pass is a no-op when the repo state hash is
// unchanged.
func (f *Facade) maintenance(ctx context.Context) (queue.StepFunc, error) {
	analysis, err := f.engine().BeginAnalysis(ctx)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, nil
	}
	slog.Debug("maintenance pass started", slog.Int("files", analysis.Remaining()))

	var step queue.StepFunc
	step = func(ctx context.Context) (queue.StepFunc, error) {
		if analysis.Done() {
			return nil, analysis.Finish(ctx)
		}
		if err := analysis.Step(ctx); err != nil {
			return nil, err
		}
		return step, nil
	}
	return step, nil
}

// SubmitQuery enqueues a query at query priority and returns its handle.
// The handle resolves with a *QueryResponse.
func (f *Facade) SubmitQuery(text string, opts QueryOptions) (*queue.Handle, error) {
	if opts.LimitLines <= 0 {
		opts.LimitLines = merge.DefaultLineLimit
	}

	return f.queue.Submit(queue.PriorityQuery, func(ctx context.Context) (any, error) {
		result, meta, err := f.engine().Query(ctx, engine.QueryRequest{
			Text:         text,
			LimitLines:   opts.LimitLines,
			ContextAbove: opts.ContextAbove,
			ContextBelow: opts.ContextBelow,
			IncludeGlobs: opts.IncludeGlobs,
			ExcludeGlobs: opts.ExcludeGlobs,
		})
		if err != nil {
			return nil, err
		}
		return shapeResponse(result, meta, opts.MaxResults), nil
	}, queue.SubmitOptions{Deadline: opts.Deadline})
}

// GetStatus enqueues a stats request. The handle resolves with a
// *StatusResponse.
func (f *Facade) GetStatus() (*queue.Handle, error) {
	depth := f.queue.Depth()
	return f.queue.Submit(queue.PriorityStats, func(context.Context) (any, error) {
		stats := f.engine().Stats()
		return &StatusResponse{
			QueueDepth:         depth,
			ChunksAnalyzed:     stats.ChunksAnalyzed,
			TotalFiles:         stats.TotalFiles,
			LastAnalyzedAtUnix: unixOrZero(stats.LastAnalyzedAt),
			Stale:              stats.Stale,
		}, nil
	}, queue.SubmitOptions{})
}

// Analyze enqueues a full analyze pass at analysis priority. Used by the
// CLI's one-shot indexing command; the periodic maintenance cycle covers
// the steady state.
func (f *Facade) Analyze() (*queue.Handle, error) {
	return f.queue.Submit(queue.PriorityAnalyzeChunk, func(ctx context.Context) (any, error) {
		return nil, f.engine().Analyze(ctx)
	}, queue.SubmitOptions{})
}

// ReloadConfig reconstructs the engine with freshly loaded configuration.
// The reload runs at maintenance priority, so queries already queued drain
// first; nothing in flight is cancelled.
func (f *Facade) ReloadConfig() (*queue.Handle, error) {
	return f.queue.Submit(queue.PriorityMaintenance, func(context.Context) (any, error) {
		cfg, err := f.loadConfig()
		if err != nil {
			return nil, err
		}

		old := f.engine()
		if err := old.Close(); err != nil {
			slog.Warn("failed to close engine during reload", slog.String("error", err.Error()))
		}

		fresh, err := engine.New(cfg, f.repoPath, f.engineOpts...)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.eng = fresh
		f.mu.Unlock()

		slog.Info("configuration reloaded", slog.String("repo", f.repoPath))
		return nil, nil
	}, queue.SubmitOptions{})
}

// shapeResponse converts a merged result into the wire shape, capping the
// number of blocks when maxResults is set.
func shapeResponse(result *merge.Result, meta engine.QueryMeta, maxResults int) *QueryResponse {
	if maxResults > 0 && len(result.Blocks) > maxResults {
		result = &merge.Result{Blocks: result.Blocks[:maxResults]}
	}

	resp := &QueryResponse{
		Partial:     meta.Partial,
		VectorError: meta.VectorError,
		RegexError:  meta.RegexError,
	}
	for _, group := range result.GroupByPath() {
		file := FileResult{Path: group.Path}
		for _, b := range group.Blocks {
			block := Block{Lines: make([]Line, 0, len(b.Lines))}
			for _, l := range b.Lines {
				types := make([]string, len(l.Types))
				for i, ty := range l.Types {
					types[i] = string(ty)
				}
				block.Lines = append(block.Lines, Line{
					Line:        l.Line,
					LineText:    l.Text,
					Score:       l.Score,
					ResultTypes: types,
				})
			}
			file.Blocks = append(file.Blocks, block)
		}
		resp.Results = append(resp.Results, file)
	}
	return resp
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// SetConfigLoader overrides how ReloadConfig resolves fresh configuration.
// The CLI uses this to keep flag overrides across reloads; tests use it to
// pin the cache root.
func (f *Facade) SetConfigLoader(fn func() (*config.Config, error)) {
	f.loadConfig = fn
}

// QueueDepth exposes the submission queue depth.
func (f *Facade) QueueDepth() int {
	return f.queue.Depth()
}

// Close shuts down the queue, then persists and releases the engine.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.queue.Close()
	return f.engine().Close()
}
