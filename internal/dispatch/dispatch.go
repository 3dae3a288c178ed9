// Package dispatch implements the bounded-concurrency fan-out/fan-in
// query engine spec §4.9 describes: given a query and a set of aliases,
// resolve each alias to its current index, search it under a per-backend
// deadline, and merge the results into one ranked, deduplicated response.
// It is grounded on the teacher's worker.Pool shape (a fixed-size pool of
// goroutines draining a task channel), generalized from a long-lived
// job queue into a per-request fan-out using golang.org/x/sync/semaphore
// instead of a hand-rolled channel-based pool, since every task here is
// already known up front (one per alias) rather than arriving over time.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Resolver resolves an alias to its current filesystem index path
// (internal/aliasstore.Store.Read).
type Resolver interface {
	Read(alias string) (string, error)
}

// Pinner protects an index path from deletion while it is being read
// (internal/reftracker.Tracker.Pin, wrapped through ReftrackerAdapter so
// this package does not import reftracker's concrete Handle type).
type Pinner interface {
	Pin(path string) Releaser
}

// Releaser matches internal/reftracker.Handle's Release method.
type Releaser interface {
	Release()
}

// Loader loads (or returns the cached) backend for an index path and
// runs a search against it with the given deadline baked into ctx.
type Loader interface {
	Search(ctx context.Context, indexPath, query string, limit int) ([]model.SearchHit, error)
}

// Config is the unified dispatcher configuration. Every caller surface
// (REST, MCP, or any future transport) must build this from the same
// `multi_search_max_workers` / `multi_search_timeout_seconds` settings
// keys -- spec §8 invariant 7 -- never a parallel set of keys.
type Config struct {
	MaxWorkers        int
	PerBackendTimeout time.Duration
}

// ConfigFromEnv is the single constructor every transport surface must
// call so maxWorkers/perBackendTimeout can never fork into two
// inconsistent copies.
func ConfigFromEnv(maxWorkers int, perBackendTimeoutSeconds int) Config {
	return Config{
		MaxWorkers:        maxWorkers,
		PerBackendTimeout: time.Duration(perBackendTimeoutSeconds) * time.Second,
	}
}

// Dispatcher fans a single query out across aliases with bounded
// concurrency and merges the results.
type Dispatcher struct {
	resolver Resolver
	pinner   Pinner
	loader   Loader
	cfg      Config
}

// New builds a Dispatcher. resolver/pinner/loader are the narrow
// interfaces the Coordinator's aliasstore.Store, reftracker.Tracker (via
// an adapter), and indexcache-backed backend loader satisfy.
func New(resolver Resolver, pinner Pinner, loader Loader, cfg Config) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Dispatcher{resolver: resolver, pinner: pinner, loader: loader, cfg: cfg}
}

// Response is the merged, ranked result of one Search call plus the
// per-backend diagnostics spec §4.9 requires.
type Response struct {
	Hits         []model.SearchHit
	PerBackendMs map[string]int64
	TimedOut     map[string]bool
	Errors       map[string]string
	MergeDedupMs int64
	TotalMs      int64
}

type taskResult struct {
	alias    string
	hits     []model.SearchHit
	elapsed  time.Duration
	timedOut bool
	err      error
}

// Search resolves every alias in aliases, pins it, loads its index, and
// runs query against it concurrently (bounded by cfg.MaxWorkers), then
// merges/deduplicates/sorts/truncates the combined hits to limit.
func (d *Dispatcher) Search(ctx context.Context, query string, aliases []string, limit int) Response {
	start := time.Now()

	sem := semaphore.NewWeighted(int64(d.cfg.MaxWorkers))
	results := make([]taskResult, len(aliases))

	var wg sync.WaitGroup
	for i, alias := range aliases {
		i, alias := i, alias
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = taskResult{alias: alias, err: err}
				return
			}
			defer sem.Release(1)
			results[i] = d.searchOne(ctx, alias, query, limit)
		}()
	}
	wg.Wait()

	mergeStart := time.Now()
	resp := Response{
		PerBackendMs: make(map[string]int64, len(aliases)),
		TimedOut:     make(map[string]bool, len(aliases)),
		Errors:       make(map[string]string),
	}

	type key struct {
		path       string
		start, end int
	}
	seen := make(map[key]int) // key -> index into merged, for dedupe keeping the higher score
	var merged []model.SearchHit

	for _, r := range results {
		resp.PerBackendMs[r.alias] = r.elapsed.Milliseconds()
		resp.TimedOut[r.alias] = r.timedOut
		if r.err != nil {
			resp.Errors[r.alias] = r.err.Error()
			continue
		}
		for _, h := range r.hits {
			k := key{path: h.FilePath, start: h.StartLine, end: h.EndLine}
			if idx, ok := seen[k]; ok {
				if h.Score > merged[idx].Score {
					merged[idx] = h
				}
				continue
			}
			seen[k] = len(merged)
			merged = append(merged, h)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Alias != merged[j].Alias {
			return merged[i].Alias < merged[j].Alias
		}
		if merged[i].FilePath != merged[j].FilePath {
			return merged[i].FilePath < merged[j].FilePath
		}
		return merged[i].StartLine < merged[j].StartLine
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	resp.Hits = merged
	resp.MergeDedupMs = time.Since(mergeStart).Milliseconds()
	resp.TotalMs = time.Since(start).Milliseconds()
	return resp
}

func (d *Dispatcher) searchOne(ctx context.Context, alias, query string, limit int) taskResult {
	taskStart := time.Now()

	indexPath, err := d.resolver.Read(alias)
	if err != nil {
		return taskResult{alias: alias, err: err, elapsed: time.Since(taskStart)}
	}

	handle := d.pinner.Pin(indexPath)
	defer handle.Release()

	deadlineCtx, cancel := context.WithTimeout(ctx, d.cfg.PerBackendTimeout)
	defer cancel()

	hits, err := d.loader.Search(deadlineCtx, indexPath, query, limit)
	elapsed := time.Since(taskStart)
	if err != nil {
		timedOut := deadlineCtx.Err() == context.DeadlineExceeded
		return taskResult{alias: alias, err: err, elapsed: elapsed, timedOut: timedOut}
	}
	return taskResult{alias: alias, hits: hits, elapsed: elapsed}
}
