// Package backend defines the pluggable search-engine capability set spec
// §2 and §4.11 describe as an out-of-scope external collaborator: the
// actual vector/FTS/SCIP engines are explicitly not this repo's concern,
// only the `{Search, Reload, Health}` capability set that lets the
// coordination layer treat them uniformly (spec's "pluggable backends"
// redesign flag: express concrete engines as variants behind a capability
// set, not inheritance). It satisfies indexcache.Handle.
package backend

import (
	"context"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Backend is the capability set every concrete search engine (HNSW
// vector, full-text, SCIP) implements.
type Backend interface {
	// Search runs a query against the loaded index and returns raw hits.
	// Implementations must respect ctx's deadline -- the dispatcher relies
	// on this for its per-backend timeout (spec §4.9 step 4).
	Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error)

	// Reload re-reads the backing index in place. Called by IndexCache on
	// a cache hit when reloadOnAccess is set; backends whose handle is
	// immutable between refreshes may make this a no-op.
	Reload() error

	// Health reports whether the backend is ready to serve Search.
	Health() error

	// Close releases any resources (file handles, mmaps) held by the
	// backend. Called by indexcache on eviction.
	Close() error
}

// Kind identifies which Backend implementation a golden repo's
// enabledBackends entry should load.
type Kind = model.Backend
