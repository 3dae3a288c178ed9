package dispatch

import (
	"context"

	"github.com/sourcewell/goldenindex/internal/backend"
	"github.com/sourcewell/goldenindex/internal/indexcache"
	"github.com/sourcewell/goldenindex/internal/model"
	"github.com/sourcewell/goldenindex/internal/reftracker"
)

// ReftrackerAdapter satisfies Pinner using a real reftracker.Tracker.
type ReftrackerAdapter struct {
	Tracker *reftracker.Tracker
}

// Pin delegates to the underlying tracker; the returned *reftracker.Handle
// satisfies Releaser implicitly.
func (a ReftrackerAdapter) Pin(path string) Releaser {
	return a.Tracker.Pin(path)
}

// BackendOpener builds a fresh backend.Backend for an index path on an
// indexcache miss (e.g. backend.NewFTSReference, or a vector-index
// equivalent).
type BackendOpener func(indexPath string) (backend.Backend, error)

// CacheLoader satisfies Loader by routing every search through an
// indexcache.Cache, opening a fresh backend.Backend only on a cache miss.
type CacheLoader struct {
	Cache  *indexcache.Cache
	Opener BackendOpener
}

type backendHandle struct {
	backend.Backend
}

func (h backendHandle) Reload() error { return h.Backend.Reload() }
func (h backendHandle) Close() error  { return h.Backend.Close() }

// Search loads (or reuses) the cached backend for indexPath and runs
// query against it, respecting ctx's deadline.
func (l CacheLoader) Search(ctx context.Context, indexPath, query string, limit int) ([]model.SearchHit, error) {
	handle, err := l.Cache.GetOrLoad(indexPath, func() (indexcache.Handle, error) {
		b, err := l.Opener(indexPath)
		if err != nil {
			return nil, err
		}
		return backendHandle{b}, nil
	})
	if err != nil {
		return nil, err
	}
	bh, ok := handle.(backendHandle)
	if !ok {
		return nil, model.ErrBackendUnavailable
	}
	return bh.Search(ctx, query, limit)
}
