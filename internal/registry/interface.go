package registry

import (
	"time"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Store is the persistence contract the rest of the engine depends on.
// GormStore is the production implementation; MemoryStore backs tests and
// any deployment that does not want a Postgres dependency for a handful
// of golden repos.
type Store interface {
	Register(alias, sourceURL, indexPath string, backends []model.Backend) (model.GoldenRepo, error)
	Get(alias string) (model.GoldenRepo, error)
	List() ([]model.GoldenRepo, error)
	UpdateIndexPath(alias, newIndexPath string, at time.Time) error
	SetNextRefreshAt(alias string, at *time.Time) error
	Reconcile(goldenReposDir string) (ReconcileResult, error)
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
