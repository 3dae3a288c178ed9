package registry

import (
	"os"
	"sync"
	"time"

	"github.com/sourcewell/goldenindex/internal/model"
)

// MemoryStore is an in-process Store implementation. It exists for unit
// tests that need to exercise the upsert/reconcile semantics without a
// Postgres instance, and doubles as a usable backend for small,
// single-process deployments that do not want the Postgres dependency.
type MemoryStore struct {
	mu    sync.Mutex
	repos map[string]model.GoldenRepo
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{repos: make(map[string]model.GoldenRepo)}
}

// Register implements the same upsert contract as GormStore.Register:
// createdAt and nextRefreshAt survive a second call for the same alias.
func (m *MemoryStore) Register(alias, sourceURL, indexPath string, backends []model.Backend) (model.GoldenRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, found := m.repos[alias]
	repo := model.GoldenRepo{
		Alias:           alias,
		SourceURL:       sourceURL,
		IndexPath:       indexPath,
		EnabledBackends: backends,
		LastRefreshAt:   &now,
	}
	if found {
		repo.CreatedAt = existing.CreatedAt
		repo.NextRefreshAt = existing.NextRefreshAt
	} else {
		repo.CreatedAt = now
		repo.NextRefreshAt = nil
	}
	m.repos[alias] = repo
	return repo, nil
}

// Get fetches one golden repo by alias.
func (m *MemoryStore) Get(alias string) (model.GoldenRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[alias]
	if !ok {
		return model.GoldenRepo{}, model.ErrAliasUnknown
	}
	return repo, nil
}

// List returns every golden repo, sorted is not guaranteed (callers that
// need stable order should sort the result themselves).
func (m *MemoryStore) List() ([]model.GoldenRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.GoldenRepo, 0, len(m.repos))
	for _, r := range m.repos {
		out = append(out, r)
	}
	return out, nil
}

// UpdateIndexPath records a new index location for alias.
func (m *MemoryStore) UpdateIndexPath(alias, newIndexPath string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[alias]
	if !ok {
		return model.ErrAliasUnknown
	}
	repo.IndexPath = newIndexPath
	repo.LastRefreshAt = &at
	m.repos[alias] = repo
	return nil
}

// SetNextRefreshAt persists the scheduler's next-tick time for alias.
func (m *MemoryStore) SetNextRefreshAt(alias string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[alias]
	if !ok {
		return model.ErrAliasUnknown
	}
	repo.NextRefreshAt = at
	m.repos[alias] = repo
	return nil
}

// Reconcile mirrors GormStore.Reconcile against the in-memory map.
func (m *MemoryStore) Reconcile(goldenReposDir string) (ReconcileResult, error) {
	var result ReconcileResult

	repos, _ := m.List()
	registered := make(map[string]bool, len(repos))
	for _, repo := range repos {
		registered[repo.Alias] = true
		if _, err := os.Stat(repo.IndexPath); err != nil {
			result.Missing = append(result.Missing, repo.Alias)
			continue
		}
		result.Verified++
	}

	entries, err := os.ReadDir(goldenReposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, err
	}
	for _, e := range entries {
		if !e.IsDir() || registered[e.Name()] {
			continue
		}
		result.Adopted = append(result.Adopted, e.Name())
	}
	return result, nil
}
