package coordinator

import (
	"github.com/sourcewell/goldenindex/internal/registry"
)

// RegistryAliases adapts a registry.Store to access.Registry, so
// AccessResolver's admin path ("return every registered alias") can be
// built from the same Store the rest of the Coordinator uses, without
// access importing registry directly.
type RegistryAliases struct {
	Store registry.Store
}

// AllAliases returns every alias currently registered.
func (r RegistryAliases) AllAliases() ([]string, error) {
	repos, err := r.Store.List()
	if err != nil {
		return nil, err
	}
	aliases := make([]string, len(repos))
	for i, repo := range repos {
		aliases[i] = repo.Alias
	}
	return aliases, nil
}
