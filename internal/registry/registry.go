// Package registry is the authoritative store for GoldenRepo metadata. It
// is grounded on the teacher's db.PGMigrations/PGInfo GORM+Postgres
// plumbing, generalized from a single RabbitLog table into the
// golden_repos_metadata table the scheduler and coordinator share.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sourcewell/goldenindex/internal/model"
)

// GormStore is the Postgres-backed source of truth for GoldenRepo records.
type GormStore struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open wraps an already-connected *gorm.DB and runs the additive schema
// migration. Migrations are idempotent: AutoMigrate only ever adds
// columns/tables, matching spec §6's "additive-column migrations
// detected via introspection" requirement.
func Open(db *gorm.DB, log *logrus.Entry) (*GormStore, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := db.AutoMigrate(&model.GoldenRepo{}); err != nil {
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return &GormStore{db: db, log: log.WithField("component", "registry")}, nil
}

// Register performs the upsert described in spec §4.2: an
// INSERT ... ON CONFLICT(alias) DO UPDATE that only ever touches the
// mutable fields (source URL, index path, last-refresh timestamp, enabled
// backends). createdAt and nextRefreshAt are never reset by a
// re-registration — overwriting them would make the scheduler re-spread
// an already-scheduled repo back to an immediate tick.
func (r *GormStore) Register(alias, sourceURL, indexPath string, backends []model.Backend) (model.GoldenRepo, error) {
	now := time.Now().UTC()
	repo := model.GoldenRepo{
		Alias:           alias,
		SourceURL:       sourceURL,
		IndexPath:       indexPath,
		EnabledBackends: backends,
		BackendsCSV:     backendsCSV(backends),
		CreatedAt:       now,
		LastRefreshAt:   &now,
		NextRefreshAt:   nil,
	}

	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "alias"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_url", "index_path", "enabled_backends", "last_refresh_at",
		}),
	}).Create(&repo).Error
	if err != nil {
		return model.GoldenRepo{}, fmt.Errorf("registry: register %s: %w", alias, err)
	}

	var stored model.GoldenRepo
	if err := r.db.First(&stored, "alias = ?", alias).Error; err != nil {
		return model.GoldenRepo{}, fmt.Errorf("registry: reload %s: %w", alias, err)
	}
	stored.EnabledBackends = splitBackends(stored.BackendsCSV)
	return stored, nil
}

// Get fetches one golden repo by alias.
func (r *GormStore) Get(alias string) (model.GoldenRepo, error) {
	var repo model.GoldenRepo
	err := r.db.First(&repo, "alias = ?", alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.GoldenRepo{}, model.ErrAliasUnknown
	}
	if err != nil {
		return model.GoldenRepo{}, fmt.Errorf("registry: get %s: %w", alias, err)
	}
	repo.EnabledBackends = splitBackends(repo.BackendsCSV)
	return repo, nil
}

// List returns every golden repo in the registry.
func (r *GormStore) List() ([]model.GoldenRepo, error) {
	var repos []model.GoldenRepo
	if err := r.db.Order("alias").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	for i := range repos {
		repos[i].EnabledBackends = splitBackends(repos[i].BackendsCSV)
	}
	return repos, nil
}

// UpdateIndexPath records a successful refresh's new index location and
// last-refresh timestamp. It never touches nextRefreshAt -- the scheduler
// owns that field via SetNextRefreshAt.
func (r *GormStore) UpdateIndexPath(alias, newIndexPath string, at time.Time) error {
	res := r.db.Model(&model.GoldenRepo{}).Where("alias = ?", alias).Updates(map[string]any{
		"index_path":      newIndexPath,
		"last_refresh_at": at,
	})
	if res.Error != nil {
		return fmt.Errorf("registry: update index path %s: %w", alias, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAliasUnknown
	}
	return nil
}

// SetNextRefreshAt persists the scheduler's computed next-tick time for
// alias. A nil value clears it.
func (r *GormStore) SetNextRefreshAt(alias string, at *time.Time) error {
	res := r.db.Model(&model.GoldenRepo{}).Where("alias = ?", alias).Update("next_refresh_at", at)
	if res.Error != nil {
		return fmt.Errorf("registry: set next refresh %s: %w", alias, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAliasUnknown
	}
	return nil
}

// ReconcileResult summarizes one Reconcile pass.
type ReconcileResult struct {
	Verified int
	Missing  []string // aliases whose indexPath no longer exists on disk
	Adopted  []string // filesystem entries not present in the registry
}

// Reconcile runs at startup: for every registry row it verifies the
// indexPath still exists on disk, and for every filesystem entry under
// goldenReposDir it either adopts an unregistered repo or leaves it
// alone. Reconcile never deletes anything from the registry or disk
// (spec §4.2) -- a repo whose indexPath vanished is reported, not pruned,
// because the cause (a half-finished refresh, a manual operator action)
// is not something Reconcile can safely judge.
func (r *GormStore) Reconcile(goldenReposDir string) (ReconcileResult, error) {
	var result ReconcileResult

	repos, err := r.List()
	if err != nil {
		return result, err
	}
	registered := make(map[string]bool, len(repos))
	for _, repo := range repos {
		registered[repo.Alias] = true
		if _, statErr := os.Stat(repo.IndexPath); statErr != nil {
			result.Missing = append(result.Missing, repo.Alias)
			r.log.WithFields(logrus.Fields{"alias": repo.Alias, "index_path": repo.IndexPath}).
				Warn("registry: indexed path missing on disk during reconcile")
			continue
		}
		result.Verified++
	}

	entries, err := os.ReadDir(goldenReposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("registry: reconcile readdir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || registered[e.Name()] {
			continue
		}
		result.Adopted = append(result.Adopted, e.Name())
	}
	return result, nil
}

func backendsCSV(backends []model.Backend) string {
	parts := make([]string, len(backends))
	for i, b := range backends {
		parts[i] = string(b)
	}
	return strings.Join(parts, ",")
}

func splitBackends(csv string) []model.Backend {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]model.Backend, len(parts))
	for i, p := range parts {
		out[i] = model.Backend(p)
	}
	return out
}
