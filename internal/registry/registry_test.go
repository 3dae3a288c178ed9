package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcewell/goldenindex/internal/model"
)

func TestBackendsCSVRoundTrip(t *testing.T) {
	backends := []model.Backend{model.BackendVector, model.BackendFTS, model.BackendSCIP}
	csv := backendsCSV(backends)
	assert.Equal(t, "vector,fts,scip", csv)

	roundTripped := splitBackends(csv)
	assert.Equal(t, backends, roundTripped)
}

func TestSplitBackendsEmpty(t *testing.T) {
	assert.Nil(t, splitBackends(""))
}

func TestGoldenRepoIsLocal(t *testing.T) {
	local := model.GoldenRepo{SourceURL: "local://fixtures/demo"}
	remote := model.GoldenRepo{SourceURL: "git@github.com:org/repo.git"}

	assert.True(t, local.IsLocal())
	assert.False(t, remote.IsLocal())
}

func TestMemoryStoreRegisterUpsertPreservesSchedule(t *testing.T) {
	store := NewMemoryStore()

	first, err := store.Register("demo", "local://fixtures/demo", "/gr/demo", []model.Backend{model.BackendVector})
	require.NoError(t, err)
	require.NoError(t, store.SetNextRefreshAt("demo", timePtr(first.CreatedAt.Add(time.Hour))))

	before, err := store.Get("demo")
	require.NoError(t, err)

	second, err := store.Register("demo", "local://fixtures/demo", "/gr/demo/v2", []model.Backend{model.BackendVector, model.BackendFTS})
	require.NoError(t, err)

	assert.Equal(t, before.CreatedAt, second.CreatedAt)
	assert.Equal(t, "/gr/demo/v2", second.IndexPath)

	after, err := store.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, after.NextRefreshAt)
	assert.Equal(t, before.NextRefreshAt.Unix(), after.NextRefreshAt.Unix())
}

func TestMemoryStoreReconcileNeverDeletes(t *testing.T) {
	store := NewMemoryStore()
	dir := t.TempDir()

	missingPath := filepath.Join(dir, "gone")
	_, err := store.Register("vanished", "local://x", missingPath, []model.Backend{model.BackendVector})
	require.NoError(t, err)

	presentPath := filepath.Join(dir, "present")
	require.NoError(t, os.Mkdir(presentPath, 0o755))
	_, err = store.Register("present", "local://x", presentPath, []model.Backend{model.BackendVector})
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "feral"), 0o755))

	result, err := store.Reconcile(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Verified)
	assert.Equal(t, []string{"vanished"}, result.Missing)
	assert.Equal(t, []string{"feral"}, result.Adopted)

	_, err = store.Get("vanished")
	assert.NoError(t, err, "reconcile must never remove a registry entry, even when its index path is missing")
}

func timePtr(t time.Time) *time.Time { return &t }
