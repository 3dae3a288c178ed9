package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcewell/goldenindex/internal/gitsync"
	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/model"
	"github.com/sourcewell/goldenindex/internal/registry"
)

type fakeAliasStore struct {
	mu     sync.Mutex
	byPath map[string]string
}

func newFakeAliasStore() *fakeAliasStore {
	return &fakeAliasStore{byPath: make(map[string]string)}
}

func (f *fakeAliasStore) Read(alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byPath[alias]
	if !ok {
		return "", model.ErrAliasUnknown
	}
	return p, nil
}

func (f *fakeAliasStore) Swap(alias, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byPath[alias] = newPath
	return nil
}

type fakeCleanup struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeCleanup) Schedule(path string) {
	if !model.IsVersionedSnapshot(path) {
		panic("fakeCleanup.Schedule called with a non-versioned (master) path: " + path)
	}
	f.mu.Lock()
	f.scheduled = append(f.scheduled, path)
	f.mu.Unlock()
}

type fakeGitSyncer struct {
	mu       sync.Mutex
	changed  bool
	err      error
	calls    int
}

func (f *fakeGitSyncer) CloneOrPull(ctx context.Context, sourceURL, masterPath string) (gitsync.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return gitsync.Result{}, f.err
	}
	return gitsync.Result{Changed: f.changed}, nil
}

func newScheduler(t *testing.T, reg registry.Store, aliases AliasStore, cleanup CleanupScheduler, git GitSyncer, build IndexBuilder) *Scheduler {
	t.Helper()
	tracker := jobs.New(jobs.NewMemoryStore(), logrus.NewEntry(logrus.New()))
	cfg := DefaultConfig(t.TempDir())
	cfg.Interval = time.Hour
	cfg.SubprocessRateLimit = 0 // disable rate limiting in tests
	return New(reg, aliases, cleanup, git, build, tracker, nil, cfg, logrus.NewEntry(logrus.New()))
}

func noopBuild(ctx context.Context, masterPath, snapshotPath string) error { return nil }

func TestSpreadNewReposStaggersAcrossInterval(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)
	_, err = reg.Register("B-global", "https://example.com/b.git", "/gr/B", nil)
	require.NoError(t, err)
	// clear nextRefreshAt so both look "new"
	require.NoError(t, reg.SetNextRefreshAt("A-global", nil))
	require.NoError(t, reg.SetNextRefreshAt("B-global", nil))

	s := newScheduler(t, reg, newFakeAliasStore(), &fakeCleanup{}, &fakeGitSyncer{}, noopBuild)
	require.NoError(t, s.spreadNewRepos())

	a, err := reg.Get("A-global")
	require.NoError(t, err)
	b, err := reg.Get("B-global")
	require.NoError(t, err)

	require.NotNil(t, a.NextRefreshAt)
	require.NotNil(t, b.NextRefreshAt)
	assert.True(t, a.NextRefreshAt.Before(*b.NextRefreshAt) || a.NextRefreshAt.Equal(*b.NextRefreshAt),
		"slot 1 must not be later than slot 2")

	now := time.Now().UTC()
	assert.True(t, a.NextRefreshAt.After(now), "every spread slot must be in the future")
	assert.True(t, b.NextRefreshAt.Before(now.Add(time.Hour+time.Minute)), "latest slot must be <= now+interval")
}

func TestSpreadNewReposSkipsLocalRepos(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("local-repo", "local:///opt/code", "/gr/local", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("local-repo", nil))

	s := newScheduler(t, reg, newFakeAliasStore(), &fakeCleanup{}, &fakeGitSyncer{}, noopBuild)
	require.NoError(t, s.spreadNewRepos())

	r, err := reg.Get("local-repo")
	require.NoError(t, err)
	assert.Nil(t, r.NextRefreshAt, "local repos are never scheduled")
}

func TestSelectDueExcludesFutureAndLocalAndInFlight(t *testing.T) {
	reg := registry.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	_, err := reg.Register("due", "https://example.com/a.git", "/gr/due", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("due", &past))

	_, err = reg.Register("not-yet", "https://example.com/b.git", "/gr/not-yet", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("not-yet", &future))

	_, err = reg.Register("local", "local:///opt/code", "/gr/local", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("local", &past))

	_, err = reg.Register("busy", "https://example.com/c.git", "/gr/busy", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("busy", &past))

	s := newScheduler(t, reg, newFakeAliasStore(), &fakeCleanup{}, &fakeGitSyncer{}, noopBuild)
	s.mu.Lock()
	s.inFlight["busy"] = struct{}{}
	s.mu.Unlock()

	due, err := s.selectDue()
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Alias)
}

func TestExecuteRefreshSwapsAliasAndSchedulesOldSnapshotCleanup(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A/.versioned/A-global/v_1", nil)
	require.NoError(t, err)

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A/.versioned/A-global/v_1"))

	cleanup := &fakeCleanup{}
	git := &fakeGitSyncer{changed: true}

	s := newScheduler(t, reg, aliases, cleanup, git, noopBuild)
	repo, err := reg.Get("A-global")
	require.NoError(t, err)

	s.executeRefresh(context.Background(), repo)

	newPath, err := aliases.Read("A-global")
	require.NoError(t, err)
	assert.Contains(t, newPath, ".versioned/A-global/v_")
	assert.NotEqual(t, "/gr/A/.versioned/A-global/v_1", newPath)

	require.Len(t, cleanup.scheduled, 1)
	assert.Equal(t, "/gr/A/.versioned/A-global/v_1", cleanup.scheduled[0])

	updated, err := reg.Get("A-global")
	require.NoError(t, err)
	assert.Equal(t, newPath, updated.IndexPath)
	require.NotNil(t, updated.NextRefreshAt)
}

func TestExecuteRefreshNeverSchedulesMasterPathForCleanup(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A")) // alias currently points at master, not a snapshot

	cleanup := &fakeCleanup{}
	git := &fakeGitSyncer{changed: true}

	s := newScheduler(t, reg, aliases, cleanup, git, noopBuild)
	repo, err := reg.Get("A-global")
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.executeRefresh(context.Background(), repo) })
	assert.Empty(t, cleanup.scheduled, "a master curTarget must never be scheduled for cleanup")
}

func TestExecuteRefreshNoChangesLeavesAliasUntouched(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A"))

	cleanup := &fakeCleanup{}
	git := &fakeGitSyncer{changed: false}

	s := newScheduler(t, reg, aliases, cleanup, git, noopBuild)
	repo, err := reg.Get("A-global")
	require.NoError(t, err)

	s.executeRefresh(context.Background(), repo)

	path, err := aliases.Read("A-global")
	require.NoError(t, err)
	assert.Equal(t, "/gr/A", path)
	assert.Empty(t, cleanup.scheduled)
}

func TestExecuteRefreshFailureLeavesAliasPointingAtPreviousSnapshot(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A"))

	cleanup := &fakeCleanup{}
	git := &fakeGitSyncer{err: errors.New("network unreachable")}

	s := newScheduler(t, reg, aliases, cleanup, git, noopBuild)
	repo, err := reg.Get("A-global")
	require.NoError(t, err)

	s.executeRefresh(context.Background(), repo)

	path, err := aliases.Read("A-global")
	require.NoError(t, err)
	assert.Equal(t, "/gr/A", path, "a failed refresh must not change the alias target")
}

func TestTickDoesNotDispatchSameAliasConcurrently(t *testing.T) {
	reg := registry.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Minute)
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetNextRefreshAt("A-global", &past))

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A"))

	git := &fakeGitSyncer{changed: false}
	s := newScheduler(t, reg, aliases, &fakeCleanup{}, git, noopBuild)

	s.mu.Lock()
	s.inFlight["A-global"] = struct{}{}
	s.mu.Unlock()

	s.Tick(context.Background())

	assert.Equal(t, 0, git.calls, "an alias already in flight must not be dispatched again")
}

func TestRefreshNowRejectsConcurrentRequestForSameAlias(t *testing.T) {
	reg := registry.NewMemoryStore()
	_, err := reg.Register("A-global", "https://example.com/a.git", "/gr/A", nil)
	require.NoError(t, err)

	aliases := newFakeAliasStore()
	require.NoError(t, aliases.Swap("A-global", "/gr/A"))

	s := newScheduler(t, reg, aliases, &fakeCleanup{}, &fakeGitSyncer{changed: false}, noopBuild)

	s.mu.Lock()
	s.inFlight["A-global"] = struct{}{}
	s.mu.Unlock()

	err = s.RefreshNow(context.Background(), "A-global")
	assert.ErrorIs(t, err, model.ErrInFlight)
}

func TestRunDerivedAnalysisWithoutLockManagerRunsUnlocked(t *testing.T) {
	reg := registry.NewMemoryStore()
	s := newScheduler(t, reg, newFakeAliasStore(), &fakeCleanup{}, &fakeGitSyncer{}, noopBuild)

	ran, err := s.RunDerivedAnalysis(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
