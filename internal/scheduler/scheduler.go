// Package scheduler implements RefreshScheduler, spec §4.8's most complex
// component: a ticker-driven loop that spreads newly-registered git
// repos across the refresh interval, selects repos due for refresh,
// dispatches the clone/pull/rebuild/swap pipeline onto a bounded worker
// pool, and coordinates a named write lock around dependency-map-style
// derived analyses. It is grounded on worker/pool.go's fixed-size
// goroutine pool draining a bounded task set, generalized here from a
// queue-fed pool into a per-tick fan-out sized by
// golang.org/x/sync/semaphore, and on executor/command_executor.go's
// subprocess-invocation shape via internal/gitsync.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sourcewell/goldenindex/internal/gitsync"
	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/lock"
	"github.com/sourcewell/goldenindex/internal/model"
	"github.com/sourcewell/goldenindex/internal/registry"
)

// AliasStore is the subset of aliasstore.Store the refresh pipeline uses.
type AliasStore interface {
	Read(alias string) (string, error)
	Swap(alias, newPath string) error
}

// CleanupScheduler is the subset of cleanup.Manager the refresh pipeline
// uses to retire a superseded snapshot.
type CleanupScheduler interface {
	Schedule(path string)
}

// GitSyncer is the subset of gitsync.Syncer the refresh pipeline uses.
type GitSyncer interface {
	CloneOrPull(ctx context.Context, sourceURL, masterPath string) (gitsync.Result, error)
}

// IndexBuilder builds a fresh index snapshot at snapshotPath from the
// master working copy at masterPath. The real implementation invokes
// whichever backend(s) the repo has enabled; out of this spec's scope
// per §1 ("pluggable Backend... named only by their interface").
type IndexBuilder func(ctx context.Context, masterPath, snapshotPath string) error

// Config controls the scheduler's tick behavior.
type Config struct {
	Interval            time.Duration
	MaxWorkers          int
	GoldenReposDir       string
	SubprocessRateLimit rate.Limit
	SubprocessBurst     int
	DerivedAnalysisTTL  time.Duration
}

// DefaultConfig returns spec §4.8/§9's documented defaults.
func DefaultConfig(goldenReposDir string) Config {
	return Config{
		Interval:            30 * time.Second,
		MaxWorkers:          2,
		GoldenReposDir:       goldenReposDir,
		SubprocessRateLimit: rate.Limit(2),
		SubprocessBurst:     2,
		DerivedAnalysisTTL:  5 * time.Minute,
	}
}

// Scheduler is the RefreshScheduler described in spec §4.8.
type Scheduler struct {
	registry registry.Store
	aliases  AliasStore
	cleanup  CleanupScheduler
	git      GitSyncer
	build    IndexBuilder
	jobs     *jobs.Tracker
	locks    *lock.Manager

	cfg Config
	log *logrus.Entry

	subprocessLimiter *rate.Limiter

	mu       sync.Mutex
	inFlight map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler. jobTracker and locks may be nil: all
// job-tracker-integrated components must gracefully degrade when the
// tracker is null (spec §4.11); a nil lock.Manager simply skips the
// derived-analysis write-lock step.
func New(reg registry.Store, aliases AliasStore, cleanup CleanupScheduler, git GitSyncer, build IndexBuilder, jobTracker *jobs.Tracker, locks *lock.Manager, cfg Config, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	var limiter *rate.Limiter
	if cfg.SubprocessRateLimit > 0 {
		limiter = rate.NewLimiter(cfg.SubprocessRateLimit, cfg.SubprocessBurst)
	}
	return &Scheduler{
		registry:          reg,
		aliases:           aliases,
		cleanup:           cleanup,
		git:               git,
		build:             build,
		jobs:              jobTracker,
		locks:             locks,
		cfg:               cfg,
		log:               log.WithField("component", "scheduler"),
		subprocessLimiter: limiter,
		inFlight:          make(map[string]struct{}),
		stop:              make(chan struct{}),
	}
}

// Start launches the ticker loop in a background goroutine. Call Stop to
// terminate it.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the ticker loop and waits for any in-flight Tick's
// dispatch goroutines it started to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Tick runs one scheduling pass: spread, select, dispatch. Exported so
// tests (and a manual "refresh now" admin trigger) can drive it directly
// without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.spreadNewRepos(); err != nil {
		s.log.WithError(err).Warn("initial spread failed")
	}

	due, err := s.selectDue()
	if err != nil {
		s.log.WithError(err).Warn("selection failed")
		return
	}

	if len(due) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(s.cfg.MaxWorkers))
	var wg sync.WaitGroup
	for _, repo := range due {
		repo := repo
		if !s.markInFlight(repo.Alias) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.clearInFlight(repo.Alias)
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			s.executeRefresh(ctx, repo)
		}()
	}
	wg.Wait()
}

// spreadNewRepos assigns staggered nextRefreshAt values to every git repo
// that has never been scheduled (spec §4.8 step 1): for N new repos,
// slot i gets now + (i+1)*interval/N, so the earliest slot is
// now + interval/N and the latest is now + interval. These repos are
// deliberately excluded from the same tick's selection, since their
// freshly-assigned nextRefreshAt is necessarily in the future.
func (s *Scheduler) spreadNewRepos() error {
	repos, err := s.registry.List()
	if err != nil {
		return fmt.Errorf("scheduler: list for spread: %w", err)
	}

	var fresh []model.GoldenRepo
	for _, r := range repos {
		if r.IsLocal() {
			continue
		}
		if r.NextRefreshAt != nil {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil
	}

	now := time.Now().UTC()
	n := time.Duration(len(fresh))
	for i, r := range fresh {
		slot := now.Add(time.Duration(i+1) * s.cfg.Interval / n)
		if err := s.registry.SetNextRefreshAt(r.Alias, &slot); err != nil {
			return fmt.Errorf("scheduler: spread %s: %w", r.Alias, err)
		}
	}
	return nil
}

// selectDue returns every git repo whose nextRefreshAt has arrived,
// excluding local repos and any alias currently mid-refresh (spec §4.8
// step 2).
func (s *Scheduler) selectDue() ([]model.GoldenRepo, error) {
	repos, err := s.registry.List()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list for selection: %w", err)
	}

	now := time.Now().UTC()
	var due []model.GoldenRepo
	for _, r := range repos {
		if r.IsLocal() {
			continue
		}
		if r.NextRefreshAt == nil || r.NextRefreshAt.After(now) {
			continue
		}
		if s.isInFlight(r.Alias) {
			continue
		}
		due = append(due, r)
	}
	return due, nil
}

func (s *Scheduler) markInFlight(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[alias]; ok {
		return false
	}
	s.inFlight[alias] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(alias string) {
	s.mu.Lock()
	delete(s.inFlight, alias)
	s.mu.Unlock()
}

func (s *Scheduler) isInFlight(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[alias]
	return ok
}

// executeRefresh is _executeRefresh from spec §4.8: clone/pull the
// master working copy, build a new versioned snapshot, swap the alias,
// update the registry, and guard the superseded target against
// accidental master deletion (bug #236 in source: a curTarget that
// points at the master directory must never be scheduled for cleanup).
func (s *Scheduler) executeRefresh(ctx context.Context, repo model.GoldenRepo) {
	job := s.startJob(repo.Alias)

	curTarget, err := s.aliases.Read(repo.Alias)
	if err != nil {
		s.failJob(job, err)
		return
	}

	if s.subprocessLimiter != nil {
		if err := s.subprocessLimiter.Wait(ctx); err != nil {
			s.failJob(job, err)
			return
		}
	}

	masterPath := filepath.Join(s.cfg.GoldenReposDir, repo.Alias)
	result, err := s.git.CloneOrPull(ctx, repo.SourceURL, masterPath)
	if err != nil {
		s.failJob(job, err)
		return
	}
	if !result.Changed {
		s.completeJob(job, "no changes")
		s.advanceSchedule(repo.Alias)
		return
	}

	snapshotPath := filepath.Join(masterPath, model.VersionedMarker, repo.Alias, fmt.Sprintf("v_%d", time.Now().UnixNano()))
	if err := s.build(ctx, masterPath, snapshotPath); err != nil {
		s.failJob(job, err)
		return
	}

	if err := s.aliases.Swap(repo.Alias, snapshotPath); err != nil {
		s.failJob(job, err)
		return
	}

	now := time.Now().UTC()
	if err := s.registry.UpdateIndexPath(repo.Alias, snapshotPath, now); err != nil {
		s.failJob(job, err)
		return
	}
	next := now.Add(s.cfg.Interval)
	if err := s.registry.SetNextRefreshAt(repo.Alias, &next); err != nil {
		s.log.WithError(err).WithField("alias", repo.Alias).Warn("failed to set next refresh")
	}

	if model.IsVersionedSnapshot(curTarget) {
		s.cleanup.Schedule(curTarget)
	}

	s.completeJob(job, "refreshed")
}

func (s *Scheduler) advanceSchedule(alias string) {
	next := time.Now().UTC().Add(s.cfg.Interval)
	if err := s.registry.SetNextRefreshAt(alias, &next); err != nil {
		s.log.WithError(err).WithField("alias", alias).Warn("failed to advance schedule")
	}
}

func (s *Scheduler) startJob(alias string) *model.TrackedJob {
	if s.jobs == nil {
		return nil
	}
	job, err := s.jobs.Register(model.OpRefreshGolden, "", alias, nil)
	if err != nil {
		s.log.WithError(err).Warn("job register failed")
		return nil
	}
	if err := s.jobs.Start(job.JobID); err != nil {
		s.log.WithError(err).Warn("job start failed")
	}
	return &job
}

func (s *Scheduler) completeJob(job *model.TrackedJob, info string) {
	if job == nil || s.jobs == nil {
		return
	}
	if err := s.jobs.Complete(job.JobID, 100, info); err != nil {
		s.log.WithError(err).Warn("job complete failed")
	}
}

func (s *Scheduler) failJob(job *model.TrackedJob, cause error) {
	s.log.WithError(cause).Warn("refresh failed")
	if job == nil || s.jobs == nil {
		return
	}
	if err := s.jobs.Fail(job.JobID, cause.Error()); err != nil {
		s.log.WithError(err).Warn("job fail transition failed")
	}
}

// RefreshNow runs the refresh pipeline for alias immediately, outside the
// ticker loop -- used by Coordinator.RefreshGolden for an admin-triggered
// refresh. Returns model.ErrInFlight if alias is already mid-refresh
// (concurrent requests for the same alias coalesce to the first, spec
// §4.8).
func (s *Scheduler) RefreshNow(ctx context.Context, alias string) error {
	if !s.markInFlight(alias) {
		return model.ErrInFlight
	}
	defer s.clearInFlight(alias)

	repo, err := s.registry.Get(alias)
	if err != nil {
		return err
	}
	s.executeRefresh(ctx, repo)
	return nil
}

// RunDerivedAnalysis runs fn while holding the named "cidx-meta" write
// lock (spec §4.8 step 4). It only runs fn if the lock was actually
// acquired, and only releases if it acquired -- releasing a lock you
// never held would evict another holder's lock out from under it. When
// locks is nil (no Redis configured), fn runs unlocked, same as every
// other nullable-collaborator component in this engine.
func (s *Scheduler) RunDerivedAnalysis(ctx context.Context, fn func() error) (ran bool, err error) {
	if s.locks == nil {
		return true, fn()
	}
	return s.locks.WithLock(ctx, "cidx-meta", s.cfg.DerivedAnalysisTTL, fn)
}
