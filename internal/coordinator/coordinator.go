// Package coordinator wires every component the rest of this repo builds
// -- Registry, AliasStore, QueryRefTracker, CleanupManager, JobTracker,
// IndexCache, PayloadCache, MultiSearchDispatcher, AccessResolver,
// RefreshScheduler, and EventSink -- into the public operations spec
// §4.11 describes: Search, AddGolden, RefreshGolden, ListGoldens, GetJob,
// ListJobs, GetPayload, HealthCheck, and Startup. It is grounded on
// evalgo-org-eve's coordinator.Coordinator only for the events wiring
// (internal/events is a direct adaptation of its connection-management
// shape); the orchestration surface itself is this spec's own invention,
// since the teacher's Coordinator wires a single outbound connection, not
// a fleet of internal subsystems.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sourcewell/goldenindex/internal/access"
	"github.com/sourcewell/goldenindex/internal/aliasstore"
	"github.com/sourcewell/goldenindex/internal/cleanup"
	"github.com/sourcewell/goldenindex/internal/dispatch"
	"github.com/sourcewell/goldenindex/internal/events"
	"github.com/sourcewell/goldenindex/internal/indexcache"
	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/model"
	"github.com/sourcewell/goldenindex/internal/payloadcache"
	"github.com/sourcewell/goldenindex/internal/reftracker"
	"github.com/sourcewell/goldenindex/internal/registry"
	"github.com/sourcewell/goldenindex/internal/scheduler"
)

// Config bundles the tunables Coordinator needs beyond its collaborators.
type Config struct {
	GoldenReposDir  string
	DefaultBackends []model.Backend
	PageSizeBytes   int
	ReconcileOnly   bool

	// CleanupInterval is how often CleanupManager.Process runs. <= 0
	// disables the ticker (Process must then be driven externally).
	CleanupInterval time.Duration
	// PayloadCacheSweepInterval is how often PayloadCache.RunCleanupDaemon
	// sweeps expired payloads. <= 0 disables the daemon.
	PayloadCacheSweepInterval time.Duration
	// JobRetention bounds how long a completed/failed job row survives.
	JobRetention time.Duration
	// JobCleanupInterval is how often the job retention sweep runs. <= 0
	// disables it.
	JobCleanupInterval time.Duration
}

// Coordinator is the thin orchestration layer spec §4.11 describes.
type Coordinator struct {
	registry     registry.Store
	aliases      *aliasstore.Store
	refs         *reftracker.Tracker
	cleanupMgr   *cleanup.Manager
	jobs         *jobs.Tracker
	indexCache   *indexcache.Cache
	payloadCache *payloadcache.Cache
	access       *access.Resolver
	dispatcher   *dispatch.Dispatcher
	sched        *scheduler.Scheduler
	gitSyncer    scheduler.GitSyncer
	build        scheduler.IndexBuilder
	sink         events.Sink

	cfg Config
	log *logrus.Entry
}

// New wires every collaborator into a Coordinator. Any of jobs, sink may
// be nil -- every job-tracker/event-sink-integrated operation must
// gracefully degrade when they are (spec §4.11).
func New(
	reg registry.Store,
	aliases *aliasstore.Store,
	refs *reftracker.Tracker,
	cleanupMgr *cleanup.Manager,
	jobTracker *jobs.Tracker,
	indexCache *indexcache.Cache,
	payloadCache *payloadcache.Cache,
	accessResolver *access.Resolver,
	dispatcher *dispatch.Dispatcher,
	sched *scheduler.Scheduler,
	gitSyncer scheduler.GitSyncer,
	build scheduler.IndexBuilder,
	sink events.Sink,
	cfg Config,
	log *logrus.Entry,
) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		registry:     reg,
		aliases:      aliases,
		refs:         refs,
		cleanupMgr:   cleanupMgr,
		jobs:         jobTracker,
		indexCache:   indexCache,
		payloadCache: payloadCache,
		access:       accessResolver,
		dispatcher:   dispatcher,
		sched:        sched,
		gitSyncer:    gitSyncer,
		build:        build,
		sink:         sink,
		cfg:          cfg,
		log:          log.WithField("component", "coordinator"),
	}
}

// Startup runs the idempotent boot sequence: reconcile the registry
// against the filesystem, mark the payload cache initialized so its
// cleanup daemon may begin sweeping, and start every periodic-maintenance
// ticker this server owns -- the index cache's background refresher, the
// refresh scheduler, the versioned-snapshot CleanupManager, the payload
// cache's expiry sweep, and the job retention sweep. Must run before any
// of those tickers' first tick (SPEC_FULL §4 supplemented feature, from
// original_source's database_init.py/claude_cli_startup.py). Every ticker
// is bound to ctx: canceling ctx stops all of them.
func (c *Coordinator) Startup(ctx context.Context) error {
	result, err := c.registry.Reconcile(c.cfg.GoldenReposDir)
	if err != nil {
		return fmt.Errorf("coordinator: startup reconcile: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"verified": result.Verified,
		"adopted":  result.Adopted,
		"missing":  result.Missing,
	}).Info("startup reconciliation complete")

	c.payloadCache.MarkInitialized()
	c.indexCache.StartRefresher()

	if !c.cfg.ReconcileOnly && c.sched != nil {
		c.sched.Start(ctx)
	}

	if c.cfg.CleanupInterval > 0 && c.cleanupMgr != nil {
		c.cleanupMgr.Start(ctx, c.cfg.CleanupInterval)
	}

	if c.cfg.PayloadCacheSweepInterval > 0 {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		go c.payloadCache.RunCleanupDaemon(c.cfg.PayloadCacheSweepInterval, stop)
	}

	if c.cfg.JobCleanupInterval > 0 && c.jobs != nil {
		c.jobs.StartRetentionSweep(ctx, c.cfg.JobCleanupInterval, c.cfg.JobRetention)
	}

	return nil
}

// SearchResult is Coordinator.Search's response: the full merged hits, the
// dispatcher's diagnostics and, if the serialized result exceeds
// cfg.PageSizeBytes, a PayloadCache handle and page count for fetching the
// same result as byte pages.
type SearchResult struct {
	Hits          []model.SearchHit
	PayloadHandle string
	TotalPages    int
	PerBackendMs  map[string]int64
	TimedOut      map[string]bool
	MergeDedupMs  int64
	TotalMs       int64
}

// Search resolves username's allowed aliases (intersected with
// requestedAliases, if given), fans the query out via the dispatcher, and
// -- when the serialized hit set is larger than cfg.PageSizeBytes --
// stores it in the payload cache and returns a handle and page count
// alongside the full hit set (spec §4.7, data-flow note in §2).
func (c *Coordinator) Search(ctx context.Context, username, query string, requestedAliases []string, limit int) (SearchResult, error) {
	allowed, err := c.access.Resolve(username, requestedAliases)
	if err != nil {
		return SearchResult{}, err
	}

	resp := c.dispatcher.Search(ctx, query, allowed, limit)
	result := SearchResult{
		Hits:         resp.Hits,
		PerBackendMs: resp.PerBackendMs,
		TimedOut:     resp.TimedOut,
		MergeDedupMs: resp.MergeDedupMs,
		TotalMs:      resp.TotalMs,
	}

	if c.cfg.PageSizeBytes <= 0 {
		return result, nil
	}

	encoded, err := json.Marshal(resp.Hits)
	if err != nil {
		return SearchResult{}, fmt.Errorf("coordinator: marshal search result: %w", err)
	}
	if len(encoded) <= c.cfg.PageSizeBytes {
		return result, nil
	}

	handle := c.payloadCache.Store(encoded, c.cfg.PageSizeBytes)
	first, err := c.payloadCache.Retrieve(handle, 0)
	if err != nil {
		return SearchResult{}, fmt.Errorf("coordinator: retrieve first page: %w", err)
	}

	// A byte-offset page of a marshaled JSON array is not itself valid
	// JSON, so Hits is intentionally left as the full in-memory result;
	// callers that want paginated bytes fetch them via GetPayload using
	// PayloadHandle instead.
	result.PayloadHandle = handle
	result.TotalPages = first.TotalPages
	return result, nil
}

// AddGolden registers a golden repo, idempotently (spec §4.11): if the
// alias already exists this is a plain upsert via Registry.Register; if
// it does not, the master working copy is cloned, an initial index is
// built, the alias is created, and the registry row is inserted with
// nextRefreshAt left null so the scheduler's initial-spread step picks it
// up on its next tick.
func (c *Coordinator) AddGolden(ctx context.Context, alias, sourceURL string) (model.GoldenRepo, error) {
	if _, err := c.registry.Get(alias); err == nil {
		return c.registry.Register(alias, sourceURL, "", c.cfg.DefaultBackends)
	}

	job := c.startJob(model.OpAddGolden, alias)

	masterPath := c.masterPath(alias)
	if _, err := c.gitSyncer.CloneOrPull(ctx, sourceURL, masterPath); err != nil {
		c.failJob(job, err)
		return model.GoldenRepo{}, err
	}

	if err := c.build(ctx, masterPath, masterPath); err != nil {
		c.failJob(job, err)
		return model.GoldenRepo{}, err
	}

	if err := c.aliases.Create(alias, masterPath); err != nil {
		c.failJob(job, err)
		return model.GoldenRepo{}, err
	}

	repo, err := c.registry.Register(alias, sourceURL, masterPath, c.cfg.DefaultBackends)
	if err != nil {
		c.failJob(job, err)
		return model.GoldenRepo{}, err
	}

	c.completeJob(job, "added")
	return repo, nil
}

// RefreshGolden triggers an immediate refresh of alias, outside the
// scheduler's ticker. Returns model.ErrInFlight if a refresh for this
// alias is already running.
func (c *Coordinator) RefreshGolden(ctx context.Context, alias string) error {
	return c.sched.RefreshNow(ctx, alias)
}

// IsAdmin reports whether username currently holds the admin role,
// re-read fresh on every call (spec §8 invariant 8) -- used by transport
// surfaces to gate admin-only operations without trusting a role claim
// that may have been issued long before a revocation.
func (c *Coordinator) IsAdmin(username string) (bool, error) {
	return c.access.IsAdmin(username)
}

// ListGoldens returns every registered golden repo.
func (c *Coordinator) ListGoldens() ([]model.GoldenRepo, error) {
	return c.registry.List()
}

// GetJob returns one tracked job by ID.
func (c *Coordinator) GetJob(jobID string) (model.TrackedJob, error) {
	return c.jobs.GetJob(jobID)
}

// ListJobs queries tracked jobs by the given filter.
func (c *Coordinator) ListJobs(filter jobs.QueryFilter) ([]model.TrackedJob, error) {
	return c.jobs.QueryJobs(filter)
}

// GetPayload returns one page of a previously-stored oversized response.
func (c *Coordinator) GetPayload(handle string, page int) (payloadcache.Page, error) {
	return c.payloadCache.Retrieve(handle, page)
}

// HealthStatus reports the health of every collaborator this Coordinator
// depends on. A component that cannot be checked cheaply (e.g. a loaded
// per-alias backend) is intentionally left out -- per-backend health is
// surfaced instead through MultiSearchDispatcher's per-alias errors.
type HealthStatus struct {
	RegistryOK bool
	CacheStats indexcache.Stats
}

// HealthCheck reports whether the registry is reachable and the index
// cache's current statistics.
func (c *Coordinator) HealthCheck() HealthStatus {
	_, err := c.registry.List()
	return HealthStatus{
		RegistryOK: err == nil,
		CacheStats: c.indexCache.Stats(),
	}
}

func (c *Coordinator) masterPath(alias string) string {
	return filepath.Join(c.cfg.GoldenReposDir, alias)
}

func (c *Coordinator) startJob(op model.JobOperation, alias string) *model.TrackedJob {
	if c.jobs == nil {
		return nil
	}
	job, err := c.jobs.Register(op, "", alias, nil)
	if err != nil {
		c.log.WithError(err).Warn("job register failed")
		return nil
	}
	if err := c.jobs.Start(job.JobID); err != nil {
		c.log.WithError(err).Warn("job start failed")
	}
	c.publish(events.TypeJobStarted, &job)
	return &job
}

func (c *Coordinator) completeJob(job *model.TrackedJob, info string) {
	if job == nil || c.jobs == nil {
		return
	}
	if err := c.jobs.Complete(job.JobID, 100, info); err != nil {
		c.log.WithError(err).Warn("job complete failed")
		return
	}
	c.publish(events.TypeJobCompleted, job)
}

func (c *Coordinator) failJob(job *model.TrackedJob, cause error) {
	if job == nil || c.jobs == nil {
		return
	}
	if err := c.jobs.Fail(job.JobID, cause.Error()); err != nil {
		c.log.WithError(err).Warn("job fail transition failed")
		return
	}
	c.publish(events.TypeJobFailed, job)
}

func (c *Coordinator) publish(evtType string, job *model.TrackedJob) {
	if c.sink == nil || job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Warn("event sink panicked, ignoring")
		}
	}()
	c.sink.Publish(events.Event{
		Type:          evtType,
		JobID:         job.JobID,
		OperationType: job.OperationType,
		Status:        job.Status,
		RepoAlias:     job.RepoAlias,
		Progress:      job.Progress,
		Timestamp:     time.Now().UTC(),
	})
}
