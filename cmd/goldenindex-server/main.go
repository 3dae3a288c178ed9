// Command goldenindex-server is the Golden Repository Lifecycle and Query
// Serving Engine's entry point: it wires Registry, AliasStore,
// QueryRefTracker, CleanupManager, JobTracker, IndexCache, PayloadCache,
// AccessResolver, MultiSearchDispatcher, RefreshScheduler, EventSink, and
// the REST transport into one running process, then serves until an
// interrupt or termination signal arrives. It is grounded on
// registry/cmd/registryservice/main.go's signal-handling and
// graceful-shutdown shape (context cancellation, a background goroutine
// running the server, SIGINT/SIGTERM triggering a timeout-bounded
// Shutdown).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sourcewell/goldenindex/config"
	"github.com/sourcewell/goldenindex/internal/access"
	"github.com/sourcewell/goldenindex/internal/aliasstore"
	"github.com/sourcewell/goldenindex/internal/backend"
	"github.com/sourcewell/goldenindex/internal/cleanup"
	"github.com/sourcewell/goldenindex/internal/coordinator"
	"github.com/sourcewell/goldenindex/internal/dispatch"
	"github.com/sourcewell/goldenindex/internal/events"
	"github.com/sourcewell/goldenindex/internal/gitsync"
	"github.com/sourcewell/goldenindex/internal/indexcache"
	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/lock"
	"github.com/sourcewell/goldenindex/internal/model"
	"github.com/sourcewell/goldenindex/internal/payloadcache"
	"github.com/sourcewell/goldenindex/internal/reftracker"
	"github.com/sourcewell/goldenindex/internal/registry"
	"github.com/sourcewell/goldenindex/internal/scheduler"
	"github.com/sourcewell/goldenindex/internal/transport/rest"
	"github.com/sourcewell/goldenindex/internal/userstore"
)

const envPrefix = "GOLDENINDEX"

func main() {
	log := newLogger()
	env := config.NewEnvConfig(envPrefix)
	serverCfg := config.LoadServerConfig(envPrefix)
	settings := config.LoadSettings(envPrefix)

	if err := validateConfig(serverCfg, settings); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	goldenReposDir := env.GetString("GOLDEN_REPOS_DIR", "/var/lib/goldenindex/repos")
	if err := os.MkdirAll(goldenReposDir, 0o755); err != nil {
		log.WithError(err).Fatal("creating golden repos directory")
	}

	jwtSecret := env.GetString("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("GOLDENINDEX_JWT_SECRET must be set")
	}

	reg, jobStore, userDB := openStores(env, log)

	aliasDB, err := aliasstore.Open(env.GetString("ALIAS_DB_PATH", "/var/lib/goldenindex/aliases.db"))
	if err != nil {
		log.WithError(err).Fatal("opening alias store")
	}
	defer aliasDB.Close()

	refs := reftracker.New()
	jobTracker := jobs.New(jobStore, log)
	cleanupMgr := cleanup.New(refs, jobTracker, log)

	indexCache := indexcache.New(settings.IndexCacheTTL(), settings.FTSCacheReloadOnAccess)
	defer indexCache.Stop()
	payloadCache := payloadcache.New(256, settings.PayloadCacheTTL())

	accessResolver := access.New(userDB, userDB, coordinator.RegistryAliases{Store: reg})

	disp := dispatch.New(
		aliasDB,
		dispatch.ReftrackerAdapter{Tracker: refs},
		dispatch.CacheLoader{
			Cache: indexCache,
			Opener: func(indexPath string) (backend.Backend, error) {
				return backend.NewFTSReference(indexPath, indexPath)
			},
		},
		dispatch.ConfigFromEnv(settings.MultiSearchMaxWorkers, settings.MultiSearchTimeoutSeconds),
	)

	locks := openLockManager(env, log)

	schedCfg := scheduler.DefaultConfig(goldenReposDir)
	schedCfg.Interval = settings.RefreshInterval()
	schedCfg.MaxWorkers = settings.MaxConcurrentBackgroundJobs
	sched := scheduler.New(reg, aliasDB, cleanupMgr, gitsync.New(), scheduler.CopyDirectoryBuilder, jobTracker, locks, schedCfg, log)

	hub := events.NewHub(log)
	sink := events.NewMultiSink(events.NewLogSink(log), hub)

	coord := coordinator.New(
		reg, aliasDB, refs, cleanupMgr, jobTracker,
		indexCache, payloadCache, accessResolver, disp, sched,
		gitsync.New(), scheduler.CopyDirectoryBuilder, sink,
		coordinator.Config{
			GoldenReposDir:            goldenReposDir,
			DefaultBackends:           []model.Backend{model.BackendFTS},
			PageSizeBytes:             1 << 20,
			CleanupInterval:           settings.CleanupInterval(),
			PayloadCacheSweepInterval: settings.PayloadCacheSweepInterval(),
			JobRetention:              settings.JobRetention(),
			JobCleanupInterval:        settings.JobCleanupInterval(),
		},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Startup(ctx); err != nil {
		log.WithError(err).Fatal("coordinator startup")
	}

	restCfg := rest.DefaultConfig(serverCfg.Port, jwtSecret)
	restCfg.ReadTimeout = serverCfg.ReadTimeout
	restCfg.WriteTimeout = serverCfg.WriteTimeout
	restCfg.ShutdownTimeout = serverCfg.ShutdownTimeout
	restCfg.AllowedOrigins = config.LoadCORSConfig(envPrefix).AllowedOrigins

	server := rest.New(coord, hub, restCfg, log)

	go func() {
		log.WithField("port", serverCfg.Port).Info("goldenindex-server starting")
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down goldenindex-server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	log.Info("goldenindex-server stopped")
}

// validateConfig runs config.Validator over the handful of settings whose
// zero or negative values would otherwise surface as a confusing failure
// deep in some other package (a zero-length ticker, an unreachable port)
// instead of a clear startup error.
func validateConfig(serverCfg config.ServerConfig, settings config.Settings) error {
	v := config.NewValidator()
	v.RequireInt("PORT", serverCfg.Port, 1, 65535)
	v.RequirePositiveInt("refresh_interval_seconds", settings.RefreshIntervalSeconds)
	v.RequirePositiveInt("multi_search_max_workers", settings.MultiSearchMaxWorkers)
	v.RequirePositiveInt("multi_search_timeout_seconds", settings.MultiSearchTimeoutSeconds)
	v.RequirePositiveInt("max_concurrent_background_jobs", settings.MaxConcurrentBackgroundJobs)
	v.RequirePositiveInt("cleanup_interval_seconds", settings.CleanupIntervalSeconds)
	v.RequirePositiveInt("payload_cache_sweep_seconds", settings.PayloadCacheSweepSeconds)
	v.RequirePositiveInt("job_cleanup_interval_seconds", settings.JobCleanupIntervalSeconds)
	return v.Validate()
}

func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv(envPrefix + "_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	}
	return logrus.NewEntry(l).WithField("service", "goldenindex-server")
}

// accountStore is the combined shape AccessResolver needs: both a
// UserStore and a GroupStore backed by the same underlying connection,
// so openStores can hand back one value that satisfies both roles
// instead of losing the GroupStore method set behind an access.UserStore
// return type.
type accountStore interface {
	access.UserStore
	access.GroupStore
}

// openStores connects to Postgres when GOLDENINDEX_DATABASE_URL is set,
// falling back to in-memory registry/job stores and a noopUserStore
// otherwise -- suitable for local evaluation, never for a multi-tenant
// deployment (AccessResolver would then see every user as unknown).
func openStores(env *config.EnvConfig, log *logrus.Entry) (registry.Store, jobs.Store, accountStore) {
	dbURL := env.GetString("DATABASE_URL", "")
	if dbURL == "" {
		log.Warn("GOLDENINDEX_DATABASE_URL not set, using in-memory registry and job stores")
		return registry.NewMemoryStore(), jobs.NewMemoryStore(), noopUserStore{}
	}

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		log.WithError(err).Fatal("connecting to postgres")
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Fatal("unwrapping sql.DB")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	reg, err := registry.Open(db, log)
	if err != nil {
		log.WithError(err).Fatal("opening registry store")
	}
	jobStore, err := jobs.OpenGormStore(db, log)
	if err != nil {
		log.WithError(err).Fatal("opening job store")
	}
	users, err := userstore.Open(db, log)
	if err != nil {
		log.WithError(err).Fatal("opening user store")
	}
	return reg, jobStore, users
}

// openLockManager connects to Redis when GOLDENINDEX_REDIS_ADDR is set;
// the scheduler tolerates a nil *lock.Manager by skipping the derived-
// analysis write lock entirely (spec §4.8 invariant 4's lock step is
// best-effort infrastructure, not a correctness requirement for refresh
// itself).
func openLockManager(env *config.EnvConfig, log *logrus.Entry) *lock.Manager {
	addr := env.GetString("REDIS_ADDR", "")
	if addr == "" {
		log.Warn("GOLDENINDEX_REDIS_ADDR not set, derived-analysis locking disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return lock.New(client)
}

// noopUserStore backs local/offline deployments with no Postgres
// connection: every user is reported unknown, so AccessResolver denies
// every request, admin or not, rather than guessing at roles or group
// membership.
type noopUserStore struct{}

func (noopUserStore) GetUserByUsername(string) (access.User, error) {
	return access.User{}, model.ErrForbidden
}

func (noopUserStore) GroupsForUser(string) ([]string, error) { return nil, nil }
func (noopUserStore) AliasesForGroup(string) ([]string, error) { return nil, nil }
