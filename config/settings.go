package config

import "time"

// Settings holds the flat, environment-overridable configuration namespace
// for the golden-repo engine. Every field maps to one of the keys in the
// server's configuration table; unknown environment variables are ignored
// and missing ones fall back to the defaults below.
type Settings struct {
	RefreshIntervalSeconds      int
	MultiSearchMaxWorkers       int
	MultiSearchTimeoutSeconds   int
	IndexCacheTTLMinutes        int
	FTSCacheReloadOnAccess      bool
	PayloadCacheTTLSeconds      int
	MaxConcurrentBackgroundJobs int
	SubprocessMaxWorkers        int
	CleanupIntervalSeconds      int
	PayloadCacheSweepSeconds    int
	JobRetentionHours           int
	JobCleanupIntervalSeconds   int
}

// LoadSettings reads Settings from the environment, using prefix (if any)
// to namespace every key. Both the REST surface and any other transport
// this server exposes must call LoadSettings with the same prefix so that
// MultiSearchMaxWorkers/MultiSearchTimeoutSeconds are never forked into a
// second, inconsistent copy.
func LoadSettings(prefix string) Settings {
	env := NewEnvConfig(prefix)
	return Settings{
		RefreshIntervalSeconds:      env.GetInt("refresh_interval_seconds", 3600),
		MultiSearchMaxWorkers:       env.GetInt("multi_search_max_workers", 2),
		MultiSearchTimeoutSeconds:   env.GetInt("multi_search_timeout_seconds", 30),
		IndexCacheTTLMinutes:        env.GetInt("index_cache_ttl_minutes", 10),
		FTSCacheReloadOnAccess:      env.GetBool("fts_cache_reload_on_access", true),
		PayloadCacheTTLSeconds:      env.GetInt("payload_cache_ttl_seconds", 900),
		MaxConcurrentBackgroundJobs: env.GetInt("max_concurrent_background_jobs", 5),
		SubprocessMaxWorkers:        env.GetInt("subprocess_max_workers", 2),
		CleanupIntervalSeconds:      env.GetInt("cleanup_interval_seconds", 300),
		PayloadCacheSweepSeconds:    env.GetInt("payload_cache_sweep_seconds", 300),
		JobRetentionHours:           env.GetInt("job_retention_hours", 168),
		JobCleanupIntervalSeconds:   env.GetInt("job_cleanup_interval_seconds", 3600),
	}
}

// RefreshInterval returns the scheduler tick period as a time.Duration.
func (s Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSeconds) * time.Second
}

// MultiSearchTimeout returns the per-backend search deadline.
func (s Settings) MultiSearchTimeout() time.Duration {
	return time.Duration(s.MultiSearchTimeoutSeconds) * time.Second
}

// IndexCacheTTL returns the HNSW/FTS cache entry lifetime.
func (s Settings) IndexCacheTTL() time.Duration {
	return time.Duration(s.IndexCacheTTLMinutes) * time.Minute
}

// PayloadCacheTTL returns the PayloadCache entry lifetime.
func (s Settings) PayloadCacheTTL() time.Duration {
	return time.Duration(s.PayloadCacheTTLSeconds) * time.Second
}

// CleanupInterval returns the CleanupManager.Process poll period.
func (s Settings) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// PayloadCacheSweepInterval returns the PayloadCache.RunCleanupDaemon sweep
// period.
func (s Settings) PayloadCacheSweepInterval() time.Duration {
	return time.Duration(s.PayloadCacheSweepSeconds) * time.Second
}

// JobRetention returns how long a completed/failed job row survives before
// CleanupOldJobs deletes it.
func (s Settings) JobRetention() time.Duration {
	return time.Duration(s.JobRetentionHours) * time.Hour
}

// JobCleanupInterval returns the job-retention sweep period.
func (s Settings) JobCleanupInterval() time.Duration {
	return time.Duration(s.JobCleanupIntervalSeconds) * time.Second
}
