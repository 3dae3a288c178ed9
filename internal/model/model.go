// Package model holds the shared domain types for the golden-repo engine:
// the repository metadata record, job records, and the typed errors every
// component reports through. Nothing in this package talks to a database
// or the filesystem.
package model

import (
	"errors"
	"strings"
	"time"
)

// Backend names a pluggable search engine a golden repo can be indexed with.
type Backend string

const (
	BackendVector   Backend = "vector"
	BackendTemporal Backend = "temporal"
	BackendSCIP     Backend = "scip"
	BackendFTS      Backend = "fts"
)

// VersionedMarker is the path segment that distinguishes a versioned
// snapshot directory from a golden repo's master working copy. Cleanup
// may only ever touch paths containing this marker (spec §4.4, §4.8).
const VersionedMarker = ".versioned/"

// IsVersionedSnapshot reports whether path looks like a versioned
// snapshot directory rather than a master golden-repo path.
func IsVersionedSnapshot(path string) bool {
	return strings.Contains(path, VersionedMarker)
}

// IsGitURL reports whether a source URL should be treated as a remote,
// schedulable git repository as opposed to a local:// pseudo-URL that the
// scheduler never refreshes automatically.
func IsGitURL(sourceURL string) bool {
	return !strings.HasPrefix(sourceURL, "local://")
}

// GoldenRepo is the authoritative metadata record for one golden repo.
type GoldenRepo struct {
	Alias           string            `gorm:"primaryKey;column:alias" json:"alias"`
	SourceURL       string            `gorm:"column:source_url" json:"sourceURL"`
	IndexPath       string            `gorm:"column:index_path" json:"indexPath"`
	EnabledBackends []Backend         `gorm:"-" json:"enabledBackends"`
	BackendsCSV     string            `gorm:"column:enabled_backends" json:"-"`
	Config          map[string]string `gorm:"-" json:"config,omitempty"`
	ConfigJSON       string           `gorm:"column:config_json" json:"-"`
	CreatedAt       time.Time         `gorm:"column:created_at" json:"createdAt"`
	LastRefreshAt   *time.Time        `gorm:"column:last_refresh_at" json:"lastRefreshAt,omitempty"`
	NextRefreshAt   *time.Time        `gorm:"column:next_refresh_at" json:"nextRefreshAt,omitempty"`
}

// TableName pins the GORM table name so migrations stay stable regardless
// of struct renames.
func (GoldenRepo) TableName() string { return "golden_repos_metadata" }

// IsLocal reports whether this repo's source is a local pseudo-URL, which
// the scheduler never selects for automatic refresh.
func (g GoldenRepo) IsLocal() bool { return !IsGitURL(g.SourceURL) }

// JobOperation enumerates the kinds of background work the JobTracker
// records (spec §3 TrackedJob.operationType).
type JobOperation string

const (
	OpAddGolden          JobOperation = "add_golden"
	OpRefreshGolden      JobOperation = "refresh_golden"
	OpIndexCleanup       JobOperation = "index_cleanup"
	OpDescriptionRefresh JobOperation = "description_refresh"
	OpDepMapAnalysis     JobOperation = "dep_map_analysis"
	OpSCIPResolution     JobOperation = "scip_resolution"
	OpStartupReconcile   JobOperation = "startup_reconcile"
	OpLangfuseSync       JobOperation = "langfuse_sync"
	OpResearchAssistant  JobOperation = "research_assistant_chat"
	OpMultiSearch        JobOperation = "multi_search"
)

// JobStatus is the TrackedJob state-machine value.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal
// state-machine edge (spec §8 invariant 5): pending->running,
// running->completed, running->failed, pending->failed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch {
	case s == next:
		return true
	case s == JobPending && (next == JobRunning || next == JobFailed):
		return true
	case s == JobRunning && (next == JobCompleted || next == JobFailed):
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal job state.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TrackedJob is a durable record of one background operation.
type TrackedJob struct {
	JobID         string       `gorm:"primaryKey;column:job_id" json:"jobID"`
	OperationType JobOperation `gorm:"column:operation_type" json:"operationType"`
	Status        JobStatus    `gorm:"column:status" json:"status"`
	CreatedAt     time.Time    `gorm:"column:created_at" json:"createdAt"`
	StartedAt     *time.Time   `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt   *time.Time   `gorm:"column:completed_at" json:"completedAt,omitempty"`
	Progress      int          `gorm:"column:progress" json:"progress"`
	ProgressInfo  string       `gorm:"column:progress_info" json:"progressInfo,omitempty"`
	Error         string       `gorm:"column:error" json:"error,omitempty"`
	Username      string       `gorm:"column:username" json:"username,omitempty"`
	RepoAlias     string       `gorm:"column:repo_alias" json:"repoAlias,omitempty"`
	MetadataJSON  string       `gorm:"column:metadata" json:"-"`
}

// TableName pins the GORM table name for TrackedJob.
func (TrackedJob) TableName() string { return "background_jobs" }

// Clone returns a deep-enough copy safe to hand to a caller without
// risking mutation of the tracker's internal state.
func (j TrackedJob) Clone() TrackedJob {
	clone := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

// CleanupState is the lifecycle of one CleanupEntry.
type CleanupState string

const (
	CleanupWaiting CleanupState = "waiting"
	CleanupDeleted CleanupState = "deleted"
	CleanupSkipped CleanupState = "skipped"
)

// CleanupEntry tracks one path queued for deletion once unpinned.
type CleanupEntry struct {
	Path        string
	ScheduledAt time.Time
	State       CleanupState
}

// SearchHit is one match returned by a backend's Search and, after
// merge/dedupe, by the MultiSearchDispatcher.
type SearchHit struct {
	Alias     string  `json:"alias"`
	FilePath  string  `json:"filePath"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet,omitempty"`
	Backend   Backend `json:"backend"`
}

// Sentinel errors surfaced verbatim to callers (spec §7).
var (
	ErrAliasUnknown       = errors.New("alias unknown")
	ErrAliasExists        = errors.New("alias already exists")
	ErrHandleUnknown      = errors.New("payload handle unknown")
	ErrHandleExpired      = errors.New("payload handle expired")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInFlight           = errors.New("refresh already in flight for this alias")
	ErrEmbeddingKeyMissing = errors.New("embedding key missing")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrGitCloneFailed     = errors.New("git clone failed")
)

// ConfigInvariantError marks a programming-invariant violation (spec §7):
// these are never downgraded to a silent no-op, they fail loudly so a
// reviewer sees them in logs and tests.
type ConfigInvariantError struct {
	Code    string
	Message string
}

func (e *ConfigInvariantError) Error() string {
	return e.Code + ": " + e.Message
}

// NewConfigInvariantError builds a ConfigInvariantError with the given
// <SUBSYSTEM>-<CATEGORY>-<NNN> code (spec §7 propagation policy).
func NewConfigInvariantError(code, message string) error {
	return &ConfigInvariantError{Code: code, Message: message}
}
