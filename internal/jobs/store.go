// Package jobs implements the durable background-job ledger and its
// in-memory hot map of active jobs (spec §4.5 JobTracker). It follows the
// same production/test split as internal/registry: a GormStore backed by
// Postgres, a MemoryStore for deterministic tests, and a Tracker on top
// that owns the hot map the way statemanager/manager.go owns its
// operations map.
package jobs

import (
	"time"

	"github.com/sourcewell/goldenindex/internal/model"
)

// QueryFilter narrows QueryJobs results; zero-value fields are ignored.
type QueryFilter struct {
	OperationType model.JobOperation
	Status        model.JobStatus
	Username      string
	Since         time.Time
}

// Store is the durable persistence contract for TrackedJob rows.
type Store interface {
	Insert(job model.TrackedJob) error
	Update(job model.TrackedJob) error
	Get(jobID string) (model.TrackedJob, error)
	Query(filter QueryFilter) ([]model.TrackedJob, error)
	DeleteCompletedOrFailedBefore(operationType model.JobOperation, cutoff time.Time) (int, error)
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
