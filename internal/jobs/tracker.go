package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Tracker owns the in-memory hot map of active jobs on top of a durable
// Store, mirroring statemanager/manager.go's single-mutex
// map[string]*OperationState shape generalized to the TrackedJob state
// machine.
type Tracker struct {
	mu  sync.Mutex
	hot map[string]*model.TrackedJob

	store Store
	log   *logrus.Entry
}

// New creates a Tracker backed by store. store may be a *GormStore in
// production or a *MemoryStore in tests / small deployments.
func New(store Store, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		hot:   make(map[string]*model.TrackedJob),
		store: store,
		log:   log.WithField("component", "jobs"),
	}
}

// Register inserts a pending row and hot entry, returning the new job. The
// job ID is generated here; callers never supply one.
func (t *Tracker) Register(operationType model.JobOperation, username, repoAlias string, metadata map[string]any) (model.TrackedJob, error) {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return model.TrackedJob{}, fmt.Errorf("jobs: register: %w", err)
	}

	job := model.TrackedJob{
		JobID:         uuid.NewString(),
		OperationType: operationType,
		Status:        model.JobPending,
		CreatedAt:     time.Now().UTC(),
		Username:      username,
		RepoAlias:     repoAlias,
		MetadataJSON:  metadataJSON,
	}

	if err := t.store.Insert(job); err != nil {
		return model.TrackedJob{}, err
	}

	t.mu.Lock()
	t.hot[job.JobID] = &job
	t.mu.Unlock()

	return job.Clone(), nil
}

// Start transitions a job to running. The first call sets startedAt; a
// later call (e.g. from a retried caller) must not overwrite it.
func (t *Tracker) Start(jobID string) error {
	return t.mutate(jobID, func(job *model.TrackedJob) error {
		if !job.Status.CanTransition(model.JobRunning) {
			return nil
		}
		job.Status = model.JobRunning
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
		return nil
	})
}

// UpdateProgress records progress/progressInfo without changing status. An
// unknown jobID is silently ignored (spec §4.5 UpdateStatus contract).
func (t *Tracker) UpdateProgress(jobID string, progress int, progressInfo string) error {
	return t.mutate(jobID, func(job *model.TrackedJob) error {
		job.Progress = progress
		job.ProgressInfo = progressInfo
		return nil
	})
}

// Complete marks a job completed, setting completedAt exactly once.
func (t *Tracker) Complete(jobID string, progress int, progressInfo string) error {
	return t.mutate(jobID, func(job *model.TrackedJob) error {
		if job.Status.IsTerminal() {
			return nil
		}
		job.Status = model.JobCompleted
		job.Progress = progress
		job.ProgressInfo = progressInfo
		t.setCompletedAt(job)
		return nil
	})
}

// Fail marks a job failed with the given error string.
func (t *Tracker) Fail(jobID string, errMessage string) error {
	return t.mutate(jobID, func(job *model.TrackedJob) error {
		if job.Status.IsTerminal() {
			return nil
		}
		job.Status = model.JobFailed
		job.Error = errMessage
		t.setCompletedAt(job)
		return nil
	})
}

func (t *Tracker) setCompletedAt(job *model.TrackedJob) {
	if job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
}

// mutate applies fn to the hot copy of jobID (if present) and writes
// through to the durable store. Unknown job IDs are a silent no-op.
func (t *Tracker) mutate(jobID string, fn func(job *model.TrackedJob) error) error {
	t.mu.Lock()
	job, ok := t.hot[jobID]
	t.mu.Unlock()

	if !ok {
		stored, err := t.store.Get(jobID)
		if err != nil {
			return nil
		}
		job = &stored
	}

	t.mu.Lock()
	if err := fn(job); err != nil {
		t.mu.Unlock()
		return err
	}
	t.hot[jobID] = job
	snapshot := job.Clone()
	t.mu.Unlock()

	return t.store.Update(snapshot)
}

// GetJob returns the current state of jobID, preferring the hot map.
func (t *Tracker) GetJob(jobID string) (model.TrackedJob, error) {
	t.mu.Lock()
	if job, ok := t.hot[jobID]; ok {
		defer t.mu.Unlock()
		return job.Clone(), nil
	}
	t.mu.Unlock()
	return t.store.Get(jobID)
}

// QueryJobs delegates to the durable store so results reflect every job,
// not just those currently hot.
func (t *Tracker) QueryJobs(filter QueryFilter) ([]model.TrackedJob, error) {
	return t.store.Query(filter)
}

// CleanupOldJobs deletes completed/failed rows for operationType whose
// completedAt predates now-maxAge; running/pending rows are never
// touched. Returns the number of rows deleted.
func (t *Tracker) CleanupOldJobs(operationType model.JobOperation, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted, err := t.store.DeleteCompletedOrFailedBefore(operationType, cutoff)
	if err != nil {
		return 0, err
	}

	// The hot map is for active jobs: terminal entries of this type are
	// dropped so GetJob falls back to the store, which no longer holds the
	// rows deleted above.
	t.mu.Lock()
	for id, job := range t.hot {
		if job.OperationType == operationType && job.Status.IsTerminal() {
			delete(t.hot, id)
		}
	}
	t.mu.Unlock()

	return deleted, nil
}

// allOperationTypes is every model.JobOperation value CleanupOldJobs must
// sweep -- kept in one place so StartRetentionSweep never silently misses
// an operation type added to the model later.
var allOperationTypes = []model.JobOperation{
	model.OpAddGolden,
	model.OpRefreshGolden,
	model.OpIndexCleanup,
	model.OpDescriptionRefresh,
	model.OpDepMapAnalysis,
	model.OpSCIPResolution,
	model.OpStartupReconcile,
	model.OpLangfuseSync,
	model.OpResearchAssistant,
	model.OpMultiSearch,
}

// StartRetentionSweep launches the background ticker that ages out
// completed/failed job rows, mirroring Scheduler.Start's shape: every
// interval it runs CleanupOldJobs(maxAge) across every known operation
// type, until ctx is done.
func (t *Tracker) StartRetentionSweep(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, op := range allOperationTypes {
					if deleted, err := t.CleanupOldJobs(op, maxAge); err != nil {
						t.log.WithError(err).WithField("operation_type", op).Warn("job retention sweep failed")
					} else if deleted > 0 {
						t.log.WithField("operation_type", op).WithField("deleted", deleted).Info("job retention sweep")
					}
				}
			}
		}
	}()
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}
