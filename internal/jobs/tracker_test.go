package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcewell/goldenindex/internal/model"
)

func newTestTracker() *Tracker {
	return New(NewMemoryStore(), nil)
}

func TestRegisterCreatesPendingJob(t *testing.T) {
	tr := newTestTracker()
	job, err := tr.Register(model.OpRefreshGolden, "alice", "demo", nil)
	require.NoError(t, err)

	assert.Equal(t, model.JobPending, job.Status)
	assert.NotEmpty(t, job.JobID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestStartSetsStartedAtOnceOnly(t *testing.T) {
	tr := newTestTracker()
	job, err := tr.Register(model.OpRefreshGolden, "", "demo", nil)
	require.NoError(t, err)

	require.NoError(t, tr.Start(job.JobID))
	first, err := tr.GetJob(job.JobID)
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)
	firstStart := *first.StartedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, tr.Start(job.JobID))
	second, err := tr.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *second.StartedAt, "a second running transition must not overwrite startedAt")
}

func TestCompleteSetsCompletedAtExactlyOnce(t *testing.T) {
	tr := newTestTracker()
	job, err := tr.Register(model.OpIndexCleanup, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(job.JobID))
	require.NoError(t, tr.Complete(job.JobID, 100, "done"))

	done, err := tr.GetJob(job.JobID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	firstCompletedAt := *done.CompletedAt

	// A second Complete call on an already-terminal job must be a no-op.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, tr.Complete(job.JobID, 50, "ignored"))
	after, err := tr.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, after.Status)
	assert.Equal(t, firstCompletedAt, *after.CompletedAt)
	assert.Equal(t, 100, after.Progress)
}

func TestFailSetsErrorAndTerminalState(t *testing.T) {
	tr := newTestTracker()
	job, err := tr.Register(model.OpRefreshGolden, "", "demo", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(job.JobID))
	require.NoError(t, tr.Fail(job.JobID, "git clone failed"))

	failed, err := tr.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, failed.Status)
	assert.Equal(t, "git clone failed", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestUpdateProgressOnUnknownJobIsSilentNoOp(t *testing.T) {
	tr := newTestTracker()
	assert.NoError(t, tr.UpdateProgress("does-not-exist", 50, "x"))
}

func TestQueryJobsFiltersByOperationAndStatus(t *testing.T) {
	tr := newTestTracker()
	a, err := tr.Register(model.OpRefreshGolden, "alice", "demo", nil)
	require.NoError(t, err)
	b, err := tr.Register(model.OpIndexCleanup, "alice", "", nil)
	require.NoError(t, err)

	require.NoError(t, tr.Start(a.JobID))
	require.NoError(t, tr.Complete(a.JobID, 100, ""))

	results, err := tr.QueryJobs(QueryFilter{OperationType: model.OpRefreshGolden})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.JobID, results[0].JobID)

	pending, err := tr.QueryJobs(QueryFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.JobID, pending[0].JobID)
}

func TestCleanupOldJobsOnlyTouchesTerminalPastThreshold(t *testing.T) {
	tr := newTestTracker()

	old, err := tr.Register(model.OpIndexCleanup, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(old.JobID))
	require.NoError(t, tr.Complete(old.JobID, 100, ""))

	// Force completedAt far enough in the past to cross the cleanup
	// threshold without needing to sleep for real hours.
	stored, err := tr.store.Get(old.JobID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-48 * time.Hour)
	stored.CompletedAt = &past
	require.NoError(t, tr.store.Update(stored))

	stillRunning, err := tr.Register(model.OpIndexCleanup, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(stillRunning.JobID))

	deleted, err := tr.CleanupOldJobs(model.OpIndexCleanup, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = tr.GetJob(old.JobID)
	assert.ErrorIs(t, err, model.ErrHandleUnknown)

	running, err := tr.GetJob(stillRunning.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, running.Status, "cleanup must never touch a running job")
}
