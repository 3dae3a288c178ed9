// Package cleanup implements the queue of versioned snapshot directories
// waiting for deletion once no reader still holds a pin on them. It is
// grounded on statemanager/manager.go's mutex-protected map-of-records
// shape, generalized from operation bookkeeping to a deletion queue, and
// on queue/redis/queue.go's idempotent-enqueue convention (duplicates
// collapse instead of stacking).
package cleanup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/model"
)

// RefCounter is the subset of *reftracker.Tracker the manager needs.
// CleanupManager must never reference the scheduler -- it consumes only
// this and the filesystem, breaking the scheduler/cleanup/registry cycle
// by putting cleanup at the leaf.
type RefCounter interface {
	RefCount(path string) int
}

// Manager owns the queue of paths scheduled for deletion.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*model.CleanupEntry

	refs RefCounter
	jobs *jobs.Tracker
	log  *logrus.Entry

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a Manager. jobTracker may be nil: all job-tracker-integrated
// components must gracefully degrade when it is null (spec §4.11).
func New(refs RefCounter, jobTracker *jobs.Tracker, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		entries: make(map[string]*model.CleanupEntry),
		refs:    refs,
		jobs:    jobTracker,
		stop:    make(chan struct{}),
		log:     log.WithField("component", "cleanup"),
	}
}

// Schedule enqueues path for later deletion. Duplicate schedules collapse
// into the existing entry. Scheduling a path that does not contain the
// ".versioned/" marker is a programming error -- the master directory is
// only ever overwritten in place, never deleted (bug #236 in the source:
// a bare insert-or-replace path once let a master directory reach the
// cleanup queue and get deleted permanently) -- and panics rather than
// silently queuing it.
func (m *Manager) Schedule(path string) {
	if !model.IsVersionedSnapshot(path) {
		panic(fmt.Sprintf("cleanup: refusing to schedule non-versioned path %q for deletion", path))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[path]; exists {
		return
	}
	m.entries[path] = &model.CleanupEntry{
		Path:        path,
		ScheduledAt: time.Now().UTC(),
		State:       model.CleanupWaiting,
	}
}

// Entries returns a snapshot of the current queue, for diagnostics/tests.
func (m *Manager) Entries() []model.CleanupEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CleanupEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the background ticker that drives Process, mirroring
// Scheduler.Start's shape: a goroutine selecting on ctx.Done, the
// manager's own stop channel, and the ticker, until one of the first two
// fires. Call Stop to terminate it independently of ctx.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Process()
			}
		}
	}()
}

// Stop terminates the ticker loop started by Start and waits for it to
// return. Safe to call even if Start was never called.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// Process runs one pass over the waiting queue: entries with a non-zero
// ref count are skipped (never blocked on, simply requeued for the next
// tick); entries already gone from disk are marked deleted without error;
// otherwise the directory is removed recursively and a JobTracker
// index_cleanup job records the outcome.
//
// Lock discipline: waiting entries are collected under the manager's own
// lock, the lock is released, then for each entry RefCount is sampled and
// the filesystem delete runs, then the lock is reacquired to record the
// new state -- the manager's lock must never be held across a filesystem
// operation.
func (m *Manager) Process() {
	m.mu.Lock()
	var candidates []string
	for path, e := range m.entries {
		if e.State == model.CleanupWaiting {
			candidates = append(candidates, path)
		}
	}
	m.mu.Unlock()

	for _, path := range candidates {
		m.processOne(path)
	}
}

func (m *Manager) processOne(path string) {
	if m.refs.RefCount(path) > 0 {
		return
	}

	jobID := m.startJob(path)

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		m.setState(path, model.CleanupDeleted)
		m.completeJob(jobID, nil)
	case statErr != nil:
		m.log.WithError(statErr).WithField("path", path).Warn("cleanup: stat failed, will retry")
		m.completeJob(jobID, statErr)
	default:
		if err := os.RemoveAll(path); err != nil {
			m.log.WithError(err).WithField("path", path).Error("cleanup: delete failed, will retry next tick")
			m.completeJob(jobID, err)
			return
		}
		m.setState(path, model.CleanupDeleted)
		m.completeJob(jobID, nil)
	}
}

func (m *Manager) setState(path string, state model.CleanupState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[path]; ok {
		e.State = state
	}
}

func (m *Manager) startJob(path string) string {
	if m.jobs == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("cleanup: job tracker start panicked, continuing without a job")
		}
	}()
	job, err := m.jobs.Register(model.OpIndexCleanup, "", "", map[string]any{"path": path})
	if err != nil {
		m.log.WithError(err).Warn("cleanup: failed to register index_cleanup job")
		return ""
	}
	if err := m.jobs.Start(job.JobID); err != nil {
		m.log.WithError(err).Warn("cleanup: failed to start index_cleanup job")
	}
	return job.JobID
}

func (m *Manager) completeJob(jobID string, cause error) {
	if m.jobs == nil || jobID == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("cleanup: job tracker completion panicked")
		}
	}()
	if cause != nil {
		if err := m.jobs.Fail(jobID, cause.Error()); err != nil {
			m.log.WithError(err).Warn("cleanup: failed to mark index_cleanup job failed")
		}
		return
	}
	if err := m.jobs.Complete(jobID, 100, "deleted"); err != nil {
		m.log.WithError(err).Warn("cleanup: failed to mark index_cleanup job completed")
	}
}
