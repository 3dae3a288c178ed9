package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/sourcewell/goldenindex/internal/model"
)

// MemoryStore is an in-process Store used by tests and by the Tracker's
// own hot-map bookkeeping tests; it never touches a database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]model.TrackedJob
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.TrackedJob)}
}

func (s *MemoryStore) Insert(job model.TrackedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(job model.TrackedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return nil
	}
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(jobID string) (model.TrackedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.TrackedJob{}, model.ErrHandleUnknown
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Query(filter QueryFilter) ([]model.TrackedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TrackedJob
	for _, job := range s.jobs {
		if filter.OperationType != "" && job.OperationType != filter.OperationType {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Username != "" && job.Username != filter.Username {
			continue
		}
		if !filter.Since.IsZero() && job.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteCompletedOrFailedBefore(operationType model.JobOperation, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.OperationType != operationType {
			continue
		}
		if !job.Status.IsTerminal() {
			continue
		}
		if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}
