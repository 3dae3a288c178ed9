package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sourcewell/goldenindex/internal/model"
)

// GormStore is the Postgres-backed implementation of Store, grounded on
// db/postgres.go's AutoMigrate-at-Open convention.
type GormStore struct {
	db  *gorm.DB
	log *logrus.Entry
}

// OpenGormStore wraps an already-connected *gorm.DB and migrates the
// background_jobs table.
func OpenGormStore(db *gorm.DB, log *logrus.Entry) (*GormStore, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := db.AutoMigrate(&model.TrackedJob{}); err != nil {
		return nil, fmt.Errorf("jobs: migrate: %w", err)
	}
	return &GormStore{db: db, log: log.WithField("component", "jobs")}, nil
}

func (s *GormStore) Insert(job model.TrackedJob) error {
	if err := s.db.Create(&job).Error; err != nil {
		return fmt.Errorf("jobs: insert %s: %w", job.JobID, err)
	}
	return nil
}

func (s *GormStore) Update(job model.TrackedJob) error {
	if err := s.db.Model(&model.TrackedJob{}).Where("job_id = ?", job.JobID).Updates(map[string]any{
		"status":        job.Status,
		"started_at":    job.StartedAt,
		"completed_at":  job.CompletedAt,
		"progress":      job.Progress,
		"progress_info": job.ProgressInfo,
		"error":         job.Error,
	}).Error; err != nil {
		return fmt.Errorf("jobs: update %s: %w", job.JobID, err)
	}
	return nil
}

func (s *GormStore) Get(jobID string) (model.TrackedJob, error) {
	var job model.TrackedJob
	err := s.db.First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TrackedJob{}, model.ErrHandleUnknown
	}
	if err != nil {
		return model.TrackedJob{}, fmt.Errorf("jobs: get %s: %w", jobID, err)
	}
	return job, nil
}

func (s *GormStore) Query(filter QueryFilter) ([]model.TrackedJob, error) {
	q := s.db.Model(&model.TrackedJob{})
	if filter.OperationType != "" {
		q = q.Where("operation_type = ?", filter.OperationType)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Username != "" {
		q = q.Where("username = ?", filter.Username)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	var jobs []model.TrackedJob
	if err := q.Order("created_at desc").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: query: %w", err)
	}
	return jobs, nil
}

// DeleteCompletedOrFailedBefore implements spec §4.5's CleanupOldJobs: only
// completed/failed rows for operationType whose completedAt predates
// cutoff are removed; running and pending rows are never touched by this
// query regardless of age.
func (s *GormStore) DeleteCompletedOrFailedBefore(operationType model.JobOperation, cutoff time.Time) (int, error) {
	res := s.db.Where(
		"operation_type = ? AND status IN ? AND completed_at < ?",
		operationType, []model.JobStatus{model.JobCompleted, model.JobFailed}, cutoff,
	).Delete(&model.TrackedJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: cleanup old %s: %w", operationType, res.Error)
	}
	return int(res.RowsAffected), nil
}
