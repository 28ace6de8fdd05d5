package queue

import (
	"fmt"
	"time"

	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/google/uuid"
)

// JobType is the kind of work a queued job asks for
type JobType string

const (
	// JobTypeRevalidateProject loads one project and reports its quarantined records
	JobTypeRevalidateProject JobType = "revalidate_project"
	// JobTypeRevalidateAll revalidates every project the storage backend knows about
	JobTypeRevalidateAll JobType = "revalidate_all"
)

// DefaultMaxRetries is the retry budget given to new jobs
const DefaultMaxRetries = 3

// Job is a unit of background work
type Job struct {
	ID         uuid.UUID         `json:"id"`
	Type       JobType           `json:"type"`
	ProjectID  string            `json:"project_id,omitempty"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	NotAfter   *time.Time        `json:"not_after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// NewJob creates a job. projectID is ignored for JobTypeRevalidateAll.
func NewJob(jobType JobType, projectID string) *Job {
	job := &Job{
		ID:         uuid.New(),
		Type:       jobType,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
	if jobType == JobTypeRevalidateProject {
		job.ProjectID = projectID
	}
	return job
}

// Validate checks that the job can be processed
func (j *Job) Validate() error {
	switch j.Type {
	case JobTypeRevalidateProject:
		if err := validation.ValidateProjectID(j.ProjectID); err != nil {
			return fmt.Errorf("invalid job %s: %w", j.ID, err)
		}
	case JobTypeRevalidateAll:
	default:
		return fmt.Errorf("invalid job %s: unknown type %q", j.ID, j.Type)
	}
	return nil
}

// ShouldProcess reports whether now falls inside the job's time window
func (j *Job) ShouldProcess(now time.Time) bool {
	if j.NotBefore != nil && now.Before(*j.NotBefore) {
		return false
	}
	return !j.IsExpired(now)
}

// IsExpired reports whether the job's NotAfter deadline has passed
func (j *Job) IsExpired(now time.Time) bool {
	return j.NotAfter != nil && now.After(*j.NotAfter)
}

// CanRetry reports whether the job has retries left
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// IncrementRetry records one more attempt
func (j *Job) IncrementRetry() {
	j.RetryCount++
}
