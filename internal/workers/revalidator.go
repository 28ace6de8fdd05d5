package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/metrics"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/queue"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Revalidation results
const (
	ResultClean   = "clean"
	ResultCorrupt = "corrupt"
	ResultFailed  = "failed"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 10 * time.Minute
)

// ProjectLoader loads and validates a project's persisted tags
type ProjectLoader interface {
	Load(ctx context.Context, projectID string) (*repository.LoadResult, error)
}

// Enqueuer re-publishes jobs that should be retried later
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Report summarizes one project revalidation
type Report struct {
	ProjectID   string                     `json:"projectId"`
	Tags        int                        `json:"tags"`
	Quarantined []models.QuarantinedRecord `json:"quarantined"`
	Warnings    []models.CorruptionWarning `json:"warnings"`
}

// Clean reports whether every record passed validation
func (r Report) Clean() bool {
	return len(r.Quarantined) == 0
}

// Revalidator re-runs load-time validation over persisted projects, so records
// broken by data model or event catalog changes surface before a user opens them
type Revalidator struct {
	loader      ProjectLoader
	lister      storage.ProjectLister
	jobQueue    Enqueuer
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewRevalidator creates a revalidator. lister may be nil when the storage
// backend cannot enumerate projects; jobQueue may be nil to disable delayed retries.
func NewRevalidator(loader ProjectLoader, lister storage.ProjectLister, jobQueue Enqueuer, concurrency int, log *zap.Logger) *Revalidator {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Revalidator{
		loader:      loader,
		lister:      lister,
		jobQueue:    jobQueue,
		concurrency: concurrency,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RevalidateProject loads one project and reports what was quarantined
func (r *Revalidator) RevalidateProject(ctx context.Context, projectID string) (Report, error) {
	res, err := r.loader.Load(ctx, projectID)
	if err != nil {
		metrics.Revalidations.WithLabelValues(ResultFailed).Inc()
		return Report{ProjectID: projectID}, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}

	report := Report{
		ProjectID:   projectID,
		Tags:        len(res.Library) + len(res.Custom),
		Quarantined: res.Quarantined,
		Warnings:    res.Warnings,
	}
	metrics.QuarantinedRecords.WithLabelValues(projectID).Set(float64(len(res.Quarantined)))

	if report.Clean() {
		metrics.Revalidations.WithLabelValues(ResultClean).Inc()
		r.logger.Debug("project_revalidated",
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.Int("tag_count", report.Tags),
		)
		return report, nil
	}

	metrics.Revalidations.WithLabelValues(ResultCorrupt).Inc()
	for _, w := range res.Warnings {
		r.logger.Warn("project_revalidation_corruption",
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.String("corruption_type", string(w.Type)),
			zap.Int("count", w.Count),
		)
	}
	for _, q := range res.Quarantined {
		r.logger.Debug("record_quarantined",
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.String("record_id", logger.SanitizeProjectID(q.ID)),
			zap.String("tag_name", logger.SanitizeTagName(q.Name)),
			zap.Strings("reasons", q.Reasons),
		)
	}
	return report, nil
}

// RevalidateAll revalidates every project the backend lists, at most
// concurrency at a time. A failing project does not stop the others; the
// failures are joined into the returned error.
func (r *Revalidator) RevalidateAll(ctx context.Context) ([]Report, error) {
	if r.lister == nil {
		return nil, errors.New("storage backend cannot list projects")
	}
	projectIDs, err := r.lister.ListProjectIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var (
		mu       sync.Mutex
		reports  = make([]Report, 0, len(projectIDs))
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, projectID := range projectIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, err := r.RevalidateProject(gctx, projectID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			reports = append(reports, report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].ProjectID < reports[j].ProjectID })

	corrupt := 0
	for _, rep := range reports {
		if !rep.Clean() {
			corrupt++
		}
	}
	r.logger.Info("revalidation_completed",
		zap.Int("project_count", len(projectIDs)),
		zap.Int("corrupt_count", corrupt),
		zap.Int("failed_count", len(failures)),
	)
	return reports, errors.Join(failures...)
}

// ProcessJob runs a queued job and settles its message
func (r *Revalidator) ProcessJob(ctx context.Context, msg *queue.Message) error {
	job := msg.Job

	var err error
	switch job.Type {
	case queue.JobTypeRevalidateProject:
		_, err = r.RevalidateProject(ctx, job.ProjectID)
	case queue.JobTypeRevalidateAll:
		_, err = r.RevalidateAll(ctx)
	default:
		if nackErr := msg.Nack(false); nackErr != nil {
			r.logger.Warn("job_nack_failed", zap.String("error", logger.SanitizeError(nackErr)))
		}
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		return r.handleJobError(ctx, msg, err)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		return fmt.Errorf("failed to ack job: %w", ackErr)
	}
	return nil
}

// handleJobError retries storage outages with backoff and dead-letters the rest
func (r *Revalidator) handleJobError(ctx context.Context, msg *queue.Message, jobErr error) error {
	job := msg.Job
	fields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.Type)),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error", logger.SanitizeError(jobErr)),
	}

	if !storage.IsRetryable(jobErr) || !job.CanRetry() {
		r.logger.Error("job_dead_lettered", fields...)
		if nackErr := msg.Nack(false); nackErr != nil {
			r.logger.Warn("job_nack_failed", zap.String("error", logger.SanitizeError(nackErr)))
		}
		return fmt.Errorf("job failed: %w", jobErr)
	}

	if r.jobQueue == nil {
		r.logger.Warn("job_requeued", fields...)
		if nackErr := msg.Nack(true); nackErr != nil {
			r.logger.Warn("job_nack_failed", zap.String("error", logger.SanitizeError(nackErr)))
		}
		return fmt.Errorf("job failed (will retry): %w", jobErr)
	}

	retry := *job
	retry.IncrementRetry()
	notBefore := r.now().Add(RetryDelay(job.RetryCount))
	retry.NotBefore = &notBefore

	if enqueueErr := r.jobQueue.Enqueue(ctx, &retry); enqueueErr != nil {
		r.logger.Warn("job_reenqueue_failed", append(fields, zap.String("enqueue_error", logger.SanitizeError(enqueueErr)))...)
		if nackErr := msg.Nack(true); nackErr != nil {
			r.logger.Warn("job_nack_failed", zap.String("error", logger.SanitizeError(nackErr)))
		}
		return fmt.Errorf("failed to re-enqueue job: %w", enqueueErr)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		r.logger.Warn("job_ack_failed", zap.String("error", logger.SanitizeError(ackErr)))
	}
	r.logger.Info("job_rescheduled", append(fields, zap.Time("not_before", notBefore))...)
	return nil
}

// RetryDelay doubles from baseRetryDelay per attempt, capped at maxRetryDelay
func RetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
