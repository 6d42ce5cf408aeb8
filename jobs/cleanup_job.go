package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/cagiotech/cagiotech/internal/jobs"
)

// CodePurger removes verification codes that can no longer be used.
type CodePurger interface {
	PurgeVerificationCodes(ctx context.Context, before time.Time) (int64, error)
}

// SessionPurger removes expired provider sessions.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// CleanupJob runs the periodic purges.
type CleanupJob struct {
	Codes    CodePurger
	Sessions SessionPurger
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	// Retention keeps consumed codes around for this long before purging.
	Retention time.Duration
	clock     func() time.Time
}

// NewCleanupJob initialises the cleanup handlers.
func NewCleanupJob(codes CodePurger, sessions SessionPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{
		Codes:     codes,
		Sessions:  sessions,
		Logger:    logger,
		Metrics:   metrics,
		Retention: 24 * time.Hour,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers lists the task handlers served by the job.
func (j *CleanupJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCleanupVerificationCodes, Handler: j.HandleVerificationCodes},
		{Type: TaskCleanupSessions, Handler: j.HandleSessions},
	}
}

// Cron returns the default schedule for the purges.
func (j *CleanupJob) Cron() []CronRegistration {
	return []CronRegistration{
		{Spec: "*/30 * * * *", Task: NewCleanupTask(TaskCleanupVerificationCodes), Options: []asynq.Option{asynq.MaxRetry(1)}},
		{Spec: "15 3 * * *", Task: NewCleanupTask(TaskCleanupSessions), Options: []asynq.Option{asynq.MaxRetry(3)}},
	}
}

// HandleVerificationCodes processes TaskCleanupVerificationCodes tasks.
func (j *CleanupJob) HandleVerificationCodes(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Codes == nil {
		return errors.New("cleanup: verification code store not configured")
	}
	return j.run(ctx, TaskCleanupVerificationCodes, func(ctx context.Context) (int64, error) {
		return j.Codes.PurgeVerificationCodes(ctx, j.now().Add(-j.Retention))
	})
}

// HandleSessions processes TaskCleanupSessions tasks.
func (j *CleanupJob) HandleSessions(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("cleanup: session store not configured")
	}
	return j.run(ctx, TaskCleanupSessions, j.Sessions.PurgeExpiredSessions)
}

func (j *CleanupJob) run(ctx context.Context, task string, purge func(context.Context) (int64, error)) (resultErr error) {
	tracker := j.Metrics.Track(task)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger().With(slog.String("job", task))

	rows, err := purge(ctx)
	if err != nil {
		logger.Error("cleanup failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurged(task, rows)
	logger.Info("cleanup finished", slog.Int64("rows", rows))
	return nil
}

func (j *CleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CleanupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
