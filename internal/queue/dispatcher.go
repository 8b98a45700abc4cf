package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"venture-console/internal/models"
	"venture-console/internal/retry"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
)

// Dispatcher is the single enqueue path shared by the API, the approval
// service, and the night shift. It writes the canonical job row (with the
// idempotency guarantee) and only then makes the job visible to workers.
type Dispatcher struct {
	store          *store.Store
	queue          *RedisQueue
	log            *zap.Logger
	idempotencyTTL time.Duration
	maxAttempts    int
}

// NewDispatcher wires the shared enqueue path.
func NewDispatcher(st *store.Store, q *RedisQueue, log *zap.Logger, idempotencyTTL time.Duration, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		store:          st,
		queue:          q,
		log:            log,
		idempotencyTTL: idempotencyTTL,
		maxAttempts:    maxAttempts,
	}
}

// Dispatch enqueues a job. When the idempotency key already maps to a live
// job, that job is returned with reused=true and nothing is pushed to Redis.
// Transient store failures are absorbed by bounded retries before
// propagating.
func (d *Dispatcher) Dispatch(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.maxAttempts
	}
	if p.IdempotencyTTL == 0 {
		p.IdempotencyTTL = d.idempotencyTTL
	}

	var job models.Job
	var reused bool
	err := retry.Do(ctx, "create job", retry.DefaultOptions(), func(ctx context.Context) error {
		var err error
		job, reused, err = d.store.CreateJob(ctx, p)
		return err
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if reused {
		return job, true, nil
	}

	if err := d.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		if markErr := d.store.MarkFailed(ctx, job.ID, job.Attempts, err.Error()); markErr != nil {
			d.log.Warn("mark failed after queue push error", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return models.Job{}, false, fmt.Errorf("push job %s to queue: %w", job.ID, err)
	}

	_ = d.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("project=%s type=%s priority=%s", job.ProjectID, job.Type, job.Priority))
	telemetry.JobsEnqueued.Inc()
	d.log.Debug("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("project_id", job.ProjectID),
		zap.String("type", job.Type),
		zap.String("priority", job.Priority))
	return job, false, nil
}
