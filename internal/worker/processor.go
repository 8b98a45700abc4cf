package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"venture-console/internal/config"
	"venture-console/internal/models"
	"venture-console/internal/queue"
	"venture-console/internal/retry"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
)

// Handler executes a job of a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker execution loop: promote due retries, reclaim
// expired leases, lease the next job, execute, then either complete or
// schedule a backed-off retry. Exhausted jobs dead-letter.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    *store.Store
	log      *zap.Logger
	handlers map[string]Handler
	workerID string
}

// NewProcessor creates a processor identified by workerID for lease tracking.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, log *zap.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		log:      log,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.houseKeeping(ctx)

		jobID, err := p.queue.LeaseNext(ctx)
		if err != nil {
			p.log.Warn("lease failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if jobID == "" {
			p.sleep(ctx)
			continue
		}

		p.processLeased(ctx, jobID)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

func (p *Processor) houseKeeping(ctx context.Context) {
	_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			_ = p.store.MarkQueued(ctx, id)
			_ = p.store.AppendAudit(ctx, id, "lease_expired", "reclaimed by worker "+p.workerID)
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) processLeased(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Row missing or unreadable; drop the lease so it does not loop.
		_ = p.queue.Ack(ctx, jobID)
		p.log.Warn("leased job unreadable", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Terminal() {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.MarkRunning(ctx, job.ID)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	stopHeartbeat := p.keepLeaseAlive(runCtx, job.ID)
	err = p.runJob(runCtx, job)
	stopHeartbeat()
	cancel()

	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
			p.log.Warn("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = p.store.AppendAudit(ctx, job.ID, "completed", "worker finished job")
		telemetry.JobsCompleted.Inc()
		return
	}

	attempts := job.Attempts + 1
	backoff := retry.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)

	if attempts >= job.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		if markErr := p.store.MarkDeadLetter(ctx, job.ID, err.Error()); markErr != nil {
			p.log.Warn("mark dead-letter failed", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.JobsDeadLetter.Inc()
		p.log.Error("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}

	_ = p.store.RequeueAttempt(ctx, job.ID, attempts, nextRun, err.Error())
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.JobsFailed.Inc()
	p.log.Warn("job attempt failed",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}

// keepLeaseAlive extends the job's visibility deadline on a half-window
// cadence while its handler runs. Without the heartbeat, any job outlasting
// the visibility window would be reclaimed by another worker's housekeeping
// and executed a second time in parallel.
func (p *Processor) keepLeaseAlive(ctx context.Context, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn("extend lease failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}
