// Package nightshift implements the periodic autonomous sweep: per project,
// it inspects pipeline state, derives candidate actions from the latest
// packet, and either executes them directly or queues them for human
// approval, never stepping past a pending decision or an ungranted
// permission.
package nightshift

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"venture-console/internal/idem"
	"venture-console/internal/models"
	"venture-console/internal/retry"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
)

// Store is the slice of persistence the sweep needs.
type Store interface {
	ListNightShiftProjects(ctx context.Context, limit int) ([]models.Project, error)
	CountPendingApprovals(ctx context.Context, projectID string) (int, error)
	LatestPacket(ctx context.Context, projectID string, phase int) (models.Packet, bool, error)
	HasOpenApproval(ctx context.Context, projectID string, phase int, actionType string) (bool, error)
	CreateApproval(ctx context.Context, p store.CreateApprovalParams) (models.Approval, error)
	AppendTaskLog(ctx context.Context, projectID, agent, step, detail string) (string, error)
	ResolveTaskLog(ctx context.Context, id, status, detail string) error
	CountRecentTaskFailures(ctx context.Context, projectID string, window time.Duration) (int, error)
}

// Dispatcher enqueues execution jobs for auto-approved actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// Options bounds one sweep run.
type Options struct {
	BatchSize     int
	Parallelism   int
	FailureWindow time.Duration
}

// Runner executes sweeps.
type Runner struct {
	store Store
	jobs  Dispatcher
	log   *zap.Logger
	opts  Options
	now   func() time.Time
}

// NewRunner wires a sweep runner.
func NewRunner(st Store, jobs Dispatcher, log *zap.Logger, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 24 * time.Hour
	}
	return &Runner{store: st, jobs: jobs, log: log, opts: opts, now: time.Now}
}

// Sweep statuses per project.
const (
	SweepSkipped   = "skipped"
	SweepCompleted = "completed"
	SweepFailed    = "failed"
)

// ProjectResult summarizes one project's sweep.
type ProjectResult struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// Report aggregates a full sweep run.
type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Results    []ProjectResult `json:"results"`
	Completed  int             `json:"completed"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
}

// Run sweeps all opted-in projects, stalest first. Project failures are
// isolated: a storage error mid-sweep fails that project's entry and the
// batch carries on.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	telemetry.SweepsTotal.Inc()
	report := Report{StartedAt: r.now().UTC()}

	var projects []models.Project
	err := retry.Do(ctx, "list night shift projects", retry.DefaultOptions(), func(ctx context.Context) error {
		var err error
		projects, err = r.store.ListNightShiftProjects(ctx, r.opts.BatchSize)
		return err
	})
	if err != nil {
		return report, errors.Wrap(err, "select sweep batch")
	}

	results := make([]ProjectResult, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)
	for i, project := range projects {
		i, project := i, project
		g.Go(func() error {
			results[i] = r.sweepProject(gctx, project)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures live in results

	report.FinishedAt = r.now().UTC()
	report.Results = results
	for _, res := range results {
		switch res.Status {
		case SweepCompleted:
			report.Completed++
			telemetry.SweepCompleted.Inc()
		case SweepSkipped:
			report.Skipped++
			telemetry.SweepSkipped.Inc()
		default:
			report.Failed++
			telemetry.SweepFailed.Inc()
		}
	}
	r.log.Info("night shift sweep finished",
		zap.Int("projects", len(projects)),
		zap.Int("completed", report.Completed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (r *Runner) sweepProject(ctx context.Context, project models.Project) (result ProjectResult) {
	result = ProjectResult{ProjectID: project.ID, Status: SweepFailed}
	logID, logErr := r.store.AppendTaskLog(ctx, project.ID, models.AgentNightShift, "health_check", "sweep starting")

	defer func() {
		if rec := recover(); rec != nil {
			result.Status = SweepFailed
			result.Detail = fmt.Sprintf("panic during sweep: %v", rec)
			r.log.Error("sweep panicked", zap.String("project_id", project.ID), zap.Any("panic", rec))
		}
		if logErr == nil {
			status := models.TaskCompleted
			if result.Status == SweepFailed {
				status = models.TaskFailed
			} else if result.Status == SweepSkipped {
				status = models.TaskSkipped
			}
			_ = r.store.ResolveTaskLog(ctx, logID, status, result.Detail)
		}
	}()

	// An unresolved human decision always blocks autonomous action; acting
	// past it would mean acting on assumptions the decision may invalidate.
	pending, err := r.store.CountPendingApprovals(ctx, project.ID)
	if err != nil {
		result.Detail = fmt.Sprintf("count pending approvals: %v", err)
		return result
	}
	if pending > 0 {
		result.Status = SweepSkipped
		result.Detail = fmt.Sprintf("%d pending approval(s) block autonomous action", pending)
		r.log.Info("sweep skipped", zap.String("project_id", project.ID), zap.Int("pending", pending))
		return result
	}

	packet, found, err := r.store.LatestPacket(ctx, project.ID, project.Phase)
	if err != nil {
		result.Detail = fmt.Sprintf("load packet: %v", err)
		return result
	}
	if !found {
		result.Status = SweepSkipped
		result.Detail = fmt.Sprintf("no packet for phase %d yet", project.Phase)
		return result
	}

	parsed, err := ParsePacket(project.Phase, packet.Content)
	if err != nil {
		result.Detail = fmt.Sprintf("parse packet %s: %v", packet.ID, err)
		return result
	}

	approvalsCreated, jobsEnqueued, logged := r.processActions(ctx, project, packet, parsed)

	if err := r.reviewRecentFailures(ctx, project, packet.ID); err != nil {
		result.Detail = fmt.Sprintf("failure review: %v", err)
		return result
	}

	result.Status = SweepCompleted
	result.Detail = fmt.Sprintf("%d approval(s) queued, %d job(s) enqueued, %d action(s) logged only", approvalsCreated, jobsEnqueued, logged)
	return result
}

// processActions classifies each candidate and routes it. At most one
// candidate per resolved action type is honored per sweep; repeats become
// plain log entries so one run cannot request the same approval twice.
func (r *Runner) processActions(ctx context.Context, project models.Project, packet models.Packet, parsed PhasePacket) (approvalsCreated, jobsEnqueued, logged int) {
	seen := map[string]bool{}
	for _, action := range parsed.CandidateActions() {
		stepID, stepErr := r.store.AppendTaskLog(ctx, project.ID, models.AgentNightShift, "action", action)
		resolve := func(status, detail string) {
			if stepErr == nil {
				_ = r.store.ResolveTaskLog(ctx, stepID, status, detail)
			}
		}

		rule, ok := Classify(action, project.Phase, project.Permissions)
		if !ok {
			logged++
			resolve(models.TaskCompleted, "no rule matched; logged only")
			continue
		}
		if seen[rule.ActionType] {
			logged++
			resolve(models.TaskCompleted, fmt.Sprintf("duplicate %s in this sweep; logged only", rule.ActionType))
			continue
		}
		seen[rule.ActionType] = true

		if rule.AutoExecute {
			if err := r.autoExecute(ctx, project, packet, rule, action); err != nil {
				resolve(models.TaskFailed, err.Error())
				continue
			}
			jobsEnqueued++
			resolve(models.TaskCompleted, fmt.Sprintf("enqueued %s execution", rule.ActionType))
			continue
		}

		created, err := r.queueApproval(ctx, project, packet, rule, action, parsed.Confidence)
		if err != nil {
			resolve(models.TaskFailed, err.Error())
			continue
		}
		if !created {
			logged++
			resolve(models.TaskCompleted, fmt.Sprintf("open %s approval already exists; skipped", rule.ActionType))
			continue
		}
		approvalsCreated++
		resolve(models.TaskCompleted, fmt.Sprintf("queued %s approval", rule.ActionType))
	}
	return approvalsCreated, jobsEnqueued, logged
}

// queueApproval inserts an approval unless an open one already exists for
// the (project, phase, action_type) triple. The check-then-insert is best
// effort: the race window is small and a duplicate approval is a nuisance,
// not a correctness violation.
func (r *Runner) queueApproval(ctx context.Context, project models.Project, packet models.Packet, rule Rule, action string, confidence float64) (bool, error) {
	exists, err := r.store.HasOpenApproval(ctx, project.ID, project.Phase, rule.ActionType)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	payload := map[string]any{
		"source_action": action,
		"confidence":    confidence,
	}
	if rule.ActionType == models.ActionActivateMetaAds {
		payload["budget_cap"] = project.Permissions.AdsBudgetCap
	}

	_, err = r.store.CreateApproval(ctx, store.CreateApprovalParams{
		ProjectID:   project.ID,
		Phase:       project.Phase,
		PacketID:    packet.ID,
		Type:        models.ApprovalTypeExecution,
		Title:       rule.Title,
		Description: action,
		Risk:        rule.Risk,
		ActionType:  rule.ActionType,
		Payload:     payload,
	})
	if err != nil {
		return false, err
	}
	telemetry.ApprovalsCreated.Inc()
	return true, nil
}

// autoExecute enqueues a low-risk action directly. The key is derived from
// the canonicalized payload so re-sweeping the same packet cannot enqueue the
// work twice while the first job is still live.
func (r *Runner) autoExecute(ctx context.Context, project models.Project, packet models.Packet, rule Rule, action string) error {
	payload := map[string]any{
		"action_type":   rule.ActionType,
		"source_action": action,
		"packet_id":     packet.ID,
	}
	key, err := idem.FromPayload("autoexec:"+project.ID, payload)
	if err != nil {
		return err
	}
	_, _, err = r.jobs.Dispatch(ctx, store.CreateJobParams{
		ProjectID:      project.ID,
		Type:           models.JobActionExecution,
		AgentKey:       models.AgentNightShift,
		Priority:       models.PriorityBackground,
		Payload:        payload,
		IdempotencyKey: key,
	})
	return err
}

// reviewRecentFailures forces human attention when the recent window saw
// failed tasks, via a medium-risk approval (deduplicated like any other).
func (r *Runner) reviewRecentFailures(ctx context.Context, project models.Project, packetID string) error {
	failures, err := r.store.CountRecentTaskFailures(ctx, project.ID, r.opts.FailureWindow)
	if err != nil {
		return err
	}
	if failures == 0 {
		return nil
	}

	exists, err := r.store.HasOpenApproval(ctx, project.ID, project.Phase, models.ActionReviewFailures)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = r.store.CreateApproval(ctx, store.CreateApprovalParams{
		ProjectID:   project.ID,
		Phase:       project.Phase,
		PacketID:    packetID,
		Type:        models.ApprovalTypeExecution,
		Title:       "Review recent task failures",
		Description: fmt.Sprintf("%d task(s) failed in the last %s; review before the night shift continues", failures, r.opts.FailureWindow),
		Risk:        models.RiskMedium,
		ActionType:  models.ActionReviewFailures,
		Payload:     map[string]any{"failures": failures},
	})
	if err != nil {
		return err
	}
	telemetry.ApprovalsCreated.Inc()
	return nil
}
