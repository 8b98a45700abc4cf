// Package approval implements the human-in-the-loop gate lifecycle:
// pending entries are resolved exactly once per version, and approved
// entries trigger downstream jobs through idempotent enqueues.
package approval

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"venture-console/internal/apperr"
	"venture-console/internal/idem"
	"venture-console/internal/models"
	"venture-console/internal/retry"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
)

// Store is the slice of persistence the service needs.
type Store interface {
	GetApproval(ctx context.Context, id string) (models.Approval, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	ApplyDecision(ctx context.Context, id string, expectedVersion int, decision, resolvedBy string) (int, error)
	AdvancePhase(ctx context.Context, projectID string, fromPhase int) error
}

// Dispatcher enqueues downstream jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// Service applies decisions to approval queue entries.
type Service struct {
	store Store
	jobs  Dispatcher
	log   *zap.Logger
}

// NewService wires the decision handler.
func NewService(st Store, jobs Dispatcher, log *zap.Logger) *Service {
	return &Service{store: st, jobs: jobs, log: log}
}

// DecideParams is one decision call from an authenticated owner.
type DecideParams struct {
	ApprovalID      string
	CallerID        string
	ExpectedVersion int
	Decision        string
	Guidance        string
}

// DecideResult reports the post-decision version and whether a downstream
// job was enqueued.
type DecideResult struct {
	NewVersion int
	Relaunch   bool
}

// Decide resolves a pending approval. The version compare-and-set is the
// sole mutation guard: concurrent decisions race on it and exactly one wins;
// the loser gets Conflict with the authoritative current version.
//
// Side effects run after the CAS and are themselves idempotent (keys derived
// from immutable identifiers), so a retried handler cannot double-enqueue.
func (s *Service) Decide(ctx context.Context, p DecideParams) (DecideResult, error) {
	if !models.ValidDecision(p.Decision) {
		return DecideResult{}, apperr.Validation("unknown decision %q", p.Decision)
	}

	var entry models.Approval
	err := retry.Do(ctx, "get approval", retry.DefaultOptions(), func(ctx context.Context) error {
		var err error
		entry, err = s.store.GetApproval(ctx, p.ApprovalID)
		return err
	})
	if err != nil {
		return DecideResult{}, err
	}

	var project models.Project
	err = retry.Do(ctx, "get project", retry.DefaultOptions(), func(ctx context.Context) error {
		var err error
		project, err = s.store.GetProject(ctx, entry.ProjectID)
		return err
	})
	if err != nil {
		return DecideResult{}, err
	}
	if project.OwnerID != p.CallerID {
		return DecideResult{}, apperr.Forbidden("caller %s does not own project %s", p.CallerID, project.ID)
	}

	// Guidance is mandatory input to a regeneration: a phase-advance entry
	// cannot be revised into nothing.
	if p.Decision == models.ApprovalRevised && p.Guidance == "" && models.IsPhaseAdvanceAction(entry.ActionType) {
		return DecideResult{}, apperr.Validation("revision of a phase-advance approval requires guidance")
	}

	var newVersion int
	err = retry.Do(ctx, "apply decision", retry.DefaultOptions(), func(ctx context.Context) error {
		var err error
		newVersion, err = s.store.ApplyDecision(ctx, p.ApprovalID, p.ExpectedVersion, p.Decision, p.CallerID)
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			telemetry.ApprovalConflicts.Inc()
		}
		return DecideResult{}, err
	}
	telemetry.ApprovalsDecided.Inc()

	relaunch, err := s.applySideEffects(ctx, entry, project, p)
	if err != nil {
		// The decision itself is committed; surface the side-effect failure
		// so the caller can retry, which is safe under the idempotency keys.
		return DecideResult{NewVersion: newVersion}, errors.Wrap(err, "decision applied but follow-up enqueue failed")
	}

	s.log.Info("approval decided",
		zap.String("approval_id", entry.ID),
		zap.String("project_id", project.ID),
		zap.String("decision", p.Decision),
		zap.Int("version", newVersion),
		zap.Bool("relaunch", relaunch))
	return DecideResult{NewVersion: newVersion, Relaunch: relaunch}, nil
}

func (s *Service) applySideEffects(ctx context.Context, entry models.Approval, project models.Project, p DecideParams) (bool, error) {
	switch p.Decision {
	case models.ApprovalApproved:
		if models.IsPhaseAdvanceAction(entry.ActionType) {
			return true, s.advancePhase(ctx, project)
		}
		if models.IsExecutableAction(entry.ActionType) {
			return true, s.enqueueExecution(ctx, entry)
		}
		return false, nil

	case models.ApprovalRevised:
		if p.Guidance == "" {
			return false, nil
		}
		return true, s.enqueueRegeneration(ctx, project, p.Guidance)

	default:
		return false, nil
	}
}

// advancePhase increments the project phase and enqueues generation of the
// next phase's packet. The phasegen key guarantees at-most-one generation per
// (project, phase) even if this handler is retried.
func (s *Service) advancePhase(ctx context.Context, project models.Project) error {
	nextPhase := project.Phase + 1

	err := retry.Do(ctx, "advance phase", retry.DefaultOptions(), func(ctx context.Context) error {
		return s.store.AdvancePhase(ctx, project.ID, project.Phase)
	})
	if err != nil && apperr.KindOf(err) != apperr.KindConflict {
		return err
	}
	// A phase conflict means another path already advanced; the enqueue
	// below still deduplicates on the phasegen key.

	_, _, err = s.jobs.Dispatch(ctx, store.CreateJobParams{
		ProjectID:      project.ID,
		Type:           models.JobPhaseGeneration,
		AgentKey:       models.AgentStrategist,
		Priority:       models.PriorityNormal,
		Payload:        map[string]any{"phase": nextPhase},
		IdempotencyKey: idem.FromID("phasegen", project.ID, strconv.Itoa(nextPhase)),
	})
	return err
}

func (s *Service) enqueueExecution(ctx context.Context, entry models.Approval) error {
	payload := map[string]any{
		"approval_id": entry.ID,
		"action_type": entry.ActionType,
		"params":      entry.Payload,
	}
	_, _, err := s.jobs.Dispatch(ctx, store.CreateJobParams{
		ProjectID:      entry.ProjectID,
		Type:           models.JobActionExecution,
		AgentKey:       models.AgentBuilder,
		Priority:       models.PriorityUserBlocking,
		Payload:        payload,
		IdempotencyKey: idem.FromID("approval", entry.ID),
	})
	return err
}

// enqueueRegeneration forces a re-run of the current phase's generation with
// the reviewer's guidance. The key carries a ":revised" suffix so it cannot
// collide with the superseded run's key.
func (s *Service) enqueueRegeneration(ctx context.Context, project models.Project, guidance string) error {
	_, _, err := s.jobs.Dispatch(ctx, store.CreateJobParams{
		ProjectID:      project.ID,
		Type:           models.JobPhaseGeneration,
		AgentKey:       models.AgentStrategist,
		Priority:       models.PriorityUserBlocking,
		Payload:        map[string]any{"phase": project.Phase, "guidance": guidance, "forced": true},
		IdempotencyKey: idem.FromID("phasegen", project.ID, strconv.Itoa(project.Phase), "revised"),
	})
	return err
}
