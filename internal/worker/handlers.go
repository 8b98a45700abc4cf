package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"venture-console/internal/agent"
	"venture-console/internal/apperr"
	"venture-console/internal/archive"
	"venture-console/internal/models"
	"venture-console/internal/nightshift"
	"venture-console/internal/retry"
)

// projectReader is the store slice the execution handler needs for its
// permission re-check.
type projectReader interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
}

// PhaseGenerationHandler runs phase packet generation via the agent runtime.
type PhaseGenerationHandler struct {
	generator agent.PacketGenerator
}

func NewPhaseGenerationHandler(g agent.PacketGenerator) *PhaseGenerationHandler {
	return &PhaseGenerationHandler{generator: g}
}

type phaseGenerationPayload struct {
	Phase    int    `json:"phase"`
	Guidance string `json:"guidance"`
	Forced   bool   `json:"forced"`
}

func (h *PhaseGenerationHandler) Handle(ctx context.Context, job models.Job) error {
	var payload phaseGenerationPayload
	if err := decodePayload(job, &payload); err != nil {
		return retry.Permanent(err)
	}
	return h.generator.GenerateNextPhasePacket(ctx, job.ProjectID, payload.Phase, payload.Guidance)
}

// ActionExecutionHandler carries out an approved (or auto-approved) action.
// Permissions are re-checked against the live project right before
// execution: a grant revoked between approval and execution must win.
type ActionExecutionHandler struct {
	projects projectReader
	executor agent.ActionExecutor
}

func NewActionExecutionHandler(projects projectReader, e agent.ActionExecutor) *ActionExecutionHandler {
	return &ActionExecutionHandler{projects: projects, executor: e}
}

type actionExecutionPayload struct {
	ActionType string         `json:"action_type"`
	ApprovalID string         `json:"approval_id"`
	Params     map[string]any `json:"params"`
}

func (h *ActionExecutionHandler) Handle(ctx context.Context, job models.Job) error {
	var payload actionExecutionPayload
	if err := decodePayload(job, &payload); err != nil {
		return retry.Permanent(err)
	}
	if payload.ActionType == "" {
		return retry.Permanent(fmt.Errorf("execution job %s has no action_type", job.ID))
	}

	project, err := h.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if err := checkActionPermission(payload.ActionType, project.Permissions); err != nil {
		return retry.Permanent(err)
	}

	return h.executor.ExecuteApprovedAction(ctx, job.ProjectID, payload.ActionType, job.Payload)
}

func checkActionPermission(actionType string, perms models.Permissions) error {
	switch actionType {
	case models.ActionActivateMetaAds:
		if !perms.AdsEnabled {
			return apperr.Forbidden("ads_enabled grant missing for %s", actionType)
		}
	case models.ActionSendEmail:
		if !perms.EmailSend {
			return apperr.Forbidden("email_send grant missing for %s", actionType)
		}
	case models.ActionRunRepoWorkflow:
		if !perms.RepoWrite {
			return apperr.Forbidden("repo_write grant missing for %s", actionType)
		}
	case models.ActionTriggerDeploy:
		if !perms.Deploy {
			return apperr.Forbidden("deploy grant missing for %s", actionType)
		}
	}
	return nil
}

// NightShiftHandler runs one full sweep and archives the report.
type NightShiftHandler struct {
	runner   *nightshift.Runner
	archiver archive.Archiver
	log      *zap.Logger
}

func NewNightShiftHandler(runner *nightshift.Runner, archiver archive.Archiver, log *zap.Logger) *NightShiftHandler {
	return &NightShiftHandler{runner: runner, archiver: archiver, log: log}
}

func (h *NightShiftHandler) Handle(ctx context.Context, job models.Job) error {
	report, err := h.runner.Run(ctx)
	if err != nil {
		return err
	}

	if h.archiver != nil {
		body, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode sweep report: %w", err)
		}
		key := fmt.Sprintf("nightshift/%s.json", report.StartedAt.Format(time.RFC3339))
		loc, err := h.archiver.Store(ctx, key, body, "application/json")
		if err != nil {
			// The sweep itself succeeded; losing the archive copy is not
			// worth re-running every project.
			h.log.Warn("archive sweep report failed", zap.Error(err))
		} else {
			h.log.Info("sweep report archived", zap.String("location", loc))
		}
	}
	return nil
}

func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	return nil
}
