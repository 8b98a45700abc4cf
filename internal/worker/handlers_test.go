package worker

import (
	"context"
	"testing"

	"venture-console/internal/models"
)

type recordingExecutor struct {
	calls []string
}

func (r *recordingExecutor) ExecuteApprovedAction(_ context.Context, projectID, actionType string, _ map[string]any) error {
	r.calls = append(r.calls, projectID+"/"+actionType)
	return nil
}

type staticProjects struct {
	project models.Project
}

func (s *staticProjects) GetProject(context.Context, string) (models.Project, error) {
	return s.project, nil
}

func TestActionExecutionRechecksPermissions(t *testing.T) {
	exec := &recordingExecutor{}
	projects := &staticProjects{project: models.Project{
		ID:          "proj-1",
		Permissions: models.Permissions{AdsEnabled: false, EmailSend: true},
	}}
	h := NewActionExecutionHandler(projects, exec)

	job := models.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		Type:      models.JobActionExecution,
		Payload:   map[string]any{"action_type": models.ActionActivateMetaAds},
	}
	if err := h.Handle(context.Background(), job); err == nil {
		t.Fatal("expected permission error for revoked ads grant")
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor must not run without the grant: %v", exec.calls)
	}

	job.Payload = map[string]any{"action_type": models.ActionSendEmail}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("granted action failed: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "proj-1/"+models.ActionSendEmail {
		t.Fatalf("unexpected executor calls: %v", exec.calls)
	}
}

func TestActionExecutionRejectsMissingActionType(t *testing.T) {
	h := NewActionExecutionHandler(&staticProjects{}, &recordingExecutor{})
	job := models.Job{ID: "job-1", ProjectID: "proj-1", Payload: map[string]any{}}
	if err := h.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error for payload without action_type")
	}
}
