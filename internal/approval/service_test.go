package approval

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"venture-console/internal/apperr"
	"venture-console/internal/idem"
	"venture-console/internal/models"
	"venture-console/internal/store"
)

type fakeStore struct {
	approvals map[string]models.Approval
	projects  map[string]models.Project
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		approvals: map[string]models.Approval{},
		projects:  map[string]models.Project{},
	}
}

func (f *fakeStore) GetApproval(_ context.Context, id string) (models.Approval, error) {
	a, ok := f.approvals[id]
	if !ok {
		return models.Approval{}, apperr.NotFound("approval %s", id)
	}
	return a, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (models.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return models.Project{}, apperr.NotFound("project %s", id)
	}
	return p, nil
}

func (f *fakeStore) ApplyDecision(_ context.Context, id string, expectedVersion int, decision, resolvedBy string) (int, error) {
	a, ok := f.approvals[id]
	if !ok {
		return 0, apperr.NotFound("approval %s", id)
	}
	if a.Version != expectedVersion || a.Status != models.ApprovalPending {
		return 0, apperr.Conflict(a.Version, "version mismatch")
	}
	a.Status = decision
	a.Version++
	a.ResolvedBy = &resolvedBy
	f.approvals[id] = a
	return a.Version, nil
}

func (f *fakeStore) AdvancePhase(_ context.Context, projectID string, fromPhase int) error {
	p, ok := f.projects[projectID]
	if !ok {
		return apperr.NotFound("project %s", projectID)
	}
	if p.Phase != fromPhase {
		return apperr.Conflict(0, "phase moved")
	}
	p.Phase++
	f.projects[projectID] = p
	return nil
}

type fakeDispatcher struct {
	dispatched []store.CreateJobParams
	keys       map[string]models.Job
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{keys: map[string]models.Job{}}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, ok := f.keys[p.IdempotencyKey]; ok {
			return existing, true, nil
		}
	}
	job := models.Job{
		ID:        "job-" + strconv.Itoa(len(f.dispatched)+1),
		ProjectID: p.ProjectID,
		Type:      p.Type,
		Priority:  p.Priority,
		Payload:   p.Payload,
		Status:    models.StatusQueued,
	}
	f.dispatched = append(f.dispatched, p)
	if p.IdempotencyKey != "" {
		f.keys[p.IdempotencyKey] = job
	}
	return job, false, nil
}

func fixture() (*fakeStore, *fakeDispatcher, *Service) {
	st := newFakeStore()
	st.projects["proj-1"] = models.Project{ID: "proj-1", OwnerID: "owner-1", Phase: 0}
	st.approvals["appr-1"] = models.Approval{
		ID:         "appr-1",
		ProjectID:  "proj-1",
		Phase:      0,
		Type:       models.ApprovalTypePhaseAdvance,
		ActionType: models.ActionAdvancePhase,
		Status:     models.ApprovalPending,
		Version:    1,
	}
	jobs := newFakeDispatcher()
	return st, jobs, NewService(st, jobs, zap.NewNop())
}

func TestDecideNotFound(t *testing.T) {
	_, _, svc := fixture()
	_, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "missing", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalApproved,
	})
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDecideForbiddenForNonOwner(t *testing.T) {
	st, _, svc := fixture()
	_, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "intruder", ExpectedVersion: 1, Decision: models.ApprovalApproved,
	})
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	require.Equal(t, models.ApprovalPending, st.approvals["appr-1"].Status)
}

func TestDecideVersionGuard(t *testing.T) {
	for _, expected := range []int{0, 2} {
		st, jobs, svc := fixture()
		_, err := svc.Decide(context.Background(), DecideParams{
			ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: expected, Decision: models.ApprovalApproved,
		})
		require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "expectedVersion=%d", expected)
		current, ok := apperr.ConflictVersion(err)
		require.True(t, ok)
		require.Equal(t, 1, current, "conflict must carry the stored version")
		require.Equal(t, models.ApprovalPending, st.approvals["appr-1"].Status, "status must not mutate")
		require.Empty(t, jobs.dispatched, "no side effects on conflict")
	}
}

func TestDecideConcurrentRetrySucceedsOnce(t *testing.T) {
	st, _, svc := fixture()
	res, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalApproved,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.NewVersion)

	// A second caller replaying the same version must lose the CAS.
	_, err = svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalDenied,
	})
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	require.Equal(t, models.ApprovalApproved, st.approvals["appr-1"].Status)
}

func TestApprovePhaseAdvance(t *testing.T) {
	st, jobs, svc := fixture()
	res, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalApproved,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.NewVersion)
	require.True(t, res.Relaunch)
	require.Equal(t, 1, st.projects["proj-1"].Phase, "project phase must advance 0 -> 1")

	require.Len(t, jobs.dispatched, 1)
	job := jobs.dispatched[0]
	require.Equal(t, models.JobPhaseGeneration, job.Type)
	require.Equal(t, idem.FromID("phasegen", "proj-1", "1"), job.IdempotencyKey)

	// A retried handler must not produce a second generation job.
	_, ok := jobs.keys[job.IdempotencyKey]
	require.True(t, ok)
}

func TestApproveExecutableAction(t *testing.T) {
	st, jobs, svc := fixture()
	st.approvals["appr-2"] = models.Approval{
		ID:         "appr-2",
		ProjectID:  "proj-1",
		Phase:      2,
		Type:       models.ApprovalTypeExecution,
		ActionType: models.ActionActivateMetaAds,
		Payload:    map[string]any{"budget_cap": 50.0},
		Status:     models.ApprovalPending,
		Version:    1,
	}

	res, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-2", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalApproved,
	})
	require.NoError(t, err)
	require.True(t, res.Relaunch)

	require.Len(t, jobs.dispatched, 1)
	job := jobs.dispatched[0]
	require.Equal(t, models.JobActionExecution, job.Type)
	require.Equal(t, models.PriorityUserBlocking, job.Priority)
	require.Equal(t, idem.FromID("approval", "appr-2"), job.IdempotencyKey)
	require.Equal(t, models.ActionActivateMetaAds, job.Payload["action_type"])
}

func TestRevisedWithoutGuidanceRejected(t *testing.T) {
	st, jobs, svc := fixture()
	_, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalRevised, Guidance: "",
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	require.Equal(t, models.ApprovalPending, st.approvals["appr-1"].Status, "no state mutated")
	require.Equal(t, 1, st.approvals["appr-1"].Version)
	require.Empty(t, jobs.dispatched)
}

func TestRevisedWithGuidanceEnqueuesRegeneration(t *testing.T) {
	_, jobs, svc := fixture()
	res, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1,
		Decision: models.ApprovalRevised, Guidance: "focus on B2B buyers instead",
	})
	require.NoError(t, err)
	require.True(t, res.Relaunch)

	require.Len(t, jobs.dispatched, 1)
	job := jobs.dispatched[0]
	require.Equal(t, models.JobPhaseGeneration, job.Type)
	require.Equal(t, "focus on B2B buyers instead", job.Payload["guidance"])
	require.Equal(t, idem.FromID("phasegen", "proj-1", "0", "revised"), job.IdempotencyKey)
	require.NotEqual(t, idem.FromID("phasegen", "proj-1", "0"), job.IdempotencyKey,
		"revised key must not collide with the superseded run")
}

func TestDeniedHasNoSideEffects(t *testing.T) {
	st, jobs, svc := fixture()
	res, err := svc.Decide(context.Background(), DecideParams{
		ApprovalID: "appr-1", CallerID: "owner-1", ExpectedVersion: 1, Decision: models.ApprovalDenied,
	})
	require.NoError(t, err)
	require.False(t, res.Relaunch)
	require.Equal(t, 0, st.projects["proj-1"].Phase)
	require.Empty(t, jobs.dispatched)
}
