package models

// Action types the console knows how to advance or execute. The night shift
// resolves free-text candidate actions to these; the approval service maps
// approved entries to jobs by the same names.
const (
	ActionAdvancePhase = "advance_phase"
	ActionApprovePhase = "approve_phase_advance"

	ActionActivateMetaAds = "activate_meta_ads_campaign"
	ActionSendEmail       = "send_marketing_email"
	ActionRunRepoWorkflow = "run_repo_workflow"
	ActionTriggerDeploy   = "trigger_deploy"
	ActionPostUpdate      = "post_status_update"

	ActionReviewFailures = "review_failures"
)

var phaseAdvanceActions = map[string]bool{
	ActionAdvancePhase: true,
	ActionApprovePhase: true,
}

var executableActions = map[string]bool{
	ActionActivateMetaAds: true,
	ActionSendEmail:       true,
	ActionRunRepoWorkflow: true,
	ActionTriggerDeploy:   true,
	ActionPostUpdate:      true,
	ActionReviewFailures:  true,
}

// IsPhaseAdvanceAction reports whether an approved entry with this action
// type should increment the project phase and kick off next-phase generation.
func IsPhaseAdvanceAction(actionType string) bool {
	return phaseAdvanceActions[actionType]
}

// IsExecutableAction reports whether an approved entry with this action type
// should enqueue an execution job.
func IsExecutableAction(actionType string) bool {
	return executableActions[actionType]
}
