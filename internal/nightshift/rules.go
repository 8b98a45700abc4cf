package nightshift

import (
	"strings"

	"venture-console/internal/models"
)

// Rule resolves a free-text candidate action to a known action type.
// Free-text matching is inherently fuzzy; an ordered table with
// first-match-wins keeps the behavior deterministic and testable.
type Rule struct {
	ActionType string
	Keywords   []string
	MinPhase   int
	Requires   func(models.Permissions) bool
	Risk       string
	// AutoExecute routes the action straight to an execution job instead of
	// an approval entry. Only low-risk rules set it.
	AutoExecute bool
	Title       string
}

// ruleTable is evaluated top to bottom; order encodes priority
// (ads before email before repo workflow before deploy).
var ruleTable = []Rule{
	{
		ActionType: models.ActionActivateMetaAds,
		Keywords:   []string{"meta ads", "ad campaign", "ads campaign", "paid ads"},
		MinPhase:   models.PhaseLaunch,
		Requires:   func(p models.Permissions) bool { return p.AdsEnabled },
		Risk:       models.RiskHigh,
		Title:      "Activate paid ads campaign",
	},
	{
		ActionType: models.ActionSendEmail,
		Keywords:   []string{"email", "newsletter", "outreach", "re-engage"},
		MinPhase:   models.PhaseLaunch,
		Requires:   func(p models.Permissions) bool { return p.EmailSend },
		Risk:       models.RiskMedium,
		Title:      "Send marketing email",
	},
	{
		ActionType: models.ActionRunRepoWorkflow,
		Keywords:   []string{"pull request", "implement", "fix bug", "refactor", "workflow", "landing page"},
		MinPhase:   models.PhaseBuild,
		Requires:   func(p models.Permissions) bool { return p.RepoWrite },
		Risk:       models.RiskMedium,
		Title:      "Run repository workflow",
	},
	{
		ActionType: models.ActionTriggerDeploy,
		Keywords:   []string{"deploy", "release", "ship"},
		MinPhase:   models.PhaseBuild,
		Requires:   func(p models.Permissions) bool { return p.Deploy },
		Risk:       models.RiskHigh,
		Title:      "Trigger deployment",
	},
	{
		ActionType:  models.ActionPostUpdate,
		Keywords:    []string{"status update", "changelog", "announce progress"},
		MinPhase:    models.PhaseBuild,
		Requires:    func(models.Permissions) bool { return true },
		Risk:        models.RiskLow,
		AutoExecute: true,
		Title:       "Post status update",
	},
}

// Classify matches a candidate action against the rule table. A rule fires
// only if one of its keyword fragments appears (case-insensitive) and its
// phase and permission preconditions hold. Returns false when no rule fires,
// which the sweep records as a plain log entry.
func Classify(action string, phase int, perms models.Permissions) (Rule, bool) {
	lowered := strings.ToLower(action)
	for _, rule := range ruleTable {
		if phase < rule.MinPhase {
			continue
		}
		if !rule.Requires(perms) {
			continue
		}
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, kw) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}
