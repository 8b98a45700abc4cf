package nightshift

import (
	"encoding/json"
	"fmt"

	"venture-console/internal/models"
)

// maxActionsPerSweep bounds how many candidate actions one sweep considers.
const maxActionsPerSweep = 3

// KPIs are the launch/growth metrics carried by phase >= 2 packets.
type KPIs struct {
	Visits  float64 `json:"visits"`
	Leads   float64 `json:"leads"`
	Revenue float64 `json:"revenue"`
}

// PhasePacket is the strongly-typed shape of a packet's content. Phases 0
// and 1 carry plan fields only; phases 2 and 3 add KPIs.
type PhasePacket struct {
	NextActions    []string `json:"next_actions"`
	Confidence     float64  `json:"confidence"`
	Recommendation string   `json:"recommendation"`
	KPIs           *KPIs    `json:"kpis,omitempty"`
}

// ParsePacket decodes a packet's content into its phase schema. The content
// is free-form JSON written by a generation agent, so parsing is defensive:
// a missing next_actions list is an empty plan, not an error, but content
// that is not an object at all is.
func ParsePacket(phase int, content map[string]any) (PhasePacket, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return PhasePacket{}, fmt.Errorf("re-encode packet content: %w", err)
	}
	var pkt PhasePacket
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return PhasePacket{}, fmt.Errorf("packet content does not match phase %d schema: %w", phase, err)
	}
	if phase < models.PhaseLaunch {
		pkt.KPIs = nil
	}
	return pkt, nil
}

// CandidateActions returns the bounded candidate list for one sweep:
// the packet's next actions, augmented by KPI-derived heuristics, truncated
// to maxActionsPerSweep. Heuristics are appended before truncation so a
// packet full of plan items can still crowd them out.
func (p PhasePacket) CandidateActions() []string {
	actions := make([]string, 0, len(p.NextActions)+2)
	actions = append(actions, p.NextActions...)
	actions = append(actions, p.heuristicActions()...)
	if len(actions) > maxActionsPerSweep {
		actions = actions[:maxActionsPerSweep]
	}
	return actions
}

// heuristicActions derives extra candidates from KPI shape: traffic without
// leads points at conversion, leads without revenue at re-engagement.
func (p PhasePacket) heuristicActions() []string {
	if p.KPIs == nil {
		return nil
	}
	var out []string
	if p.KPIs.Visits > 0 && p.KPIs.Leads == 0 {
		out = append(out, "improve landing page conversion: traffic arriving but no leads captured")
	}
	if p.KPIs.Leads > 0 && p.KPIs.Revenue == 0 {
		out = append(out, "send re-engagement email to warm leads that have not converted")
	}
	return out
}
