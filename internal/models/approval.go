package models

import "time"

// Approval statuses. Pending is the only non-terminal state; a decision
// resolves the entry exactly once per version.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalRevised  = "revised"
)

// Approval queue entry kinds.
const (
	ApprovalTypePhaseAdvance = "phase_advance"
	ApprovalTypeExecution    = "execution"
)

// Risk levels attached to approval entries.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

// ValidDecision reports whether d is a terminal decision status.
func ValidDecision(d string) bool {
	return d == ApprovalApproved || d == ApprovalDenied || d == ApprovalRevised
}

// Approval is a human-in-the-loop gate. Version is the optimistic
// concurrency guard: every mutation must supply the version it read, and the
// store only applies it if the stored version still matches.
type Approval struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Phase       int            `json:"phase"`
	PacketID    *string        `json:"packet_id,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Risk        string         `json:"risk"`
	ActionType  string         `json:"action_type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	ResolvedBy  *string        `json:"resolved_by,omitempty"`
}

// Open reports whether the entry still gates or authorizes work. Approved
// entries stay open for deduplication until their execution job drains.
func (a Approval) Open() bool {
	return a.Status == ApprovalPending || a.Status == ApprovalApproved
}
