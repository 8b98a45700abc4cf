package models

import "time"

// Pipeline phases. Every project walks 0 through 3; phase advancement is
// gated by an approved phase_advance entry.
const (
	PhaseValidation = 0
	PhaseBuild      = 1
	PhaseLaunch     = 2
	PhaseGrowth     = 3
)

// Runtime modes for a project's agent workloads.
const (
	RuntimeShared   = "shared"
	RuntimeAttached = "attached"
)

// Permissions are per-project capability grants. The night shift never
// resolves an action whose grant is missing, and the execution handler
// re-checks before running.
type Permissions struct {
	RepoWrite    bool    `json:"repo_write"`
	Deploy       bool    `json:"deploy"`
	EmailSend    bool    `json:"email_send"`
	AdsEnabled   bool    `json:"ads_enabled"`
	AdsBudgetCap float64 `json:"ads_budget_cap"`
}

// Project is read-mostly from this core's point of view: the only mutation
// it performs is the phase increment on an approved phase advance.
type Project struct {
	ID                string      `json:"id"`
	OwnerID           string      `json:"owner_id"`
	Name              string      `json:"name"`
	Phase             int         `json:"phase"`
	Permissions       Permissions `json:"permissions"`
	RuntimeMode       string      `json:"runtime_mode"`
	RepoURL           string      `json:"repo_url"`
	NightShiftEnabled bool        `json:"night_shift_enabled"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Packet is a phase deliverable produced by a generation job. Content is the
// phase-specific structured document; the night shift parses it for
// candidate next actions.
type Packet struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Phase     int            `json:"phase"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Task log statuses.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskSkipped   = "skipped"
)

// TaskLog is an auditable record of a single autonomous step. The night
// shift writes one per step so a skipped or failed sweep is reconstructable.
type TaskLog struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Agent     string    `json:"agent"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
