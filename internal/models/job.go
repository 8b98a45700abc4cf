package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job types the worker knows how to execute.
const (
	JobPhaseGeneration = "phase_generation"
	JobActionExecution = "action_execution"
	JobNightShift      = "night_shift"
)

// Agent keys identify which autonomous agent a job runs on behalf of.
const (
	AgentStrategist = "strategist"
	AgentBuilder    = "builder"
	AgentMarketer   = "marketer"
	AgentNightShift = "night_shift"
)

// Priorities, lowest to highest. Each maps to its own ready queue; workers
// drain user_blocking before normal before background.
const (
	PriorityBackground   = "background"
	PriorityNormal       = "normal"
	PriorityUserBlocking = "user_blocking"
)

// PriorityOrder is the drain order for ready queues, highest first.
var PriorityOrder = []string{PriorityUserBlocking, PriorityNormal, PriorityBackground}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p string) bool {
	for _, known := range PriorityOrder {
		if p == known {
			return true
		}
	}
	return false
}

// Job is a unit of agent work persisted in Postgres. The Redis queue holds
// only job IDs; this row is the source of truth for status and payload.
type Job struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Type           string         `json:"type"`
	AgentKey       string         `json:"agent_key"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can no longer transition.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// AuditLog is a job-level audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
