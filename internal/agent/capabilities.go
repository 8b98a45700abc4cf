// Package agent defines the capability interfaces the orchestration core
// calls into. The real integrations (LLM runtimes, ad platform, mail
// provider, source-control host) live elsewhere; this core only depends on
// these contracts.
package agent

import (
	"context"

	"go.uber.org/zap"
)

// PacketGenerator produces the structured deliverable for a project phase.
// Guidance is non-empty only for forced regenerations after a revision.
type PacketGenerator interface {
	GenerateNextPhasePacket(ctx context.Context, projectID string, phase int, guidance string) error
}

// ActionExecutor carries out an approved autonomous action.
type ActionExecutor interface {
	ExecuteApprovedAction(ctx context.Context, projectID, actionType string, payload map[string]any) error
}

// LogRuntime is a stand-in runtime that records what it would have done.
// Useful for local development and worker smoke tests.
type LogRuntime struct {
	log *zap.Logger
}

// NewLogRuntime builds a logging stand-in for both capabilities.
func NewLogRuntime(log *zap.Logger) *LogRuntime {
	return &LogRuntime{log: log}
}

func (r *LogRuntime) GenerateNextPhasePacket(_ context.Context, projectID string, phase int, guidance string) error {
	r.log.Info("would generate phase packet",
		zap.String("project_id", projectID),
		zap.Int("phase", phase),
		zap.String("guidance", guidance))
	return nil
}

func (r *LogRuntime) ExecuteApprovedAction(_ context.Context, projectID, actionType string, payload map[string]any) error {
	r.log.Info("would execute approved action",
		zap.String("project_id", projectID),
		zap.String("action_type", actionType),
		zap.Any("payload", payload))
	return nil
}
