package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"venture-console/internal/apperr"
	"venture-console/internal/models"
)

// CreateApprovalParams collects inputs for an approval queue entry.
type CreateApprovalParams struct {
	ProjectID   string
	Phase       int
	PacketID    string
	Type        string
	Title       string
	Description string
	Risk        string
	ActionType  string
	Payload     map[string]any
}

// CreateApproval inserts a pending approval at version 1.
func (s *Store) CreateApproval(ctx context.Context, p CreateApprovalParams) (models.Approval, error) {
	if p.Risk == "" {
		p.Risk = models.RiskMedium
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Approval{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approvals (id, project_id, phase, packet_id, type, title, description, risk, action_type, payload, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
	`, id, p.ProjectID, p.Phase, emptyToNil(p.PacketID), p.Type, p.Title, p.Description, p.Risk, p.ActionType, payloadJSON, models.ApprovalPending, now)
	if err != nil {
		return models.Approval{}, fmt.Errorf("insert approval: %w", err)
	}

	return models.Approval{
		ID:          id,
		ProjectID:   p.ProjectID,
		Phase:       p.Phase,
		PacketID:    emptyToNil(p.PacketID),
		Type:        p.Type,
		Title:       p.Title,
		Description: p.Description,
		Risk:        p.Risk,
		ActionType:  p.ActionType,
		Payload:     p.Payload,
		Status:      models.ApprovalPending,
		Version:     1,
		CreatedAt:   now,
	}, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (models.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, phase, packet_id, type, title, description, risk, action_type, payload, status, version, created_at, decided_at, resolved_by
		FROM approvals WHERE id = $1
	`, id)

	var a models.Approval
	var payloadJSON []byte
	var packetID, resolvedBy pgtype.Text
	var decidedAt pgtype.Timestamptz

	err := row.Scan(&a.ID, &a.ProjectID, &a.Phase, &packetID, &a.Type, &a.Title, &a.Description, &a.Risk, &a.ActionType, &payloadJSON, &a.Status, &a.Version, &a.CreatedAt, &decidedAt, &resolvedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Approval{}, apperr.NotFound("approval %s", id)
	}
	if err != nil {
		return models.Approval{}, fmt.Errorf("scan approval: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
		return models.Approval{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	a.PacketID = textPtr(packetID)
	a.ResolvedBy = textPtr(resolvedBy)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return a, nil
}

// ApplyDecision performs the compare-and-set decision update: the row is
// mutated only if the stored version still equals expectedVersion, and the
// version is incremented by exactly one. On a version miss it returns
// Conflict carrying the stored version; on a missing row, NotFound.
func (s *Store) ApplyDecision(ctx context.Context, id string, expectedVersion int, decision, resolvedBy string) (int, error) {
	var newVersion int
	err := s.pool.QueryRow(ctx, `
		UPDATE approvals
		SET status = $3, version = version + 1, decided_at = NOW(), resolved_by = $4
		WHERE id = $1 AND version = $2 AND status = $5
		RETURNING version
	`, id, expectedVersion, decision, resolvedBy, models.ApprovalPending).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("apply decision: %w", err)
	}

	// CAS missed: distinguish a stale version from a missing row.
	var current int
	var status string
	err = s.pool.QueryRow(ctx, `SELECT version, status FROM approvals WHERE id = $1`, id).Scan(&current, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("approval %s", id)
	}
	if err != nil {
		return 0, fmt.Errorf("read approval version: %w", err)
	}
	return 0, apperr.Conflict(current, "approval %s is at version %d (status %s), expected %d", id, current, status, expectedVersion)
}

// CountPendingApprovals returns the number of unresolved entries for a project.
func (s *Store) CountPendingApprovals(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM approvals WHERE project_id = $1 AND status = $2
	`, projectID, models.ApprovalPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}

// HasOpenApproval reports whether a pending or approved entry already exists
// for the (project, phase, action_type) triple. Used by the night shift for
// cross-run deduplication; the check-then-insert is best effort.
func (s *Store) HasOpenApproval(ctx context.Context, projectID string, phase int, actionType string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM approvals
		WHERE project_id = $1 AND phase = $2 AND action_type = $3 AND status IN ($4, $5)
	`, projectID, phase, actionType, models.ApprovalPending, models.ApprovalApproved).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check open approval: %w", err)
	}
	return n > 0, nil
}
