package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"venture-console/internal/apperr"
	"venture-console/internal/models"
)

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, phase, permissions, runtime_mode, repo_url, night_shift_enabled, created_at, updated_at
		FROM projects WHERE id = $1
	`, id)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, apperr.NotFound("project %s", id)
	}
	return p, err
}

// ListNightShiftProjects returns up to limit opted-in projects, least
// recently updated first, so stale projects get swept before busy ones.
func (s *Store) ListNightShiftProjects(ctx context.Context, limit int) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, phase, permissions, runtime_mode, repo_url, night_shift_enabled, created_at, updated_at
		FROM projects
		WHERE night_shift_enabled
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list night shift projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdvancePhase increments the project phase, guarded by the phase the caller
// read. A second concurrent advance misses the guard and returns Conflict.
func (s *Store) AdvancePhase(ctx context.Context, projectID string, fromPhase int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET phase = phase + 1, updated_at = NOW()
		WHERE id = $1 AND phase = $2
	`, projectID, fromPhase)
	if err != nil {
		return fmt.Errorf("advance phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(0, "project %s is no longer at phase %d", projectID, fromPhase)
	}
	return nil
}

// LatestPacket returns the newest packet for the project at the given phase.
func (s *Store) LatestPacket(ctx context.Context, projectID string, phase int) (models.Packet, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, phase, content, created_at
		FROM packets
		WHERE project_id = $1 AND phase = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, phase)

	var pkt models.Packet
	var contentJSON []byte
	err := row.Scan(&pkt.ID, &pkt.ProjectID, &pkt.Phase, &contentJSON, &pkt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Packet{}, false, nil
	}
	if err != nil {
		return models.Packet{}, false, fmt.Errorf("scan packet: %w", err)
	}
	if err := json.Unmarshal(contentJSON, &pkt.Content); err != nil {
		return models.Packet{}, false, fmt.Errorf("unmarshal packet content: %w", err)
	}
	return pkt, true, nil
}

// AppendTaskLog inserts a running task-log row and returns its id.
func (s *Store) AppendTaskLog(ctx context.Context, projectID, agent, step, detail string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_logs (id, project_id, agent, step, status, detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, id, projectID, agent, step, models.TaskRunning, detail)
	if err != nil {
		return "", fmt.Errorf("insert task log: %w", err)
	}
	return id, nil
}

// ResolveTaskLog closes a task-log row with its final status and detail.
func (s *Store) ResolveTaskLog(ctx context.Context, id, status, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_logs SET status = $2, detail = $3, updated_at = NOW() WHERE id = $1
	`, id, status, detail)
	return err
}

// CountRecentTaskFailures tallies failed task-log rows for a project inside
// the window. The night shift uses a non-zero count to force human review.
func (s *Store) CountRecentTaskFailures(ctx context.Context, projectID string, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_logs
		WHERE project_id = $1 AND status = $2 AND created_at > NOW() - $3::interval
	`, projectID, models.TaskFailed, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent task failures: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (models.Project, error) {
	var p models.Project
	var permsJSON []byte
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Phase, &permsJSON, &p.RuntimeMode, &p.RepoURL, &p.NightShiftEnabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Project{}, err
	}
	if err := json.Unmarshal(permsJSON, &p.Permissions); err != nil {
		return models.Project{}, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return p, nil
}
