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
	"github.com/jackc/pgx/v5/pgxpool"

	"venture-console/internal/apperr"
	"venture-console/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ProjectID      string
	Type           string
	AgentKey       string
	Priority       string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring the idempotency key if provided:
// at most one non-terminal job exists per key, and a second enqueue with the
// same key returns the existing job. The returned bool reports reuse.
//
// The key claim is a unique insert inside the same transaction as the job
// row, so two concurrent callers with one key race on the constraint and the
// loser reads back the winner's job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(p.Priority) {
		return models.Job{}, false, apperr.Validation("unknown priority %q", p.Priority)
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// Fast path: the key already maps to a live job.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, project_id, type, agent_key, priority, payload, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
	`, id, p.ProjectID, p.Type, p.AgentKey, p.Priority, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			e := now.Add(p.IdempotencyTTL)
			expires = &e
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return their job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		AgentKey:       p.AgentKey,
		Priority:       p.Priority,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// terminalStatuses mirrors models.Job.Terminal for use in SQL filters.
var terminalStatuses = []string{
	models.StatusCompleted,
	models.StatusFailed,
	models.StatusCancelled,
	models.StatusDeadLetter,
}

// FindByIdempotencyKey returns the job mapped to the key if present,
// unexpired, and still live. Keys on terminal jobs are ignored: a stranded
// key must never resolve a fresh enqueue to a dead job.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT k.job_id FROM idempotency_keys k
		JOIN jobs j ON j.id = k.job_id
		WHERE k.key = $1
		  AND (k.expires_at IS NULL OR k.expires_at > NOW())
		  AND NOT (j.status = ANY($2))
	`, key, terminalStatuses).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// finalizeJob applies a terminal status update and releases the job's
// idempotency key in one transaction. The key delete must not be separable
// from the status change: a key left behind on a dead job would swallow every
// later enqueue with that key until the TTL expires.
func (s *Store) finalizeJob(ctx context.Context, id, update string, args ...any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("release idempotency key for %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, type, agent_key, priority, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var idem pgtype.Text

	if err := row.Scan(&job.ID, &job.ProjectID, &job.Type, &job.AgentKey, &job.Priority, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, apperr.NotFound("job %s", id)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

// MarkRunning transitions a leased job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusRunning)
	return err
}

// SetWorkerID records which worker leased the job.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1
	`, id, workerID)
	return err
}

// MarkCompleted records the terminal success transition and releases the
// idempotency key atomically.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.finalizeJob(ctx, id, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCompleted)
}

// MarkFailed records the terminal failure transition with attempt count and
// reason, and releases the idempotency key. It does not re-enqueue; retry is
// an explicit caller decision.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	return s.finalizeJob(ctx, id, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, attempts, reason)
}

// MarkCancelled sets status cancelled, clears the last error, and releases
// the idempotency key.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.finalizeJob(ctx, id, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCancelled)
}

// MarkDeadLetter flags a job whose attempts are exhausted.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	return s.finalizeJob(ctx, id, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
}

// RequeueAttempt records a failed attempt and schedules the next run.
func (s *Store) RequeueAttempt(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// MarkQueued resets a reclaimed job to queued without touching attempts.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusQueued)
	return err
}

// AppendAudit adds a job-level audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// VisibleJobs returns count of jobs ready to run (next_run_at <= now and queued).
func (s *Store) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
