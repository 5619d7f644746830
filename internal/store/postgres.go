package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audio-render-pipeline/internal/models"
)

// Store conditions surfaced to callers.
var (
	// ErrNotFound means no job row exists for the id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState means the requested transition is illegal for the
	// job's current status (e.g. cancelling a completed job).
	ErrInvalidState = errors.New("invalid job state for requested transition")
	// ErrNotClaimed means the caller does not hold the job's lock; the write
	// was refused and the row is unchanged.
	ErrNotClaimed = errors.New("job lock not held by caller")
	// ErrProgressRegression means the caller holds the lock but asked to move
	// progress backwards. That is a programming error, not a lost claim.
	ErrProgressRegression = errors.New("progress update would move backwards")
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job state; every mutation is a conditional write guarded by
// current status or lock ownership.
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
	UserID     string
	ProjectID  string
	RenderID   string
	Payload    models.AudioJobPayload
	Priority   string
	MaxRetries int
	Metadata   map[string]string
}

// CreateJob inserts a pending job row. The payload is stored verbatim and
// never mutated afterwards.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO render_jobs (id, user_id, project_id, render_id, payload, status, priority, progress, stage, stage_message, retry_count, max_retries, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, '', 0, $9, $10, $11)
	`, id, p.UserID, emptyToNil(p.ProjectID), emptyToNil(p.RenderID), payloadJSON,
		models.StatusPending, p.Priority, string(models.StagePreparing), p.MaxRetries, metadataJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		UserID:     p.UserID,
		ProjectID:  emptyToNil(p.ProjectID),
		RenderID:   emptyToNil(p.RenderID),
		Payload:    p.Payload,
		Status:     models.StatusPending,
		Priority:   p.Priority,
		Progress:   0,
		Stage:      models.StagePreparing,
		MaxRetries: p.MaxRetries,
		Metadata:   p.Metadata,
		CreatedAt:  now,
	}, nil
}

const jobColumns = `id, user_id, project_id, render_id, payload, status, priority, progress, stage, stage_message, retry_count, max_retries, output_url, error_message, error_details, locked_at, locked_by, metadata, created_at, started_at, completed_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically moves a pending job to processing, recording lock
// ownership. The conditional write guarantees at most one worker claims a
// given job: the second return is false when another worker won the race or
// the job already left pending. That outcome is not an error.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE render_jobs
		SET status = $2, locked_by = $3, locked_at = $4, started_at = COALESCE(started_at, $4)
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns+`
	`, id, models.StatusProcessing, workerID, now, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// UpdateProgress records a stage boundary for a claimed job. The write is
// refused unless the caller holds the lock, and progress never moves
// backwards for a job.
func (s *Store) UpdateProgress(ctx context.Context, id, workerID string, progress int, stage models.RenderStage, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET progress = $4, stage = $5, stage_message = $6, locked_at = NOW()
		WHERE id = $1 AND status = $2 AND locked_by = $3 AND progress <= $4
	`, id, models.StatusProcessing, workerID, progress, string(stage), message)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Tell a lost claim apart from a backwards write while still owned.
		var current int
		err := s.pool.QueryRow(ctx, `
			SELECT progress FROM render_jobs
			WHERE id = $1 AND status = $2 AND locked_by = $3
		`, id, models.StatusProcessing, workerID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotClaimed
		}
		if err != nil {
			return fmt.Errorf("classify refused progress write: %w", err)
		}
		return fmt.Errorf("%w: have %d, got %d", ErrProgressRegression, current, progress)
	}
	return nil
}

// Heartbeat refreshes locked_at so the lease reaper leaves the job alone.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs SET locked_at = NOW()
		WHERE id = $1 AND status = $2 AND locked_by = $3
	`, id, models.StatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// CompleteJob finalizes a claimed job: output recorded, progress forced to
// 100, lock cleared.
func (s *Store) CompleteJob(ctx context.Context, id, workerID, outputURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $4, progress = 100, stage = $5, stage_message = $6,
		    output_url = $7, completed_at = NOW(), locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status = $2 AND locked_by = $3
	`, id, models.StatusProcessing, workerID,
		models.StatusCompleted, string(models.StageCompleted), models.StageCompleted.Message(), outputURL)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// RequeueRetry returns a failed job to pending with retry_count incremented
// and the lock cleared. The caller re-enqueues it with a backoff delay.
func (s *Store) RequeueRetry(ctx context.Context, id, workerID, errMsg, errDetails string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $4, retry_count = retry_count + 1,
		    error_message = $5, error_details = $6,
		    locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status = $2 AND locked_by = $3
	`, id, models.StatusProcessing, workerID, models.StatusPending, errMsg, errDetails)
	if err != nil {
		return fmt.Errorf("requeue retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// FailJob transitions a claimed job to terminal failed.
func (s *Store) FailJob(ctx context.Context, id, workerID, errMsg, errDetails string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $4, error_message = $5, error_details = $6,
		    completed_at = NOW(), locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status = $2 AND locked_by = $3
	`, id, models.StatusProcessing, workerID, models.StatusFailed, errMsg, errDetails)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// CancelJob cancels a job still in pending or processing. Workers notice the
// status change between stages and stop cooperatively; the row keeps
// cancelled even if a worker was mid-stage.
func (s *Store) CancelJob(ctx context.Context, id, reason string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE render_jobs
		SET status = $2, error_message = NULLIF($3, ''), completed_at = NOW(),
		    locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+jobColumns+`
	`, id, models.StatusCancelled, reason, models.StatusPending, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing from already-terminal.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrInvalidState
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

// ReapExpiredLocks requeues processing jobs whose lock has gone stale for
// longer than the lease, counting the interruption as a retry. Jobs that
// already burned through max_retries are failed instead of looping forever.
func (s *Store) ReapExpiredLocks(ctx context.Context, lease time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-lease)

	rows, err := s.pool.Query(ctx, `
		UPDATE render_jobs
		SET status = CASE WHEN retry_count + 1 > max_retries THEN $4 ELSE $3 END,
		    retry_count = retry_count + 1,
		    error_message = 'worker lease expired',
		    error_details = 'no heartbeat from ' || COALESCE(locked_by, 'unknown worker'),
		    completed_at = CASE WHEN retry_count + 1 > max_retries THEN NOW() ELSE completed_at END,
		    locked_at = NULL, locked_by = NULL
		WHERE status = $1 AND locked_at IS NOT NULL AND locked_at < $2
		RETURNING id
	`, models.StatusProcessing, cutoff, models.StatusPending, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("reap expired locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reaped id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFilter narrows ListJobs results. Zero values mean "any".
type ListFilter struct {
	Status string
	UserID string
	From   time.Time
	To     time.Time
}

// ListJobs returns jobs newest-first with keyset pagination. Limit is
// clamped to 1..50; the returned cursor is empty on the last page.
func (s *Store) ListJobs(ctx context.Context, filter ListFilter, cursor string, limit int) ([]models.Job, string, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	conds := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(filter.To))
	}
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("decode cursor: %w", err)
		}
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(at), arg(id)))
	}

	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

// PendingJobs returns the oldest pending jobs, for the queue rescue sweep.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM render_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PendingDepth counts claimable jobs, for metrics.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM render_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job          models.Job
		payloadJSON  []byte
		metadataJSON []byte
		projectID    pgtype.Text
		renderID     pgtype.Text
		stage        string
		outputURL    pgtype.Text
		errMsg       pgtype.Text
		errDetails   pgtype.Text
		lockedAt     pgtype.Timestamptz
		lockedBy     pgtype.Text
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)

	err := row.Scan(&job.ID, &job.UserID, &projectID, &renderID, &payloadJSON, &job.Status,
		&job.Priority, &job.Progress, &stage, &job.StageMessage, &job.RetryCount, &job.MaxRetries,
		&outputURL, &errMsg, &errDetails, &lockedAt, &lockedBy, &metadataJSON,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	job.Stage = models.RenderStage(stage)
	job.ProjectID = textPtr(projectID)
	job.RenderID = textPtr(renderID)
	job.OutputURL = textPtr(outputURL)
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorDetails = textPtr(errDetails)
	job.LockedBy = textPtr(lockedBy)
	job.LockedAt = timePtr(lockedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
