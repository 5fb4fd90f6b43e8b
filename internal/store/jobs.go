package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const jobColumns = `id, client_id, mode, status, input_ref, expected_output_ref, instructions,
	current_step, progress_details, cycle, agent_results, artifact_ref, test_results,
	inference_output_ref, error_message, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ClientID, &j.Mode, &j.Status, &j.InputRef, &j.ExpectedOutputRef,
		&j.Instructions, &j.CurrentStep, &j.ProgressDetails, &j.Cycle, &j.AgentResults,
		&j.ArtifactRef, &j.TestResults, &j.InferenceOutputRef, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if j.ProgressDetails == nil {
		j.ProgressDetails = map[string]any{}
	}
	if j.AgentResults == nil {
		j.AgentResults = []models.AgentResult{}
	}
	return &j, nil
}

// CreateJob inserts job after filling in defaults. The passed struct is updated
// with the values that were written.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, opts ...CreateOption) error {
	p := ResolveCreate(opts...)

	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Mode == "" {
		job.Mode = models.ModeTraining
	}
	if job.Status == "" {
		job.Status = models.JobStatusInitializing
	}
	if !job.Status.Valid() {
		return fmt.Errorf("create job: unknown status %q", job.Status)
	}
	if job.Cycle == 0 {
		job.Cycle = 1
	}
	if job.Cycle < 1 || job.Cycle > models.MaxCycles {
		return ErrCycleOutOfRange
	}
	if job.ProgressDetails == nil {
		job.ProgressDetails = map[string]any{}
	}
	if job.AgentResults == nil {
		job.AgentResults = []models.AgentResult{}
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil
	if job.Status.IsTerminal() {
		job.CompletedAt = &now
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	if p.Replace {
		query += ` ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			mode = EXCLUDED.mode,
			status = EXCLUDED.status,
			input_ref = EXCLUDED.input_ref,
			expected_output_ref = EXCLUDED.expected_output_ref,
			instructions = EXCLUDED.instructions,
			current_step = EXCLUDED.current_step,
			progress_details = EXCLUDED.progress_details,
			cycle = EXCLUDED.cycle,
			agent_results = EXCLUDED.agent_results,
			artifact_ref = EXCLUDED.artifact_ref,
			test_results = EXCLUDED.test_results,
			inference_output_ref = EXCLUDED.inference_output_ref,
			error_message = EXCLUDED.error_message,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`
	}

	_, err := s.pool.Exec(ctx, query,
		job.ID, job.ClientID, job.Mode, job.Status, job.InputRef, job.ExpectedOutputRef,
		job.Instructions, job.CurrentStep, job.ProgressDetails, job.Cycle, job.AgentResults,
		job.ArtifactRef, job.TestResults, job.InferenceOutputRef, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateJob
		}
		return classify("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get job", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		conds = append(conds, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Mode != "" {
		args = append(args, filter.Mode)
		conds = append(conds, fmt.Sprintf("mode = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a non-terminal job to status. Terminal jobs are left
// untouched and yield ErrInvalidTransition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("update job status: unknown status %q", status)
	}

	p := ResolveUpdate(opts...)
	if p.Cycle != nil && (*p.Cycle < 1 || *p.Cycle > models.MaxCycles) {
		return false, ErrCycleOutOfRange
	}

	var progress any
	if p.Progress != nil {
		progress = p.Progress
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			status = $2,
			current_step = COALESCE($3, current_step),
			progress_details = progress_details || COALESCE($4::jsonb, '{}'::jsonb),
			error_message = COALESCE($5, error_message),
			cycle = COALESCE($6::int, cycle),
			completed_at = CASE WHEN $7 THEN NOW() ELSE NULL END,
			updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, status, p.CurrentStep, progress, p.ErrorMessage, p.Cycle, status.IsTerminal())
	if err != nil {
		return false, classify("update job status", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var current models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("update job status", err)
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) AppendAgentResult(ctx context.Context, id uuid.UUID, result models.AgentResult) error {
	if result.RecordedAt.IsZero() {
		result.RecordedAt = time.Now().UTC()
	}
	return s.execOne(ctx, "append agent result",
		`UPDATE jobs SET agent_results = agent_results || jsonb_build_array($2::jsonb), updated_at = NOW()
		 WHERE id = $1`, id, result)
}

func (s *PostgresStore) SetArtifact(ctx context.Context, id uuid.UUID, ref string) error {
	return s.execOne(ctx, "set artifact",
		`UPDATE jobs SET artifact_ref = $2, updated_at = NOW() WHERE id = $1`, id, ref)
}

func (s *PostgresStore) SetTestResults(ctx context.Context, id uuid.UUID, results models.TestResults) error {
	return s.execOne(ctx, "set test results",
		`UPDATE jobs SET test_results = $2, updated_at = NOW() WHERE id = $1`, id, results)
}

func (s *PostgresStore) SetInferenceOutput(ctx context.Context, id uuid.UUID, ref string) error {
	return s.execOne(ctx, "set inference output",
		`UPDATE jobs SET inference_output_ref = $2, updated_at = NOW() WHERE id = $1`, id, ref)
}

// execOne runs a single-row update and reports ErrNotFound when no row matched.
func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, classify("delete job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReapOlderThan deletes terminal jobs that finished more than maxAge ago.
func (s *PostgresStore) ReapOlderThan(ctx context.Context, maxAge time.Duration) ([]JobRef, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < $1
		 RETURNING id, client_id`, cutoff)
	if err != nil {
		return nil, classify("reap jobs", err)
	}
	refs, err := scanRefs(rows)
	if err != nil {
		return nil, classify("reap jobs", err)
	}
	return refs, nil
}

// LatestArtifact returns the client's newest completed training job that produced a program.
func (s *PostgresStore) LatestArtifact(ctx context.Context, clientID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE client_id = $1 AND mode = 'training' AND status = 'completed' AND artifact_ref IS NOT NULL
		 ORDER BY completed_at DESC, created_at DESC
		 LIMIT 1`, clientID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("latest artifact", err)
	}
	return job, nil
}

// FailInterrupted fails every job a previous process left unfinished.
func (s *PostgresStore) FailInterrupted(ctx context.Context, reason string) ([]JobRef, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET
			status = 'failed',
			error_message = $1,
			progress_details = progress_details || jsonb_build_object('failure_reason', $1::text),
			completed_at = NOW(),
			updated_at = NOW()
		 WHERE status NOT IN ('completed', 'failed')
		 RETURNING id, client_id`, reason)
	if err != nil {
		return nil, classify("fail interrupted jobs", err)
	}
	refs, err := scanRefs(rows)
	if err != nil {
		return nil, classify("fail interrupted jobs", err)
	}
	return refs, nil
}

func scanRefs(rows pgx.Rows) ([]JobRef, error) {
	defer rows.Close()
	var refs []JobRef
	for rows.Next() {
		var r JobRef
		if err := rows.Scan(&r.ID, &r.ClientID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
