package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"reelforge/internal/model"
)

// Store is the authoritative record of every job. All reads return a
// snapshot; writes to execution fields (status, progress, result,
// error) are guarded by the caller's lease token so that only the
// current lease holder can mutate them. The one write permitted to
// race with execution is cancel_requested, which workers observe at
// checkpoints rather than synchronize on.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

const jobColumns = `id, user_id, status, progress, progress_message, stage, priority,
	payload, result, error, cancel_requested, retry_count, checkpoint_progress,
	lease_token, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		j           model.Job
		resultRaw   []byte
		errorRaw    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.Status, &j.Progress, &j.ProgressMessage, &j.Stage,
		&j.Priority, &j.Payload, &resultRaw, &errorRaw, &j.CancelRequested,
		&j.RetryCount, &j.CheckpointProgress, &j.LeaseToken,
		&j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	if len(resultRaw) > 0 {
		var r model.Result
		if err := json.Unmarshal(resultRaw, &r); err == nil {
			j.Result = &r
		}
	}
	if len(errorRaw) > 0 {
		var e model.JobError
		if err := json.Unmarshal(errorRaw, &e); err == nil {
			j.Error = &e
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// CreateJob inserts a new job row at status pending.
func (s *Store) CreateJob(ctx context.Context, id uuid.UUID, userID string, priority int32, payload json.RawMessage) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, user_id, status, priority, payload)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING `+jobColumns,
		id, userID, priority, payload)
	return scanJob(row)
}

// GetJob fetches a single job snapshot.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, model.ErrNotFound
	}
	return j, err
}

// ListJobs returns a page of jobs for a user, newest first, plus the
// total count for that user.
func (s *Store) ListJobs(ctx context.Context, userID string, limit, offset int32) ([]model.Job, int64, error) {
	var total int64
	if err := s.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// CountByStatus returns job counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.Status]int64, 5)
	for rows.Next() {
		var st model.Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// AcquireForProcessing transitions a leased job to processing and
// stamps the worker's lease token on it. Redelivery of a job that is
// already processing (a prior holder's lease expired) re-takes the
// token; terminal jobs are never acquired. The returned snapshot lets
// the worker observe cancel_requested, retry_count, and the progress
// checkpoint before running any stage.
func (s *Store) AcquireForProcessing(ctx context.Context, id uuid.UUID, leaseToken string) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', lease_token = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns,
		id, leaseToken)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		// Either unknown or already terminal.
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return model.Job{}, gerr
		}
		return model.Job{}, model.ErrConflict
	}
	return j, err
}

// UpdateProgress writes (progress, stage, message) for the lease
// holder and reports whether cancellation has been requested. The
// GREATEST guard keeps progress non-decreasing even if a stale write
// arrives late.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, leaseToken string, progress float64, stage, message string) (bool, error) {
	var cancelRequested bool
	err := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $3), stage = $4, progress_message = $5, updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'
		RETURNING cancel_requested`,
		id, leaseToken, progress, stage, message).Scan(&cancelRequested)
	if err == sql.ErrNoRows {
		return false, model.ErrLeaseLost
	}
	return cancelRequested, err
}

// RecordCheckpoint persists the progress boundary of the last fully
// completed stage. A retried job resumes from this value rather than
// from zero.
func (s *Store) RecordCheckpoint(ctx context.Context, id uuid.UUID, leaseToken string, boundary float64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET checkpoint_progress = GREATEST(checkpoint_progress, $3), updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		id, leaseToken, boundary)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

// MarkSuccess records the result and transitions processing -> success.
func (s *Store) MarkSuccess(ctx context.Context, id uuid.UUID, leaseToken string, result *model.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'success', result = $3, progress = 1.0, lease_token = '',
		    updated_at = now(), completed_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		id, leaseToken, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

// MarkFailure records the classified error and transitions
// processing -> failure.
func (s *Store) MarkFailure(ctx context.Context, id uuid.UUID, leaseToken string, jobErr *model.JobError) error {
	raw, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failure', error = $3, lease_token = '',
		    updated_at = now(), completed_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		id, leaseToken, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

// CancelPending transitions pending -> cancelled for a job whose
// cancellation was observed before any lease was taken on the record.
func (s *Store) CancelPending(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', lease_token = '', updated_at = now(), completed_at = now()
		WHERE id = $1 AND status = 'pending' AND cancel_requested`,
		id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrConflict
	}
	return nil
}

// CancelProcessing transitions processing -> cancelled at a worker
// checkpoint.
func (s *Store) CancelProcessing(ctx context.Context, id uuid.UUID, leaseToken string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', lease_token = '', updated_at = now(), completed_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'`,
		id, leaseToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

// PrepareRetry consumes one retry: processing -> pending, progress
// reset to the last recorded checkpoint, lease released.
func (s *Store) PrepareRetry(ctx context.Context, id uuid.UUID, leaseToken string) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1,
		    progress = checkpoint_progress, lease_token = '', updated_at = now()
		WHERE id = $1 AND lease_token = $2 AND status = 'processing'
		RETURNING `+jobColumns,
		id, leaseToken)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, model.ErrLeaseLost
	}
	return j, err
}

// RequestCancel sets cancel_requested on a non-terminal job and
// returns the snapshot the flag was applied to. Terminal jobs yield
// ErrConflict and are left unchanged; unknown ids yield ErrNotFound.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns,
		id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return model.Job{}, gerr
		}
		return model.Job{}, model.ErrConflict
	}
	return j, err
}

// DeleteJob removes a job row outright. Used to roll back a pending
// record whose queue entry could not be created; such a job would
// never execute but would still show up in reads.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteExpiredJobs removes terminal jobs completed before the cutoff.
func (s *Store) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('success', 'failure', 'cancelled') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
