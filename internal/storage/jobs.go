package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueJob inserts a pending job. MaxAttempts defaults to 3 and RunAfter
// to now.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob moves the oldest runnable pending job of one of types to
// running and returns it, or nil when there is none.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried after 2^attempts
// seconds until max_attempts is reached, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
