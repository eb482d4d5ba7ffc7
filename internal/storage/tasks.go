package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/task"
)

const taskColumns = `id, thread_id, agent, mode, payload, metadata_json, status, progress, phase,
	error, error_code, draft_json, review_ready_at, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Record, error) {
	var (
		r                      task.Record
		mode, status, code     string
		metaJSON               string
		draftJSON, reviewReady sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&r.Task.ID, &r.Task.ThreadID, &r.Task.Agent, &mode, &r.Task.Payload, &metaJSON,
		&status, &r.Progress, &r.Phase, &r.Error, &code, &draftJSON, &reviewReady,
		&createdAt, &updatedAt, &r.Version)
	if err != nil {
		return task.Record{}, err
	}
	r.Task.Mode = task.Mode(mode)
	r.Status = task.Status(status)
	r.ErrorCode = task.Code(code)

	if err := json.Unmarshal([]byte(metaJSON), &r.Task.Metadata); err != nil {
		return task.Record{}, fmt.Errorf("decoding metadata for task %s: %w", r.Task.ID, err)
	}
	if draftJSON.Valid && draftJSON.String != "" {
		var d recipe.Draft
		if err := json.Unmarshal([]byte(draftJSON.String), &d); err != nil {
			return task.Record{}, fmt.Errorf("decoding draft for task %s: %w", r.Task.ID, err)
		}
		r.Draft = &d
	}
	if reviewReady.Valid && reviewReady.String != "" {
		t, err := parseTime(reviewReady.String)
		if err != nil {
			return task.Record{}, fmt.Errorf("parsing review_ready_at for task %s: %w", r.Task.ID, err)
		}
		r.ReviewReadyAt = &t
	}
	if r.Task.CreatedAt, err = parseTime(createdAt); err != nil {
		return task.Record{}, fmt.Errorf("parsing created_at for task %s: %w", r.Task.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return task.Record{}, fmt.Errorf("parsing updated_at for task %s: %w", r.Task.ID, err)
	}
	return r, nil
}

// encodeTask returns the mutable column values of r.
func encodeTask(r task.Record) (meta string, draft, reviewReady sql.NullString, err error) {
	metadata := r.Task.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", draft, reviewReady, fmt.Errorf("encoding metadata: %w", err)
	}
	if r.Draft != nil {
		d, err := json.Marshal(r.Draft)
		if err != nil {
			return "", draft, reviewReady, fmt.Errorf("encoding draft: %w", err)
		}
		draft = sql.NullString{String: string(d), Valid: true}
	}
	if r.ReviewReadyAt != nil {
		reviewReady = sql.NullString{String: formatTime(*r.ReviewReadyAt), Valid: true}
	}
	return string(b), draft, reviewReady, nil
}

// CreateTask inserts a new task record at version 1 and returns it.
func (s *Store) CreateTask(ctx context.Context, r task.Record) (task.Record, error) {
	now := time.Now().UTC()
	if r.Task.CreatedAt.IsZero() {
		r.Task.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = task.StatusPending
	}
	r.UpdatedAt = now
	r.Version = 1

	meta, draft, reviewReady, err := encodeTask(r)
	if err != nil {
		return task.Record{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Task.ID, r.Task.ThreadID, r.Task.Agent, string(r.Task.Mode), r.Task.Payload, meta,
		string(r.Status), r.Progress, r.Phase, r.Error, string(r.ErrorCode), draft, reviewReady,
		formatTime(r.Task.CreatedAt), formatTime(r.UpdatedAt), r.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return task.Record{}, fmt.Errorf("task %s: %w", r.Task.ID, ErrAlreadyExists)
		}
		return task.Record{}, fmt.Errorf("inserting task %s: %w", r.Task.ID, err)
	}
	r.Task.CreatedAt, _ = parseTime(formatTime(r.Task.CreatedAt))
	r.UpdatedAt, _ = parseTime(formatTime(r.UpdatedAt))
	return r, nil
}

// GetTask loads a task record.
func (s *Store) GetTask(ctx context.Context, id string) (task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	r, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, ErrNotFound
	}
	if err != nil {
		return task.Record{}, err
	}
	return r, nil
}

// UpdateTask writes r if the stored version still equals r.Version and
// returns the record with its new version. A stale version yields
// ErrVersionConflict and leaves the row untouched.
func (s *Store) UpdateTask(ctx context.Context, r task.Record) (task.Record, error) {
	meta, draft, reviewReady, err := encodeTask(r)
	if err != nil {
		return task.Record{}, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
			metadata_json = ?, status = ?, progress = ?, phase = ?, error = ?, error_code = ?,
			draft_json = ?, review_ready_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		meta, string(r.Status), r.Progress, r.Phase, r.Error, string(r.ErrorCode),
		draft, reviewReady, formatTime(now), r.Task.ID, r.Version,
	)
	if err != nil {
		return task.Record{}, fmt.Errorf("updating task %s: %w", r.Task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.Record{}, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, r.Task.ID).Scan(&exists); err != nil {
			return task.Record{}, fmt.Errorf("checking task %s: %w", r.Task.ID, err)
		}
		if exists == 0 {
			return task.Record{}, ErrNotFound
		}
		return task.Record{}, fmt.Errorf("task %s at version %d: %w", r.Task.ID, r.Version, ErrVersionConflict)
	}
	r.Version++
	r.UpdatedAt, _ = parseTime(formatTime(now))
	return r, nil
}

// ListTasks returns the most recent tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status task.Status, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTasks(ctx, query, args...)
}

// ListReviewReadyBefore returns tasks awaiting review that entered
// ReviewReady at or before cutoff, oldest first.
func (s *Store) ListReviewReadyBefore(ctx context.Context, cutoff time.Time, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND review_ready_at IS NOT NULL AND review_ready_at <= ?
		ORDER BY review_ready_at ASC LIMIT ?`,
		string(task.StatusReviewReady), formatTime(cutoff), limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]task.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Record
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
