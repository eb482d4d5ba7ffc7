// Package postgres is the PostgreSQL implementation of the durable store,
// for deployments that run several workers against one database.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Tasks ---

const taskColumns = `id, thread_id, agent, mode, payload, metadata, status, progress, phase,
	error, error_code, draft, review_ready_at, created_at, updated_at, version`

func scanTask(row pgx.Row) (task.Record, error) {
	var (
		r                  task.Record
		mode, status, code string
		meta, draft        []byte
	)
	err := row.Scan(&r.Task.ID, &r.Task.ThreadID, &r.Task.Agent, &mode, &r.Task.Payload, &meta,
		&status, &r.Progress, &r.Phase, &r.Error, &code, &draft, &r.ReviewReadyAt,
		&r.Task.CreatedAt, &r.UpdatedAt, &r.Version)
	if err != nil {
		return task.Record{}, err
	}
	r.Task.Mode = task.Mode(mode)
	r.Status = task.Status(status)
	r.ErrorCode = task.Code(code)
	if err := json.Unmarshal(meta, &r.Task.Metadata); err != nil {
		return task.Record{}, fmt.Errorf("decoding metadata for task %s: %w", r.Task.ID, err)
	}
	if len(draft) > 0 {
		var d recipe.Draft
		if err := json.Unmarshal(draft, &d); err != nil {
			return task.Record{}, fmt.Errorf("decoding draft for task %s: %w", r.Task.ID, err)
		}
		r.Draft = &d
	}
	return r, nil
}

func encodeTask(r task.Record) (meta, draft []byte, err error) {
	metadata := r.Task.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if meta, err = json.Marshal(metadata); err != nil {
		return nil, nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if r.Draft != nil {
		if draft, err = json.Marshal(r.Draft); err != nil {
			return nil, nil, fmt.Errorf("encoding draft: %w", err)
		}
	}
	return meta, draft, nil
}

func (s *Store) CreateTask(ctx context.Context, r task.Record) (task.Record, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if r.Task.CreatedAt.IsZero() {
		r.Task.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = task.StatusPending
	}
	r.UpdatedAt = now
	r.Version = 1

	meta, draft, err := encodeTask(r)
	if err != nil {
		return task.Record{}, err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.Task.ID, r.Task.ThreadID, r.Task.Agent, string(r.Task.Mode), r.Task.Payload, meta,
		string(r.Status), r.Progress, r.Phase, r.Error, string(r.ErrorCode), draft, r.ReviewReadyAt,
		r.Task.CreatedAt, r.UpdatedAt, r.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return task.Record{}, fmt.Errorf("task %s: %w", r.Task.ID, storage.ErrAlreadyExists)
		}
		return task.Record{}, fmt.Errorf("create task %s: %w", r.Task.ID, err)
	}
	return r, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Record, error) {
	r, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return r, nil
}

// UpdateTask writes r only if the stored version equals r.Version.
func (s *Store) UpdateTask(ctx context.Context, r task.Record) (task.Record, error) {
	meta, draft, err := encodeTask(r)
	if err != nil {
		return task.Record{}, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET
			metadata = $1, status = $2, progress = $3, phase = $4, error = $5, error_code = $6,
			draft = $7, review_ready_at = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		meta, string(r.Status), r.Progress, r.Phase, r.Error, string(r.ErrorCode),
		draft, r.ReviewReadyAt, now, r.Task.ID, r.Version,
	)
	if err != nil {
		return task.Record{}, fmt.Errorf("update task %s: %w", r.Task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, r.Task.ID).Scan(&exists); err != nil {
			return task.Record{}, fmt.Errorf("check task %s: %w", r.Task.ID, err)
		}
		if !exists {
			return task.Record{}, storage.ErrNotFound
		}
		return task.Record{}, fmt.Errorf("task %s at version %d: %w", r.Task.ID, r.Version, storage.ErrVersionConflict)
	}
	r.Version++
	r.UpdatedAt = now
	return r, nil
}

func (s *Store) ListTasks(ctx context.Context, status task.Status, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
}

func (s *Store) ListReviewReadyBefore(ctx context.Context, cutoff time.Time, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND review_ready_at IS NOT NULL AND review_ready_at <= $2
		ORDER BY review_ready_at ASC LIMIT $3`,
		string(task.StatusReviewReady), cutoff, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]task.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
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

// --- Recipes ---

func (s *Store) SaveRecipe(ctx context.Context, r recipe.Recipe) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Errorf("encoding recipe: %w", err)
	}
	source, err := json.Marshal(r.Source)
	if err != nil {
		return fmt.Errorf("encoding source: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipes (id, task_id, name, url_hash, content, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TaskID, r.Content.Name, r.Source.URLHash, content, source, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recipe for task %s: %w", r.TaskID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("insert recipe %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) getRecipeWhere(ctx context.Context, where string, args ...any) (recipe.Recipe, error) {
	var (
		r               recipe.Recipe
		content, source []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, task_id, content, source, created_at, updated_at
		FROM recipes WHERE `+where+` ORDER BY created_at ASC LIMIT 1`, args...).
		Scan(&r.ID, &r.TaskID, &content, &source, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return recipe.Recipe{}, storage.ErrNotFound
	}
	if err != nil {
		return recipe.Recipe{}, fmt.Errorf("get recipe: %w", err)
	}
	if err := json.Unmarshal(content, &r.Content); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decoding recipe %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(source, &r.Source); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decoding source of recipe %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) GetRecipe(ctx context.Context, id string) (recipe.Recipe, error) {
	return s.getRecipeWhere(ctx, "id = $1", id)
}

func (s *Store) FindRecipeByURLHash(ctx context.Context, hash, excludeTaskID string) (recipe.Recipe, error) {
	if hash == "" {
		return recipe.Recipe{}, storage.ErrNotFound
	}
	return s.getRecipeWhere(ctx, "url_hash = $1 AND task_id <> $2", hash, excludeTaskID)
}

func (s *Store) FindRecipeByTaskID(ctx context.Context, taskID string) (recipe.Recipe, error) {
	return s.getRecipeWhere(ctx, "task_id = $1", taskID)
}

func (s *Store) DeleteRecipe(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recipes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recipe %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) error {
	now := time.Now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob claims one runnable job. Concurrent workers skip rows
// another transaction has locked.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var (
		j         storage.Job
		lastError *string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		types,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		attempts++
		now := time.Now().UTC()
		if attempts >= maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
				attempts, errMsg, now, id)
			return err
		}
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, now.Add(backoff), now, id)
		return err
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	var (
		j         storage.Job
		lastError *string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = $1`, id).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

var _ storage.Backend = (*Store)(nil)
