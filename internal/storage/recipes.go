package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/larder/internal/recipe"
)

const recipeColumns = `id, task_id, content_json, source_json, created_at, updated_at`

func scanRecipe(row rowScanner) (recipe.Recipe, error) {
	var (
		r                    recipe.Recipe
		content, source      string
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.TaskID, &content, &source, &createdAt, &updatedAt); err != nil {
		return recipe.Recipe{}, err
	}
	if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decoding recipe %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(source), &r.Source); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decoding source of recipe %s: %w", r.ID, err)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return recipe.Recipe{}, fmt.Errorf("parsing created_at for recipe %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return recipe.Recipe{}, fmt.Errorf("parsing updated_at for recipe %s: %w", r.ID, err)
	}
	return r, nil
}

// SaveRecipe inserts a committed recipe. A task can own at most one
// recipe; a second insert for the same task returns ErrAlreadyExists.
func (s *Store) SaveRecipe(ctx context.Context, r recipe.Recipe) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Errorf("encoding recipe: %w", err)
	}
	source, err := json.Marshal(r.Source)
	if err != nil {
		return fmt.Errorf("encoding source: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipes (id, task_id, name, url_hash, content_json, source_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Content.Name, r.Source.URLHash, string(content), string(source),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recipe for task %s: %w", r.TaskID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting recipe %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) getRecipeWhere(ctx context.Context, where string, args ...any) (recipe.Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE `+where+` ORDER BY created_at ASC LIMIT 1`, args...)
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recipe.Recipe{}, ErrNotFound
	}
	return r, err
}

func (s *Store) GetRecipe(ctx context.Context, id string) (recipe.Recipe, error) {
	return s.getRecipeWhere(ctx, "id = ?", id)
}

// FindRecipeByURLHash returns the oldest committed recipe whose source has
// the given normalized-URL hash and that was not committed from
// excludeTaskID.
func (s *Store) FindRecipeByURLHash(ctx context.Context, hash, excludeTaskID string) (recipe.Recipe, error) {
	if hash == "" {
		return recipe.Recipe{}, ErrNotFound
	}
	return s.getRecipeWhere(ctx, "url_hash = ? AND task_id <> ?", hash, excludeTaskID)
}

// FindRecipeByTaskID returns the recipe committed from a task.
func (s *Store) FindRecipeByTaskID(ctx context.Context, taskID string) (recipe.Recipe, error) {
	return s.getRecipeWhere(ctx, "task_id = ?", taskID)
}

// DeleteRecipe removes a recipe. It is used to undo a recipe written for a
// task that was concurrently moved to another terminal state.
func (s *Store) DeleteRecipe(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting recipe %s: %w", id, err)
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
