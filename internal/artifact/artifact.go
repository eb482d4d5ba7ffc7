// Package artifact persists pipeline byproducts (raw fetches, sanitized
// text, extraction and validation payloads) to an object store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/larder/internal/recipe"
)

// Store writes an object and returns a URI that locates it.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Path returns the object path for a task artifact.
func Path(taskID string, kind recipe.ArtifactKind, ext string) string {
	return fmt.Sprintf("tasks/%s/%s%s", taskID, kind, ext)
}

// Extension picks a file extension for a content type.
func Extension(contentType string) string {
	switch {
	case strings.Contains(contentType, "html"):
		return ".html"
	case strings.Contains(contentType, "pdf"):
		return ".pdf"
	case strings.Contains(contentType, "json"):
		return ".json"
	default:
		return ".txt"
	}
}

func cleanPath(p string) (string, error) {
	p = filepath.ToSlash(filepath.Clean("/" + p))[1:]
	if p == "" || p == "." {
		return "", errors.New("empty artifact path")
	}
	return p, nil
}

// FileStore keeps artifacts under a local directory.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Put writes data to root/path. The content type is not recorded.
func (s *FileStore) Put(ctx context.Context, path string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}
