// Package search resolves a free-text recipe query to a candidate page URL.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/larder/internal/task"
)

// ErrNoResults is returned when a query yields no usable URL.
var ErrNoResults = errors.New("search returned no usable results")

// Resolver queries a SearXNG-compatible JSON search endpoint.
type Resolver struct {
	endpoint   string
	httpClient *http.Client
	suffix     string
}

// NewResolver creates a Resolver against endpoint (for example
// "http://localhost:8888/search"). suffix is appended to every query,
// typically "recipe".
func NewResolver(endpoint, suffix string) *Resolver {
	return &Resolver{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		suffix:     suffix,
	}
}

type searchResponse struct {
	Results []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"results"`
}

// Resolve returns the first http(s) result URL for query.
func (r *Resolver) Resolve(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", task.Errorf(task.CodeExtractionFailed, "empty search query")
	}
	q := query
	if r.suffix != "" && !strings.Contains(strings.ToLower(q), strings.ToLower(r.suffix)) {
		q += " " + r.suffix
	}

	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing search endpoint: %w", err)
	}
	params := u.Query()
	params.Set("q", q)
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", task.Wrap(task.CodeTransient, err, "search request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", task.Errorf(task.CodeTransient, "search returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("search returned status %d: %s", resp.StatusCode, body)
	}

	var sr searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding search response: %w", err)
	}
	for _, res := range sr.Results {
		ru, err := url.Parse(res.URL)
		if err != nil || ru.Host == "" {
			continue
		}
		if ru.Scheme == "http" || ru.Scheme == "https" {
			return ru.String(), nil
		}
	}
	return "", task.Wrap(task.CodeExtractionFailed, ErrNoResults, "no results for %q", query)
}
