package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/larder/internal/config"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	base := serverURL
	if base == "" {
		addr, err := config.ServerAddress()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		base = "http://" + addr
	}
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is larder serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "GET", path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, "POST", path, body)
}

// apiError is a non-2xx response decoded from the server's error envelope.
type apiError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return &apiError{StatusCode: resp.StatusCode, Type: envelope.Error.Type, Message: envelope.Error.Message}
		}
		return &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
