package taskclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrTaskNotFound is returned when the task service has no such task.
var ErrTaskNotFound = errors.New("task not found")

// TestCase is one ordered test of a task definition.
type TestCase struct {
	Args     []json.RawMessage `json:"args"`
	Expected json.RawMessage   `json:"expected"`
	Hidden   bool              `json:"hidden"`
}

// Constraints are the execution constraints authored with a task.
type Constraints struct {
	DeniedTokens     []string `json:"denied_tokens"`
	AllowedImports   []string `json:"allowed_imports"`
	PerTestTimeoutMs int      `json:"per_test_timeout_ms"`
}

// TaskDefinition is the read-only task contract consumed from the
// task-authoring service.
type TaskDefinition struct {
	ID          string      `json:"id"`
	ParamNames  []string    `json:"param_names"`
	Tests       []TestCase  `json:"tests"`
	Constraints Constraints `json:"constraints"`
	Tier        string      `json:"tier"`
}

// Client fetches task definitions over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a task service client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// GetTask returns the definition for one task. Transient failures are
// retried once; a 404 maps to ErrTaskNotFound.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskDefinition, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		def, retryable, err := c.getTask(ctx, taskID)
		if err == nil {
			return def, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("Task fetch failed, retrying",
			slog.String("task_id", taskID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return nil, lastErr
}

func (c *Client) getTask(ctx context.Context, taskID string) (*TaskDefinition, bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/tasks/%s", c.baseURL, url.PathEscape(taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build task request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("task service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrTaskNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("task service returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("task service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read task response: %w", err)
	}

	var def TaskDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, false, fmt.Errorf("failed to parse task definition: %w", err)
	}

	if def.ID == "" {
		def.ID = taskID
	}

	return &def, false, nil
}
