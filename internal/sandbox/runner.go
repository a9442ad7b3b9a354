package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// runnerRequest is the wire request for the external untrusted-code runner.
type runnerRequest struct {
	Language     string       `json:"language"`
	Files        []runnerFile `json:"files"`
	RunTimeoutMs int64        `json:"run_timeout"`
}

type runnerFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// runnerResponse is the wire response from the runner.
type runnerResponse struct {
	Run struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Code   int    `json:"code"`
		Signal string `json:"signal"`
	} `json:"run"`
}

// Runner calls the external execution backend. The backend is treated as
// unreliable: transport failures and 5xx responses are retried a bounded
// number of times within one job attempt; nothing else is.
type Runner struct {
	url            string
	language       string
	maxOutputBytes int64
	retryAttempts  int
	retryInterval  time.Duration
	http           *http.Client
	logger         *slog.Logger
}

// NewRunner creates a runner client.
func NewRunner(url, language string, maxOutputBytes int64, retryAttempts int, retryInterval time.Duration, logger *slog.Logger) *Runner {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Runner{
		url:            url,
		language:       language,
		maxOutputBytes: maxOutputBytes,
		retryAttempts:  retryAttempts,
		retryInterval:  retryInterval,
		http:           &http.Client{},
		logger:         logger,
	}
}

// Execute runs one program with the given wall-clock budget and returns its
// stdout. The budget is enforced twice: passed to the runner and applied as
// the request context deadline so a worker can never block indefinitely.
func (r *Runner) Execute(ctx context.Context, program string, wallClock time.Duration) (string, error) {
	body, err := json.Marshal(runnerRequest{
		Language:     r.language,
		Files:        []runnerFile{{Name: "main.py", Content: program}},
		RunTimeoutMs: wallClock.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode runner request: %v", ErrInfrastructure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, wallClock+2*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		stdout, retryable, err := r.execute(ctx, body)
		if err == nil {
			return stdout, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err

		r.logger.Warn("Runner call failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.retryAttempts),
			slog.Any("error", err),
		)
		if attempt < r.retryAttempts {
			select {
			case <-time.After(r.retryInterval):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}
	}

	return "", lastErr
}

// execute performs a single runner call. The bool result reports whether
// the failure class is transient and worth retrying.
func (r *Runner) execute(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to build runner request: %v", ErrInfrastructure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", false, fmt.Errorf("%w: runner call exceeded wall-clock budget", ErrTimeout)
		}
		return "", true, fmt.Errorf("%w: runner unreachable: %v", ErrInfrastructure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("%w: runner returned status %d", ErrInfrastructure, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: runner returned status %d", ErrInfrastructure, resp.StatusCode)
	}

	// The JSON envelope plus escaping stays well under 4x the output
	// ceiling, so a body hitting the cap is a print bomb.
	readCap := r.maxOutputBytes*4 + 1
	raw, err := io.ReadAll(io.LimitReader(resp.Body, readCap))
	if err != nil {
		return "", true, fmt.Errorf("%w: failed to read runner response: %v", ErrInfrastructure, err)
	}
	if int64(len(raw)) >= readCap {
		return "", false, fmt.Errorf("%w: runner response exceeded %d bytes", ErrOutputLimit, readCap-1)
	}

	var parsed runnerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("%w: unparsable runner response: %v", ErrInfrastructure, err)
	}

	if int64(len(parsed.Run.Stdout))+int64(len(parsed.Run.Stderr)) > r.maxOutputBytes {
		return "", false, fmt.Errorf("%w: run produced %d output bytes", ErrOutputLimit,
			len(parsed.Run.Stdout)+len(parsed.Run.Stderr))
	}

	if parsed.Run.Signal == "SIGKILL" || parsed.Run.Signal == "SIGXCPU" {
		return "", false, fmt.Errorf("%w: run killed by %s", ErrTimeout, parsed.Run.Signal)
	}

	return parsed.Run.Stdout, false, nil
}
