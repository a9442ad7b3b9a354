package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// Executor runs one synthesized program against the external backend.
// Satisfied by *Runner; faked in tests.
type Executor interface {
	Execute(ctx context.Context, program string, wallClock time.Duration) (string, error)
}

// Config holds adapter time budgets.
type Config struct {
	PerTestTimeout time.Duration
	MaxWallClock   time.Duration
}

// Adapter turns user code plus a batch of test cases into one guarded
// program, runs it, and interprets the output defensively.
type Adapter struct {
	executor Executor
	config   Config
	logger   *slog.Logger
}

// NewAdapter creates an execution adapter.
func NewAdapter(executor Executor, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{executor: executor, config: cfg, logger: logger}
}

// BatchSpec describes one batch execution.
type BatchSpec struct {
	Code       string
	ParamNames []string
	Cases      []TestCase
	// AllowedImports are the modules the task grants; they are imported
	// by the synthesized harness, not by the expression.
	AllowedImports []string
	// PerTestTimeout overrides the adapter default when positive
	// (task constraints carry their own budget).
	PerTestTimeout time.Duration
}

// RunBatch executes the spec and returns a trusted verdict. The returned
// error is always one of the sandbox failure classes (infrastructure,
// timeout, output limit); a wrong answer is not an error but a fail
// outcome inside the result.
func (a *Adapter) RunBatch(ctx context.Context, spec BatchSpec) (*BatchResult, error) {
	token, err := newMarkerToken()
	if err != nil {
		return nil, err
	}

	program, err := buildProgram(spec.Code, spec.ParamNames, spec.Cases, spec.AllowedImports, token)
	if err != nil {
		return nil, err
	}

	wallClock := a.wallClockBudget(spec)

	a.logger.Debug("Running submission batch",
		slog.Int("test_count", len(spec.Cases)),
		slog.Duration("wall_clock", wallClock),
	)

	started := time.Now()
	stdout, err := a.executor.Execute(ctx, program, wallClock)
	runtime := time.Since(started)
	if err != nil {
		return nil, err
	}

	result, err := parseBatchOutput(stdout, token, spec.Cases)
	if err != nil {
		return nil, err
	}
	result.RuntimeMs = runtime.Milliseconds()

	return result, nil
}

// wallClockBudget scales the per-test budget by batch size and caps it at
// the absolute ceiling.
func (a *Adapter) wallClockBudget(spec BatchSpec) time.Duration {
	perTest := a.config.PerTestTimeout
	if spec.PerTestTimeout > 0 {
		perTest = spec.PerTestTimeout
	}
	budget := perTest * time.Duration(len(spec.Cases))
	if budget <= 0 || budget > a.config.MaxWallClock {
		budget = a.config.MaxWallClock
	}
	return budget
}
