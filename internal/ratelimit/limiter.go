package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Scope identifies one independently tuned limit.
type Scope string

const (
	// ScopeSubmit guards submission creation: low frequency, high cost.
	ScopeSubmit Scope = "submit"
	// ScopeAuth guards authentication attempts per client identity.
	ScopeAuth Scope = "auth"
	// ScopePoll guards status polling: high frequency, low cost.
	ScopePoll Scope = "poll"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Backend records request timestamps per key and admits while the sliding
// window holds fewer than limit entries. The contract is identical whether
// timestamps live in process memory or in a shared store.
type Backend interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// ScopeLimit tunes one scope.
type ScopeLimit struct {
	Limit  int
	Window time.Duration
}

// Limiter checks per-scope sliding-window limits. When the primary backend
// fails (a shared store outage), the limiter fails open to the local
// fallback rather than blocking all traffic.
type Limiter struct {
	scopes   map[Scope]ScopeLimit
	backend  Backend
	fallback Backend
	logger   *slog.Logger
}

// NewLimiter creates a limiter. fallback may be nil when backend is already
// local.
func NewLimiter(scopes map[Scope]ScopeLimit, backend, fallback Backend, logger *slog.Logger) *Limiter {
	return &Limiter{scopes: scopes, backend: backend, fallback: fallback, logger: logger}
}

// Allow checks and records one request for the given scope and key.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string) Decision {
	sc, ok := l.scopes[scope]
	if !ok || sc.Limit <= 0 {
		return Decision{Allowed: true}
	}

	fullKey := string(scope) + ":" + key
	now := time.Now()

	decision, err := l.backend.Take(ctx, fullKey, sc.Limit, sc.Window, now)
	if err == nil {
		return decision
	}

	l.logger.Warn("Rate limit backend failed, falling back",
		slog.String("scope", string(scope)),
		slog.Any("error", err),
	)

	if l.fallback != nil {
		decision, err = l.fallback.Take(ctx, fullKey, sc.Limit, sc.Window, now)
		if err == nil {
			return decision
		}
		l.logger.Error("Rate limit fallback failed",
			slog.String("scope", string(scope)),
			slog.Any("error", err),
		)
	}

	// No working backend left: admit rather than block all traffic.
	return Decision{Allowed: true}
}
