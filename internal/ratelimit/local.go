package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalBackend keeps sliding windows in process memory. State resets on
// restart and is size-capped to bound memory; instances do not share limits.
type LocalBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	maxKeys int
}

// NewLocalBackend creates a local backend holding at most maxKeys windows.
func NewLocalBackend(maxKeys int) *LocalBackend {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &LocalBackend{
		windows: make(map[string][]time.Time),
		maxKeys: maxKeys,
	}
}

// Take implements Backend.
func (b *LocalBackend) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	kept := prune(b.windows[key], cutoff)

	if len(kept) >= limit {
		b.windows[key] = kept
		// the oldest surviving entry leaving the window frees a slot
		return Decision{
			Allowed:    false,
			RetryAfter: kept[0].Add(window).Sub(now),
		}, nil
	}

	if _, exists := b.windows[key]; !exists && len(b.windows) >= b.maxKeys {
		b.evictStale(cutoff)
	}

	b.windows[key] = append(kept, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(kept) - 1,
	}, nil
}

func prune(entries []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(entries) && !entries[idx].After(cutoff) {
		idx++
	}
	return entries[idx:]
}

// evictStale drops windows whose newest entry has already expired. If every
// window is still live the cap is allowed to overshoot; windows are small
// and the next sweep reclaims them.
func (b *LocalBackend) evictStale(cutoff time.Time) {
	for key, entries := range b.windows {
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(b.windows, key)
		}
	}
}
